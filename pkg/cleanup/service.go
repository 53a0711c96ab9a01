// Package cleanup provides data retention enforcement.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/squadron/pkg/config"
)

// Pruner deletes event rows belonging to executions that went terminal
// before the retention cutoff. Satisfied by *store.Store.
type Pruner interface {
	PruneEvents(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Service periodically prunes the event log of long-finished executions.
// The delete is idempotent and safe to run from multiple replicas.
type Service struct {
	config *config.RetentionConfig
	pruner Pruner

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new retention janitor.
func NewService(cfg *config.RetentionConfig, pruner Pruner) *Service {
	return &Service{
		config: cfg,
		pruner: pruner,
	}
}

// Start launches the background janitor loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention janitor started",
		"event_ttl", s.config.EventTTL,
		"interval", s.config.JanitorInterval)
}

// Stop signals the janitor loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention janitor stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.pruneOnce(ctx)

	ticker := time.NewTicker(s.config.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pruneOnce(ctx)
		}
	}
}

func (s *Service) pruneOnce(ctx context.Context) {
	count, err := s.pruner.PruneEvents(ctx, s.config.EventTTL)
	if err != nil {
		slog.Error("Retention: event prune failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned events of finished executions", "count", count)
	}
}
