package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"

	"github.com/codeready-toolchain/squadron/pkg/metrics"
	"github.com/codeready-toolchain/squadron/pkg/store"
)

// NotifyListener holds a dedicated PostgreSQL connection LISTENing on the
// single event channel and feeds received payloads into the bus. It is
// how this replica observes events published by the others.
//
// A single static channel keeps the connection handling simple: exactly
// one LISTEN at connect time, no subscribe traffic racing the receive
// loop.
type NotifyListener struct {
	connString string
	bus        *Bus

	conn   *pgx.Conn
	connMu sync.Mutex

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewNotifyListener creates the listener. Start establishes the
// connection.
func NewNotifyListener(connString string, b *Bus) *NotifyListener {
	return &NotifyListener{connString: connString, bus: b}
}

// Start connects, LISTENs, and launches the receive loop.
func (l *NotifyListener) Start(ctx context.Context) error {
	conn, err := l.connect(ctx)
	if err != nil {
		return err
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("Notification listener started", "channel", store.NotifyChannel)
	return nil
}

func (l *NotifyListener) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect for LISTEN: %w", err)
	}
	sanitized := pgx.Identifier{store.NotifyChannel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+sanitized); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("LISTEN %s failed: %w", sanitized, err)
	}
	return conn, nil
}

// receiveLoop is the sole goroutine touching the connection.
func (l *NotifyListener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()

		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Notification receive error", "error", err)
			l.reconnect(ctx)
			continue
		}

		dispatchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		l.bus.Dispatch(dispatchCtx, []byte(notification.Payload))
		cancel()
	}
}

// reconnect re-establishes the connection with exponential backoff.
func (l *NotifyListener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
	l.connMu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		metrics.NotifyReconnects.Inc()
		conn, err := l.connect(ctx)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err)
			return err
		}
		l.connMu.Lock()
		l.conn = conn
		l.connMu.Unlock()
		slog.Info("Notification listener reconnected")
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil && ctx.Err() == nil {
		slog.Error("Giving up on LISTEN reconnection", "error", err)
	}
}

// Stop ends the receive loop and closes the connection.
func (l *NotifyListener) Stop(ctx context.Context) {
	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}
