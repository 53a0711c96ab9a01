package cache

import (
	"context"

	"github.com/codeready-toolchain/squadron/pkg/models"
)

// Loader is the subset of the store the catalog reads through. The store
// satisfies it directly.
type Loader interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
	GetOrganization(ctx context.Context, orgID string) (*models.Organization, error)
	GetSquad(ctx context.Context, squadID string) (*models.Squad, error)
	GetSquadMembers(ctx context.Context, squadID string) ([]models.SquadMember, error)
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	GetExecution(ctx context.Context, executionID string) (*models.Execution, error)
}

// Catalog binds the generic cache to the store's typed reads. All hot-path
// lookups in the engine and services go through here.
type Catalog struct {
	cache  *Cache
	loader Loader
}

// NewCatalog creates the typed read-through facade.
func NewCatalog(cache *Cache, loader Loader) *Catalog {
	return &Catalog{cache: cache, loader: loader}
}

// User returns the user row, cached.
func (g *Catalog) User(ctx context.Context, userID string) (*models.User, error) {
	return lookup(ctx, g.cache, EntityUser, userID, func(ctx context.Context) (*models.User, error) {
		return g.loader.GetUser(ctx, userID)
	})
}

// Organization returns the organization row, cached.
func (g *Catalog) Organization(ctx context.Context, orgID string) (*models.Organization, error) {
	return lookup(ctx, g.cache, EntityOrg, orgID, func(ctx context.Context) (*models.Organization, error) {
		return g.loader.GetOrganization(ctx, orgID)
	})
}

// Squad returns the squad definition with its pipeline, cached.
func (g *Catalog) Squad(ctx context.Context, squadID string) (*models.Squad, error) {
	return lookup(ctx, g.cache, EntitySquad, squadID, func(ctx context.Context) (*models.Squad, error) {
		return g.loader.GetSquad(ctx, squadID)
	})
}

// Members returns the squad roster, cached.
func (g *Catalog) Members(ctx context.Context, squadID string) ([]models.SquadMember, error) {
	return lookup(ctx, g.cache, EntityMembers, squadID, func(ctx context.Context) ([]models.SquadMember, error) {
		return g.loader.GetSquadMembers(ctx, squadID)
	})
}

// Task returns the task row, cached.
func (g *Catalog) Task(ctx context.Context, taskID string) (*models.Task, error) {
	return lookup(ctx, g.cache, EntityTask, taskID, func(ctx context.Context) (*models.Task, error) {
		return g.loader.GetTask(ctx, taskID)
	})
}

// ExecutionSnapshot returns the execution's API read model with a short
// TTL, so the status endpoint survives polling storms without hammering
// the store.
func (g *Catalog) ExecutionSnapshot(ctx context.Context, executionID string) (*models.Snapshot, error) {
	return lookup(ctx, g.cache, EntityExecution, executionID, func(ctx context.Context) (*models.Snapshot, error) {
		e, err := g.loader.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		return models.SnapshotOf(e), nil
	})
}

// InvalidateExecution drops the cached snapshot after a status-changing
// write, so polls observe the transition before the TTL would expire it.
func (g *Catalog) InvalidateExecution(ctx context.Context, executionID string) error {
	return g.cache.Invalidate(ctx, EntityExecution, executionID)
}

// InvalidateSquad drops a squad's cached definition and roster.
func (g *Catalog) InvalidateSquad(ctx context.Context, squadID string) error {
	return g.cache.InvalidateSquad(ctx, squadID)
}
