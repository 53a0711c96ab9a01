package store

import (
	"context"
	stdsql "database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestStore creates a store against a real PostgreSQL.
// In CI (CI_DATABASE_URL set): connects to the external service container.
// Locally: spins up a testcontainer.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		t.Log("Using testcontainers for PostgreSQL")
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)

		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	require.NoError(t, runMigrations(db, "test"))

	st := NewFromDB(db)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// seedCatalog inserts the read-only rows an execution references.
func seedCatalog(t *testing.T, st *Store, org, squad, task string) {
	t.Helper()
	ctx := context.Background()
	_, err := st.db.ExecContext(ctx,
		`INSERT INTO organizations (org_id, name) VALUES ($1, $1) ON CONFLICT DO NOTHING`, org)
	require.NoError(t, err)
	_, err = st.db.ExecContext(ctx, `
		INSERT INTO squads (squad_id, org_id, name, pipeline)
		VALUES ($1, $2, $1, '[]'::jsonb) ON CONFLICT DO NOTHING`, squad, org)
	require.NoError(t, err)
	_, err = st.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, org_id, squad_id, title)
		VALUES ($1, $2, $3, 'test task') ON CONFLICT DO NOTHING`, task, org, squad)
	require.NoError(t, err)
}

func TestStore_Health(t *testing.T) {
	st := newTestStore(t)

	health, err := st.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Greater(t, health.MaxOpenConns, 0)
}

func TestLoadConfigFromEnv(t *testing.T) {
	envKeys := []string{"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSLMODE"}
	for _, key := range envKeys {
		os.Unsetenv(key)
	}
	t.Cleanup(func() {
		for _, key := range envKeys {
			os.Unsetenv(key)
		}
	})

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "disable", cfg.SSLMode)

	os.Setenv("DB_PORT", "not-a-number")
	_, err = LoadConfigFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid DB_PORT")
}

func TestConfig_DSN(t *testing.T) {
	cfg := Config{
		Host: "db.internal", Port: 5433, User: "svc",
		Password: "secret", Database: "squadron", SSLMode: "require",
	}
	assert.Equal(t,
		"host=db.internal port=5433 user=svc password=secret dbname=squadron sslmode=require",
		cfg.DSN())
}
