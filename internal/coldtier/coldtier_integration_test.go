//go:build integration

package coldtier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	dbpostgres "github.com/pulsehub/profile-engine/internal/database/postgres"
)

const profileDocumentsSchema = `
CREATE TABLE IF NOT EXISTS profile_documents (
	user_id              TEXT PRIMARY KEY,
	data_version         BIGINT NOT NULL DEFAULT 1,
	status               TEXT NOT NULL DEFAULT 'ACTIVE',
	city                 TEXT,
	device_class         TEXT,
	industry             TEXT,
	interests            TEXT[] NOT NULL DEFAULT ARRAY[]::text[],
	value_score          INTEGER NOT NULL DEFAULT 0,
	extended_properties  JSONB NOT NULL DEFAULT '{}'::jsonb,
	social_media         JSONB NOT NULL DEFAULT '{}'::jsonb,
	computed_metrics     JSONB NOT NULL DEFAULT '{}'::jsonb,
	tags                 TEXT[] NOT NULL DEFAULT ARRAY[]::text[],
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT chk_profile_documents_status
		CHECK (status IN ('ACTIVE', 'ARCHIVED', 'DELETED'))
);
`

// setupTestRepository starts a disposable PostgreSQL container via
// testcontainers, applies the profile_documents schema, and returns a
// PostgresRepository bound to it. The container is terminated on cleanup.
func setupTestRepository(t *testing.T) *PostgresRepository {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("pulsehub_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	pool := dbpostgres.NewPostgresPool(&dbpostgres.PostgresConfig{
		Host:              host,
		Port:              port.Int(),
		Database:          "pulsehub_test",
		User:              "test",
		Password:          "test",
		SSLMode:           "disable",
		MaxConns:          5,
		MinConns:          1,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   5 * time.Minute,
		HealthCheckPeriod: 30 * time.Second,
		ConnectTimeout:    10 * time.Second,
	}, nil)
	require.NoError(t, pool.Connect(ctx))
	t.Cleanup(func() { _ = pool.Disconnect(context.Background()) })

	_, err = pool.Exec(ctx, profileDocumentsSchema)
	require.NoError(t, err)

	return NewPostgresRepository(pool, nil)
}

func TestIntegration_UpsertDocument_InsertThenUpdateBumpsDataVersion(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()

	doc, err := repo.UpsertDocument(ctx, SnapshotInput{
		UserID:      "U1",
		City:        "Berlin",
		DeviceClass: "MOBILE",
		ValueScore:  10,
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), doc.DataVersion)
	require.Equal(t, StatusActive, doc.Status)

	updated, err := repo.UpsertDocument(ctx, SnapshotInput{
		UserID:      "U1",
		City:        "Munich",
		DeviceClass: "DESKTOP",
		ValueScore:  20,
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.DataVersion)
	require.Equal(t, "Munich", updated.City)
}

func TestIntegration_GetActive_ExcludesDeleted(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()

	_, err := repo.UpsertDocument(ctx, SnapshotInput{UserID: "U2", City: "Paris"})
	require.NoError(t, err)

	require.NoError(t, repo.MarkDeleted(ctx, "U2"))

	_, ok, err := repo.GetActive(ctx, "U2")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIntegration_MarkDeleted_AbsentUserReturnsNotFound(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()

	err := repo.MarkDeleted(ctx, "absent")
	require.Error(t, err)
}

func TestIntegration_FindByCity_ReturnsOnlyMatchingActiveDocuments(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()

	_, err := repo.UpsertDocument(ctx, SnapshotInput{UserID: "U3", City: "Rome"})
	require.NoError(t, err)
	_, err = repo.UpsertDocument(ctx, SnapshotInput{UserID: "U4", City: "Milan"})
	require.NoError(t, err)

	docs, err := repo.FindByCity(ctx, "Rome", 10, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "U3", docs[0].UserID)
}
