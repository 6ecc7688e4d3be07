package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/memyselfmike/agiled/pkg/models"
	"github.com/memyselfmike/agiled/pkg/persistence"
	"github.com/memyselfmike/agiled/pkg/persistence/postgresql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	if os.Getenv("DOCKER_HOST") == "" {
		if _, err := os.Stat("/var/run/docker.sock"); err != nil {
			t.Skip("docker not available, skipping postgres integration tests")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("agiled_test"),
			postgres.WithUsername("agiled"),
			postgres.WithPassword("agiled"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	resetDB(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		resetDB(ctx, t, databaseURL)

		require.NoError(t, p.Close(ctx))
		cancel()
	})

	return p, ctx, databaseURL
}

func resetDB(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() { _ = db.Close() }()

	_, err = db.ExecContext(ctx, `DROP TABLE IF EXISTS changelog, entities, schema_migrations`)
	require.NoError(t, err)
}

func testEntity() *models.Entity {
	now := time.Now().UTC().Truncate(time.Microsecond)

	return &models.Entity{
		ID:        uuid.NewString(),
		Kind:      models.EntityKindStory,
		Title:     "Integration test story",
		State:     models.StateBacklog,
		History:   []models.TransitionRecord{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() { _ = db.Close() }()

	for _, table := range []string{"entities", "changelog"} {
		var exists bool

		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}
}

func TestEntityRepository_Lifecycle(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	entity := testEntity()
	require.NoError(t, p.Entities().Create(ctx, entity))

	err := p.Entities().Create(ctx, entity)
	assert.ErrorIs(t, err, persistence.ErrEntityAlreadyExists)

	got, err := p.Entities().GetByID(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.Title, got.Title)
	assert.Equal(t, int64(0), got.Revision)

	// Commit a transition at the stored revision.
	updated := got.Clone()
	updated.State = models.StateReady
	updated.Revision = 1
	updated.History = append(updated.History, models.TransitionRecord{
		From: models.StateBacklog, To: models.StateReady, Revision: 1,
		Actor: "po", OccurredAt: time.Now().UTC().Truncate(time.Microsecond),
	})
	require.NoError(t, p.Entities().UpdateCommitted(ctx, updated, 0))

	// A stale writer is refused by the database-side guard.
	stale := got.Clone()
	stale.State = models.StateInProgress
	stale.Revision = 1
	err = p.Entities().UpdateCommitted(ctx, stale, 0)
	assert.True(t, persistence.IsRevisionConflict(err))

	final, err := p.Entities().GetByID(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateReady, final.State)
	assert.Equal(t, int64(1), final.Revision)
	require.Len(t, final.History, 1)
}

func TestEntityRepository_List(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	story := testEntity()
	require.NoError(t, p.Entities().Create(ctx, story))

	epic := testEntity()
	epic.Kind = models.EntityKindEpic
	epic.State = models.StateReady
	require.NoError(t, p.Entities().Create(ctx, epic))

	epics, err := p.Entities().List(ctx, persistence.ListEntitiesOptions{Kind: models.EntityKindEpic})
	require.NoError(t, err)
	require.Len(t, epics, 1)
	assert.Equal(t, epic.ID, epics[0].ID)

	ready, err := p.Entities().List(ctx, persistence.ListEntitiesOptions{
		Kind:  models.EntityKindEpic,
		State: models.StateReady,
	})
	require.NoError(t, err)
	require.Len(t, ready, 1)
}

func TestChangelog_AppendAndReadBack(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	entityID := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)

	for revision := int64(1); revision <= 3; revision++ {
		require.NoError(t, p.Changelog().Append(ctx, persistence.ChangelogRecord{
			EntityID:   entityID,
			Revision:   revision,
			From:       models.StateBacklog,
			To:         models.StateReady,
			Actor:      "po",
			OccurredAt: now,
		}))
	}

	records, err := p.Changelog().Records(ctx, entityID)
	require.NoError(t, err)
	require.Len(t, records, 3)

	for i, record := range records {
		assert.Equal(t, int64(i+1), record.Revision)
	}
}
