package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"
	"github.com/memyselfmike/agiled/pkg/models"
	"github.com/memyselfmike/agiled/pkg/persistence"
)

// EntityRepository stores entities in the entities table. The revision guard
// in UpdateCommitted rides on the WHERE clause, so the database enforces the
// compare-and-swap even across processes.
type EntityRepository struct {
	db *sql.DB
}

func NewEntityRepository(db *sql.DB) *EntityRepository {
	return &EntityRepository{db: db}
}

func (r *EntityRepository) Create(ctx context.Context, entity *models.Entity) error {
	history, err := json.Marshal(entity.History)
	if err != nil {
		return persistence.NewEntityError("Create", entity.ID, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO entities (id, kind, title, state, revision, history, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entity.ID, entity.Kind, entity.Title, entity.State, entity.Revision,
		history, entity.CreatedAt, entity.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return persistence.NewEntityError("Create", entity.ID, persistence.ErrEntityAlreadyExists)
		}

		return persistence.NewEntityError("Create", entity.ID, err)
	}

	return nil
}

func (r *EntityRepository) GetByID(ctx context.Context, id string) (*models.Entity, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, kind, title, state, revision, history, created_at, updated_at
		FROM entities WHERE id = $1`, id)

	entity, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("GetByID", id, persistence.ErrEntityNotFound)
		}

		return nil, persistence.NewEntityError("GetByID", id, err)
	}

	return entity, nil
}

func (r *EntityRepository) List(ctx context.Context, opts persistence.ListEntitiesOptions) ([]*models.Entity, error) {
	query := `
		SELECT id, kind, title, state, revision, history, created_at, updated_at
		FROM entities WHERE 1=1`

	args := make([]any, 0, 2)

	if opts.Kind != "" {
		args = append(args, opts.Kind)
		query += ` AND kind = $1`
	}

	if opts.State != "" {
		args = append(args, opts.State)
		if len(args) == 1 {
			query += ` AND state = $1`
		} else {
			query += ` AND state = $2`
		}
	}

	query += ` ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entities []*models.Entity

	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}

		entities = append(entities, entity)
	}

	return entities, rows.Err()
}

func (r *EntityRepository) UpdateCommitted(ctx context.Context, entity *models.Entity, expectedRevision int64) error {
	history, err := json.Marshal(entity.History)
	if err != nil {
		return persistence.NewEntityError("UpdateCommitted", entity.ID, err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE entities
		SET state = $1, revision = $2, history = $3, updated_at = $4
		WHERE id = $5 AND revision = $6`,
		entity.State, entity.Revision, history, entity.UpdatedAt,
		entity.ID, expectedRevision,
	)
	if err != nil {
		return persistence.NewEntityError("UpdateCommitted", entity.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewEntityError("UpdateCommitted", entity.ID, err)
	}

	if affected == 0 {
		// Distinguish a missing entity from a lost race.
		if _, err := r.GetByID(ctx, entity.ID); err != nil {
			return err
		}

		return persistence.NewEntityError("UpdateCommitted", entity.ID, persistence.ErrRevisionConflict)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*models.Entity, error) {
	var (
		entity  models.Entity
		history []byte
	)

	err := row.Scan(&entity.ID, &entity.Kind, &entity.Title, &entity.State,
		&entity.Revision, &history, &entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(history, &entity.History); err != nil {
		return nil, err
	}

	return &entity, nil
}
