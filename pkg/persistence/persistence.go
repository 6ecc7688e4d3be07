// Package persistence provides the durable storage abstraction under the
// state store.
package persistence

import (
	"context"
	"time"

	"github.com/memyselfmike/agiled/pkg/models"
)

// ListEntitiesOptions filters entity listings. Zero values mean no filter.
type ListEntitiesOptions struct {
	Kind  models.EntityKind
	State models.State
}

// EntityRepository stores entity records. UpdateCommitted is the storage half
// of optimistic concurrency: it persists the already-transitioned entity only
// if the stored revision still equals expectedRevision.
type EntityRepository interface {
	Create(ctx context.Context, entity *models.Entity) error
	GetByID(ctx context.Context, id string) (*models.Entity, error)
	List(ctx context.Context, opts ListEntitiesOptions) ([]*models.Entity, error)
	UpdateCommitted(ctx context.Context, entity *models.Entity, expectedRevision int64) error
}

// ChangelogRecord is one entry of the append-only audit log. The log is
// authoritative for audit and replay and must match the entity's history
// field exactly.
type ChangelogRecord struct {
	EntityID   string       `json:"entity_id"`
	Revision   int64        `json:"revision"`
	From       models.State `json:"from"`
	To         models.State `json:"to"`
	Actor      string       `json:"actor"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// Changelog is the durable, externally auditable change history. One record
// per committed transition, append-only.
type Changelog interface {
	Append(ctx context.Context, record ChangelogRecord) error
	Records(ctx context.Context, entityID string) ([]ChangelogRecord, error)
}

// Persistence bundles the repositories one backend provides.
type Persistence interface {
	Entities() EntityRepository
	Changelog() Changelog
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
