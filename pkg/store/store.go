// Package store implements the transactional state store for epics and
// stories. It is the only writer of entity state and revision.
package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/memyselfmike/agiled/pkg/eventbus"
	"github.com/memyselfmike/agiled/pkg/events"
	"github.com/memyselfmike/agiled/pkg/models"
	"github.com/memyselfmike/agiled/pkg/persistence"
)

const origin = "store"

// lockStripes bounds the number of entity mutexes. Transitions for the same
// entity serialize on the same stripe; different entities almost always
// proceed independently.
const lockStripes = 64

var (
	// ErrStaleRevision indicates the request's expected revision no longer
	// matches the entity. Nothing was mutated and no event was published.
	ErrStaleRevision = errors.New("stale revision")

	// ErrInvalidTarget indicates the requested target state is not a known
	// state.
	ErrInvalidTarget = errors.New("invalid target state")
)

// RejectedError reports a refused transition with enough detail for the
// caller to re-read and retry.
type RejectedError struct {
	EntityID string
	Expected int64
	Current  int64
	Err      error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("transition rejected for entity %s: expected revision %d, current %d: %v",
		e.EntityID, e.Expected, e.Current, e.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// Store serializes transitions per entity and guarantees that the durable
// commit, the history append and the published event agree.
type Store struct {
	persistence persistence.Persistence
	bus         eventbus.Publisher
	logger      *slog.Logger
	locks       [lockStripes]sync.Mutex
}

func New(p persistence.Persistence, bus eventbus.Publisher, logger *slog.Logger) *Store {
	return &Store{
		persistence: p,
		bus:         bus,
		logger:      logger,
	}
}

func (s *Store) lockFor(entityID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))

	return &s.locks[h.Sum32()%lockStripes]
}

// CreateEntity creates a new entity in backlog at revision 0 and publishes
// state.entity.created after the durable write.
func (s *Store) CreateEntity(ctx context.Context, kind models.EntityKind, title, actor string) (*models.Entity, error) {
	now := time.Now().UTC()
	entity := &models.Entity{
		ID:        string(kind) + "-" + uuid.NewString(),
		Kind:      kind,
		Title:     title,
		State:     models.StateBacklog,
		Revision:  0,
		History:   []models.TransitionRecord{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.persistence.Entities().Create(ctx, entity); err != nil {
		return nil, err
	}

	if _, err := s.bus.Publish(ctx, origin, events.EntityCreated{
		EntityID: entity.ID,
		Kind:     entity.Kind,
		Title:    entity.Title,
		Actor:    actor,
	}); err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish entity created event",
			"entity_id", entity.ID, "error", err)
	}

	return entity.Clone(), nil
}

// Transition commits the requested state change if and only if the expected
// revision matches. On success the state, the incremented revision and the
// history record persist atomically from the caller's point of view, the
// audit changelog gains one record, and exactly one state.transitioned event
// is published after the durable commit. On a revision mismatch it returns a
// RejectedError wrapping ErrStaleRevision without mutating anything.
func (s *Store) Transition(ctx context.Context, req models.StateTransitionRequest) (*models.Entity, error) {
	if !req.Target.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTarget, req.Target)
	}

	lock := s.lockFor(req.EntityID)
	lock.Lock()
	defer lock.Unlock()

	entity, err := s.persistence.Entities().GetByID(ctx, req.EntityID)
	if err != nil {
		return nil, err
	}

	if entity.Revision != req.ExpectedRevision {
		return nil, &RejectedError{
			EntityID: req.EntityID,
			Expected: req.ExpectedRevision,
			Current:  entity.Revision,
			Err:      ErrStaleRevision,
		}
	}

	now := time.Now().UTC()
	record := models.TransitionRecord{
		From:       entity.State,
		To:         req.Target,
		Revision:   entity.Revision + 1,
		Actor:      req.Actor,
		OccurredAt: now,
	}

	committed := entity.Clone()
	committed.State = req.Target
	committed.Revision = entity.Revision + 1
	committed.History = append(committed.History, record)
	committed.UpdatedAt = now

	if err := s.persistence.Entities().UpdateCommitted(ctx, committed, req.ExpectedRevision); err != nil {
		if persistence.IsRevisionConflict(err) {
			// The storage-level guard caught a racing writer outside this
			// process.
			return nil, &RejectedError{
				EntityID: req.EntityID,
				Expected: req.ExpectedRevision,
				Current:  committed.Revision,
				Err:      ErrStaleRevision,
			}
		}

		return nil, err
	}

	// The changelog record and the history entry must match exactly; an
	// append failure after the commit is a storage fault that escalates.
	err = s.persistence.Changelog().Append(ctx, persistence.ChangelogRecord{
		EntityID:   committed.ID,
		Revision:   record.Revision,
		From:       record.From,
		To:         record.To,
		Actor:      record.Actor,
		OccurredAt: record.OccurredAt,
	})
	if err != nil {
		return nil, fmt.Errorf("changelog append failed after commit: %w", err)
	}

	// Publication happens only after the durable commit, so observers never
	// see an event for state that was not persisted.
	if _, err := s.bus.Publish(ctx, origin, events.StateTransitioned{
		EntityID:   committed.ID,
		From:       record.From,
		To:         record.To,
		Revision:   record.Revision,
		Actor:      record.Actor,
		OccurredAt: record.OccurredAt,
	}); err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish state transitioned event",
			"entity_id", committed.ID, "revision", record.Revision, "error", err)
	}

	return committed.Clone(), nil
}

// Read returns the latest committed snapshot of the entity.
func (s *Store) Read(ctx context.Context, entityID string) (*models.Entity, error) {
	entity, err := s.persistence.Entities().GetByID(ctx, entityID)
	if err != nil {
		return nil, err
	}

	return entity.Clone(), nil
}

// List returns the latest committed snapshots matching the filter.
func (s *Store) List(ctx context.Context, opts persistence.ListEntitiesOptions) ([]*models.Entity, error) {
	return s.persistence.Entities().List(ctx, opts)
}

// ChangelogRecords returns the audit log for an entity.
func (s *Store) ChangelogRecords(ctx context.Context, entityID string) ([]persistence.ChangelogRecord, error) {
	return s.persistence.Changelog().Records(ctx, entityID)
}

// IsStaleRevision checks whether an error reports a refused optimistic
// commit.
func IsStaleRevision(err error) bool {
	return errors.Is(err, ErrStaleRevision)
}
