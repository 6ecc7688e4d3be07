// Package models defines the core domain models for agent-driven delivery workflows.
package models

import "time"

// EntityKind distinguishes the two units of project work.
type EntityKind string

const (
	EntityKindEpic  EntityKind = "epic"
	EntityKindStory EntityKind = "story"
)

// State represents the kanban position of an entity.
type State string

const (
	StateBacklog    State = "backlog"
	StateReady      State = "ready"
	StateInProgress State = "in_progress"
	StateInReview   State = "in_review"
	StateDone       State = "done"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateBacklog, StateReady, StateInProgress, StateInReview, StateDone:
		return true
	}

	return false
}

// Terminal reports whether s ends the entity's lifecycle. Terminal entities
// are never deleted.
func (s State) Terminal() bool {
	return s == StateDone
}

// TransitionRecord is one committed state change in an entity's history.
type TransitionRecord struct {
	From       State     `json:"from"`
	To         State     `json:"to"`
	Revision   int64     `json:"revision"` // revision produced by this transition
	Actor      string    `json:"actor"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Entity is an epic or story tracked by the state store. State and Revision
// change together and only through a committed transition.
type Entity struct {
	ID        string             `json:"id"         validate:"required"`
	Kind      EntityKind         `json:"kind"       validate:"required,oneof=epic story"`
	Title     string             `json:"title"      validate:"required,min=3"`
	State     State              `json:"state"      validate:"required"`
	Revision  int64              `json:"revision"`
	History   []TransitionRecord `json:"history"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Clone returns a deep copy so callers can hold a snapshot while the store
// keeps mutating its own record.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}

	clone := *e
	clone.History = make([]TransitionRecord, len(e.History))
	copy(clone.History, e.History)

	return &clone
}

// StateTransitionRequest asks the state store to move an entity to a new
// state. ExpectedRevision implements optimistic concurrency: the request
// commits only if it matches the entity's current revision.
type StateTransitionRequest struct {
	EntityID         string `json:"entity_id" validate:"required"`
	ExpectedRevision int64  `json:"expected_revision" validate:"min=0"`
	Target           State  `json:"target"    validate:"required"`
	Actor            string `json:"actor"     validate:"required"`
}
