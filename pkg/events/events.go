// Package events defines the typed events published on the activity stream.
package events

import (
	"time"

	"github.com/memyselfmike/agiled/pkg/models"
)

type EventType string

// Topic is the subject external bridges mirror the activity stream onto.
const Topic = "agiled.events"

const (
	EventTypeMetadataKey = "event_type"
	SequenceMetadataKey  = "sequence"
)

const (
	// Workflow lifecycle.
	WorkflowExecutionStartedEvent   EventType = "workflow.execution.started"
	WorkflowStepStartedEvent        EventType = "workflow.step.started"
	WorkflowStepCompletedEvent      EventType = "workflow.step.completed"
	WorkflowExecutionCompletedEvent EventType = "workflow.execution.completed"
	WorkflowExecutionCancelledEvent EventType = "workflow.execution.cancelled"

	// State store.
	EntityCreatedEvent     EventType = "state.entity.created"
	StateTransitionedEvent EventType = "state.transitioned"

	// Clarification dialogue.
	ClarificationRequestedEvent EventType = "chat.clarification.requested"
	ClarificationAnsweredEvent  EventType = "chat.clarification.answered"

	// Ceremonies.
	CeremonyStartedEvent EventType = "ceremony.started"

	// Stream bookkeeping. Gap markers are synthesized by the bus when a
	// subscriber cannot be given a contiguous stream.
	StreamGapEvent EventType = "stream.gap"
)

type BaseEvent struct {
	RequestID string         `json:"request_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type WorkflowExecutionStarted struct {
	BaseEvent

	ExecutionID string            `json:"execution_id"`
	PlanID      string            `json:"plan_id"`
	Mode        models.ExecutionMode `json:"mode"`
	ScaleLevel  models.ScaleLevel `json:"scale_level"`
	StepCount   int               `json:"step_count"`
}

func (e WorkflowExecutionStarted) GetType() EventType {
	return WorkflowExecutionStartedEvent
}

type WorkflowStepStarted struct {
	BaseEvent

	ExecutionID  string `json:"execution_id"`
	DefinitionID string `json:"definition_id"`
	AgentRole    string `json:"agent_role"`
	Action       string `json:"action"`
}

func (e WorkflowStepStarted) GetType() EventType {
	return WorkflowStepStartedEvent
}

type WorkflowStepCompleted struct {
	BaseEvent

	ExecutionID string            `json:"execution_id"`
	Step        models.StepResult `json:"step"`
}

func (e WorkflowStepCompleted) GetType() EventType {
	return WorkflowStepCompletedEvent
}

type WorkflowExecutionCompleted struct {
	BaseEvent

	ExecutionID string                `json:"execution_id"`
	Status      models.WorkflowStatus `json:"status"`
	Reason      string                `json:"reason,omitempty"`
	DurationMs  int64                 `json:"duration_ms"`
	StepsRun    int                   `json:"steps_run"`
}

func (e WorkflowExecutionCompleted) GetType() EventType {
	return WorkflowExecutionCompletedEvent
}

type WorkflowExecutionCancelled struct {
	BaseEvent

	ExecutionID          string                       `json:"execution_id"`
	StepsRun             int                          `json:"steps_run"`
	CommittedTransitions []models.CommittedTransition `json:"committed_transitions,omitempty"`
}

func (e WorkflowExecutionCancelled) GetType() EventType {
	return WorkflowExecutionCancelledEvent
}

type EntityCreated struct {
	BaseEvent

	EntityID string            `json:"entity_id"`
	Kind     models.EntityKind `json:"kind"`
	Title    string            `json:"title"`
	Actor    string            `json:"actor"`
}

func (e EntityCreated) GetType() EventType {
	return EntityCreatedEvent
}

type StateTransitioned struct {
	BaseEvent

	EntityID   string       `json:"entity_id"`
	From       models.State `json:"from"`
	To         models.State `json:"to"`
	Revision   int64        `json:"revision"`
	Actor      string       `json:"actor"`
	OccurredAt time.Time    `json:"occurred_at"`
}

func (e StateTransitioned) GetType() EventType {
	return StateTransitionedEvent
}

type ClarificationRequested struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	Token       string `json:"token"`
	AgentRole   string `json:"agent_role"`
	Prompt      string `json:"prompt"`
}

func (e ClarificationRequested) GetType() EventType {
	return ClarificationRequestedEvent
}

type ClarificationAnswered struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	Token       string `json:"token"`
	Answer      string `json:"answer"`
}

func (e ClarificationAnswered) GetType() EventType {
	return ClarificationAnsweredEvent
}

type CeremonyStarted struct {
	BaseEvent

	Ceremony    string    `json:"ceremony"` // standup, review, retro
	ScheduledAt time.Time `json:"scheduled_at"`
}

func (e CeremonyStarted) GetType() EventType {
	return CeremonyStartedEvent
}

// StreamGap tells a subscriber that events between FromSequence and
// FirstRetained were evicted from the replay buffer and should be recovered
// with a full re-read of the state store.
type StreamGap struct {
	BaseEvent

	FromSequence  uint64 `json:"from_sequence"`
	FirstRetained uint64 `json:"first_retained"`
}

func (e StreamGap) GetType() EventType {
	return StreamGapEvent
}
