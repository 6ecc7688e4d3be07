package models

import "time"

// StepStatus is the outcome classification of a single step.
type StepStatus string

const (
	StepStatusSuccess            StepStatus = "success"
	StepStatusFailure            StepStatus = "failure"
	StepStatusSkipped            StepStatus = "skipped"
	StepStatusNeedsClarification StepStatus = "needs_clarification"
)

// Well-known failure reasons recorded on StepResult and WorkflowResult.
const (
	ReasonTimeout                  = "timeout"
	ReasonClarificationUnavailable = "clarification_unavailable"
	ReasonStaleRevision            = "stale_revision"
	ReasonAgentError               = "agent_error"
	ReasonInvalidInput             = "invalid_input"
	ReasonCancelled                = "cancelled"
)

// StepResult is the immutable outcome of one executed step.
type StepResult struct {
	DefinitionID string        `json:"definition_id"`
	AgentRole    string        `json:"agent_role"`
	Action       string        `json:"action"`
	Status       StepStatus    `json:"status"`
	Output       map[string]any `json:"output,omitempty"`
	ErrorDetail  string        `json:"error_detail,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Optional     bool          `json:"optional,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Key identifies the step inside the execution context's output map.
func (r StepResult) Key() string {
	return r.DefinitionID + "/" + r.AgentRole + "." + r.Action
}

// WorkflowStatus is the aggregate outcome of an execution plan.
type WorkflowStatus string

const (
	WorkflowStatusSuccess WorkflowStatus = "success"
	WorkflowStatusFailure WorkflowStatus = "failure"
	// WorkflowStatusAwaitingClarification means the plan is parked until the
	// caller answers the clarification prompt (interactive modes only).
	WorkflowStatusAwaitingClarification WorkflowStatus = "awaiting_clarification"
	WorkflowStatusCancelled             WorkflowStatus = "cancelled"
)

// ClarificationPrompt is surfaced to the caller when an agent needs input
// before the plan can continue.
type ClarificationPrompt struct {
	Token     string `json:"token"` // resume handle, single use
	Prompt    string `json:"prompt"`
	AgentRole string `json:"agent_role"`
}

// CommittedTransition reports a state change that durably committed during
// the execution, including executions that were later cancelled.
type CommittedTransition struct {
	EntityID string `json:"entity_id"`
	From     State  `json:"from"`
	To       State  `json:"to"`
	Revision int64  `json:"revision"`
}

// WorkflowResult aggregates all step results for one plan. Read-only after
// creation; the caller always receives one, possibly partial.
type WorkflowResult struct {
	RequestID            string                `json:"request_id"`
	PlanID               string                `json:"plan_id"`
	Status               WorkflowStatus        `json:"status"`
	Reason               string                `json:"reason,omitempty"`
	Steps                []StepResult          `json:"steps"`
	Clarification        *ClarificationPrompt  `json:"clarification,omitempty"`
	CommittedTransitions []CommittedTransition `json:"committed_transitions,omitempty"`
	ScaleLevel           ScaleLevel            `json:"scale_level"`
	Mode                 ExecutionMode         `json:"mode"`
	Duration             time.Duration         `json:"duration"`
}
