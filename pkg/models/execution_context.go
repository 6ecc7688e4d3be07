package models

import "time"

// ConversationTurn is one exchange in the clarification dialogue between an
// agent and the caller.
type ConversationTurn struct {
	Role    string    `json:"role"` // "agent" or "caller"
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// ExecutionContext carries the mutable, request-scoped state of one in-flight
// execution. It belongs to exactly one request and is never shared.
type ExecutionContext struct {
	ID           string             `json:"id"`
	RequestID    string             `json:"request_id"`
	ProjectRoot  string             `json:"project_root"`
	EntityID     string             `json:"entity_id,omitempty"`
	Mode         ExecutionMode      `json:"mode"`
	Actor        string             `json:"actor"`
	Conversation []ConversationTurn `json:"conversation,omitempty"`
	StepOutputs  map[string]any     `json:"step_outputs"`
	Metadata     map[string]any     `json:"metadata,omitempty"`
}

// AddTurn appends to the clarification history.
func (ec *ExecutionContext) AddTurn(role, content string) {
	ec.Conversation = append(ec.Conversation, ConversationTurn{
		Role:    role,
		Content: content,
		At:      time.Now().UTC(),
	})
}

// RecordOutput stores a step's output payload under its step key so later
// steps can consume it.
func (ec *ExecutionContext) RecordOutput(stepKey string, output any) {
	if ec.StepOutputs == nil {
		ec.StepOutputs = make(map[string]any)
	}

	ec.StepOutputs[stepKey] = output
}
