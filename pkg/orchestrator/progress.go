package orchestrator

import "github.com/memyselfmike/agiled/pkg/models"

// ProgressKind classifies one entry of a streaming execution's progress feed.
type ProgressKind string

const (
	ProgressExecutionStarted ProgressKind = "execution_started"
	ProgressStepStarted      ProgressKind = "step_started"
	ProgressStepChunk        ProgressKind = "step_chunk"
	ProgressStepCompleted    ProgressKind = "step_completed"
	ProgressClarification    ProgressKind = "clarification"
	ProgressCompleted        ProgressKind = "completed"
)

// ProgressEvent is one element of the feed ExecuteStream produces. The feed
// always ends with either a ProgressClarification (plan parked) or a
// ProgressCompleted carrying the final result.
type ProgressEvent struct {
	Kind          ProgressKind                `json:"kind"`
	ExecutionID   string                      `json:"execution_id"`
	DefinitionID  string                      `json:"definition_id,omitempty"`
	AgentRole     string                      `json:"agent_role,omitempty"`
	Action        string                      `json:"action,omitempty"`
	Chunk         map[string]any              `json:"chunk,omitempty"`
	Step          *models.StepResult          `json:"step,omitempty"`
	Clarification *models.ClarificationPrompt `json:"clarification,omitempty"`
	Result        *models.WorkflowResult      `json:"result,omitempty"`
}
