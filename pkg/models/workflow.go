package models

import (
	"slices"
	"time"
)

// ScaleLevel classifies request complexity. Workflows declare which levels
// they can handle; the registry indexes on it.
type ScaleLevel int

const (
	ScaleQuickFix   ScaleLevel = iota // single-file change, no planning
	ScaleStory                        // one story, one agent pass
	ScaleFeature                      // multiple stories under one epic
	ScaleProject                      // full epic breakdown
	ScaleEnterprise                   // multi-epic program
)

// ExecutionMode controls how step results are surfaced and whether the
// orchestrator may pause for clarification.
type ExecutionMode string

const (
	ModeInteractive ExecutionMode = "interactive" // clarifications park the plan
	ModeHeadless    ExecutionMode = "headless"    // benchmark runs, no prompts
	ModeStreaming   ExecutionMode = "streaming"   // progress surfaced as a live stream
)

// Valid reports whether m is a known execution mode.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeInteractive, ModeHeadless, ModeStreaming:
		return true
	}

	return false
}

// StepSpec is one unit of work inside a workflow definition, assigned to a
// single agent role.
type StepSpec struct {
	AgentRole string `json:"agent_role" validate:"required"`
	Action    string `json:"action"     validate:"required"`

	// InputSchema is a JSON Schema the assembled step input must satisfy
	// before the agent is invoked. Nil means no validation.
	InputSchema map[string]any `json:"input_schema,omitempty"`

	// Optional steps may fail without failing the whole workflow.
	Optional bool `json:"optional,omitempty"`

	// Timeout bounds the agent invocation. Zero means the orchestrator
	// default applies.
	Timeout time.Duration `json:"timeout,omitempty"`

	// CreatesEntity, when set, makes the orchestrator create a new entity of
	// that kind before invoking the agent and bind it to the execution.
	CreatesEntity EntityKind `json:"creates_entity,omitempty"`

	// Transition, when set, is the state the bound entity must be moved to
	// after the agent succeeds.
	Transition State `json:"transition,omitempty"`
}

// WorkflowDefinition is an immutable workflow template. Loaded at startup,
// never mutated afterwards.
type WorkflowDefinition struct {
	ID          string       `json:"id"          validate:"required,min=3"`
	Description string       `json:"description" validate:"required"`
	Priority    int          `json:"priority"`
	ScaleLevels []ScaleLevel `json:"scale_levels,omitempty"` // empty means any
	Tags        []string     `json:"tags,omitempty"`         // empty means any
	Steps       []StepSpec   `json:"steps"       validate:"required,min=1,dive"`
}

// AppliesTo reports whether the definition can serve the given request
// context. A definition with no declared scale levels or tags matches
// everything in that dimension.
func (d *WorkflowDefinition) AppliesTo(rc RequestContext) bool {
	if len(d.ScaleLevels) > 0 && !slices.Contains(d.ScaleLevels, rc.ScaleLevel) {
		return false
	}

	if len(d.Tags) > 0 {
		matched := false

		for _, tag := range d.Tags {
			if slices.Contains(rc.Tags, tag) {
				matched = true

				break
			}
		}

		if !matched {
			return false
		}
	}

	return true
}

// RequestContext describes one incoming request to the orchestrator.
type RequestContext struct {
	TaskDescription string        `json:"task_description" validate:"required"`
	ProjectRoot     string        `json:"project_root"     validate:"required"`
	ScaleLevel      ScaleLevel    `json:"scale_level"      validate:"min=0,max=4"`
	Tags            []string      `json:"tags,omitempty"`
	Mode            ExecutionMode `json:"mode"             validate:"required"`
	EntityID        string        `json:"entity_id,omitempty"` // existing entity to work against
	Actor           string        `json:"actor"            validate:"required"`
}

// ExecutionPlan is the ordered list of workflow definitions resolved for one
// request. It is owned by the orchestrator invocation that produced it and
// discarded when the request completes.
type ExecutionPlan struct {
	ID          string                `json:"id"`
	Definitions []*WorkflowDefinition `json:"definitions"`
	Mode        ExecutionMode         `json:"mode"`
	CreatedAt   time.Time             `json:"created_at"`
}

// StepCount returns the total number of steps across all definitions.
func (p *ExecutionPlan) StepCount() int {
	total := 0
	for _, def := range p.Definitions {
		total += len(def.Steps)
	}

	return total
}
