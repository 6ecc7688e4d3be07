// Package web provides HTTP request and response types for the agiled API.
package web

import "github.com/memyselfmike/agiled/pkg/models"

// SubmitTaskRequest is the body for submitting a task to the orchestrator.
type SubmitTaskRequest struct {
	TaskDescription string               `json:"task_description" validate:"required"`
	ProjectRoot     string               `json:"project_root"     validate:"required"`
	ScaleLevel      models.ScaleLevel    `json:"scale_level"      validate:"min=0,max=4"`
	Tags            []string             `json:"tags,omitempty"`
	Mode            models.ExecutionMode `json:"mode"             validate:"required"`
	EntityID        string               `json:"entity_id,omitempty"`
	Actor           string               `json:"actor"            validate:"required"`
}

// ToRequestContext converts the DTO into the orchestrator's request context.
func (r SubmitTaskRequest) ToRequestContext() models.RequestContext {
	return models.RequestContext{
		TaskDescription: r.TaskDescription,
		ProjectRoot:     r.ProjectRoot,
		ScaleLevel:      r.ScaleLevel,
		Tags:            r.Tags,
		Mode:            r.Mode,
		EntityID:        r.EntityID,
		Actor:           r.Actor,
	}
}

// AnswerClarificationRequest is the body for resuming a parked execution.
type AnswerClarificationRequest struct {
	Answer string `json:"answer" validate:"required"`
}

// CreateEntityRequest is the body for creating an entity outside a workflow.
type CreateEntityRequest struct {
	Kind  models.EntityKind `json:"kind"  validate:"required,oneof=epic story"`
	Title string            `json:"title" validate:"required,min=3"`
	Actor string            `json:"actor" validate:"required"`
}

// TransitionEntityRequest is the body for requesting a state transition.
type TransitionEntityRequest struct {
	ExpectedRevision int64        `json:"expected_revision" validate:"min=0"`
	Target           models.State `json:"target"            validate:"required"`
	Actor            string       `json:"actor"             validate:"required"`
}
