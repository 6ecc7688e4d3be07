package cmd

import (
	"log/slog"
	"time"

	"github.com/memyselfmike/agiled/pkg/models"
	"github.com/memyselfmike/agiled/pkg/registry"
)

// NewRegistry builds the workflow catalog with the built-in definitions
// registered. Additional definitions can be registered afterwards.
func NewRegistry(logger *slog.Logger) (*registry.Registry, error) {
	reg := registry.NewRegistry(logger)

	for _, def := range builtinDefinitions() {
		if err := reg.Register(def); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

func builtinDefinitions() []*models.WorkflowDefinition {
	return []*models.WorkflowDefinition{
		{
			ID:          "greenfield-delivery",
			Description: "Plan, implement and review a story end to end, tracking it through the board.",
			Priority:    10,
			ScaleLevels: []models.ScaleLevel{models.ScaleStory, models.ScaleFeature, models.ScaleProject},
			Steps: []models.StepSpec{
				{
					AgentRole:     "product-owner",
					Action:        "write_story",
					CreatesEntity: models.EntityKindStory,
					Transition:    models.StateReady,
					InputSchema: map[string]any{
						"type":     "object",
						"required": []any{"task_description", "project_root"},
					},
				},
				{
					AgentRole:  "developer",
					Action:     "implement",
					Transition: models.StateInProgress,
					Timeout:    15 * time.Minute,
				},
				{
					AgentRole:  "reviewer",
					Action:     "review",
					Transition: models.StateInReview,
					Timeout:    10 * time.Minute,
				},
				{
					AgentRole:  "product-owner",
					Action:     "accept",
					Transition: models.StateDone,
				},
				{
					AgentRole: "scribe",
					Action:    "summarize",
					Optional:  true,
				},
			},
		},
		{
			ID:          "quick-fix",
			Description: "Single-pass change for small requests, no board tracking.",
			Priority:    10,
			ScaleLevels: []models.ScaleLevel{models.ScaleQuickFix},
			Steps: []models.StepSpec{
				{
					AgentRole: "developer",
					Action:    "patch",
					Timeout:   5 * time.Minute,
				},
				{
					AgentRole: "reviewer",
					Action:    "sanity_check",
					Optional:  true,
				},
			},
		},
	}
}
