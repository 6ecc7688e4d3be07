package models

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_Valid(t *testing.T) {
	for _, s := range []State{StateBacklog, StateReady, StateInProgress, StateInReview, StateDone} {
		assert.True(t, s.Valid(), "expected %q to be valid", s)
	}

	assert.False(t, State("archived").Valid())
	assert.False(t, State("").Valid())
}

func TestState_Terminal(t *testing.T) {
	assert.True(t, StateDone.Terminal())
	assert.False(t, StateInReview.Terminal())
}

func TestEntity_Clone_IsolatesHistory(t *testing.T) {
	entity := &Entity{
		ID:       "story-1",
		Kind:     EntityKindStory,
		Title:    "Login form",
		State:    StateReady,
		Revision: 1,
		History: []TransitionRecord{
			{From: StateBacklog, To: StateReady, Revision: 1, Actor: "po"},
		},
	}

	clone := entity.Clone()
	clone.State = StateInProgress
	clone.History = append(clone.History, TransitionRecord{From: StateReady, To: StateInProgress, Revision: 2})

	assert.Equal(t, StateReady, entity.State)
	assert.Len(t, entity.History, 1)
	assert.Len(t, clone.History, 2)
}

func TestWorkflowDefinition_AppliesTo(t *testing.T) {
	tests := []struct {
		name    string
		def     WorkflowDefinition
		rc      RequestContext
		matches bool
	}{
		{
			name:    "no constraints matches everything",
			def:     WorkflowDefinition{ID: "any"},
			rc:      RequestContext{ScaleLevel: ScaleEnterprise, Tags: []string{"api"}},
			matches: true,
		},
		{
			name:    "scale level match",
			def:     WorkflowDefinition{ID: "quick", ScaleLevels: []ScaleLevel{ScaleQuickFix, ScaleStory}},
			rc:      RequestContext{ScaleLevel: ScaleStory},
			matches: true,
		},
		{
			name:    "scale level mismatch",
			def:     WorkflowDefinition{ID: "quick", ScaleLevels: []ScaleLevel{ScaleQuickFix}},
			rc:      RequestContext{ScaleLevel: ScaleProject},
			matches: false,
		},
		{
			name:    "tag match",
			def:     WorkflowDefinition{ID: "web", Tags: []string{"web", "api"}},
			rc:      RequestContext{Tags: []string{"api"}},
			matches: true,
		},
		{
			name:    "tag mismatch",
			def:     WorkflowDefinition{ID: "web", Tags: []string{"web"}},
			rc:      RequestContext{Tags: []string{"cli"}},
			matches: false,
		},
		{
			name: "both dimensions must match",
			def: WorkflowDefinition{
				ID:          "web-feature",
				ScaleLevels: []ScaleLevel{ScaleFeature},
				Tags:        []string{"web"},
			},
			rc:      RequestContext{ScaleLevel: ScaleFeature, Tags: []string{"cli"}},
			matches: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.matches, tc.def.AppliesTo(tc.rc))
		})
	}
}

func TestWorkflowDefinition_Validation(t *testing.T) {
	validate := validator.New()

	valid := &WorkflowDefinition{
		ID:          "greenfield-delivery",
		Description: "Full planning and delivery sequence",
		Steps: []StepSpec{
			{AgentRole: "analyst", Action: "draft"},
			{AgentRole: "reviewer", Action: "review"},
		},
	}
	require.NoError(t, validate.Struct(valid))

	missingSteps := &WorkflowDefinition{ID: "empty", Description: "no steps"}
	assert.Error(t, validate.Struct(missingSteps))

	badStep := &WorkflowDefinition{
		ID:          "bad-step",
		Description: "step missing action",
		Steps:       []StepSpec{{AgentRole: "analyst"}},
	}
	assert.Error(t, validate.Struct(badStep))
}

func TestStepResult_Key(t *testing.T) {
	result := StepResult{DefinitionID: "quick-fix", AgentRole: "dev", Action: "implement"}
	assert.Equal(t, "quick-fix/dev.implement", result.Key())
}

func TestExecutionContext_RecordOutput(t *testing.T) {
	ec := &ExecutionContext{}
	ec.RecordOutput("quick-fix/dev.implement", map[string]any{"files": 3})

	require.NotNil(t, ec.StepOutputs)
	assert.Contains(t, ec.StepOutputs, "quick-fix/dev.implement")
}

func TestExecutionPlan_StepCount(t *testing.T) {
	plan := &ExecutionPlan{
		Definitions: []*WorkflowDefinition{
			{ID: "a", Steps: []StepSpec{{AgentRole: "x", Action: "y"}}},
			{ID: "b", Steps: []StepSpec{{AgentRole: "x", Action: "y"}, {AgentRole: "z", Action: "w"}}},
		},
	}
	assert.Equal(t, 3, plan.StepCount())
}
