package orchestrator_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/memyselfmike/agiled/pkg/agent"
	"github.com/memyselfmike/agiled/pkg/eventbus"
	"github.com/memyselfmike/agiled/pkg/models"
	"github.com/memyselfmike/agiled/pkg/orchestrator"
	"github.com/memyselfmike/agiled/pkg/persistence/file"
	"github.com/memyselfmike/agiled/pkg/registry"
	"github.com/memyselfmike/agiled/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// agentFunc adapts a closure to the Agent interface for tests that need
// side effects between steps.
type agentFunc func(ctx context.Context, role, action string, input map[string]any, execCtx *models.ExecutionContext) (*agent.StepOutcome, error)

func (f agentFunc) Invoke(ctx context.Context, role, action string, input map[string]any, execCtx *models.ExecutionContext) (*agent.StepOutcome, error) {
	return f(ctx, role, action, input, execCtx)
}

type fixture struct {
	registry *registry.Registry
	store    *store.Store
	bus      *eventbus.Bus
}

func setup(t *testing.T, defs ...*models.WorkflowDefinition) *fixture {
	t.Helper()

	bus := eventbus.NewBus(1024, slog.Default())
	t.Cleanup(func() { _ = bus.Close() })

	reg := registry.NewRegistry(slog.Default())
	for _, def := range defs {
		require.NoError(t, reg.Register(def))
	}

	return &fixture{
		registry: reg,
		store:    store.New(file.NewPersistence(t.TempDir()), bus, slog.Default()),
		bus:      bus,
	}
}

func (f *fixture) orchestrator(a agent.Agent, opts ...orchestrator.Option) *orchestrator.Orchestrator {
	return orchestrator.NewOrchestrator(slog.Default(), f.registry, f.store, f.bus, a, opts...)
}

func request(mode models.ExecutionMode) models.RequestContext {
	return models.RequestContext{
		TaskDescription: "add checkout validation",
		ProjectRoot:     "/srv/repos/shop",
		ScaleLevel:      models.ScaleStory,
		Mode:            mode,
		Actor:           "po",
	}
}

func twoStepDefinition() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:          "draft-review",
		Description: "draft then review",
		Steps: []models.StepSpec{
			{AgentRole: "author", Action: "draft"},
			{AgentRole: "reviewer", Action: "review"},
		},
	}
}

// One definition with two always-succeeding steps: overall success with two
// step results.
func TestOrchestrator_TwoStepSuccess(t *testing.T) {
	f := setup(t, twoStepDefinition())

	scripted := agent.NewScriptedAgent().
		Script("author", "draft", &agent.StepOutcome{Kind: agent.OutcomeSuccess, Payload: map[string]any{"text": "v1"}}).
		Script("reviewer", "review", &agent.StepOutcome{Kind: agent.OutcomeSuccess})

	result, err := f.orchestrator(scripted).Execute(context.Background(), request(models.ModeHeadless))
	require.NoError(t, err)

	assert.Equal(t, models.WorkflowStatusSuccess, result.Status)
	require.Len(t, result.Steps, 2)
	assert.Equal(t, models.StepStatusSuccess, result.Steps[0].Status)
	assert.Equal(t, models.StepStatusSuccess, result.Steps[1].Status)
	assert.Equal(t, map[string]any{"text": "v1"}, result.Steps[0].Output)
}

// A transition colliding with an external commit retries exactly once with
// the re-read revision and succeeds; the entity ends at revision 2.
func TestOrchestrator_StaleRevisionRetriesOnce(t *testing.T) {
	def := &models.WorkflowDefinition{
		ID:          "entity-flow",
		Description: "create then advance",
		Steps: []models.StepSpec{
			{AgentRole: "po", Action: "create", CreatesEntity: models.EntityKindStory},
			{AgentRole: "dev", Action: "advance", Transition: models.StateInProgress},
		},
	}
	f := setup(t, def)

	// Between the creating step and the transitioning step, an outside actor
	// moves the entity to ready, so the cached revision 0 is stale.
	a := agentFunc(func(ctx context.Context, role, action string, input map[string]any, execCtx *models.ExecutionContext) (*agent.StepOutcome, error) {
		if action == "advance" {
			_, err := f.store.Transition(ctx, models.StateTransitionRequest{
				EntityID:         execCtx.EntityID,
				ExpectedRevision: 0,
				Target:           models.StateReady,
				Actor:            "external",
			})
			require.NoError(t, err)
		}

		return &agent.StepOutcome{Kind: agent.OutcomeSuccess}, nil
	})

	result, err := f.orchestrator(a).Execute(context.Background(), request(models.ModeHeadless))
	require.NoError(t, err)

	assert.Equal(t, models.WorkflowStatusSuccess, result.Status)
	require.Len(t, result.CommittedTransitions, 1)
	assert.Equal(t, int64(2), result.CommittedTransitions[0].Revision)

	entity, err := f.store.Read(context.Background(), result.CommittedTransitions[0].EntityID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), entity.Revision)
	assert.Equal(t, models.StateInProgress, entity.State)
}

// Headless mode turns a clarification request into a deterministic step
// failure and skips the remaining steps of the definition.
func TestOrchestrator_HeadlessClarificationUnavailable(t *testing.T) {
	f := setup(t, twoStepDefinition())

	scripted := agent.NewScriptedAgent().
		Script("author", "draft", &agent.StepOutcome{
			Kind:          agent.OutcomeNeedsClarification,
			Clarification: "which checkout variant?",
		})

	result, err := f.orchestrator(scripted).Execute(context.Background(), request(models.ModeHeadless))
	require.NoError(t, err)

	assert.Equal(t, models.WorkflowStatusFailure, result.Status)
	assert.Equal(t, models.ReasonClarificationUnavailable, result.Reason)
	require.Len(t, result.Steps, 2)
	assert.Equal(t, models.StepStatusFailure, result.Steps[0].Status)
	assert.Equal(t, models.StepStatusSkipped, result.Steps[1].Status)
}

// A clarification failure in one definition does not abort the next
// definition in the plan.
func TestOrchestrator_FallbackDefinitionStillRuns(t *testing.T) {
	primary := &models.WorkflowDefinition{
		ID:          "primary",
		Description: "preferred path",
		Priority:    10,
		Steps:       []models.StepSpec{{AgentRole: "author", Action: "draft"}},
	}
	fallback := &models.WorkflowDefinition{
		ID:          "fallback",
		Description: "fallback path",
		Priority:    1,
		Steps:       []models.StepSpec{{AgentRole: "fixer", Action: "patch"}},
	}
	f := setup(t, primary, fallback)

	scripted := agent.NewScriptedAgent().
		Script("author", "draft", &agent.StepOutcome{Kind: agent.OutcomeNeedsClarification, Clarification: "?"}).
		Script("fixer", "patch", &agent.StepOutcome{Kind: agent.OutcomeSuccess})

	result, err := f.orchestrator(scripted).Execute(context.Background(), request(models.ModeHeadless))
	require.NoError(t, err)

	require.Len(t, result.Steps, 2)
	assert.Equal(t, "primary", result.Steps[0].DefinitionID)
	assert.Equal(t, models.StepStatusFailure, result.Steps[0].Status)
	assert.Equal(t, "fallback", result.Steps[1].DefinitionID)
	assert.Equal(t, models.StepStatusSuccess, result.Steps[1].Status)
}

func TestOrchestrator_StepTimeout(t *testing.T) {
	def := &models.WorkflowDefinition{
		ID:          "slow",
		Description: "slow step",
		Steps: []models.StepSpec{
			{AgentRole: "author", Action: "draft", Timeout: 30 * time.Millisecond},
		},
	}
	f := setup(t, def)

	scripted := agent.NewScriptedAgent().
		Script("author", "draft", &agent.StepOutcome{Kind: agent.OutcomeSuccess}).
		Delay("author", "draft", time.Second)

	result, err := f.orchestrator(scripted).Execute(context.Background(), request(models.ModeHeadless))
	require.NoError(t, err)

	assert.Equal(t, models.WorkflowStatusFailure, result.Status)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, models.StepStatusFailure, result.Steps[0].Status)
	assert.Equal(t, models.ReasonTimeout, result.Steps[0].Reason)

	// Only one invocation: timeouts do not retry.
	assert.Len(t, scripted.Invocations(), 1)
}

// Interactive mode parks the plan and resumes with the caller's answer in
// the conversation; the clarifying step runs again and the plan completes.
func TestOrchestrator_InteractiveParkAndResume(t *testing.T) {
	f := setup(t, twoStepDefinition())

	scripted := agent.NewScriptedAgent().
		Script("author", "draft",
			&agent.StepOutcome{Kind: agent.OutcomeNeedsClarification, Clarification: "which variant?"},
			&agent.StepOutcome{Kind: agent.OutcomeSuccess, Payload: map[string]any{"text": "v2"}}).
		Script("reviewer", "review", &agent.StepOutcome{Kind: agent.OutcomeSuccess})

	o := f.orchestrator(scripted)

	parked, err := o.Execute(context.Background(), request(models.ModeInteractive))
	require.NoError(t, err)

	assert.Equal(t, models.WorkflowStatusAwaitingClarification, parked.Status)
	require.NotNil(t, parked.Clarification)
	assert.Equal(t, "which variant?", parked.Clarification.Prompt)
	assert.Empty(t, parked.Steps)

	result, err := o.Resume(context.Background(), parked.Clarification.Token, "variant B")
	require.NoError(t, err)

	assert.Equal(t, models.WorkflowStatusSuccess, result.Status)
	require.Len(t, result.Steps, 2)

	// The answer reached the re-run step through the conversation.
	invocations := scripted.Invocations()
	require.Len(t, invocations, 3)
	conversation, ok := invocations[1].Input["conversation"].([]models.ConversationTurn)
	require.True(t, ok)
	require.Len(t, conversation, 2)
	assert.Equal(t, "variant B", conversation[1].Content)
}

func TestOrchestrator_StaleClarificationToken(t *testing.T) {
	f := setup(t, twoStepDefinition())

	scripted := agent.NewScriptedAgent().
		Script("author", "draft", &agent.StepOutcome{Kind: agent.OutcomeNeedsClarification, Clarification: "?"})

	o := f.orchestrator(scripted, orchestrator.WithClarificationTTL(time.Nanosecond))

	parked, err := o.Execute(context.Background(), request(models.ModeInteractive))
	require.NoError(t, err)
	require.NotNil(t, parked.Clarification)

	time.Sleep(time.Millisecond)

	_, err = o.Resume(context.Background(), parked.Clarification.Token, "too late")
	assert.ErrorIs(t, err, orchestrator.ErrStaleClarification)

	// Consumed either way: a second answer is also stale.
	_, err = o.Resume(context.Background(), parked.Clarification.Token, "again")
	assert.ErrorIs(t, err, orchestrator.ErrStaleClarification)

	_, err = o.Resume(context.Background(), "never-issued", "answer")
	assert.ErrorIs(t, err, orchestrator.ErrStaleClarification)
}

// Cancellation between steps stops the plan and reports the transitions that
// actually committed.
func TestOrchestrator_CancellationReportsCommittedTransitions(t *testing.T) {
	def := &models.WorkflowDefinition{
		ID:          "cancel-flow",
		Description: "cancelled midway",
		Steps: []models.StepSpec{
			{AgentRole: "po", Action: "create", CreatesEntity: models.EntityKindStory, Transition: models.StateReady},
			{AgentRole: "dev", Action: "implement"},
		},
	}
	f := setup(t, def)

	ctx, cancel := context.WithCancel(context.Background())

	a := agentFunc(func(_ context.Context, role, action string, input map[string]any, _ *models.ExecutionContext) (*agent.StepOutcome, error) {
		if action == "create" {
			// Cancel after this step; the boundary check catches it before
			// the next step starts.
			cancel()
		}

		return &agent.StepOutcome{Kind: agent.OutcomeSuccess}, nil
	})

	result, err := f.orchestrator(a).Execute(ctx, request(models.ModeHeadless))
	require.NoError(t, err)

	assert.Equal(t, models.WorkflowStatusCancelled, result.Status)
	require.Len(t, result.Steps, 1)
	require.Len(t, result.CommittedTransitions, 1)
	assert.Equal(t, models.StateReady, result.CommittedTransitions[0].To)
	assert.Equal(t, int64(1), result.CommittedTransitions[0].Revision)
}

func TestOrchestrator_InputSchemaRejection(t *testing.T) {
	def := &models.WorkflowDefinition{
		ID:          "schema-flow",
		Description: "requires a field the input never has",
		Steps: []models.StepSpec{
			{
				AgentRole: "author",
				Action:    "draft",
				InputSchema: map[string]any{
					"type":     "object",
					"required": []any{"ticket_url"},
				},
			},
		},
	}
	f := setup(t, def)

	scripted := agent.NewScriptedAgent().
		Script("author", "draft", &agent.StepOutcome{Kind: agent.OutcomeSuccess})

	result, err := f.orchestrator(scripted).Execute(context.Background(), request(models.ModeHeadless))
	require.NoError(t, err)

	assert.Equal(t, models.WorkflowStatusFailure, result.Status)
	assert.Equal(t, models.ReasonInvalidInput, result.Steps[0].Reason)

	// The agent was never invoked with invalid input.
	assert.Empty(t, scripted.Invocations())
}

func TestOrchestrator_NoApplicableWorkflow(t *testing.T) {
	f := setup(t)

	_, err := f.orchestrator(agent.NewScriptedAgent()).Execute(context.Background(), request(models.ModeHeadless))
	assert.ErrorIs(t, err, registry.ErrNoApplicableWorkflow)
}

func TestOrchestrator_StreamProgress(t *testing.T) {
	f := setup(t, twoStepDefinition())

	scripted := agent.NewScriptedAgent().
		Script("author", "draft", &agent.StepOutcome{Kind: agent.OutcomeSuccess}).
		Script("reviewer", "review", &agent.StepOutcome{Kind: agent.OutcomeSuccess}).
		StreamChunks("author", "draft", map[string]any{"partial": "dra"}, map[string]any{"partial": "draft"})

	feed, err := f.orchestrator(scripted).ExecuteStream(context.Background(), request(models.ModeStreaming))
	require.NoError(t, err)

	var kinds []orchestrator.ProgressKind

	var final *models.WorkflowResult

	for ev := range feed {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == orchestrator.ProgressCompleted {
			final = ev.Result
		}
	}

	assert.Equal(t, []orchestrator.ProgressKind{
		orchestrator.ProgressExecutionStarted,
		orchestrator.ProgressStepStarted,
		orchestrator.ProgressStepChunk,
		orchestrator.ProgressStepChunk,
		orchestrator.ProgressStepCompleted,
		orchestrator.ProgressStepStarted,
		orchestrator.ProgressStepCompleted,
		orchestrator.ProgressCompleted,
	}, kinds)

	require.NotNil(t, final)
	assert.Equal(t, models.WorkflowStatusSuccess, final.Status)
}
