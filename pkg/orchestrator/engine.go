package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/memyselfmike/agiled/pkg/agent"
	"github.com/memyselfmike/agiled/pkg/events"
	"github.com/memyselfmike/agiled/pkg/models"
	"github.com/memyselfmike/agiled/pkg/store"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/memyselfmike/agiled/pkg/otelhelper"
)

// execState is everything one in-flight execution owns. It is never shared:
// it lives on the executing goroutine, or in the parked map while suspended.
type execState struct {
	plan    *models.ExecutionPlan
	rc      models.RequestContext
	execCtx *models.ExecutionContext

	steps     []models.StepResult
	committed []models.CommittedTransition
	revisions map[string]int64 // last revision this execution observed per entity

	defIdx         int
	stepIdx        int
	stepEntityDone bool // current step already created its entity (survives parking)
	started        bool
	startedAt      time.Time
}

// run drives the plan from wherever st points, either from the start or from
// a clarification point. Steps are strictly sequential; emit may be nil.
func (o *Orchestrator) run(ctx context.Context, st *execState, emit func(ProgressEvent)) *models.WorkflowResult {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "orchestrator.run",
		attribute.String(otelhelper.PlanIDKey, st.plan.ID),
		attribute.String(otelhelper.RequestIDKey, st.execCtx.RequestID),
		attribute.String(otelhelper.ModeKey, string(st.rc.Mode)),
	)
	defer span.End()

	logger := o.logger.With(
		"execution_id", st.execCtx.ID,
		"plan_id", st.plan.ID,
		"mode", st.rc.Mode,
	)

	if !st.started {
		st.started = true

		logger.InfoContext(ctx, "Starting execution of plan",
			"definitions", len(st.plan.Definitions), "steps", st.plan.StepCount())

		o.publish(ctx, events.WorkflowExecutionStarted{
			BaseEvent:   events.BaseEvent{RequestID: st.execCtx.RequestID},
			ExecutionID: st.execCtx.ID,
			PlanID:      st.plan.ID,
			Mode:        st.rc.Mode,
			ScaleLevel:  st.rc.ScaleLevel,
			StepCount:   st.plan.StepCount(),
		})

		if emit != nil {
			emit(ProgressEvent{Kind: ProgressExecutionStarted})
		}
	}

	for ; st.defIdx < len(st.plan.Definitions); st.defIdx++ {
		def := st.plan.Definitions[st.defIdx]

		for ; st.stepIdx < len(def.Steps); st.stepIdx++ {
			// Step boundary: cancellation is honored here, never mid-commit.
			if ctx.Err() != nil {
				return o.finishCancelled(st, logger)
			}

			step := def.Steps[st.stepIdx]

			result, prompt := o.runStep(ctx, st, def, step, emit)
			if prompt != nil {
				// Parked. The step will re-run with the answer in the
				// conversation once Resume is called.
				return o.awaitClarification(ctx, st, *prompt)
			}

			st.steps = append(st.steps, *result)
			st.stepEntityDone = false

			o.publish(ctx, events.WorkflowStepCompleted{
				BaseEvent:   events.BaseEvent{RequestID: st.execCtx.RequestID},
				ExecutionID: st.execCtx.ID,
				Step:        *result,
			})

			if emit != nil {
				emit(ProgressEvent{Kind: ProgressStepCompleted, DefinitionID: def.ID,
					AgentRole: step.AgentRole, Action: step.Action, Step: result})
			}

			if result.Status == models.StepStatusFailure && result.Reason == models.ReasonCancelled {
				return o.finishCancelled(st, logger)
			}

			if result.Status == models.StepStatusFailure && !step.Optional {
				// A required step failed: the rest of this definition is
				// skipped; the next definition in the plan still runs.
				o.skipRemaining(st, def)

				break
			}
		}

		st.stepIdx = 0
	}

	return o.finish(ctx, st, logger)
}

// runStep executes one step. A non-nil prompt means the plan parked instead
// of producing a result.
func (o *Orchestrator) runStep(
	ctx context.Context,
	st *execState,
	def *models.WorkflowDefinition,
	step models.StepSpec,
	emit func(ProgressEvent),
) (*models.StepResult, *models.ClarificationPrompt) {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "orchestrator.step",
		attribute.String(otelhelper.WorkflowIDKey, def.ID),
		attribute.String(otelhelper.AgentRoleKey, step.AgentRole),
		attribute.String(otelhelper.ActionKey, step.Action),
	)
	defer span.End()

	began := time.Now()
	result := &models.StepResult{
		DefinitionID: def.ID,
		AgentRole:    step.AgentRole,
		Action:       step.Action,
		Optional:     step.Optional,
	}

	fail := func(reason, detail string) (*models.StepResult, *models.ClarificationPrompt) {
		result.Status = models.StepStatusFailure
		result.Reason = reason
		result.ErrorDetail = detail
		result.Duration = time.Since(began)
		otelhelper.SetError(span, errors.New(detail))

		return result, nil
	}

	if step.CreatesEntity != "" && !st.stepEntityDone {
		entity, err := o.store.CreateEntity(ctx, step.CreatesEntity, st.rc.TaskDescription, st.rc.Actor)
		if err != nil {
			return fail(models.ReasonAgentError, "entity creation failed: "+err.Error())
		}

		st.execCtx.EntityID = entity.ID
		st.revisions[entity.ID] = entity.Revision
		st.stepEntityDone = true
	}

	input := o.buildInput(st, def, step)

	if step.InputSchema != nil {
		if detail, ok := validateInput(step.InputSchema, input); !ok {
			return fail(models.ReasonInvalidInput, detail)
		}
	}

	o.publish(ctx, events.WorkflowStepStarted{
		BaseEvent:    events.BaseEvent{RequestID: st.execCtx.RequestID},
		ExecutionID:  st.execCtx.ID,
		DefinitionID: def.ID,
		AgentRole:    step.AgentRole,
		Action:       step.Action,
	})

	if emit != nil {
		emit(ProgressEvent{Kind: ProgressStepStarted, DefinitionID: def.ID,
			AgentRole: step.AgentRole, Action: step.Action})
	}

	outcome, err := o.invoke(ctx, st, step, input, emit, def.ID)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			// The request itself was cancelled while waiting on the agent.
			return fail(models.ReasonCancelled, "request cancelled during agent invocation")
		case errors.Is(err, context.DeadlineExceeded):
			return fail(models.ReasonTimeout, "agent invocation exceeded step timeout")
		default:
			return fail(models.ReasonAgentError, err.Error())
		}
	}

	switch outcome.Kind {
	case agent.OutcomeNeedsClarification:
		if st.rc.Mode == models.ModeHeadless {
			// No prompts outside interactive modes: deterministic failure.
			return fail(models.ReasonClarificationUnavailable,
				"agent requested clarification in headless mode: "+outcome.Clarification)
		}

		st.execCtx.AddTurn("agent", outcome.Clarification)

		return nil, &models.ClarificationPrompt{
			Token:     uuid.New().String(),
			Prompt:    outcome.Clarification,
			AgentRole: step.AgentRole,
		}

	case agent.OutcomeFailure:
		reason := outcome.FailureReason
		if reason == "" {
			reason = models.ReasonAgentError
		}

		return fail(reason, "agent reported failure: "+reason)
	}

	result.Output = outcome.Payload
	st.execCtx.RecordOutput(result.Key(), outcome.Payload)

	if step.Transition != "" {
		if transitionErr := o.applyTransition(ctx, st, step.Transition); transitionErr != nil {
			reason := models.ReasonAgentError
			if store.IsStaleRevision(transitionErr) {
				reason = models.ReasonStaleRevision
			}

			return fail(reason, transitionErr.Error())
		}
	}

	result.Status = models.StepStatusSuccess
	result.Duration = time.Since(began)

	return result, nil
}

// invoke calls the agent with the step timeout applied. Streaming executions
// use the streaming interface when the agent offers one.
func (o *Orchestrator) invoke(
	ctx context.Context,
	st *execState,
	step models.StepSpec,
	input map[string]any,
	emit func(ProgressEvent),
	definitionID string,
) (*agent.StepOutcome, error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = o.stepTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if st.rc.Mode == models.ModeStreaming && emit != nil {
		if streamer, ok := o.agents.(agent.StreamingAgent); ok {
			return streamer.InvokeStream(ctx, step.AgentRole, step.Action, input, st.execCtx,
				func(chunk map[string]any) {
					emit(ProgressEvent{Kind: ProgressStepChunk, DefinitionID: definitionID,
						AgentRole: step.AgentRole, Action: step.Action, Chunk: chunk})
				})
		}
	}

	return o.agents.Invoke(ctx, step.AgentRole, step.Action, input, st.execCtx)
}

// applyTransition moves the bound entity to target using the revision this
// execution last observed. A stale rejection triggers exactly one re-read and
// retry; a second collision surfaces as the error.
func (o *Orchestrator) applyTransition(ctx context.Context, st *execState, target models.State) error {
	entityID := st.execCtx.EntityID
	if entityID == "" {
		return errors.New("step declares a transition but no entity is bound")
	}

	expected, err := o.expectedRevision(ctx, st, entityID)
	if err != nil {
		return err
	}

	committed, err := o.store.Transition(ctx, models.StateTransitionRequest{
		EntityID:         entityID,
		ExpectedRevision: expected,
		Target:           target,
		Actor:            st.rc.Actor,
	})

	if store.IsStaleRevision(err) {
		current, readErr := o.store.Read(ctx, entityID)
		if readErr != nil {
			return readErr
		}

		o.logger.WarnContext(ctx, "Transition rejected on stale revision, retrying once",
			"entity_id", entityID, "expected", expected, "current", current.Revision)

		committed, err = o.store.Transition(ctx, models.StateTransitionRequest{
			EntityID:         entityID,
			ExpectedRevision: current.Revision,
			Target:           target,
			Actor:            st.rc.Actor,
		})
	}

	if err != nil {
		return err
	}

	st.revisions[entityID] = committed.Revision

	last := committed.History[len(committed.History)-1]
	st.committed = append(st.committed, models.CommittedTransition{
		EntityID: entityID,
		From:     last.From,
		To:       last.To,
		Revision: committed.Revision,
	})

	return nil
}

func (o *Orchestrator) expectedRevision(ctx context.Context, st *execState, entityID string) (int64, error) {
	if revision, ok := st.revisions[entityID]; ok {
		return revision, nil
	}

	entity, err := o.store.Read(ctx, entityID)
	if err != nil {
		return 0, err
	}

	st.revisions[entityID] = entity.Revision

	return entity.Revision, nil
}

// buildInput assembles the agent's input from the request, the static step
// metadata, and everything accumulated so far.
func (o *Orchestrator) buildInput(st *execState, def *models.WorkflowDefinition, step models.StepSpec) map[string]any {
	input := map[string]any{
		"task_description": st.rc.TaskDescription,
		"project_root":     st.rc.ProjectRoot,
		"workflow_id":      def.ID,
		"action":           step.Action,
		"step_outputs":     st.execCtx.StepOutputs,
	}

	if st.execCtx.EntityID != "" {
		input["entity_id"] = st.execCtx.EntityID
	}

	if len(st.execCtx.Conversation) > 0 {
		input["conversation"] = st.execCtx.Conversation
	}

	return input
}

func validateInput(schema, input map[string]any) (string, bool) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(input),
	)
	if err != nil {
		return "input schema validation failed: " + err.Error(), false
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}

		return "step input does not satisfy schema: " + strings.Join(details, "; "), false
	}

	return "", true
}

// skipRemaining records the untouched steps of def as skipped after a
// required step failed.
func (o *Orchestrator) skipRemaining(st *execState, def *models.WorkflowDefinition) {
	for i := st.stepIdx + 1; i < len(def.Steps); i++ {
		step := def.Steps[i]
		st.steps = append(st.steps, models.StepResult{
			DefinitionID: def.ID,
			AgentRole:    step.AgentRole,
			Action:       step.Action,
			Status:       models.StepStatusSkipped,
			Optional:     step.Optional,
		})
	}
}

func (o *Orchestrator) awaitClarification(ctx context.Context, st *execState, prompt models.ClarificationPrompt) *models.WorkflowResult {
	o.park(ctx, st, prompt)

	return &models.WorkflowResult{
		RequestID:            st.execCtx.RequestID,
		PlanID:               st.plan.ID,
		Status:               models.WorkflowStatusAwaitingClarification,
		Steps:                append([]models.StepResult(nil), st.steps...),
		Clarification:        &prompt,
		CommittedTransitions: append([]models.CommittedTransition(nil), st.committed...),
		ScaleLevel:           st.rc.ScaleLevel,
		Mode:                 st.rc.Mode,
		Duration:             time.Since(st.startedAt),
	}
}

func (o *Orchestrator) finish(ctx context.Context, st *execState, logger *slog.Logger) *models.WorkflowResult {
	status := models.WorkflowStatusSuccess
	reason := ""

	for _, step := range st.steps {
		if step.Status == models.StepStatusFailure && !step.Optional {
			status = models.WorkflowStatusFailure

			if reason == "" {
				reason = step.Reason
			}
		}
	}

	result := &models.WorkflowResult{
		RequestID:            st.execCtx.RequestID,
		PlanID:               st.plan.ID,
		Status:               status,
		Reason:               reason,
		Steps:                st.steps,
		CommittedTransitions: st.committed,
		ScaleLevel:           st.rc.ScaleLevel,
		Mode:                 st.rc.Mode,
		Duration:             time.Since(st.startedAt),
	}

	o.publish(ctx, events.WorkflowExecutionCompleted{
		BaseEvent:   events.BaseEvent{RequestID: st.execCtx.RequestID},
		ExecutionID: st.execCtx.ID,
		Status:      status,
		Reason:      reason,
		DurationMs:  result.Duration.Milliseconds(),
		StepsRun:    len(st.steps),
	})

	logger.Info("Completed execution of plan",
		"status", status, "steps", len(st.steps), "duration", result.Duration)

	return result
}

func (o *Orchestrator) finishCancelled(st *execState, logger *slog.Logger) *models.WorkflowResult {
	// The request context is gone; publish with a background context so the
	// cancellation itself still reaches the stream.
	o.publish(context.Background(), events.WorkflowExecutionCancelled{
		BaseEvent:            events.BaseEvent{RequestID: st.execCtx.RequestID},
		ExecutionID:          st.execCtx.ID,
		StepsRun:             len(st.steps),
		CommittedTransitions: st.committed,
	})

	logger.Info("Execution cancelled",
		"steps_run", len(st.steps), "committed_transitions", len(st.committed))

	return &models.WorkflowResult{
		RequestID:            st.execCtx.RequestID,
		PlanID:               st.plan.ID,
		Status:               models.WorkflowStatusCancelled,
		Reason:               models.ReasonCancelled,
		Steps:                st.steps,
		CommittedTransitions: st.committed,
		ScaleLevel:           st.rc.ScaleLevel,
		Mode:                 st.rc.Mode,
		Duration:             time.Since(st.startedAt),
	}
}
