// Package orchestrator runs execution plans: it resolves workflows for a
// request, drives the agent capability step by step, requests state
// transitions, and surfaces results per execution mode.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/memyselfmike/agiled/pkg/agent"
	"github.com/memyselfmike/agiled/pkg/eventbus"
	"github.com/memyselfmike/agiled/pkg/events"
	"github.com/memyselfmike/agiled/pkg/models"
	"github.com/memyselfmike/agiled/pkg/registry"
	"github.com/memyselfmike/agiled/pkg/store"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const origin = "orchestrator"

// DefaultStepTimeout bounds agent invocations for steps that declare none.
const DefaultStepTimeout = 5 * time.Minute

// DefaultClarificationTTL is how long a parked execution waits for its
// answer before the token goes stale.
const DefaultClarificationTTL = 30 * time.Minute

// ErrStaleClarification is returned when an answer arrives for a token that
// was never issued, already consumed, or expired. The answer is rejected
// rather than silently applied.
var ErrStaleClarification = errors.New("clarification token is stale")

// Orchestrator is safe for concurrent use; every request runs on the
// caller's goroutine with exclusively owned state.
type Orchestrator struct {
	logger           *slog.Logger
	registry         *registry.Registry
	store            *store.Store
	bus              eventbus.Publisher
	agents           agent.Agent
	tracer           trace.Tracer
	stepTimeout      time.Duration
	clarificationTTL time.Duration

	parkedMu sync.Mutex
	parked   map[string]*parkedExecution
}

// parkedExecution is a plan suspended at a clarification point. It holds no
// entity locks and no goroutine; Resume picks the loop back up in place.
type parkedExecution struct {
	state     *execState
	prompt    models.ClarificationPrompt
	expiresAt time.Time
}

type Option func(*Orchestrator)

func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tracer }
}

func WithStepTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.stepTimeout = d }
}

func WithClarificationTTL(d time.Duration) Option {
	return func(o *Orchestrator) { o.clarificationTTL = d }
}

func NewOrchestrator(
	logger *slog.Logger,
	reg *registry.Registry,
	st *store.Store,
	bus eventbus.Publisher,
	agents agent.Agent,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		logger:           logger.With("module", "orchestrator"),
		registry:         reg,
		store:            st,
		bus:              bus,
		agents:           agents,
		tracer:           noop.NewTracerProvider().Tracer("orchestrator"),
		stepTimeout:      DefaultStepTimeout,
		clarificationTTL: DefaultClarificationTTL,
		parked:           make(map[string]*parkedExecution),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Execute resolves a plan for the request and runs it to completion,
// clarification parking, or cancellation. The caller always gets a
// WorkflowResult unless resolution itself fails.
func (o *Orchestrator) Execute(ctx context.Context, rc models.RequestContext) (*models.WorkflowResult, error) {
	st, err := o.newExecState(rc)
	if err != nil {
		return nil, err
	}

	return o.run(ctx, st, nil), nil
}

// ExecuteStream behaves like Execute but surfaces progress as a live feed.
// The returned channel is closed after the terminal event; the execution runs
// on its own goroutine bound to ctx.
func (o *Orchestrator) ExecuteStream(ctx context.Context, rc models.RequestContext) (<-chan ProgressEvent, error) {
	st, err := o.newExecState(rc)
	if err != nil {
		return nil, err
	}

	feed := make(chan ProgressEvent, 16)

	go func() {
		defer close(feed)

		emit := func(ev ProgressEvent) {
			ev.ExecutionID = st.execCtx.ID
			select {
			case feed <- ev:
			case <-ctx.Done():
			}
		}

		result := o.run(ctx, st, emit)

		if result.Status == models.WorkflowStatusAwaitingClarification {
			emit(ProgressEvent{Kind: ProgressClarification, Clarification: result.Clarification, Result: result})
			return
		}

		emit(ProgressEvent{Kind: ProgressCompleted, Result: result})
	}()

	return feed, nil
}

// Resume feeds a clarification answer to a parked execution and continues it
// on the calling goroutine. Tokens are single use; unknown, consumed or
// expired tokens fail with ErrStaleClarification.
func (o *Orchestrator) Resume(ctx context.Context, token, answer string) (*models.WorkflowResult, error) {
	parked, err := o.takeParked(token)
	if err != nil {
		return nil, err
	}

	st := parked.state
	st.execCtx.AddTurn("caller", answer)

	o.publish(ctx, events.ClarificationAnswered{
		BaseEvent:   events.BaseEvent{RequestID: st.execCtx.RequestID},
		ExecutionID: st.execCtx.ID,
		Token:       token,
		Answer:      answer,
	})

	o.logger.InfoContext(ctx, "Resuming parked execution",
		"execution_id", st.execCtx.ID, "token", token)

	return o.run(ctx, st, nil), nil
}

// Abandon drops a parked execution without answering. Committed transitions
// before the clarification point stand; nothing after it ever ran.
func (o *Orchestrator) Abandon(token string) error {
	_, err := o.takeParked(token)

	return err
}

func (o *Orchestrator) takeParked(token string) (*parkedExecution, error) {
	o.parkedMu.Lock()
	defer o.parkedMu.Unlock()

	parked, ok := o.parked[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStaleClarification, token)
	}

	delete(o.parked, token)

	if time.Now().After(parked.expiresAt) {
		return nil, fmt.Errorf("%w: %s expired at %s",
			ErrStaleClarification, token, parked.expiresAt.Format(time.RFC3339))
	}

	return parked, nil
}

func (o *Orchestrator) park(ctx context.Context, st *execState, prompt models.ClarificationPrompt) {
	o.parkedMu.Lock()
	o.parked[prompt.Token] = &parkedExecution{
		state:     st,
		prompt:    prompt,
		expiresAt: time.Now().Add(o.clarificationTTL),
	}
	o.parkedMu.Unlock()

	o.publish(ctx, events.ClarificationRequested{
		BaseEvent:   events.BaseEvent{RequestID: st.execCtx.RequestID},
		ExecutionID: st.execCtx.ID,
		Token:       prompt.Token,
		AgentRole:   prompt.AgentRole,
		Prompt:      prompt.Prompt,
	})
}

func (o *Orchestrator) newExecState(rc models.RequestContext) (*execState, error) {
	if !rc.Mode.Valid() {
		return nil, fmt.Errorf("invalid execution mode %q", rc.Mode)
	}

	plan, err := o.registry.Resolve(rc)
	if err != nil {
		return nil, err
	}

	requestID := uuid.New().String()

	return &execState{
		plan: plan,
		rc:   rc,
		execCtx: &models.ExecutionContext{
			ID:          uuid.New().String(),
			RequestID:   requestID,
			ProjectRoot: rc.ProjectRoot,
			EntityID:    rc.EntityID,
			Mode:        rc.Mode,
			Actor:       rc.Actor,
			StepOutputs: make(map[string]any),
		},
		revisions: make(map[string]int64),
		startedAt: time.Now(),
	}, nil
}

func (o *Orchestrator) publish(ctx context.Context, event eventbus.Event) {
	if _, err := o.bus.Publish(ctx, origin, event); err != nil && !errors.Is(err, eventbus.ErrBusClosed) {
		o.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", event.GetType(), "error", err)
	}
}
