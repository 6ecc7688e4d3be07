package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/memyselfmike/agiled/pkg/models"
)

// Invocation records one call observed by a ScriptedAgent.
type Invocation struct {
	Role   string
	Action string
	Input  map[string]any
}

// ScriptedAgent replays canned outcomes keyed by "role.action". Each key
// holds a queue consumed in order; when the queue runs dry the last outcome
// repeats. Useful for orchestrator and API tests.
type ScriptedAgent struct {
	mu          sync.Mutex
	scripts     map[string][]*StepOutcome
	delays      map[string]time.Duration
	invocations []Invocation
	chunks      map[string][]map[string]any
}

func NewScriptedAgent() *ScriptedAgent {
	return &ScriptedAgent{
		scripts: make(map[string][]*StepOutcome),
		delays:  make(map[string]time.Duration),
		chunks:  make(map[string][]map[string]any),
	}
}

func key(role, action string) string {
	return role + "." + action
}

// Script appends outcomes to the queue for role.action.
func (a *ScriptedAgent) Script(role, action string, outcomes ...*StepOutcome) *ScriptedAgent {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := key(role, action)
	a.scripts[k] = append(a.scripts[k], outcomes...)

	return a
}

// Delay makes invocations of role.action block for d before answering, so
// timeout behavior can be exercised.
func (a *ScriptedAgent) Delay(role, action string, d time.Duration) *ScriptedAgent {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.delays[key(role, action)] = d

	return a
}

// StreamChunks sets the partial payloads InvokeStream emits for role.action
// before the final outcome.
func (a *ScriptedAgent) StreamChunks(role, action string, chunks ...map[string]any) *ScriptedAgent {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.chunks[key(role, action)] = chunks

	return a
}

// Invocations returns a snapshot of every recorded call.
func (a *ScriptedAgent) Invocations() []Invocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Invocation, len(a.invocations))
	copy(out, a.invocations)

	return out
}

func (a *ScriptedAgent) next(role, action string, input map[string]any) (*StepOutcome, time.Duration, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.invocations = append(a.invocations, Invocation{Role: role, Action: action, Input: input})

	k := key(role, action)

	queue := a.scripts[k]
	if len(queue) == 0 {
		return nil, 0, fmt.Errorf("no scripted outcome for %s", k)
	}

	outcome := queue[0]
	if len(queue) > 1 {
		a.scripts[k] = queue[1:]
	}

	return outcome, a.delays[k], nil
}

func (a *ScriptedAgent) Invoke(ctx context.Context, role, action string, input map[string]any, _ *models.ExecutionContext) (*StepOutcome, error) {
	outcome, delay, err := a.next(role, action, input)
	if err != nil {
		return nil, err
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return outcome, nil
}

func (a *ScriptedAgent) InvokeStream(ctx context.Context, role, action string, input map[string]any, execCtx *models.ExecutionContext, emit func(chunk map[string]any)) (*StepOutcome, error) {
	a.mu.Lock()
	chunks := a.chunks[key(role, action)]
	a.mu.Unlock()

	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		emit(chunk)
	}

	return a.Invoke(ctx, role, action, input, execCtx)
}
