// Package agent defines the capability the orchestrator drives: an external
// AI agent that performs a single action for a given role. Implementations
// live outside this module; a scripted agent for tests lives here.
package agent

import (
	"context"

	"github.com/memyselfmike/agiled/pkg/models"
)

// OutcomeKind classifies what an agent invocation produced.
type OutcomeKind string

const (
	OutcomeSuccess            OutcomeKind = "success"
	OutcomeFailure            OutcomeKind = "failure"
	OutcomeNeedsClarification OutcomeKind = "needs_clarification"
)

// StepOutcome is the agent's answer for one step. Payload carries the
// produced output on success; FailureReason is set on failure; Clarification
// is the question to surface when the agent cannot proceed without input.
type StepOutcome struct {
	Kind          OutcomeKind    `json:"kind"`
	Payload       map[string]any `json:"payload,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Clarification string         `json:"clarification,omitempty"`
}

// Agent is the invocation contract. Invoke blocks until the agent finishes or
// ctx is done; cancellation and timeouts are enforced through ctx. A non-nil
// error means the invocation itself broke (transport, process), not that the
// step failed; step-level failure comes back as an OutcomeFailure.
type Agent interface {
	Invoke(ctx context.Context, role, action string, input map[string]any, execCtx *models.ExecutionContext) (*StepOutcome, error)
}

// StreamingAgent is optionally implemented by agents that can surface partial
// payloads while working. Each chunk is delivered through emit in order; the
// returned outcome is final and supersedes the chunks.
type StreamingAgent interface {
	Agent
	InvokeStream(ctx context.Context, role, action string, input map[string]any, execCtx *models.ExecutionContext, emit func(chunk map[string]any)) (*StepOutcome, error)
}
