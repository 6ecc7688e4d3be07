package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/memyselfmike/agiled/pkg/models"
)

const defaultInvokeTimeout = 10 * time.Minute

// HTTPAgent invokes agents hosted behind an HTTP endpoint. One POST to
// <base>/invoke per step; the service answers with a StepOutcome document.
type HTTPAgent struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

type invokeRequest struct {
	Role         string                    `json:"role"`
	Action       string                    `json:"action"`
	Input        map[string]any            `json:"input"`
	ExecutionID  string                    `json:"execution_id"`
	RequestID    string                    `json:"request_id"`
	ProjectRoot  string                    `json:"project_root"`
	EntityID     string                    `json:"entity_id,omitempty"`
	Mode         models.ExecutionMode      `json:"mode"`
	Conversation []models.ConversationTurn `json:"conversation,omitempty"`
}

func NewHTTPAgent(baseURL string, logger *slog.Logger) *HTTPAgent {
	return &HTTPAgent{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: defaultInvokeTimeout},
		logger:  logger.With("module", "http_agent"),
	}
}

func (a *HTTPAgent) Invoke(ctx context.Context, role, action string, input map[string]any, execCtx *models.ExecutionContext) (*StepOutcome, error) {
	payload, err := json.Marshal(invokeRequest{
		Role:         role,
		Action:       action,
		Input:        input,
		ExecutionID:  execCtx.ID,
		RequestID:    execCtx.RequestID,
		ProjectRoot:  execCtx.ProjectRoot,
		EntityID:     execCtx.EntityID,
		Mode:         execCtx.Mode,
		Conversation: execCtx.Conversation,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal invoke request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/invoke", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build invoke request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent invocation failed: %w", err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))

		return nil, fmt.Errorf("agent answered %d for %s.%s: %s", resp.StatusCode, role, action, body)
	}

	var outcome StepOutcome
	if err := json.NewDecoder(resp.Body).Decode(&outcome); err != nil {
		return nil, fmt.Errorf("failed to decode agent outcome: %w", err)
	}

	if outcome.Kind == "" {
		return nil, fmt.Errorf("agent outcome for %s.%s has no kind", role, action)
	}

	a.logger.DebugContext(ctx, "Agent invocation finished",
		"role", role, "action", action, "kind", outcome.Kind)

	return &outcome, nil
}
