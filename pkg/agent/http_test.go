package agent_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/memyselfmike/agiled/pkg/agent"
	"github.com/memyselfmike/agiled/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execContext() *models.ExecutionContext {
	return &models.ExecutionContext{
		ID:          "exec-1",
		RequestID:   "req-1",
		ProjectRoot: "/srv/repos/shop",
		Mode:        models.ModeHeadless,
	}
}

func TestHTTPAgent_Invoke(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/invoke", r.URL.Path)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "developer", req["role"])
		assert.Equal(t, "implement", req["action"])
		assert.Equal(t, "exec-1", req["execution_id"])

		json.NewEncoder(w).Encode(agent.StepOutcome{
			Kind:    agent.OutcomeSuccess,
			Payload: map[string]any{"diff": "patch contents"},
		})
	}))
	defer server.Close()

	a := agent.NewHTTPAgent(server.URL, slog.Default())

	outcome, err := a.Invoke(context.Background(), "developer", "implement",
		map[string]any{"task_description": "fix bug"}, execContext())
	require.NoError(t, err)

	assert.Equal(t, agent.OutcomeSuccess, outcome.Kind)
	assert.Equal(t, "patch contents", outcome.Payload["diff"])
}

func TestHTTPAgent_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "agent exploded", http.StatusInternalServerError)
	}))
	defer server.Close()

	a := agent.NewHTTPAgent(server.URL, slog.Default())

	_, err := a.Invoke(context.Background(), "developer", "implement", nil, execContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestHTTPAgent_MissingKind(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	a := agent.NewHTTPAgent(server.URL, slog.Default())

	_, err := a.Invoke(context.Background(), "developer", "implement", nil, execContext())
	assert.Error(t, err)
}
