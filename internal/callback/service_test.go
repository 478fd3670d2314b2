package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/remilabs/sessionactor/internal/callbackretry"
)

func fastRetry() callbackretry.Config {
	return callbackretry.Config{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxElapsed: 100 * time.Millisecond, MaxAttempts: 3}
}

func TestNotifyExecutionCompletePostsJSON(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := NewHTTPService(nil, fastRetry())
	ctxJSON, err := json.Marshal(map[string]string{"url": srv.URL, "token": "tok-123"})
	require.NoError(t, err)

	err = svc.NotifyExecutionComplete(context.Background(), string(ctxJSON), ExecutionCompleteEvent{MessageID: "m1", Success: true})
	require.NoError(t, err)

	require.Equal(t, "Bearer tok-123", gotAuth)
	require.Equal(t, "execution_complete", gotBody["type"])
}

func TestNotifyIsNoOpWithoutCallbackContext(t *testing.T) {
	svc := NewHTTPService(nil, fastRetry())
	require.NoError(t, svc.NotifyToolCall(context.Background(), "", ToolCallEvent{MessageID: "m1"}))
}

func TestNotifyPermanentOn4xxDoesNotRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	svc := NewHTTPService(nil, fastRetry())
	ctxJSON, err := json.Marshal(map[string]string{"url": srv.URL})
	require.NoError(t, err)

	err = svc.NotifyToolCall(context.Background(), string(ctxJSON), ToolCallEvent{MessageID: "m1", ToolName: "grep", Status: "running"})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
