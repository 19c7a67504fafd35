package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/alifeinbinary/penny/internal/history"
)

func chatHandler(t *testing.T, fn func(req chatRequest, calls int) (int, string)) (*httptest.Server, *int) {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/chat", r.URL.Path)

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		calls++

		status, content := fn(req, calls)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		var resp chatResponse
		resp.Message.Role = "assistant"
		resp.Message.Content = content
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestGenerateSuccess(t *testing.T) {
	srv, calls := chatHandler(t, func(req chatRequest, _ int) (int, string) {
		require.Equal(t, "llama3.2", req.Model)
		require.False(t, req.Stream)
		require.Equal(t, []history.Turn{
			{Role: history.RoleSystem, Content: "be brief"},
			{Role: history.RoleUser, Content: "hello"},
		}, req.Messages)
		return http.StatusOK, "  hi there  "
	})

	c := NewClient(srv.URL, "llama3.2", "be brief", zerolog.Nop())
	text, err := c.Generate(context.Background(), []history.Turn{{Role: history.RoleUser, Content: "hello"}})
	require.NoError(t, err)
	require.Equal(t, "hi there", text)
	require.Equal(t, 1, *calls)
}

func TestGenerateNoSystemPrompt(t *testing.T) {
	srv, _ := chatHandler(t, func(req chatRequest, _ int) (int, string) {
		require.Len(t, req.Messages, 1)
		require.Equal(t, history.RoleUser, req.Messages[0].Role)
		return http.StatusOK, "ok"
	})

	c := NewClient(srv.URL, "llama3.2", "", zerolog.Nop())
	_, err := c.Generate(context.Background(), []history.Turn{{Role: history.RoleUser, Content: "hello"}})
	require.NoError(t, err)
}

func TestGenerateRetriesTransientFailure(t *testing.T) {
	srv, calls := chatHandler(t, func(_ chatRequest, n int) (int, string) {
		if n < 3 {
			return http.StatusInternalServerError, ""
		}
		return http.StatusOK, "recovered"
	})

	c := NewClient(srv.URL, "llama3.2", "", zerolog.Nop(), WithRetry(2, time.Millisecond))
	text, err := c.Generate(context.Background(), []history.Turn{{Role: history.RoleUser, Content: "hello"}})
	require.NoError(t, err)
	require.Equal(t, "recovered", text)
	require.Equal(t, 3, *calls)
}

func TestGenerateNoRetryOnPermanentFailure(t *testing.T) {
	srv, calls := chatHandler(t, func(_ chatRequest, _ int) (int, string) {
		return http.StatusBadRequest, ""
	})

	c := NewClient(srv.URL, "llama3.2", "", zerolog.Nop(), WithRetry(2, time.Millisecond))
	_, err := c.Generate(context.Background(), []history.Turn{{Role: history.RoleUser, Content: "hello"}})

	var infErr *InferenceError
	require.ErrorAs(t, err, &infErr)
	require.Equal(t, http.StatusBadRequest, infErr.StatusCode)
	require.False(t, infErr.Transient)
	require.Equal(t, 1, *calls)
}

func TestGenerateExhaustsRetryBudget(t *testing.T) {
	srv, calls := chatHandler(t, func(_ chatRequest, _ int) (int, string) {
		return http.StatusServiceUnavailable, ""
	})

	c := NewClient(srv.URL, "llama3.2", "", zerolog.Nop(), WithRetry(2, time.Millisecond))
	_, err := c.Generate(context.Background(), []history.Turn{{Role: history.RoleUser, Content: "hello"}})

	var infErr *InferenceError
	require.ErrorAs(t, err, &infErr)
	require.True(t, infErr.Transient)
	require.Equal(t, 3, *calls)
}

func TestGenerateEmptyCompletionIsFailure(t *testing.T) {
	srv, calls := chatHandler(t, func(_ chatRequest, _ int) (int, string) {
		return http.StatusOK, "   "
	})

	c := NewClient(srv.URL, "llama3.2", "", zerolog.Nop(), WithRetry(2, time.Millisecond))
	_, err := c.Generate(context.Background(), []history.Turn{{Role: history.RoleUser, Content: "hello"}})

	var infErr *InferenceError
	require.ErrorAs(t, err, &infErr)
	require.False(t, infErr.Transient)
	require.Equal(t, 1, *calls)
}

func TestGenerateUnreachableBackend(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "llama3.2", "", zerolog.Nop(),
		WithRetry(1, time.Millisecond), WithTimeout(time.Second))
	_, err := c.Generate(context.Background(), []history.Turn{{Role: history.RoleUser, Content: "hello"}})

	var infErr *InferenceError
	require.ErrorAs(t, err, &infErr)
	require.True(t, infErr.Transient)
}

func TestGenerateContextCancellation(t *testing.T) {
	srv, _ := chatHandler(t, func(_ chatRequest, _ int) (int, string) {
		return http.StatusServiceUnavailable, ""
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(srv.URL, "llama3.2", "", zerolog.Nop(), WithRetry(5, time.Minute))
	_, err := c.Generate(ctx, []history.Turn{{Role: history.RoleUser, Content: "hello"}})
	require.Error(t, err)
}
