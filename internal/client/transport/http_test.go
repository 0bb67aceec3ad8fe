package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/driftsync/pkg/api"
)

func staticToken(token string) TokenFunc {
	return func(ctx context.Context) (string, error) {
		return token, nil
	}
}

func TestHTTPProvider_Push(t *testing.T) {
	var gotAuth string
	var gotReq api.PushRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/sync/push", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		resp := api.PushResponse{Results: []api.OpResult{
			{OpID: "op-1", Status: api.OpStatusAccepted, ServerVersion: 7},
		}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	provider := NewHTTPProvider(server.URL, staticToken("token-123"))

	resp, err := provider.Push(context.Background(), api.PushRequest{
		WorkspaceID: "ws-1",
		DeviceID:    "dev-1",
		Ops: []api.Op{{
			OpID:      "op-1",
			Table:     "chats",
			PK:        "chat-1",
			Operation: api.OpPut,
			Payload:   map[string]interface{}{"title": "x", "created_by": "u"},
			Clock:     api.Clock{Physical: 1, Logical: 0, DeviceID: "dev-1"},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer token-123", gotAuth)
	assert.Equal(t, "ws-1", gotReq.WorkspaceID)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, api.OpStatusAccepted, resp.Results[0].Status)
	assert.Equal(t, uint64(7), resp.Results[0].ServerVersion)
}

func TestHTTPProvider_Pull(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/sync/pull", r.URL.Path)
		assert.Equal(t, "ws-1", r.URL.Query().Get("workspace_id"))
		assert.Equal(t, "42", r.URL.Query().Get("cursor"))
		assert.Equal(t, "100", r.URL.Query().Get("limit"))

		resp := api.PullResponse{
			Changes:    []api.SyncChange{{Table: "chats", PK: "chat-1", Operation: api.OpPut, ServerVersion: 43}},
			NextCursor: 43,
			HasMore:    false,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	provider := NewHTTPProvider(server.URL, staticToken("t"))

	resp, err := provider.Pull(context.Background(), "ws-1", 42, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(43), resp.NextCursor)
	require.Len(t, resp.Changes, 1)
}

func TestHTTPProvider_StructuredError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{
			Code:       api.ErrCodeQuotaExceeded,
			Message:    "rate limit exceeded",
			RetryAfter: 30,
		})
	}))
	defer server.Close()

	provider := NewHTTPProvider(server.URL, staticToken("t"))

	_, err := provider.Pull(context.Background(), "ws-1", 0, 0)
	require.Error(t, err)

	assert.Equal(t, api.ErrCodeQuotaExceeded, CodeOf(err))
	assert.True(t, api.ErrCodeQuotaExceeded.Retryable())
}

func TestHTTPProvider_NetworkErrorIsRetryable(t *testing.T) {
	// Закрытый сервер эмулирует недоступную сеть
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	provider := NewHTTPProvider(server.URL, staticToken("t"))

	_, err := provider.Pull(context.Background(), "ws-1", 0, 0)
	require.Error(t, err)

	code := CodeOf(err)
	assert.Equal(t, api.ErrCodeUnavailable, code)
	assert.True(t, code.Retryable(), "network failures must be retryable regardless of payload")
}

func TestHTTPProvider_UnstructuredErrorClassifiedByStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		expected api.ErrorCode
	}{
		{"unauthorized", http.StatusUnauthorized, api.ErrCodeUnauthorized},
		{"forbidden", http.StatusForbidden, api.ErrCodeUnauthorized},
		{"bad request", http.StatusBadRequest, api.ErrCodeValidation},
		{"too many requests", http.StatusTooManyRequests, api.ErrCodeQuotaExceeded},
		{"server error", http.StatusInternalServerError, api.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "plain text error", tt.status)
			}))
			defer server.Close()

			provider := NewHTTPProvider(server.URL, staticToken("t"))

			_, err := provider.Pull(context.Background(), "ws-1", 0, 0)
			require.Error(t, err)
			assert.Equal(t, tt.expected, CodeOf(err))
		})
	}
}

func TestRegistry(t *testing.T) {
	t.Run("unknown backend", func(t *testing.T) {
		_, err := New("bogus", Config{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown backend")
	})

	t.Run("http backend requires base url", func(t *testing.T) {
		_, err := New("http", Config{})
		require.Error(t, err)
	})

	t.Run("each session gets its own instance", func(t *testing.T) {
		first, err := New("http", Config{BaseURL: "http://localhost:1"})
		require.NoError(t, err)
		second, err := New("http", Config{BaseURL: "http://localhost:1"})
		require.NoError(t, err)

		// Закрытие одного экземпляра не должно влиять на другой
		assert.NotSame(t, first, second)
		require.NoError(t, first.Close())
		require.NoError(t, second.Close())
	})
}
