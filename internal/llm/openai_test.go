package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/aurawatch/internal/arbiter"
	"github.com/mbd888/aurawatch/internal/circuitbreaker"
	"github.com/mbd888/aurawatch/internal/logging"
	"github.com/mbd888/aurawatch/internal/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: url, APIKey: "sk-test", Model: "gpt-test"}, logging.Discard())
	require.NoError(t, err)
	return c.WithRetryPolicy(fastPolicy())
}

func TestReason_SendsChatRequest(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"suspicious\":false}"}}]}`))
	}))
	defer srv.Close()

	out, err := newTestClient(t, srv.URL+"/").Reason(context.Background(), arbiter.Prompt{System: "sys", User: "usr"})
	require.NoError(t, err)
	assert.Equal(t, `{"suspicious":false}`, out)

	assert.Equal(t, "gpt-test", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "usr", got.Messages[1].Content)
	assert.InDelta(t, 0.2, got.Temperature, 1e-9)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
}

func TestReason_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	out, err := newTestClient(t, srv.URL).Reason(context.Background(), arbiter.Prompt{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), calls.Load())
}

func TestReason_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Reason(context.Background(), arbiter.Prompt{})
	require.Error(t, err)
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusUnauthorized, serr.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestReason_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Reason(context.Background(), arbiter.Prompt{})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestReason_BreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL).
		WithRetryPolicy(retry.Policy{Attempts: 1}).
		WithBreaker(circuitbreaker.New(2, time.Minute))

	for i := 0; i < 2; i++ {
		_, err := c.Reason(context.Background(), arbiter.Prompt{})
		require.Error(t, err)
	}
	_, err := c.Reason(context.Background(), arbiter.Prompt{})
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}

func TestReason_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := newTestClient(t, srv.URL).Reason(ctx, arbiter.Prompt{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNew_RequiresModel(t *testing.T) {
	_, err := New(Config{}, logging.Discard())
	assert.Error(t, err)
}
