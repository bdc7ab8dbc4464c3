package graphapi

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

	"switchboard/internal/logger"
	"switchboard/internal/ratelimit"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     4,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...func(*Options)) (*Client, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	o := Options{
		Name:        "test",
		BaseURL:     srv.URL,
		AccessToken: "token-1",
		AccountID:   "acc-1",
		Logger:      logger.NopLogger(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	return New(o).WithPolicy(fastPolicy()), &calls
}

func TestDoDecodesSuccessfulResponse(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.Equal(t, "/me/messages", r.URL.Path)
		assert.Equal(t, "v", r.URL.Query().Get("k"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hi", body["text"])
		_, _ = w.Write([]byte(`{"message_id":"mid.1"}`))
	})

	var out struct {
		MessageID string `json:"message_id"`
	}
	err := client.Do(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "me/messages",
		Query:  map[string][]string{"k": {"v"}},
		Body:   map[string]string{"text": "hi"},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "mid.1", out.MessageID)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestDoRetriesServerErrors(t *testing.T) {
	var n int32
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&n, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})

	require.NoError(t, client.Do(context.Background(), Request{Method: http.MethodGet, Path: "x"}, nil))
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestDoDoesNotRetryAuthenticationErrors(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid OAuth access token.","code":190}}`))
	})

	err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "x"}, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsAuthentication(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestDoMapsClientErrorsToSendErrors(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Recipient not found","code":100}}`))
	})

	err := client.Do(context.Background(), Request{Method: http.MethodPost, Path: "x"}, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsSend(err))
	assert.Contains(t, err.Error(), "Recipient not found")
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestDoReturnsLongRetryAfterToCaller(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	err := client.Do(context.Background(), Request{Method: http.MethodPost, Path: "x"}, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsRateLimited(err))
	wait, ok := apperrors.RetryAfter(err)
	require.True(t, ok)
	assert.Equal(t, 120*time.Second, wait)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestDoIsGatedByTheLimiter(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryFastStore(), ratelimit.NewMemoryDurableStore(), logger.NopLogger())
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}, func(o *Options) {
		o.Limiter = limiter
		o.Limits = ratelimit.Limits{PerSecond: 100, PerHour: 1}
	})

	ctx := context.Background()
	require.NoError(t, client.Do(ctx, Request{Method: http.MethodPost, Path: "x", Endpoint: "messages"}, nil))

	err := client.Do(ctx, Request{Method: http.MethodPost, Path: "x", Endpoint: "messages"}, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsRateLimited(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestTransportErrorHook(t *testing.T) {
	client := New(Options{
		Name:    "test",
		BaseURL: "http://127.0.0.1:1",
		TransportError: func(err error) error {
			return apperrors.ErrAuthentication.WithCause(err)
		},
	}).WithPolicy(fastPolicy())

	err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "x"}, nil)
	assert.True(t, apperrors.IsAuthentication(err))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 30*time.Second, ParseRetryAfter("30"))
	assert.Equal(t, 60*time.Second, ParseRetryAfter(""))
	assert.Equal(t, 60*time.Second, ParseRetryAfter("soon"))

	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	d := ParseRetryAfter(future)
	assert.True(t, d > 80*time.Second && d <= 90*time.Second, "got %s", d)
}
