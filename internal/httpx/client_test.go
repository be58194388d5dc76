package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetJSON(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte(`{"price": 42000.5}`))
	}))
	defer srv.Close()

	c := New(zerolog.Nop())
	var out struct {
		Price float64 `json:"price"`
	}
	require.NoError(t, c.GetJSON(context.Background(), srv.URL, &out))
	assert.Equal(t, 42000.5, out.Price)
	assert.Equal(t, defaultUserAgent, gotUA)
}

func TestGetJSONStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(zerolog.Nop())
	var out map[string]any
	err := c.GetJSON(context.Background(), srv.URL, &out)
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusTooManyRequests))
	assert.False(t, IsStatus(err, http.StatusNotFound))
}

func TestGetJSONRetryRecovers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	c := New(zerolog.Nop())
	var out struct {
		OK bool `json:"ok"`
	}
	err := c.GetJSONRetry(context.Background(), srv.URL, &out, 3, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetJSONRetryGivesUpOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "missing", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(zerolog.Nop())
	var out map[string]any
	err := c.GetJSONRetry(context.Background(), srv.URL, &out, 3, time.Millisecond)
	require.Error(t, err)
	// 404 is not retryable.
	assert.Equal(t, int32(1), calls.Load())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(zerolog.Nop())
	var out map[string]any
	for i := 0; i < 5; i++ {
		require.Error(t, c.GetJSON(context.Background(), srv.URL, &out))
	}

	// Sixth call is rejected without hitting the server.
	err := c.GetJSON(context.Background(), srv.URL, &out)
	require.Error(t, err)
	assert.False(t, IsStatus(err, http.StatusInternalServerError))
}

func TestPostJSONSetsContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		w.Write([]byte(`{"echo": "hi"}`))
	}))
	defer srv.Close()

	c := New(zerolog.Nop())
	var out struct {
		Echo string `json:"echo"`
	}
	err := c.PostJSON(context.Background(), srv.URL, map[string]string{"msg": "hi"}, &out,
		"X-Api-Key", "secret")
	require.NoError(t, err)
	assert.Equal(t, "hi", out.Echo)
}
