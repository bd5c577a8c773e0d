package httpconn

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/flowrun/faults"
)

func TestClientSharedByParams(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	defer b.Close()

	first, err := b.Client(Params{Timeout: time.Second})
	require.NoError(t, err)
	again, err := b.Client(Params{Timeout: time.Second})
	require.NoError(t, err)
	assert.Same(t, first, again)

	other, err := b.Client(Params{Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.NotSame(t, first, other)
	assert.EqualValues(t, 2, b.Created())
}

func TestDoReturnsAllStatuses(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusOK)
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	b := New(Options{})
	defer b.Close()
	client, err := b.Client(Params{})
	require.NoError(t, err)

	for path, want := range map[string]int{
		"/ok":      http.StatusOK,
		"/missing": http.StatusNotFound,
		"/boom":    http.StatusBadGateway,
	} {
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, want, resp.StatusCode, path)
	}
}

func TestBreakerOpensAfterConsecutiveServerErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := New(Options{})
	defer b.Close()
	client, err := b.Client(Params{})
	require.NoError(t, err)

	// The breaker trips after five consecutive failures.
	for i := 0; i < 5; i++ {
		req, rerr := http.NewRequest(http.MethodGet, srv.URL, nil)
		require.NoError(t, rerr)
		resp, derr := client.Do(req)
		require.NoError(t, derr)
		resp.Body.Close()
	}

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = client.Do(req)
	require.Error(t, err)
	assert.Equal(t, faults.KindUpstream, faults.KindOf(err))
	assert.EqualValues(t, 5, hits.Load(), "open breaker must not reach the server")
}

func TestRateLimiterBoundsThroughput(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := New(Options{})
	defer b.Close()
	client, err := b.Client(Params{RequestsPerSecond: 20, Burst: 1})
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 4; i++ {
		req, rerr := http.NewRequest(http.MethodGet, srv.URL, nil)
		require.NoError(t, rerr)
		resp, derr := client.Do(req)
		require.NoError(t, derr)
		resp.Body.Close()
	}
	// Three waits at 20 rps is at least 150ms minus scheduling slack.
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}
