package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/flowrun/broker/httpconn"
	"goa.design/flowrun/faults"
	"goa.design/flowrun/value"
)

func TestHTTPRequestParsesJSONResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders/7", r.URL.Path)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 7, "state": "shipped"}`))
	}))
	defer srv.Close()

	broker := httpconn.New(httpconn.Options{})
	defer broker.Close()
	h := HTTPRequest(broker)

	in := value.Object(map[string]value.Value{"id": value.Int(7)})
	cfg := map[string]any{
		"url":     srv.URL + "/orders/{{$input.id}}",
		"headers": map[string]any{"Authorization": "Bearer token-1"},
	}
	out, err := h.Execute(context.Background(), newInvocation(cfg, in, nil))
	require.NoError(t, err)

	status, _ := out.Field("status")
	n, _ := status.AsInt()
	assert.Equal(t, int64(200), n)

	body, _ := out.Field("body")
	state, ok := body.Field("state")
	require.True(t, ok, "json body decoded into an object")
	s, _ := state.AsString()
	assert.Equal(t, "shipped", s)
}

func TestHTTPRequestPostsJSONBody(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	broker := httpconn.New(httpconn.Options{})
	defer broker.Close()
	h := HTTPRequest(broker)

	cfg := map[string]any{
		"method": "POST",
		"url":    srv.URL,
		"body":   map[string]any{"name": "ada"},
	}
	out, err := h.Execute(context.Background(), newInvocation(cfg, value.Null(), nil))
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"name": "ada"}, got)
	status, _ := out.Field("status")
	n, _ := status.AsInt()
	assert.Equal(t, int64(201), n)
}

func TestHTTPRequestNon2xxIsUpstreamFault(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such order", http.StatusNotFound)
	}))
	defer srv.Close()

	broker := httpconn.New(httpconn.Options{})
	defer broker.Close()
	h := HTTPRequest(broker)

	_, err := h.Execute(context.Background(), newInvocation(map[string]any{"url": srv.URL}, value.Null(), nil))
	require.Error(t, err)
	assert.Equal(t, faults.KindUpstream, faults.KindOf(err))
	assert.Contains(t, err.Error(), "404")
}

func TestHTTPRequestValidatesConfig(t *testing.T) {
	t.Parallel()

	broker := httpconn.New(httpconn.Options{})
	defer broker.Close()
	h := HTTPRequest(broker)

	vs := h.ValidateConfig(map[string]any{"method": "TRACE", "url": "http://example.com"})
	require.NotEmpty(t, vs)

	_, err := h.Execute(context.Background(), newInvocation(map[string]any{"url": ""}, value.Null(), nil))
	require.Error(t, err)
	assert.Equal(t, faults.KindConfig, faults.KindOf(err))
}
