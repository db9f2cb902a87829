package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withRegistry swaps in a fresh registry for the duration of a test.
func withRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	old := Registry
	Registry = prometheus.NewRegistry()
	t.Cleanup(func() { Registry = old })
	return Registry
}

func scrape(t *testing.T, accept string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	resp := w.Result()
	t.Cleanup(func() { _ = resp.Body.Close() })
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestHandler(t *testing.T) {
	reg := withRegistry(t)
	reg.MustRegister(collectors.NewGoCollector())
	RegisterBuildInfo("1.0.0", "abc123")

	resp, body := scrape(t, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	assert.Contains(t, body, "go_goroutines")
	assert.Contains(t, body, `s3kv_build_info{commit="abc123",version="1.0.0"} 1`)
}

func TestHandler_EmptyRegistry(t *testing.T) {
	withRegistry(t)

	resp, body := scrape(t, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
}

func TestHandler_OpenMetrics(t *testing.T) {
	withRegistry(t)
	RegisterBuildInfo("1.0.0", "abc123")

	resp, body := scrape(t, "application/openmetrics-text")
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/openmetrics-text")
	assert.Contains(t, body, "# EOF")
}

func TestDefaultRegistryHasProcessMetrics(t *testing.T) {
	families, err := Registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["go_goroutines"])
}

func TestRegisterBuildInfo_Repeated(t *testing.T) {
	reg := withRegistry(t)

	RegisterBuildInfo("1.0.0", "abc123")
	RegisterBuildInfo("1.0.1", "def456")

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "s3kv_build_info", families[0].GetName())
	assert.Len(t, families[0].GetMetric(), 2)
}

// pushgateway records the last push it received.
type pushgateway struct {
	method string
	path   string
	body   string
}

func newPushgateway(t *testing.T, status int) (*httptest.Server, *pushgateway) {
	t.Helper()
	got := &pushgateway{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got.method, got.path, got.body = r.Method, r.URL.Path, string(body)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestPush(t *testing.T) {
	withRegistry(t)
	RegisterBuildInfo("1.0.0", "abc123")
	srv, got := newPushgateway(t, http.StatusOK)

	require.NoError(t, Push(context.Background(), srv.URL, "s3kv"))
	assert.Equal(t, http.MethodPut, got.method)
	assert.Equal(t, "/metrics/job/s3kv", got.path)
	assert.Contains(t, got.body, "s3kv_build_info")
}

func TestPush_GatewayError(t *testing.T) {
	withRegistry(t)
	RegisterBuildInfo("1.0.0", "abc123")
	srv, _ := newPushgateway(t, http.StatusInternalServerError)

	err := Push(context.Background(), srv.URL, "s3kv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), srv.URL)
}
