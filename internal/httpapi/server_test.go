package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arqonbus/arqonbus/internal/metrics"
	"github.com/arqonbus/arqonbus/internal/routing"
)

func newTestAPI(t *testing.T, apiKey string, control ControlFunc) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	api := NewAPIServer(routing.NewRegistry(), metrics.NewMetrics(reg), reg, apiKey, control)
	ts := httptest.NewServer(api.Router())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestStatusAndVersion(t *testing.T) {
	ts := newTestAPI(t, "", nil)

	code, body := getJSON(t, ts.URL+"/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "arqonbus", body["service"])
	assert.Equal(t, "healthy", body["status"])

	code, body = getJSON(t, ts.URL+"/version")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, Version, body["version"])

	code, body = getJSON(t, ts.URL+"/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestAPI(t, "", nil)
	resp, err := http.Get(ts.URL + "/metrics/prometheus")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminRoutesRequireKey(t *testing.T) {
	var calls atomic.Int32
	ts := newTestAPI(t, "sekrit", func(string) { calls.Add(1) })

	resp, err := http.Post(ts.URL+"/admin/shutdown", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(0), calls.Load())

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/admin/restart", nil)
	require.NoError(t, err)
	// Header names are matched case-insensitively.
	req.Header.Set("x-api-key", "sekrit")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "restart_initiated", body["status"])

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestAdminOpenWhenUnconfigured(t *testing.T) {
	var calls atomic.Int32
	ts := newTestAPI(t, "", func(string) { calls.Add(1) })

	resp, err := http.Post(ts.URL+"/admin/shutdown", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 10*time.Millisecond)
}
