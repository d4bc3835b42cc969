package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krds-cache/internal/cache/backend"
	"krds-cache/internal/cache/manager"
	"krds-cache/internal/cache/monitor"
	"krds-cache/internal/cache/strategy"
	"krds-cache/internal/config"
	"krds-cache/internal/logging"
)

func setupTestServer(t *testing.T) *httptest.Server {
	logger, err := logging.NewZapLogger(logging.Config{Level: logging.ErrorLevel})
	require.NoError(t, err)

	cfg := &config.Config{
		BackendPriority:     []string{"memory"},
		StrategyName:        strategy.NameKoreanOptimized,
		OpTimeout:           time.Second,
		MetricsInterval:     time.Minute,
		FileCleanupSchedule: "@every 10m",
		TTLDefault:          30 * time.Minute,
		TTLLarge:            10 * time.Minute,
		TTLFrequent:         2 * time.Hour,
		KoreanBoostFactor:   1.3,
	}

	mem := backend.NewMemory(backend.MemoryConfig{
		MaxEntries:    100,
		MaxBytes:      1024 * 1024,
		SweepInterval: time.Minute,
	})
	engine := strategy.New(strategy.DefaultConfig())
	mon := monitor.New(monitor.Thresholds{
		HitRateMin:      0.5,
		LatencyMax:      time.Second,
		ErrorRateMax:    0.5,
		MemoryUtilMax:   0.9,
		AvailabilityMin: 0.8,
	})

	mgr, err := manager.New(cfg, []backend.Backend{mem}, engine, mon, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})

	router := mux.NewRouter()
	NewHandlers(mgr, logger).Register(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, map[string]interface{}) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHandlers_Health(t *testing.T) {
	srv := setupTestServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestHandlers_ArtifactLifecycle(t *testing.T) {
	srv := setupTestServer(t)

	resp, _ := doJSON(t, http.MethodPut, srv.URL+"/artifacts/doc-button", map[string]interface{}{
		"value": map[string]string{"title": "Button"},
		"tags":  []string{"components"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/artifacts/doc-button", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	value := body["value"].(map[string]interface{})
	assert.Equal(t, "Button", value["title"])

	resp, body = doJSON(t, http.MethodDelete, srv.URL+"/artifacts/doc-button", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["removed"])

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/artifacts/doc-button", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandlers_InvalidateByTag(t *testing.T) {
	srv := setupTestServer(t)

	for _, key := range []string{"a", "b"} {
		resp, _ := doJSON(t, http.MethodPut, srv.URL+"/artifacts/"+key, map[string]interface{}{
			"value": "v",
			"tags":  []string{"batch"},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/cache/invalidate", map[string]interface{}{
		"tags": []string{"batch"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["removed"])
}

func TestHandlers_InvalidateRequiresSelector(t *testing.T) {
	srv := setupTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/cache/invalidate", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlers_MonitorEndpoints(t *testing.T) {
	srv := setupTestServer(t)

	// Put some traffic through so the views have content.
	resp, _ := doJSON(t, http.MethodPut, srv.URL+"/artifacts/seed", map[string]interface{}{"value": "v"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/artifacts/seed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/cache/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "hit_rate")

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/cache/summary", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "digest")

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/cache/trends", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/cache/stats", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "memory")
}
