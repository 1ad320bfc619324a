package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/provider-router/docs"
	"github.com/tributary-ai/provider-router/internal/consensus"
	"github.com/tributary-ai/provider-router/internal/middleware"
	"github.com/tributary-ai/provider-router/internal/providers/simulated"
	"github.com/tributary-ai/provider-router/internal/registry"
	"github.com/tributary-ai/provider-router/internal/routing"
	"github.com/tributary-ai/provider-router/internal/security"
	"github.com/tributary-ai/provider-router/internal/streaming"
	"github.com/tributary-ai/provider-router/internal/telemetry"
	"github.com/tributary-ai/provider-router/internal/types"
)

type testServer struct {
	server   *Server
	registry *registry.Registry
	recorder *telemetry.Recorder
	streams  *streaming.Manager
}

type testProvider struct {
	config  simulated.Config
	healthy bool
	latency float64
	quality float64
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestServer(t *testing.T, limits map[string]security.ClassLimit, provs ...testProvider) *testServer {
	t.Helper()
	logger := testLogger()
	clk := clock.NewMock()

	reg := registry.NewRegistry(clk, logger)
	for _, p := range provs {
		require.NoError(t, reg.RegisterProvider(
			types.ProviderConfig{Name: p.config.Name, Kind: "simulated", MaxTokens: 4096, CostPerToken: 0.00001, Quota: types.Quota{Daily: 100000}},
			types.EnhancedRoutingMetrics{QualityScore: p.quality, Availability: 95, InstanceID: p.config.Name + "-us-east-1"},
			simulated.New(p.config),
		))
		if p.healthy {
			require.NoError(t, reg.MarkHealthy(p.config.Name, p.latency))
		}
	}

	metrics := telemetry.NewMetrics("test", nil)
	recorder := telemetry.NewRecorder(metrics, clk, logger)
	router := routing.NewRouter(reg, types.StrategyHybrid, clk, logger)
	executor := routing.NewExecutor(router, reg, recorder, routing.ExecutorConfig{MaxFailoverHops: 1, RequestTimeout: time.Second}, clk, logger)
	streams := streaming.NewManager(router, reg, recorder, metrics, streaming.DefaultConfig(), clk, logger)

	srv, err := NewServer(&ServerConfig{
		Port:         "0",
		ExecStrategy: types.StrategyBasic,
		Security: &middleware.SecurityMiddlewareConfig{
			Limiters:       security.NewClassLimiters(limits, nil, clk, logger),
			MaxRequestSize: 1 << 20,
			OnReject:       metrics.ObserveRateLimited,
		},
		Validation: &middleware.ValidationConfig{Enabled: true},
		OpenAPI:    docs.OpenAPI,
	}, Dependencies{
		Registry:  reg,
		Router:    router,
		Executor:  executor,
		Streams:   streams,
		Recorder:  recorder,
		Metrics:   metrics,
		Consensus: consensus.NewClient(consensus.Config{}, clk, logger),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	return &testServer{server: srv, registry: reg, recorder: recorder, streams: streams}
}

func healthyProvider(name string, latency float64) testProvider {
	return testProvider{config: simulated.Config{Name: name, Response: "hello there world"}, healthy: true, latency: latency, quality: 80}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestExec_Success(t *testing.T) {
	ts := newTestServer(t, nil, healthyProvider("a", 100), healthyProvider("b", 300))

	w := ts.do(httptest.NewRequest(http.MethodGet, "/router/exec?q=hello&max_tokens=100", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, "active", w.Header().Get("X-Provider-Router"))
	assert.Equal(t, "100", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Window"))

	body := decode(t, w)
	assert.Equal(t, consensus.StatusDisabled, body["consensus_status"])
	assert.Equal(t, "", body["proposal_id"])

	routingInfo := body["routing"].(map[string]interface{})
	assert.Equal(t, "basic", routingInfo["strategy"])
	assert.Contains(t, []string{"a", "b"}, routingInfo["provider"])

	response := body["response"].(map[string]interface{})
	assert.NotEmpty(t, response["content"])

	assert.Equal(t, 1, ts.recorder.Analytics().TotalDecisions)
}

func TestExec_StrategyParameter(t *testing.T) {
	ts := newTestServer(t, nil, healthyProvider("fast", 100), healthyProvider("slow", 900))

	w := ts.do(httptest.NewRequest(http.MethodGet, "/router/exec?q=hello&strategy=performance", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	routingInfo := decode(t, w)["routing"].(map[string]interface{})
	assert.Equal(t, "performance", routingInfo["strategy"])
	assert.Equal(t, "fast", routingInfo["provider"])
}

func TestExec_BadRequest(t *testing.T) {
	ts := newTestServer(t, nil, healthyProvider("a", 100))

	for _, target := range []string{
		"/router/exec",
		"/router/exec?q=hello&strategy=fastest",
		"/router/exec?q=hello&max_tokens=0",
	} {
		w := ts.do(httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
	}
}

func TestExec_NoHealthyProvider(t *testing.T) {
	ts := newTestServer(t, nil, testProvider{config: simulated.Config{Name: "a"}})

	w := ts.do(httptest.NewRequest(http.MethodGet, "/router/exec?q=hello", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	body := decode(t, w)
	assert.Equal(t, consensus.StatusFailed, body["consensus_status"])
	errObj := body["error"].(map[string]interface{})
	assert.Equal(t, "no_healthy_provider", errObj["type"])
}

func TestExec_PreferenceMismatch(t *testing.T) {
	ts := newTestServer(t, nil, healthyProvider("a", 100))

	w := ts.do(httptest.NewRequest(http.MethodGet, "/router/exec?q=hello&min_quality=95", nil))
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	body := decode(t, w)
	assert.Equal(t, consensus.StatusFailed, body["consensus_status"])
}

func TestExec_AllProvidersFail(t *testing.T) {
	failing := func(name string, latency float64) testProvider {
		p := healthyProvider(name, latency)
		p.config.FailComplete = true
		return p
	}
	ts := newTestServer(t, nil, failing("a", 100), failing("b", 200))

	w := ts.do(httptest.NewRequest(http.MethodGet, "/router/exec?q=hello", nil))
	require.Equal(t, http.StatusBadGateway, w.Code)

	body := decode(t, w)
	assert.Equal(t, consensus.StatusFailed, body["consensus_status"])
	errObj := body["error"].(map[string]interface{})
	attempts := errObj["attempts"].([]interface{})
	assert.Len(t, attempts, 2)

	w = ts.do(httptest.NewRequest(http.MethodGet, "/router/analytics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	analytics := decode(t, w)
	assert.Equal(t, float64(0), analytics["total_decisions"])
	assert.Equal(t, float64(1), analytics["total_failures"])
	failures := analytics["recent_failures"].([]interface{})
	require.Len(t, failures, 1)
	assert.Len(t, failures[0].(map[string]interface{})["attempts"], 2)
}

func TestExec_Failover(t *testing.T) {
	primary := healthyProvider("a", 100)
	primary.config.FailComplete = true
	ts := newTestServer(t, nil, primary, healthyProvider("b", 200))

	w := ts.do(httptest.NewRequest(http.MethodGet, "/router/exec?q=hello&strategy=performance", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	routingInfo := decode(t, w)["routing"].(map[string]interface{})
	assert.Equal(t, "b", routingInfo["provider"])
	assert.Equal(t, "a", routingInfo["failover_from"])
	assert.Equal(t, 1, ts.recorder.FailoverStats().Total)
}

func TestExec_RateLimited(t *testing.T) {
	ts := newTestServer(t, map[string]security.ClassLimit{
		security.ClassGeneral: {Requests: 1, Window: time.Minute},
	}, healthyProvider("a", 100))

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/router/exec?q=hello", nil)
		r.Header.Set("X-Client-ID", "client-1")
		return r
	}

	assert.Equal(t, http.StatusOK, ts.do(req()).Code)

	w := ts.do(req())
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, float64(60), decode(t, w)["retryAfter"])
}

func TestAnalytics(t *testing.T) {
	ts := newTestServer(t, nil, healthyProvider("a", 100))

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, ts.do(httptest.NewRequest(http.MethodGet, "/router/exec?q=hello", nil)).Code)
	}

	w := ts.do(httptest.NewRequest(http.MethodGet, "/router/analytics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, float64(3), body["total_decisions"])
	dist := body["strategy_distribution"].(map[string]interface{})
	assert.Equal(t, float64(3), dist["basic"])
}

func TestUpdateMetrics(t *testing.T) {
	ts := newTestServer(t, nil, healthyProvider("a", 100))

	put := func(target, body string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPut, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
		return ts.do(r)
	}

	w := put("/router/providers/a/metrics", `{"quality_score":91.5,"regional_performance":{"eu-west-1":88}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))

	state, ok := ts.registry.Get("a")
	require.True(t, ok)
	assert.Equal(t, 91.5, state.Metrics.QualityScore)
	assert.Equal(t, float64(95), state.Metrics.Availability, "omitted fields keep their value")
	assert.Equal(t, 88.0, state.Metrics.RegionalPerformance["eu-west-1"])
	assert.Equal(t, "a-us-east-1", state.Metrics.InstanceID)

	w = put("/router/providers/missing/metrics", `{"quality_score":50}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = put("/router/providers/a/metrics", `{"quality_score":150}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGenerate_StreamsEvents(t *testing.T) {
	ts := newTestServer(t, nil, healthyProvider("a", 100))

	r := httptest.NewRequest(http.MethodPost, "/stream/generate", strings.NewReader(`{"prompt":"hi","maxTokens":50}`))
	r.Header.Set("Content-Type", "application/json")
	w := ts.do(r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))

	body := w.Body.String()
	order := []string{
		"event: connection",
		"event: system_status",
		"event: provider_selected",
		"event: token",
		"event: complete",
	}
	last := -1
	for _, marker := range order {
		idx := strings.Index(body, marker)
		require.GreaterOrEqual(t, idx, 0, marker)
		assert.Greater(t, idx, last, marker)
		last = idx
	}
	assert.Equal(t, 3, strings.Count(body, "event: token"))
	assert.Equal(t, 0, ts.streams.ActiveSessions())
}

func TestGenerate_InvalidBody(t *testing.T) {
	ts := newTestServer(t, nil, healthyProvider("a", 100))

	for _, body := range []string{`{"maxTokens":10}`, `{"prompt":"hi","temperature":5}`, `{`} {
		r := httptest.NewRequest(http.MethodPost, "/stream/generate", strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
		w := ts.do(r)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	}
}

func TestGenerate_RateLimitedBeforeStream(t *testing.T) {
	ts := newTestServer(t, map[string]security.ClassLimit{
		security.ClassGenerate: {Requests: 1, Window: time.Minute},
	}, healthyProvider("a", 100))

	send := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/stream/generate", strings.NewReader(`{"prompt":"hi"}`))
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("X-Client-ID", "client-1")
		return ts.do(r)
	}

	assert.Equal(t, http.StatusOK, send().Code)

	w := send()
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEqual(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestStream_OpensUntilDisconnect(t *testing.T) {
	ts := newTestServer(t, nil, healthyProvider("a", 100))

	ctx, cancel := context.WithCancel(context.Background())
	r := httptest.NewRequest(http.MethodGet, "/stream/stream?provider=a", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ts.server.Handler().ServeHTTP(w, r)
	}()

	require.Eventually(t, func() bool { return ts.streams.ActiveSessions() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream handler did not return after disconnect")
	}

	assert.Equal(t, 0, ts.streams.ActiveSessions())
	body := w.Body.String()
	assert.Contains(t, body, "event: connection")
	assert.Contains(t, body, `"requestedProvider":"a"`)
	assert.Contains(t, body, "event: system_status")
}

func TestProviderStatusAndHealth(t *testing.T) {
	ts := newTestServer(t, nil, healthyProvider("a", 100), testProvider{config: simulated.Config{Name: "b"}})

	w := ts.do(httptest.NewRequest(http.MethodGet, "/stream/providers/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Len(t, body["providers"], 2)
	assert.Contains(t, body, "failovers")
	assert.Equal(t, float64(0), body["active_sessions"])

	w = ts.do(httptest.NewRequest(http.MethodGet, "/stream/providers/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	providers := decode(t, w)["providers"].(map[string]interface{})
	assert.Equal(t, "healthy", providers["a"].(map[string]interface{})["health"])
	assert.Equal(t, "unknown", providers["b"].(map[string]interface{})["health"])
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t, nil, healthyProvider("a", 100), testProvider{config: simulated.Config{Name: "b"}})

	w := ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "degraded", decode(t, w)["status"])

	require.NoError(t, ts.registry.MarkDown("a", assert.AnError))

	w = ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unavailable", decode(t, w)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil, healthyProvider("a", 100))

	require.Equal(t, http.StatusOK, ts.do(httptest.NewRequest(http.MethodGet, "/router/exec?q=hello", nil)).Code)

	w := ts.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_routing_decisions_total")
	assert.Contains(t, w.Body.String(), "test_sse_active_sessions")
}

func TestDocs(t *testing.T) {
	ts := newTestServer(t, nil, healthyProvider("a", 100))

	w := ts.do(httptest.NewRequest(http.MethodGet, "/docs/openapi.json", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "3.0.3", body["openapi"])
	assert.Contains(t, body["paths"], "/router/exec")

	w = ts.do(httptest.NewRequest(http.MethodGet, "/docs/openapi.yaml", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "openapi: 3.0.3")

	w = ts.do(httptest.NewRequest(http.MethodGet, "/docs", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "swagger-ui")
}
