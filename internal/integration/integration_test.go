package integration_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/provider-router/internal/app"
	"github.com/tributary-ai/provider-router/internal/config"
	"github.com/tributary-ai/provider-router/internal/types"
)

const testConfig = `
server:
  port: "0"
router:
  default_strategy: quality
  exec_strategy: basic
  max_failover_hops: 1
stream:
  token_timeout: 5s
  max_switches: 3
logging:
  level: warn
  format: text
providers:
  - name: primary
    kind: simulated
    cost_per_token: 0.00001
    daily_quota: 100000
    routing:
      quality_score: 90
      instance_id: primary-us-east-1
    simulation:
      response: "the quick brown fox"
      fail_complete: true
      stream_fails: true
      stream_fail_after: 2
  - name: backup
    kind: simulated
    cost_per_token: 0.00002
    daily_quota: 100000
    routing:
      quality_score: 70
      instance_id: backup-eu-west-1
    simulation:
      response: "jumps over the lazy dog"
  - name: broken
    kind: simulated
    cost_per_token: 0.000001
    simulation:
      fail_health: true
`

func loadTestConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("PROVIDER_ROUTER_REDIS_URL", "")
	t.Setenv("CONSENSUS_URL", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testConfig), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	return cfg, path
}

func startApp(t *testing.T) (*app.Application, *httptest.Server) {
	t.Helper()
	cfg, _ := loadTestConfig(t)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	application, err := app.New(cfg, "", clock.NewMock(), logger)
	if err != nil {
		t.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := application.Start(ctx); err != nil {
		t.Fatalf("Failed to start application: %v", err)
	}

	srv := httptest.NewServer(application.Handler())
	t.Cleanup(func() {
		cancel()
		srv.Close()
		_ = application.Shutdown(context.Background())
	})

	waitForHealth(t, application, map[string]types.HealthState{
		"primary": types.HealthHealthy,
		"backup":  types.HealthHealthy,
		"broken":  types.HealthDown,
	})
	return application, srv
}

func waitForHealth(t *testing.T, application *app.Application, want map[string]types.HealthState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ready := true
		for name, state := range want {
			got, ok := application.Registry().Get(name)
			if !ok || got.Config.Health != state {
				ready = false
				break
			}
		}
		if ready {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Providers did not reach expected health %v", want)
}

func getJSON(t *testing.T, url string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode %s: %v", url, err)
	}
	return resp.StatusCode, body
}

func TestExecFailsOverToBackup(t *testing.T) {
	_, srv := startApp(t)

	status, body := getJSON(t, srv.URL+"/router/exec?q=hello")
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %v", status, body)
	}

	routing := body["routing"].(map[string]interface{})
	if routing["provider"] != "backup" {
		t.Fatalf("Expected backup to serve, got %v", routing["provider"])
	}
	if routing["failover_from"] != "primary" {
		t.Fatalf("Expected failover from primary, got %v", routing["failover_from"])
	}
	if body["consensus_status"] != "disabled" {
		t.Fatalf("Expected consensus_status disabled, got %v", body["consensus_status"])
	}

	response := body["response"].(map[string]interface{})
	if response["content"] != "jumps over the lazy dog" {
		t.Fatalf("Unexpected content %q", response["content"])
	}

	_, providerStatus := getJSON(t, srv.URL+"/stream/providers/status")
	failovers := providerStatus["failovers"].(map[string]interface{})
	if failovers["total"] != float64(1) {
		t.Fatalf("Expected 1 failover, got %v", failovers["total"])
	}
}

func TestGenerateSwitchesProviderMidStream(t *testing.T) {
	_, srv := startApp(t)

	resp, err := http.Post(srv.URL+"/stream/generate", "application/json", strings.NewReader(`{"prompt":"tell me a story","maxTokens":100}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Expected text/event-stream, got %s", ct)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read stream: %v", err)
	}

	var events []string
	var lastData string
	for _, line := range strings.Split(string(raw), "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			events = append(events, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			lastData = strings.TrimPrefix(line, "data: ")
		}
	}

	want := []string{
		"connection", "system_status", "provider_selected",
		"token", "token",
		"provider_switch",
		"token", "token", "token", "token", "token",
		"complete",
	}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Fatalf("Unexpected event sequence:\n got  %v\n want %v", events, want)
	}

	var complete map[string]interface{}
	if err := json.Unmarshal([]byte(lastData), &complete); err != nil {
		t.Fatalf("Failed to decode complete event: %v", err)
	}
	if complete["provider"] != "backup" {
		t.Fatalf("Expected backup to finish the stream, got %v", complete["provider"])
	}
	if complete["switches"] != float64(1) {
		t.Fatalf("Expected 1 switch, got %v", complete["switches"])
	}
}

func TestHealthReportsDegraded(t *testing.T) {
	_, srv := startApp(t)

	status, body := getJSON(t, srv.URL+"/health")
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	if body["status"] != "degraded" {
		t.Fatalf("Expected degraded, got %v", body["status"])
	}

	providers := body["providers"].(map[string]interface{})
	if providers["broken"] != "down" {
		t.Fatalf("Expected broken provider down, got %v", providers["broken"])
	}
}

func TestMetricsExposed(t *testing.T) {
	_, srv := startApp(t)

	if status, _ := getJSON(t, srv.URL+"/router/exec?q=hello"); status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	for _, metric := range []string{
		"provider_router_routing_decisions_total",
		"provider_router_failovers_total",
		"provider_router_provider_health",
		"go_goroutines",
	} {
		if !strings.Contains(string(raw), metric) {
			t.Errorf("Expected metric %s in /metrics output", metric)
		}
	}
}

func TestApplyConfigUpdatesRegistry(t *testing.T) {
	application, _ := startApp(t)

	cfg, _ := loadTestConfig(t)
	cfg.Providers[1].Routing.QualityScore = 99
	cfg.Providers[1].CostPerToken = 0.00005
	cfg.Providers = append(cfg.Providers, config.ProviderConfig{Name: "late", Kind: config.KindSimulated, MaxTokens: 10})

	if err := application.ApplyConfig(cfg); err != nil {
		t.Fatalf("ApplyConfig failed: %v", err)
	}

	backup, _ := application.Registry().Get("backup")
	if backup.Metrics.QualityScore != 99 {
		t.Fatalf("Expected quality 99, got %v", backup.Metrics.QualityScore)
	}
	if backup.Config.CostPerToken != 0.00005 {
		t.Fatalf("Expected cost 0.00005, got %v", backup.Config.CostPerToken)
	}
	if _, ok := application.Registry().Get("late"); ok {
		t.Fatal("Providers added on reload should not be registered")
	}
}

func TestBuildProviderRejectsUnknownKind(t *testing.T) {
	if _, err := app.BuildProvider(config.ProviderConfig{Name: "x", Kind: "mystery"}, logrus.New()); err == nil {
		t.Fatal("Expected error for unknown provider kind")
	}
}
