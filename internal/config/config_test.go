package config

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/provider-router/internal/types"
)

// clearEnv blanks every variable LoadConfig reads
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PROVIDER_ROUTER_PORT",
		"PROVIDER_ROUTER_LOG_LEVEL",
		"PROVIDER_ROUTER_LOG_FORMAT",
		"PROVIDER_ROUTER_DEFAULT_STRATEGY",
		"PROVIDER_ROUTER_REDIS_URL",
		"OPENAI_API_KEY",
		"ANTHROPIC_API_KEY",
		"CONSENSUS_URL",
		"CONSENSUS_SIGNING_KEY",
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

const simulatedConfig = `
server:
  port: "9000"
router:
  default_strategy: quality
  max_failover_hops: 2
stream:
  token_timeout: 5s
  max_switches: 2
providers:
  - name: sim-fast
    kind: simulated
    max_tokens: 2048
    cost_per_token: 0.00001
    daily_quota: 50000
    routing:
      quality_score: 70
      availability: 99
      consensus_rating: 60
      instance_id: sim-fast-us-east
      regional_performance:
        us-east: 90
    simulation:
      response: "hello from fast"
  - name: sim-cheap
    kind: simulated
    cost_per_token: 0.000001
`

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "test-openai-key")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("Expected default port '8080', got %s", cfg.Server.Port)
	}
	if cfg.Router.Strategy() != types.StrategyHybrid {
		t.Errorf("Expected default strategy 'hybrid', got %s", cfg.Router.DefaultStrategy)
	}
	if cfg.Router.ExecDefault() != types.StrategyBasic {
		t.Errorf("Expected exec strategy 'basic', got %s", cfg.Router.ExecStrategy)
	}
	if cfg.Router.MaxFailoverHops != 1 {
		t.Errorf("Expected 1 failover hop, got %d", cfg.Router.MaxFailoverHops)
	}
	if cfg.Health.Interval != 30*time.Second || cfg.Health.Timeout != 5*time.Second {
		t.Errorf("Unexpected health defaults: %+v", cfg.Health)
	}
	if cfg.Stream.HeartbeatInterval != 30*time.Second {
		t.Errorf("Expected 30s heartbeat, got %v", cfg.Stream.HeartbeatInterval)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Expected default log level 'info', got %s", cfg.Logging.Level)
	}
	if got := cfg.Security.RateLimiting.Classes["generate"].Requests; got != 10 {
		t.Errorf("Expected generate class limit 10, got %d", got)
	}

	providers := cfg.GetEnabledProviders()
	if len(providers) != 1 || providers[0] != "openai" {
		t.Fatalf("Expected only the openai provider, got %v", providers)
	}
	if cfg.Providers[0].APIKey != "test-openai-key" {
		t.Errorf("Expected API key from environment")
	}
}

func TestLoadConfig_RequiresProvider(t *testing.T) {
	clearEnv(t)

	_, err := LoadConfig("")
	if err == nil || !strings.Contains(err.Error(), "at least one provider") {
		t.Fatalf("Expected missing provider error, got %v", err)
	}
}

func TestLoadConfig_FromFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, t.TempDir(), simulatedConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.Port != "9000" {
		t.Errorf("Expected port 9000, got %s", cfg.Server.Port)
	}
	if cfg.Router.Strategy() != types.StrategyQuality {
		t.Errorf("Expected quality strategy, got %s", cfg.Router.DefaultStrategy)
	}
	if cfg.Router.MaxFailoverHops != 2 {
		t.Errorf("Expected 2 hops, got %d", cfg.Router.MaxFailoverHops)
	}
	if cfg.Stream.TokenTimeout != 5*time.Second || cfg.Stream.MaxSwitches != 2 {
		t.Errorf("Unexpected stream config: %+v", cfg.Stream)
	}
	// unset keys keep their defaults
	if cfg.Stream.HeartbeatInterval != 30*time.Second {
		t.Errorf("Expected default heartbeat, got %v", cfg.Stream.HeartbeatInterval)
	}

	if len(cfg.Providers) != 2 {
		t.Fatalf("Expected 2 providers, got %d", len(cfg.Providers))
	}

	fast := cfg.Providers[0]
	if fast.Simulation == nil || fast.Simulation.Response != "hello from fast" {
		t.Errorf("Expected simulation script, got %+v", fast.Simulation)
	}
	pc, metrics := fast.ProviderState()
	if pc.Name != "sim-fast" || pc.MaxTokens != 2048 || pc.Quota.Daily != 50000 {
		t.Errorf("Unexpected provider config: %+v", pc)
	}
	if metrics.InstanceID != "sim-fast-us-east" || metrics.RegionalPerformance["us-east"] != 90 {
		t.Errorf("Unexpected routing metrics: %+v", metrics)
	}

	cheap := cfg.Providers[1]
	if cheap.MaxTokens != 4096 {
		t.Errorf("Expected default max tokens 4096, got %d", cheap.MaxTokens)
	}
	if cheap.Routing.Availability != 95 {
		t.Errorf("Expected neutral availability, got %v", cheap.Routing.Availability)
	}
}

func TestProviderState_KeepsAPIAndHealthURLs(t *testing.T) {
	p := ProviderConfig{
		Name:      "openai-main",
		Kind:      KindOpenAI,
		BaseURL:   "https://api.openai.com/v1",
		HealthURL: "https://status.internal/openai",
		MaxTokens: 8192,
	}

	pc, _ := p.ProviderState()
	if pc.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("Expected API base URL, got %q", pc.BaseURL)
	}
	if pc.HealthURL != "https://status.internal/openai" {
		t.Errorf("Expected health URL, got %q", pc.HealthURL)
	}
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, t.TempDir(), simulatedConfig)

	t.Setenv("PROVIDER_ROUTER_PORT", "9090")
	t.Setenv("PROVIDER_ROUTER_LOG_LEVEL", "debug")
	t.Setenv("PROVIDER_ROUTER_LOG_FORMAT", "text")
	t.Setenv("PROVIDER_ROUTER_DEFAULT_STRATEGY", "performance")
	t.Setenv("PROVIDER_ROUTER_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("CONSENSUS_URL", "http://consensus:8081")
	t.Setenv("CONSENSUS_SIGNING_KEY", "secret")
	t.Setenv("ANTHROPIC_API_KEY", "test-anthropic-key")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Expected port '9090', got %s", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Unexpected logging config: %+v", cfg.Logging)
	}
	if cfg.Router.DefaultStrategy != "performance" {
		t.Errorf("Expected strategy 'performance', got %s", cfg.Router.DefaultStrategy)
	}
	if cfg.Security.RateLimiting.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("Expected redis url from environment")
	}
	if cfg.Consensus.URL != "http://consensus:8081" || cfg.Consensus.SigningKey != "secret" {
		t.Errorf("Unexpected consensus config: %+v", cfg.Consensus)
	}
	if len(cfg.Providers) != 3 || cfg.Providers[2].Kind != KindAnthropic {
		t.Errorf("Expected anthropic provider to be added, got %v", cfg.GetEnabledProviders())
	}
}

func TestLoadConfig_DotEnv(t *testing.T) {
	clearEnv(t)
	os.Unsetenv("CONSENSUS_URL")
	os.Unsetenv("CONSENSUS_SIGNING_KEY")
	t.Cleanup(func() {
		os.Unsetenv("CONSENSUS_URL")
		os.Unsetenv("CONSENSUS_SIGNING_KEY")
	})

	dir := t.TempDir()
	path := writeConfig(t, dir, simulatedConfig)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("CONSENSUS_URL=http://from-dotenv\nCONSENSUS_SIGNING_KEY=k\n"), 0644); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}
	oldWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("failed to chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(oldWd) })

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Consensus.URL != "http://from-dotenv" {
		t.Errorf("Expected consensus url from .env, got %q", cfg.Consensus.URL)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name: "unknown strategy",
			mutate: func(s string) string {
				return strings.Replace(s, "default_strategy: quality", "default_strategy: fastest", 1)
			},
			wantErr: "invalid default strategy",
		},
		{
			name:    "unknown kind",
			mutate:  func(s string) string { return strings.Replace(s, "kind: simulated", "kind: mistral", 1) },
			wantErr: "Kind",
		},
		{
			name:    "duplicate provider",
			mutate:  func(s string) string { return strings.Replace(s, "name: sim-cheap", "name: sim-fast", 1) },
			wantErr: "duplicate provider",
		},
		{
			name:    "negative hops",
			mutate:  func(s string) string { return strings.Replace(s, "max_failover_hops: 2", "max_failover_hops: -1", 1) },
			wantErr: "MaxFailoverHops",
		},
		{
			name: "bad quota schedule",
			mutate: func(s string) string {
				return strings.Replace(s, "max_failover_hops: 2", "max_failover_hops: 2\n  quota_reset_schedule: \"not a cron\"", 1)
			},
			wantErr: "invalid quota reset schedule",
		},
		{
			name: "consensus without key",
			mutate: func(s string) string {
				return s + "consensus:\n  url: http://consensus:8081\n"
			},
			wantErr: "signing key",
		},
		{
			name: "remote provider without key",
			mutate: func(s string) string {
				return s + "  - name: remote\n    kind: openai\n"
			},
			wantErr: "API key is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			path := writeConfig(t, t.TempDir(), tt.mutate(simulatedConfig))

			_, err := LoadConfig(path)
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, t.TempDir(), simulatedConfig)
	t.Setenv("PROVIDER_ROUTER_LOG_LEVEL", "loud")

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("Expected invalid log level error")
	}
}

func TestConfig_SaveToFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	cfg, err := LoadConfig(writeConfig(t, dir, simulatedConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	out := filepath.Join(dir, "saved.yaml")
	if err := cfg.SaveToFile(out); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	reloaded, err := LoadConfig(out)
	if err != nil {
		t.Fatalf("reloading saved config failed: %v", err)
	}
	if len(reloaded.Providers) != 2 || reloaded.Router.DefaultStrategy != "quality" {
		t.Errorf("Saved config did not round trip: %+v", reloaded.Router)
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeConfig(t, dir, simulatedConfig)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	w, err := NewWatcher(path, 20*time.Millisecond, logger)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	reloaded := make(chan *Config, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = w.Watch(ctx, func(cfg *Config) error {
			reloaded <- cfg
			return nil
		})
	}()
	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)

	// an invalid file is ignored
	writeConfig(t, dir, "providers: [")
	select {
	case <-reloaded:
		t.Fatal("invalid config must not be applied")
	case <-time.After(200 * time.Millisecond):
	}

	writeConfig(t, dir, strings.Replace(simulatedConfig, "quality_score: 70", "quality_score: 42", 1))
	select {
	case cfg := <-reloaded:
		if cfg.Providers[0].Routing.QualityScore != 42 {
			t.Errorf("Expected reloaded quality 42, got %v", cfg.Providers[0].Routing.QualityScore)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("config was not reloaded")
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}
