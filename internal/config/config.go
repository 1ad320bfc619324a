package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/provider-router/internal/consensus"
	"github.com/tributary-ai/provider-router/internal/health"
	"github.com/tributary-ai/provider-router/internal/providers/simulated"
	"github.com/tributary-ai/provider-router/internal/registry"
	"github.com/tributary-ai/provider-router/internal/security"
	"github.com/tributary-ai/provider-router/internal/streaming"
	"github.com/tributary-ai/provider-router/internal/types"
)

// Provider kinds
const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
	KindSimulated = "simulated"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Router    RouterConfig     `yaml:"router"`
	Health    health.Config    `yaml:"health"`
	Stream    streaming.Config `yaml:"stream"`
	Providers []ProviderConfig `yaml:"providers" validate:"dive"`
	Logging   LoggingConfig    `yaml:"logging"`
	Security  SecurityConfig   `yaml:"security"`
	Consensus consensus.Config `yaml:"consensus"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port        string        `yaml:"port" validate:"required,numeric"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// WriteTimeout applies to every response including SSE streams; 0 disables it
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// RouterConfig holds routing engine configuration
type RouterConfig struct {
	DefaultStrategy string `yaml:"default_strategy"`
	// ExecStrategy is used by /router/exec when the caller names none
	ExecStrategy       string        `yaml:"exec_strategy"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	MaxFailoverHops    int           `yaml:"max_failover_hops" validate:"min=0,max=10"`
	QuotaResetSchedule string        `yaml:"quota_reset_schedule"`
}

// ProviderConfig describes one backend provider
type ProviderConfig struct {
	Name    string `yaml:"name" validate:"required"`
	Kind    string `yaml:"kind" validate:"required,oneof=openai anthropic simulated"`
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
	// HealthURL is probed with the health path appended; empty uses the client's own check
	HealthURL    string        `yaml:"health_url" validate:"omitempty,url"`
	APIKey       string        `yaml:"api_key"`
	OrgID        string        `yaml:"org_id"`
	Model        string        `yaml:"model"`
	MaxTokens    int           `yaml:"max_tokens" validate:"min=1"`
	CostPerToken float64       `yaml:"cost_per_token" validate:"gte=0"`
	DailyQuota   int64         `yaml:"daily_quota" validate:"gte=0"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries" validate:"gte=0"`

	Routing    RoutingMetricsConfig `yaml:"routing"`
	Simulation *simulated.Config    `yaml:"simulation"`
}

// RoutingMetricsConfig seeds a provider's EnhancedRoutingMetrics
type RoutingMetricsConfig struct {
	QualityScore        float64            `yaml:"quality_score" validate:"gte=0,lte=100"`
	Availability        float64            `yaml:"availability" validate:"gte=0,lte=100"`
	ConsensusRating     float64            `yaml:"consensus_rating" validate:"gte=0,lte=100"`
	RegionalPerformance map[string]float64 `yaml:"regional_performance"`
	InstanceID          string             `yaml:"instance_id"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" validate:"oneof=json text"`
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	RateLimiting      RateLimitConfig  `yaml:"rate_limiting"`
	CORS              CORSConfig       `yaml:"cors"`
	RequestValidation ValidationConfig `yaml:"request_validation"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled  bool                           `yaml:"enabled"`
	RedisURL string                         `yaml:"redis_url"`
	Classes  map[string]security.ClassLimit `yaml:"classes" validate:"dive"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// ValidationConfig holds request validation configuration
type ValidationConfig struct {
	MaxRequestSize int64 `yaml:"max_request_size" validate:"gt=0"`
	OpenAPI        bool  `yaml:"openapi"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

var validate = validator.New()

// LoadConfig loads configuration from file, .env and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	// Set defaults
	config.setDefaults()

	// Load from file if provided
	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// .env never overrides variables already set in the process
	_ = godotenv.Load(".env")

	// Override with environment variables
	config.loadFromEnv()
	config.applyProviderDefaults()

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:           "8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   0,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	c.Router = RouterConfig{
		DefaultStrategy:    string(types.StrategyHybrid),
		ExecStrategy:       string(types.StrategyBasic),
		RequestTimeout:     60 * time.Second,
		MaxFailoverHops:    1,
		QuotaResetSchedule: registry.DefaultQuotaSchedule,
	}

	c.Health = health.Config{
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
		Path:     "/health",
	}

	c.Stream = streaming.DefaultConfig()

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	c.Security = SecurityConfig{
		RateLimiting: RateLimitConfig{
			Enabled: true,
			Classes: security.DefaultClassLimits(),
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-Client-ID"},
		},
		RequestValidation: ValidationConfig{
			MaxRequestSize: 1 << 20,
			OpenAPI:        true,
		},
	}

	c.Metrics = MetricsConfig{
		Enabled:   true,
		Namespace: "provider_router",
	}
}

// loadFromFile loads configuration from YAML file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() {
	if port := os.Getenv("PROVIDER_ROUTER_PORT"); port != "" {
		c.Server.Port = port
	}

	if level := os.Getenv("PROVIDER_ROUTER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if format := os.Getenv("PROVIDER_ROUTER_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if strategy := os.Getenv("PROVIDER_ROUTER_DEFAULT_STRATEGY"); strategy != "" {
		c.Router.DefaultStrategy = strategy
	}

	if redisURL := os.Getenv("PROVIDER_ROUTER_REDIS_URL"); redisURL != "" {
		c.Security.RateLimiting.RedisURL = redisURL
	}

	if url := os.Getenv("CONSENSUS_URL"); url != "" {
		c.Consensus.URL = url
	}
	if key := os.Getenv("CONSENSUS_SIGNING_KEY"); key != "" {
		c.Consensus.SigningKey = key
	}

	// Provider API keys fill configured providers of that kind,
	// or add a default provider when none of that kind is configured
	c.applyAPIKey(KindOpenAI, os.Getenv("OPENAI_API_KEY"), ProviderConfig{
		Name:         "openai",
		Kind:         KindOpenAI,
		Model:        "gpt-4o-mini",
		MaxTokens:    16384,
		CostPerToken: 0.0000006,
		Timeout:      60 * time.Second,
		Routing:      RoutingMetricsConfig{QualityScore: 80, Availability: 99, ConsensusRating: 75},
	})
	c.applyAPIKey(KindAnthropic, os.Getenv("ANTHROPIC_API_KEY"), ProviderConfig{
		Name:         "anthropic",
		Kind:         KindAnthropic,
		Model:        "claude-3-haiku-20240307",
		MaxTokens:    4096,
		CostPerToken: 0.00000125,
		Timeout:      60 * time.Second,
		Routing:      RoutingMetricsConfig{QualityScore: 85, Availability: 99, ConsensusRating: 80},
	})
}

func (c *Config) applyAPIKey(kind, key string, fallback ProviderConfig) {
	if key == "" {
		return
	}
	found := false
	for i := range c.Providers {
		if c.Providers[i].Kind != kind {
			continue
		}
		found = true
		if c.Providers[i].APIKey == "" {
			c.Providers[i].APIKey = key
		}
	}
	if !found {
		fallback.APIKey = key
		c.Providers = append(c.Providers, fallback)
	}
}

// applyProviderDefaults fills unset per-provider values
func (c *Config) applyProviderDefaults() {
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.MaxTokens == 0 {
			p.MaxTokens = 4096
		}
		if p.Timeout == 0 {
			p.Timeout = c.Router.RequestTimeout
		}
		if p.Routing.Availability == 0 {
			// neutral: no availability bonus or penalty
			p.Routing.Availability = 95
		}
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			fields := make([]string, 0, len(validationErrors))
			for _, fe := range validationErrors {
				fields = append(fields, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%s", strings.Join(fields, "; "))
		}
		return err
	}

	if _, ok := types.ParseStrategy(c.Router.DefaultStrategy, ""); !ok || c.Router.DefaultStrategy == "" {
		return fmt.Errorf("invalid default strategy: %s", c.Router.DefaultStrategy)
	}
	if _, ok := types.ParseStrategy(c.Router.ExecStrategy, ""); !ok || c.Router.ExecStrategy == "" {
		return fmt.Errorf("invalid exec strategy: %s", c.Router.ExecStrategy)
	}

	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if _, err := cron.ParseStandard(c.Router.QuotaResetSchedule); err != nil {
		return fmt.Errorf("invalid quota reset schedule %q: %w", c.Router.QuotaResetSchedule, err)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name: %s", p.Name)
		}
		seen[p.Name] = true

		if p.Kind != KindSimulated && p.APIKey == "" {
			return fmt.Errorf("API key is required for %s provider %s", p.Kind, p.Name)
		}
	}

	if c.Consensus.URL != "" && c.Consensus.SigningKey == "" {
		return fmt.Errorf("consensus signing key is required when consensus url is set")
	}

	return nil
}

// SaveToFile saves the current configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetEnabledProviders returns the configured provider names in order
func (c *Config) GetEnabledProviders() []string {
	var names []string
	for _, p := range c.Providers {
		names = append(names, p.Name)
	}
	return names
}

// Strategy returns the parsed default strategy
func (r RouterConfig) Strategy() types.Strategy {
	s, _ := types.ParseStrategy(r.DefaultStrategy, types.StrategyHybrid)
	return s
}

// ExecDefault returns the parsed strategy for synchronous execution
func (r RouterConfig) ExecDefault() types.Strategy {
	s, _ := types.ParseStrategy(r.ExecStrategy, types.StrategyBasic)
	return s
}

// ProviderState converts the provider entry to registry types
func (p ProviderConfig) ProviderState() (types.ProviderConfig, types.EnhancedRoutingMetrics) {
	cfg := types.ProviderConfig{
		Name:         p.Name,
		Kind:         p.Kind,
		BaseURL:      p.BaseURL,
		HealthURL:    p.HealthURL,
		APIKey:       p.APIKey,
		Model:        p.Model,
		MaxTokens:    p.MaxTokens,
		CostPerToken: p.CostPerToken,
		Quota:        types.Quota{Daily: p.DailyQuota},
	}
	return cfg, p.RoutingMetrics()
}

// RoutingMetrics returns the configured EnhancedRoutingMetrics
func (p ProviderConfig) RoutingMetrics() types.EnhancedRoutingMetrics {
	m := types.EnhancedRoutingMetrics{
		QualityScore:    p.Routing.QualityScore,
		Availability:    p.Routing.Availability,
		ConsensusRating: p.Routing.ConsensusRating,
		InstanceID:      p.Routing.InstanceID,
	}
	if len(p.Routing.RegionalPerformance) > 0 {
		m.RegionalPerformance = make(map[string]float64, len(p.Routing.RegionalPerformance))
		for k, v := range p.Routing.RegionalPerformance {
			m.RegionalPerformance[k] = v
		}
	}
	return m
}
