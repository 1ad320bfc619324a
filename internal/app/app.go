// Package app assembles the provider router from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/provider-router/docs"
	"github.com/tributary-ai/provider-router/internal/config"
	"github.com/tributary-ai/provider-router/internal/consensus"
	"github.com/tributary-ai/provider-router/internal/health"
	"github.com/tributary-ai/provider-router/internal/middleware"
	"github.com/tributary-ai/provider-router/internal/providers"
	"github.com/tributary-ai/provider-router/internal/providers/anthropic"
	"github.com/tributary-ai/provider-router/internal/providers/openai"
	"github.com/tributary-ai/provider-router/internal/providers/simulated"
	"github.com/tributary-ai/provider-router/internal/registry"
	"github.com/tributary-ai/provider-router/internal/routing"
	"github.com/tributary-ai/provider-router/internal/security"
	"github.com/tributary-ai/provider-router/internal/server"
	"github.com/tributary-ai/provider-router/internal/streaming"
	"github.com/tributary-ai/provider-router/internal/telemetry"
)

// Application represents the main application
type Application struct {
	config     *config.Config
	configPath string

	registry *registry.Registry
	monitor  *health.Monitor
	quotas   *registry.QuotaScheduler
	recorder *telemetry.Recorder
	streams  *streaming.Manager
	server   *server.Server
	redis    *redis.Client
	watcher  *config.Watcher

	clock  clock.Clock
	logger *logrus.Logger

	stopOnce sync.Once
}

// New wires every component for cfg. configPath enables hot reload when non-empty.
func New(cfg *config.Config, configPath string, clk clock.Clock, logger *logrus.Logger) (*Application, error) {
	if clk == nil {
		clk = clock.New()
	}

	app := &Application{
		config:     cfg,
		configPath: configPath,
		clock:      clk,
		logger:     logger,
	}

	var metrics *telemetry.Metrics
	if cfg.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = telemetry.NewMetrics(cfg.Metrics.Namespace, promRegistry)
	}

	app.registry = registry.NewRegistry(clk, logger)
	if metrics != nil {
		app.registry.SetHealthObserver(metrics.ObserveHealth)
	}
	if err := registerProviders(app.registry, cfg, logger); err != nil {
		return nil, fmt.Errorf("failed to register providers: %w", err)
	}

	quotas, err := registry.NewQuotaScheduler(app.registry, cfg.Router.QuotaResetSchedule, logger)
	if err != nil {
		return nil, err
	}
	app.quotas = quotas

	app.monitor = health.NewMonitor(app.registry, health.NewAutoProber(nil, cfg.Health.Path), cfg.Health, clk, logger)

	router := routing.NewRouter(app.registry, cfg.Router.Strategy(), clk, logger)
	app.recorder = telemetry.NewRecorder(metrics, clk, logger)

	executor := routing.NewExecutor(router, app.registry, app.recorder, routing.ExecutorConfig{
		MaxFailoverHops: cfg.Router.MaxFailoverHops,
		RequestTimeout:  cfg.Router.RequestTimeout,
	}, clk, logger)

	var observer streaming.SessionObserver
	if metrics != nil {
		observer = metrics
	}
	app.streams = streaming.NewManager(router, app.registry, app.recorder, observer, cfg.Stream, clk, logger)

	var limiters *security.ClassLimiters
	if cfg.Security.RateLimiting.Enabled {
		if url := cfg.Security.RateLimiting.RedisURL; url != "" {
			client, err := security.ConnectRedis(url)
			if err != nil {
				return nil, err
			}
			app.redis = client
		}
		limiters = security.NewClassLimiters(cfg.Security.RateLimiting.Classes, app.redis, clk, logger)
	}

	var onReject func(string)
	if metrics != nil {
		onReject = metrics.ObserveRateLimited
	}

	srv, err := server.NewServer(&server.ServerConfig{
		Port:           cfg.Server.Port,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
		ExecStrategy:   cfg.Router.ExecDefault(),
		Security: &middleware.SecurityMiddlewareConfig{
			Limiters:       limiters,
			MaxRequestSize: cfg.Security.RequestValidation.MaxRequestSize,
			AllowedOrigins: cfg.Security.CORS.AllowedOrigins,
			AllowedMethods: cfg.Security.CORS.AllowedMethods,
			AllowedHeaders: cfg.Security.CORS.AllowedHeaders,
			OnReject:       onReject,
		},
		Validation: &middleware.ValidationConfig{Enabled: cfg.Security.RequestValidation.OpenAPI},
		OpenAPI:    docs.OpenAPI,
	}, server.Dependencies{
		Registry:  app.registry,
		Router:    router,
		Executor:  executor,
		Streams:   app.streams,
		Recorder:  app.recorder,
		Metrics:   metrics,
		Consensus: consensus.NewClient(cfg.Consensus, clk, logger),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	app.server = srv

	return app, nil
}

// Handler returns the HTTP handler without starting a listener
func (app *Application) Handler() http.Handler {
	return app.server.Handler()
}

// Registry exposes the provider registry
func (app *Application) Registry() *registry.Registry {
	return app.registry
}

// Start launches the background tasks: health probing, quota resets and config reload
func (app *Application) Start(ctx context.Context) error {
	if err := app.monitor.Start(ctx); err != nil {
		return err
	}
	if err := app.quotas.Start(); err != nil {
		return err
	}

	if app.configPath != "" {
		watcher, err := config.NewWatcher(app.configPath, 0, app.logger)
		if err != nil {
			return err
		}
		app.watcher = watcher
		go func() {
			if err := watcher.Watch(ctx, app.ApplyConfig); err != nil {
				app.logger.WithError(err).Error("Config watcher stopped")
			}
		}()
	}
	return nil
}

// Run starts everything and blocks until ctx is cancelled or the server fails
func (app *Application) Run(ctx context.Context) error {
	app.logger.Info("Starting provider router")

	if err := app.Start(ctx); err != nil {
		return err
	}

	serverErrors := make(chan error, 1)
	go func() {
		app.logger.WithField("address", ":"+app.config.Server.Port).Info("HTTP server starting")
		if err := app.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	var runErr error
	select {
	case runErr = <-serverErrors:
	case <-ctx.Done():
		app.logger.Info("Shutdown signal received")
	}

	app.logger.Info("Starting graceful shutdown...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		if runErr == nil {
			runErr = fmt.Errorf("server shutdown failed: %w", err)
		}
	}
	if runErr == nil {
		app.logger.Info("Graceful shutdown completed")
	}
	return runErr
}

// Shutdown stops background tasks, closes streams and the HTTP server
func (app *Application) Shutdown(ctx context.Context) error {
	var err error
	app.stopOnce.Do(func() {
		if app.watcher != nil {
			if werr := app.watcher.Stop(); werr != nil {
				app.logger.WithError(werr).Warn("Failed to stop config watcher")
			}
		}
		app.monitor.Stop()
		app.quotas.Stop()

		err = app.server.Stop(ctx)

		if app.redis != nil {
			if rerr := app.redis.Close(); rerr != nil {
				app.logger.WithError(rerr).Warn("Failed to close Redis client")
			}
		}
	})
	return err
}

// ApplyConfig pushes reloadable provider settings into the registry.
// Added or removed providers need a restart.
func (app *Application) ApplyConfig(cfg *config.Config) error {
	var errs []error
	for _, p := range cfg.Providers {
		if _, ok := app.registry.Get(p.Name); !ok {
			app.logger.WithField("provider", p.Name).Warn("New provider in reloaded config ignored until restart")
			continue
		}
		if err := app.registry.UpdateMetrics(p.Name, p.RoutingMetrics()); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := app.registry.UpdatePricing(p.Name, p.CostPerToken, p.MaxTokens, p.DailyQuota); err != nil {
			errs = append(errs, err)
		}
	}

	app.logger.WithField("providers", len(cfg.Providers)).Info("Provider settings reloaded")
	return errors.Join(errs...)
}

// registerProviders registers all configured providers with the registry
func registerProviders(reg *registry.Registry, cfg *config.Config, logger *logrus.Logger) error {
	for _, p := range cfg.Providers {
		client, err := BuildProvider(p, logger)
		if err != nil {
			return err
		}

		state, metrics := p.ProviderState()
		if err := reg.RegisterProvider(state, metrics, client); err != nil {
			return err
		}

		logger.WithFields(logrus.Fields{
			"provider": p.Name,
			"kind":     p.Kind,
			"model":    p.Model,
		}).Info("Provider registered")
	}

	if len(cfg.Providers) == 0 {
		return fmt.Errorf("no providers were registered - check your configuration and API keys")
	}

	logger.WithField("count", len(cfg.Providers)).Info("Provider registration completed")
	return nil
}

// BuildProvider creates the client for one configured provider
func BuildProvider(p config.ProviderConfig, logger *logrus.Logger) (providers.ProviderClient, error) {
	switch p.Kind {
	case config.KindOpenAI:
		return openai.NewOpenAIProvider(&openai.OpenAIConfig{
			Name:    p.Name,
			APIKey:  p.APIKey,
			BaseURL: p.BaseURL,
			OrgID:   p.OrgID,
			Model:   p.Model,
			Timeout: p.Timeout,
		}, logger), nil
	case config.KindAnthropic:
		return anthropic.NewAnthropicProvider(&anthropic.AnthropicConfig{
			Name:       p.Name,
			APIKey:     p.APIKey,
			BaseURL:    p.BaseURL,
			Model:      p.Model,
			Timeout:    p.Timeout,
			MaxRetries: p.MaxRetries,
		}, logger), nil
	case config.KindSimulated:
		sim := simulated.Config{}
		if p.Simulation != nil {
			sim = *p.Simulation
		}
		sim.Name = p.Name
		return simulated.New(sim), nil
	}
	return nil, fmt.Errorf("unknown provider kind %q for %s", p.Kind, p.Name)
}
