package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/provider-router/internal/providers"
	"github.com/tributary-ai/provider-router/internal/registry"
	"github.com/tributary-ai/provider-router/internal/types"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 5 * time.Second
)

// Config controls probe cadence
type Config struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	Path     string        `yaml:"path"`
}

// Monitor periodically probes every registered provider and writes the
// outcome back to the registry. Probe failures never stop the loop.
type Monitor struct {
	registry *registry.Registry
	prober   Prober
	config   Config
	clock    clock.Clock
	logger   *logrus.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewMonitor creates a health monitor
func NewMonitor(reg *registry.Registry, prober Prober, config Config, clk clock.Clock, logger *logrus.Logger) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{
		registry: reg,
		prober:   prober,
		config:   config,
		clock:    clk,
		logger:   logger,
	}
}

// Start runs an immediate probe round and then one per interval
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("health monitor already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	ticker := m.clock.Ticker(m.config.Interval)
	go m.loop(loopCtx, ticker, m.done)

	m.logger.WithFields(logrus.Fields{
		"interval": m.config.Interval,
		"timeout":  m.config.Timeout,
	}).Info("Health monitor started")
	return nil
}

// Stop cancels the loop and waits for the in-flight round
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Info("Health monitor stopped")
}

func (m *Monitor) loop(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	m.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce probes all providers concurrently and waits for every result
func (m *Monitor) RunOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, state := range m.registry.Snapshot() {
		client, ok := m.registry.Client(state.Config.Name)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(state types.ProviderState) {
			defer wg.Done()
			m.probe(ctx, state, client)
		}(state)
	}
	wg.Wait()
}

func (m *Monitor) probe(ctx context.Context, state types.ProviderState, client providers.ProviderClient) {
	name := state.Config.Name
	probeCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	result := m.prober.Probe(probeCtx, state, client)
	if ctx.Err() != nil {
		// shutting down; keep the last known state
		return
	}

	entry := m.logger.WithFields(logrus.Fields{
		"provider":   name,
		"status":     result.Status,
		"latency_ms": result.LatencyMs,
	})

	var err error
	switch result.Status {
	case types.HealthHealthy:
		err = m.registry.MarkHealthy(name, result.LatencyMs)
		entry.Debug("Health probe passed")
	case types.HealthDegraded:
		err = m.registry.MarkDegraded(name, errString(result.Err))
		entry.WithField("status_code", result.StatusCode).Warn("Health probe degraded")
	default:
		err = m.registry.MarkDown(name, result.Err)
		entry.WithError(result.Err).Warn("Health probe failed")
	}
	if err != nil {
		m.logger.WithError(err).WithField("provider", name).Error("Failed to record probe result")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
