package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tributary-ai/provider-router/internal/providers"
	"github.com/tributary-ai/provider-router/internal/types"
)

// DefaultPath is appended to a provider's base URL for HTTP probes
const DefaultPath = "/health"

// ProbeResult is the outcome of one health probe
type ProbeResult struct {
	Status     types.HealthState
	LatencyMs  float64
	StatusCode int
	Err        error
}

// Prober checks a single provider
type Prober interface {
	Probe(ctx context.Context, state types.ProviderState, client providers.ProviderClient) ProbeResult
}

// HTTPProber issues GET <baseURL><path> and classifies the response
type HTTPProber struct {
	client *http.Client
	path   string
}

// NewHTTPProber creates an HTTP prober. The per-probe deadline comes from the context.
func NewHTTPProber(client *http.Client, path string) *HTTPProber {
	if client == nil {
		client = &http.Client{}
	}
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &HTTPProber{client: client, path: path}
}

// Probe implements Prober
func (p *HTTPProber) Probe(ctx context.Context, state types.ProviderState, _ providers.ProviderClient) ProbeResult {
	url := strings.TrimRight(state.Config.HealthURL, "/") + p.path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeResult{Status: types.HealthDown, Err: fmt.Errorf("failed to build probe request: %w", err)}
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	latency := float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		return ProbeResult{Status: types.HealthDown, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ProbeResult{
			Status:     types.HealthDegraded,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("health endpoint returned status %d", resp.StatusCode),
		}
	}

	return ProbeResult{Status: types.HealthHealthy, LatencyMs: latency, StatusCode: resp.StatusCode}
}

// ClientProber delegates to clients implementing providers.HealthChecker
type ClientProber struct{}

// Probe implements Prober
func (ClientProber) Probe(ctx context.Context, _ types.ProviderState, client providers.ProviderClient) ProbeResult {
	checker, ok := client.(providers.HealthChecker)
	if !ok {
		return ProbeResult{Status: types.HealthDown, Err: errors.New("provider exposes no health check")}
	}

	start := time.Now()
	if err := checker.HealthCheck(ctx); err != nil {
		return ProbeResult{Status: types.HealthDown, Err: err}
	}
	return ProbeResult{
		Status:    types.HealthHealthy,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000,
	}
}

// AutoProber uses HTTP when the provider has a health URL and the client check otherwise
type AutoProber struct {
	HTTP   *HTTPProber
	Client ClientProber
}

// NewAutoProber creates an AutoProber
func NewAutoProber(httpClient *http.Client, path string) *AutoProber {
	return &AutoProber{HTTP: NewHTTPProber(httpClient, path)}
}

// Probe implements Prober
func (a *AutoProber) Probe(ctx context.Context, state types.ProviderState, client providers.ProviderClient) ProbeResult {
	if state.Config.HealthURL != "" {
		return a.HTTP.Probe(ctx, state, client)
	}
	return a.Client.Probe(ctx, state, client)
}
