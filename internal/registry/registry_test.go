package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/provider-router/internal/providers/simulated"
	"github.com/tributary-ai/provider-router/internal/types"
)

func createTestRegistry(t *testing.T) (*Registry, *clock.Mock) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewRegistry(clk, logger), clk
}

func register(t *testing.T, r *Registry, name string) {
	t.Helper()
	require.NoError(t, r.RegisterProvider(
		types.ProviderConfig{Name: name, MaxTokens: 4096, CostPerToken: 0.00002, Quota: types.Quota{Daily: 1000}},
		types.EnhancedRoutingMetrics{QualityScore: 80, Availability: 99},
		simulated.New(simulated.Config{Name: name}),
	))
}

func TestRegistry_RegisterProvider(t *testing.T) {
	r, _ := createTestRegistry(t)
	register(t, r, "alpha")
	register(t, r, "beta")

	assert.Equal(t, []string{"alpha", "beta"}, r.Names())

	state, ok := r.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, types.HealthUnknown, state.Config.Health)
	assert.Equal(t, "alpha", state.Metrics.InstanceID)

	err := r.RegisterProvider(types.ProviderConfig{Name: "alpha"}, types.EnhancedRoutingMetrics{}, simulated.New(simulated.Config{}))
	assert.True(t, errors.Is(err, ErrDuplicateProvider))

	err = r.RegisterProvider(types.ProviderConfig{}, types.EnhancedRoutingMetrics{}, simulated.New(simulated.Config{}))
	assert.Error(t, err)

	client, ok := r.Client("beta")
	require.True(t, ok)
	assert.Equal(t, "beta", client.GetProviderName())
}

func TestRegistry_HealthTransitions(t *testing.T) {
	r, clk := createTestRegistry(t)
	register(t, r, "alpha")

	var observed []types.HealthState
	r.SetHealthObserver(func(name string, state types.HealthState, latencyMs float64) {
		observed = append(observed, state)
	})

	require.NoError(t, r.MarkHealthy("alpha", 120))
	state, _ := r.Get("alpha")
	assert.Equal(t, types.HealthHealthy, state.Config.Health)
	assert.Equal(t, 120.0, state.Config.LatencyMs)
	assert.Equal(t, clk.Now(), state.Config.LastChecked)

	require.NoError(t, r.MarkDegraded("alpha", "status 503"))
	state, _ = r.Get("alpha")
	assert.Equal(t, types.HealthDegraded, state.Config.Health)
	assert.Equal(t, 120.0, state.Config.LatencyMs, "latency only moves on healthy probes")
	assert.Equal(t, "status 503", state.Config.LastError)

	require.NoError(t, r.MarkDown("alpha", errors.New("dial tcp: refused")))
	state, _ = r.Get("alpha")
	assert.Equal(t, types.HealthDown, state.Config.Health)

	assert.Equal(t, []types.HealthState{types.HealthHealthy, types.HealthDegraded, types.HealthDown}, observed)
	assert.ErrorIs(t, r.MarkHealthy("missing", 1), ErrUnknownProvider)
}

func TestRegistry_SnapshotIsACopy(t *testing.T) {
	r, _ := createTestRegistry(t)
	require.NoError(t, r.RegisterProvider(
		types.ProviderConfig{Name: "alpha"},
		types.EnhancedRoutingMetrics{RegionalPerformance: map[string]float64{"eu-west": 90}},
		simulated.New(simulated.Config{Name: "alpha"}),
	))

	snap := r.Snapshot()
	snap[0].Config.Health = types.HealthHealthy
	snap[0].Metrics.RegionalPerformance["eu-west"] = 1

	state, _ := r.Get("alpha")
	assert.Equal(t, types.HealthUnknown, state.Config.Health)
	assert.Equal(t, 90.0, state.Metrics.RegionalPerformance["eu-west"])
}

func TestRegistry_UpdateMetricsKeepsInstanceID(t *testing.T) {
	r, _ := createTestRegistry(t)
	register(t, r, "alpha")

	require.NoError(t, r.UpdateMetrics("alpha", types.EnhancedRoutingMetrics{QualityScore: 42}))
	state, _ := r.Get("alpha")
	assert.Equal(t, 42.0, state.Metrics.QualityScore)
	assert.Equal(t, "alpha", state.Metrics.InstanceID)

	assert.ErrorIs(t, r.UpdateMetrics("nope", types.EnhancedRoutingMetrics{}), ErrUnknownProvider)
}

func TestRegistry_UsageAndQuotaReset(t *testing.T) {
	r, clk := createTestRegistry(t)
	register(t, r, "alpha")

	require.NoError(t, r.RecordUsage("alpha", 250))
	require.NoError(t, r.RecordUsage("alpha", 0))
	state, _ := r.Get("alpha")
	assert.Equal(t, int64(250), state.Config.Quota.Used)
	assert.InDelta(t, 0.75, state.Config.Quota.Remaining(), 1e-9)

	scheduler, err := NewQuotaScheduler(r, "", logrus.New())
	require.NoError(t, err)

	scheduler.Reset()
	state, _ = r.Get("alpha")
	assert.Equal(t, int64(0), state.Config.Quota.Used)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), state.Config.Quota.ResetTime)
	assert.True(t, state.Config.Quota.ResetTime.After(clk.Now()))
}

func TestQuotaScheduler_InvalidSchedule(t *testing.T) {
	r, _ := createTestRegistry(t)
	_, err := NewQuotaScheduler(r, "every tuesday", logrus.New())
	assert.Error(t, err)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r, _ := createTestRegistry(t)
	register(t, r, "alpha")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)
		go func(i int) {
			defer wg.Done()
			_ = r.MarkHealthy("alpha", float64(i))
		}(i)
		go func() {
			defer wg.Done()
			_ = r.RecordUsage("alpha", 1)
		}()
		go func() {
			defer wg.Done()
			_ = r.Snapshot()
		}()
	}
	wg.Wait()

	state, _ := r.Get("alpha")
	assert.Equal(t, int64(50), state.Config.Quota.Used)
}
