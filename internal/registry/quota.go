package registry

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultQuotaSchedule resets daily quotas at midnight UTC
const DefaultQuotaSchedule = "0 0 * * *"

// QuotaScheduler resets provider quota usage on a cron schedule
type QuotaScheduler struct {
	registry *Registry
	cron     *cron.Cron
	schedule cron.Schedule
	spec     string
	logger   *logrus.Logger
}

// NewQuotaScheduler validates the cron expression and builds a scheduler
func NewQuotaScheduler(registry *Registry, spec string, logger *logrus.Logger) (*QuotaScheduler, error) {
	if spec == "" {
		spec = DefaultQuotaSchedule
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid quota reset schedule %q: %w", spec, err)
	}

	return &QuotaScheduler{
		registry: registry,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		schedule: schedule,
		spec:     spec,
		logger:   logger,
	}, nil
}

// Start stamps the next reset time and starts the cron runner
func (q *QuotaScheduler) Start() error {
	q.registry.ScheduleQuotaReset(q.NextReset(q.registry.clock.Now()))

	if _, err := q.cron.AddFunc(q.spec, q.Reset); err != nil {
		return fmt.Errorf("failed to schedule quota reset: %w", err)
	}
	q.cron.Start()

	q.logger.WithField("schedule", q.spec).Info("Quota reset scheduler started")
	return nil
}

// Stop stops the cron runner and waits for a running reset
func (q *QuotaScheduler) Stop() {
	<-q.cron.Stop().Done()
	q.logger.Info("Quota reset scheduler stopped")
}

// Reset clears all quota usage now
func (q *QuotaScheduler) Reset() {
	next := q.NextReset(q.registry.clock.Now())
	q.registry.ResetQuotas(next)
	q.logger.WithField("next_reset", next).Info("Provider quotas reset")
}

// NextReset returns the first scheduled reset after t
func (q *QuotaScheduler) NextReset(t time.Time) time.Time {
	return q.schedule.Next(t.UTC())
}
