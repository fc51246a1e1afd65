package lifecycle

import (
	"context"
	"time"

	"taskwarden/internal/task/scheduler"
	"taskwarden/internal/task/verify"
	logx "taskwarden/pkg/logx"
)

// HealthJobName names the periodic health report job.
const HealthJobName = "health-report"

// HealthReporter logs the aggregate snapshot of a Manager.
type HealthReporter struct {
	m        *Manager
	log      logx.Logger
	interval time.Duration
}

// NewHealthReporter returns a Component that logs m.Stats() every interval.
// Attach it with Manager.Attach before Initialize.
func NewHealthReporter(m *Manager, interval time.Duration, log logx.Logger) *HealthReporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HealthReporter{m: m, log: log, interval: interval}
}

func (h *HealthReporter) Job() scheduler.Job {
	return scheduler.Job{Name: HealthJobName, Interval: h.interval, Run: h.report}
}

func (h *HealthReporter) DomainStats() any { return nil }

func (h *HealthReporter) Cleanup() error { return nil }

func (h *HealthReporter) report(context.Context) error {
	snap := h.m.Stats()
	var succeeded, failed, skipped uint64
	for _, js := range snap.Jobs {
		succeeded += js.Succeeded
		failed += js.Failed
		skipped += js.Skipped
	}
	fields := []logx.Field{
		logx.String("state", snap.State.String()),
		logx.Int("jobs", len(snap.Jobs)),
		logx.Uint64("succeeded", succeeded),
		logx.Uint64("failed", failed),
		logx.Uint64("skipped", skipped),
		logx.Time("last_health_check", snap.LastHealthCheck),
	}
	if js, ok := snap.Jobs[verify.JobName]; ok && js.Domain != nil {
		fields = append(fields, logx.Any("verification", js.Domain))
	}
	h.log.Info("health report", fields...)
	return nil
}
