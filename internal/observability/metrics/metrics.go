// Package metrics turns scheduler and verification events into Prometheus
// series.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"taskwarden/internal/eventbus"
	"taskwarden/internal/task/scheduler"
	"taskwarden/internal/task/verify"
	logx "taskwarden/pkg/logx"
)

const Namespace = "taskwarden"

type Collector struct {
	jobRuns           *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	jobInflight       *prometheus.GaugeVec
	verificationTasks *prometheus.GaugeVec
	expiredTotal      prometheus.Counter
	eventsDropped     prometheus.CounterFunc

	log logx.Logger
}

// New creates the collector and registers its series on reg (the default
// registerer when nil). bus may be nil; it only feeds the dropped-events
// counter.
func New(reg prometheus.Registerer, bus eventbus.Bus, log logx.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Collector{
		log: log,
		jobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "job_runs_total",
				Help:      "Job ticks by outcome (success, failure, skipped, abandoned)",
			},
			[]string{"job", "outcome"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "job_run_duration_seconds",
				Help:      "Duration of executed job runs",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
			},
			[]string{"job"},
		),
		jobInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "job_inflight",
				Help:      "1 while a job run is in flight",
			},
			[]string{"job"},
		),
		verificationTasks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "verification_tasks",
				Help:      "Tasks by status as of the last verification run",
			},
			[]string{"status"},
		),
		expiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "verification_expired_total",
				Help:      "Tasks transitioned to expired by verification runs",
			},
		),
		eventsDropped: prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "eventbus_dropped_total",
				Help:      "Events dropped because a subscriber was full",
			},
			func() float64 { return float64(eventbus.Dropped(bus)) },
		),
	}

	reg.MustRegister(
		c.jobRuns,
		c.jobDuration,
		c.jobInflight,
		c.verificationTasks,
		c.expiredTotal,
		c.eventsDropped,
	)
	return c
}

// Run consumes job and verification events from bus until ctx is done.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256, "job.", eventbus.VerificationCompleted)
	defer unsub()
	c.log.Debug("collector subscribed")
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(e)
		}
	}
}

// Observe applies one event.
func (c *Collector) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.JobStarted:
		if run, ok := e.Data.(scheduler.JobRun); ok {
			c.jobInflight.WithLabelValues(run.Job).Set(1)
		}
	case eventbus.JobFinished:
		if run, ok := e.Data.(scheduler.JobRun); ok {
			c.jobInflight.WithLabelValues(run.Job).Set(0)
			c.jobRuns.WithLabelValues(run.Job, string(run.Outcome)).Inc()
			c.jobDuration.WithLabelValues(run.Job).Observe(run.Duration.Seconds())
		}
	case eventbus.JobSkipped:
		if run, ok := e.Data.(scheduler.JobRun); ok {
			c.jobRuns.WithLabelValues(run.Job, string(scheduler.OutcomeSkipped)).Inc()
		}
	case eventbus.JobAbandoned:
		if run, ok := e.Data.(scheduler.JobRun); ok {
			c.jobInflight.WithLabelValues(run.Job).Set(0)
			c.jobRuns.WithLabelValues(run.Job, "abandoned").Inc()
		}
	case eventbus.VerificationCompleted:
		if s, ok := e.Data.(verify.Stats); ok {
			c.verificationTasks.WithLabelValues("pending").Set(float64(s.Pending))
			c.verificationTasks.WithLabelValues("completed").Set(float64(s.Completed))
			c.verificationTasks.WithLabelValues("expired").Set(float64(s.Expired))
			c.verificationTasks.WithLabelValues("not_active").Set(float64(s.NotActive))
			c.expiredTotal.Add(float64(s.Transitioned))
		}
	}
}
