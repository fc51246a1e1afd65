package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"taskwarden/internal/eventbus"
	"taskwarden/internal/runtime/supervisor"
	logx "taskwarden/pkg/logx"
)

const (
	defaultStopGrace   = 5 * time.Second
	defaultHistorySize = 200
	failureWarnEvery   = 5 * time.Second
)

// Config controls the scheduler service.
type Config struct {
	// StopGrace bounds how long Stop waits for in-flight runs. 0 means 5s.
	StopGrace     time.Duration
	// HistorySize caps the in-memory run history. 0 means 200.
	HistorySize   int
	// StartupSpread delays each job's first tick by a random jitter
	// (at most min(interval, 30s)) when the scheduler starts.
	StartupSpread bool
}

func (c Config) withDefaults() Config {
	if c.StopGrace <= 0 {
		c.StopGrace = defaultStopGrace
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

type OverlapPolicy int

const (
	// OverlapSkipIfRunning records a skipped run when a tick finds the previous
	// run still in flight. It is the zero value and the only accepted policy.
	OverlapSkipIfRunning OverlapPolicy = iota
	// OverlapAllow is rejected by Register; runs are never queued or stacked.
	OverlapAllow
)

func (p OverlapPolicy) String() string {
	switch p {
	case OverlapSkipIfRunning:
		return "skip_if_running"
	case OverlapAllow:
		return "allow"
	default:
		return "unknown"
	}
}

// Job is a named periodic unit of work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
	Overlap  OverlapPolicy
	// Timeout bounds a single run through its context. 0 means no timeout.
	Timeout  time.Duration
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// JobRun records one tick of a job.
type JobRun struct {
	ID         string        `json:"id"`
	Job        string        `json:"job"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Outcome    Outcome       `json:"outcome"`
	Err        string        `json:"error,omitempty"`
}

// JobStats is the scheduler's view of one job.
type JobStats struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	InFlight  bool          `json:"in_flight"`
	LastRun   *JobRun       `json:"last_run,omitempty"`
	Succeeded uint64        `json:"succeeded"`
	Failed    uint64        `json:"failed"`
	Skipped   uint64        `json:"skipped"`
	Next      time.Time     `json:"next,omitempty"`
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at,omitempty"`

	// LastHealthCheck is the most recent tick across all jobs.
	LastHealthCheck time.Time           `json:"last_health_check,omitempty"`
	Jobs            map[string]JobStats `json:"jobs"`
}

// jobEntry is the per-job runtime state. Guarded by Service.mu.
type jobEntry struct {
	job     Job
	entryID cron.EntryID
	spread  time.Duration

	// inflight is the overlap gate; it belongs to the epoch that set it.
	inflight bool
	last     *JobRun

	succeeded uint64
	failed    uint64
	skipped   uint64

	warn *rate.Limiter
}

type Service struct {
	mu sync.Mutex

	cfg Config
	log logx.Logger
	bus eventbus.Bus

	c     *cron.Cron
	sup   *supervisor.Supervisor
	jobs  map[string]*jobEntry
	// order keeps registration order for arming.
	order []string

	running   bool
	stopping  bool
	startedAt time.Time
	lastTick  time.Time
	epoch     uint64
	history   []JobRun
}
