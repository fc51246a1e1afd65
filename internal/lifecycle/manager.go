// Package lifecycle owns the start/stop sequence of the background
// subsystem and aggregates its statistics.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"taskwarden/internal/task/scheduler"
	"taskwarden/internal/task/verify"
	logx "taskwarden/pkg/logx"
)

type State int

const (
	StateUninitialized State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Component is a job-owning part of the subsystem.
type Component interface {
	Job() scheduler.Job
	// DomainStats returns job-specific statistics, or nil when none exist yet.
	DomainStats() any
	Cleanup() error
}

type verificationSource interface {
	Stats(ctx context.Context) (verify.Stats, error)
	Cleanup() error
}

// JobSnapshot combines scheduler bookkeeping with a job's own statistics.
type JobSnapshot struct {
	scheduler.JobStats
	Domain any `json:"domain,omitempty"`
}

type Snapshot struct {
	Running         bool                   `json:"running"`
	State           State                  `json:"state"`
	Jobs            map[string]JobSnapshot `json:"jobs"`
	LastHealthCheck time.Time              `json:"last_health_check,omitempty"`
}

// Manager sequences Initialize and Shutdown over one scheduler. Create one
// per process and pass it to whoever needs it.
type Manager struct {
	sched *scheduler.Service
	log   logx.Logger

	// opMu serializes Initialize and Shutdown; mu guards the fields below
	// and is never held across a scheduler Stop.
	opMu       sync.Mutex
	mu         sync.Mutex
	state      State
	registered bool
	components []Component
	domain     map[string]Component
	verifier   verificationSource
}

func New(sched *scheduler.Service, log logx.Logger, components ...Component) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{sched: sched, log: log, domain: map[string]Component{}}
	for _, c := range components {
		m.addLocked(c)
	}
	return m
}

// Attach adds a component after New. Components can only be added before
// the first Initialize.
func (m *Manager) Attach(c Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return errors.New("cannot attach component after initialize")
	}
	m.addLocked(c)
	return nil
}

func (m *Manager) addLocked(c Component) {
	if c == nil {
		return
	}
	m.components = append(m.components, c)
	if v, ok := c.(verificationSource); ok && m.verifier == nil {
		m.verifier = v
	}
}

// Initialize registers component jobs (first call only) and starts the
// scheduler. It is valid from Uninitialized and Stopped.
func (m *Manager) Initialize(ctx context.Context) (*scheduler.Service, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateRunning {
		return nil, &TransitionError{Op: "initialize", From: m.state, Reason: ErrAlreadyRunning}
	}

	if !m.registered {
		jobs := make([]scheduler.Job, 0, len(m.components))
		seen := make(map[string]bool, len(m.components))
		for _, c := range m.components {
			job := c.Job()
			if seen[job.Name] {
				return nil, errors.Wrapf(scheduler.ErrDuplicateJob, "component %s", job.Name)
			}
			seen[job.Name] = true
			jobs = append(jobs, job)
		}
		for i, c := range m.components {
			job := jobs[i]
			if err := m.sched.Register(job); err != nil {
				return nil, errors.Wrapf(err, "register %s", job.Name)
			}
			m.domain[job.Name] = c
		}
		m.registered = true
	}

	if err := m.sched.Start(ctx); err != nil {
		return nil, errors.Wrap(err, "start scheduler")
	}
	prev := m.state
	m.state = StateRunning
	m.log.Info("lifecycle initialized", logx.String("from", prev.String()), logx.Int("jobs", len(m.domain)))
	return m.sched, nil
}

// Shutdown stops the scheduler and releases component resources. A stop
// grace overrun is logged, not returned. Cleanup errors are joined; the
// manager is Stopped either way.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	state := m.state
	components := append([]Component(nil), m.components...)
	m.mu.Unlock()
	if state != StateRunning {
		return &TransitionError{Op: "shutdown", From: state, Reason: ErrNotRunning}
	}
	start := time.Now()

	if err := m.sched.Stop(ctx); err != nil {
		if errors.Is(err, scheduler.ErrStopGraceExceeded) {
			m.log.Warn("scheduler stop exceeded grace; in-flight runs abandoned", logx.Err(err))
		} else {
			m.log.Error("scheduler stop failed", logx.Err(err))
		}
	}
	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()

	var errs error
	for _, c := range components {
		if err := c.Cleanup(); err != nil {
			name := c.Job().Name
			m.log.Warn("component cleanup failed", logx.String("job", name), logx.Err(err))
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "cleanup %s", name))
		}
	}
	m.log.Info("lifecycle shut down", logx.Duration("took", time.Since(start)))
	return errs
}

func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateRunning
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats combines the scheduler's job stats with each component's domain
// stats. It never triggers a run.
func (m *Manager) Stats() Snapshot {
	m.mu.Lock()
	state := m.state
	domain := make(map[string]Component, len(m.domain))
	for k, v := range m.domain {
		domain[k] = v
	}
	m.mu.Unlock()

	ss := m.sched.Stats()
	out := Snapshot{
		Running:         state == StateRunning && ss.Running,
		State:           state,
		Jobs:            make(map[string]JobSnapshot, len(ss.Jobs)),
		LastHealthCheck: ss.LastHealthCheck,
	}
	for name, js := range ss.Jobs {
		snap := JobSnapshot{JobStats: js}
		if c, ok := domain[name]; ok {
			snap.Domain = c.DomainStats()
		}
		out.Jobs[name] = snap
	}
	return out
}

// VerificationStats returns the verification engine's stats, running a
// verification first if none has completed yet. While the manager is not
// running, a pass made here releases the store before returning.
func (m *Manager) VerificationStats(ctx context.Context) (verify.Stats, error) {
	m.mu.Lock()
	v, state := m.verifier, m.state
	m.mu.Unlock()
	if v == nil {
		return verify.Stats{}, errors.New("no verification engine configured")
	}
	if state == StateRunning {
		return v.Stats(ctx)
	}

	// Hold opMu so Initialize cannot adopt the engine mid-pass.
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.mu.Lock()
	state = m.state
	m.mu.Unlock()
	if state == StateRunning {
		return v.Stats(ctx)
	}
	stats, err := v.Stats(ctx)
	if cerr := v.Cleanup(); cerr != nil {
		err = errors.CombineErrors(err, errors.Wrap(cerr, "release task store"))
	}
	return stats, err
}
