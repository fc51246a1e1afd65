// Package verify re-examines pending tasks and expires the ones whose
// deadline has passed.
package verify

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"taskwarden/internal/eventbus"
	"taskwarden/internal/storage"
	"taskwarden/internal/task/scheduler"
	logx "taskwarden/pkg/logx"
)

// JobName is the scheduler job name used by Engine.Job.
const JobName = "task-verification"

// Stats is the outcome of the most recent verification run.
// Total is the sum of the four status counts, taken after the transition.
type Stats struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Completed int64 `json:"completed"`
	Expired   int64 `json:"expired"`
	NotActive int64 `json:"not_active"`

	// Transitioned is how many tasks this run moved to expired.
	Transitioned int64         `json:"transitioned"`
	RanAt        time.Time     `json:"ran_at"`
	Took         time.Duration `json:"took"`
}

type Option func(*Engine)

func WithLogger(log logx.Logger) Option { return func(e *Engine) { e.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(e *Engine) { e.bus = bus } }

// WithClock overrides time.Now; used by tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// Engine runs verification passes against a task store.
//
// Runs are serialized. The store is opened on the first run and kept until
// Cleanup; a run after Cleanup opens it again.
type Engine struct {
	open storage.Opener
	log  logx.Logger
	bus  eventbus.Bus
	now  func() time.Time

	// runMu serializes runs.
	runMu sync.Mutex

	mu     sync.Mutex
	store  storage.TaskStore
	gen    uint64
	cached *Stats
}

func New(open storage.Opener, opts ...Option) *Engine {
	e := &Engine{open: open, now: time.Now}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Run performs one verification pass: find pending tasks past their
// deadline, expire them in one batch, then recount. There is no retry;
// errors are returned to the caller.
func (e *Engine) Run(ctx context.Context) (Stats, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.runLocked(ctx)
}

func (e *Engine) runLocked(ctx context.Context) (Stats, error) {
	st, gen, err := e.acquire(ctx)
	if err != nil {
		return Stats{}, err
	}

	start := time.Now()
	now := e.now()

	pending, err := st.FindPendingBeforeExpiry(ctx, now)
	if err != nil {
		return Stats{}, errors.Wrap(err, "find pending tasks")
	}

	ids := make([]string, 0, len(pending))
	for _, t := range pending {
		if t.ExpiresAt.After(now) {
			continue
		}
		ids = append(ids, t.ID)
	}

	var transitioned int64
	if len(ids) > 0 {
		transitioned, err = st.BulkTransition(ctx, ids, storage.StatusExpired)
		if err != nil {
			return Stats{}, errors.Wrapf(err, "expire %d tasks", len(ids))
		}
	}

	counts, err := st.CountByStatus(ctx)
	if err != nil {
		return Stats{}, errors.Wrap(err, "count tasks")
	}

	out := Stats{
		Total:        counts.Pending + counts.Completed + counts.Expired + counts.NotActive,
		Pending:      counts.Pending,
		Completed:    counts.Completed,
		Expired:      counts.Expired,
		NotActive:    counts.NotActive,
		Transitioned: transitioned,
		RanAt:        now,
		Took:         time.Since(start),
	}

	e.mu.Lock()
	// A Cleanup during this run retires its result.
	if e.gen == gen {
		c := out
		e.cached = &c
	}
	e.mu.Unlock()

	fields := []logx.Field{
		logx.Int("candidates", len(ids)),
		logx.Int64("expired", transitioned),
		logx.Int64("pending", out.Pending),
		logx.Int64("total", out.Total),
		logx.Duration("took", out.Took),
	}
	if transitioned > 0 {
		e.log.Info("verification completed", fields...)
	} else {
		e.log.Debug("verification completed", fields...)
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.VerificationCompleted, Time: time.Now(), Data: out})
	}
	return out, nil
}

func (e *Engine) acquire(ctx context.Context) (storage.TaskStore, uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store != nil {
		return e.store, e.gen, nil
	}
	if e.open == nil {
		return nil, 0, errors.New("verify: no task store configured")
	}
	st, err := e.open(ctx)
	if err != nil {
		return nil, 0, errors.Wrap(err, "open task store")
	}
	e.store = st
	return st, e.gen, nil
}

// Stats returns the cached result of the last run. With nothing cached yet
// it runs a verification synchronously.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	if s, ok := e.cachedStats(); ok {
		return s, nil
	}
	e.runMu.Lock()
	defer e.runMu.Unlock()
	// Another caller may have filled the cache while we waited.
	if s, ok := e.cachedStats(); ok {
		return s, nil
	}
	return e.runLocked(ctx)
}

// DomainStats returns the cached stats (or nil) without running.
func (e *Engine) DomainStats() any {
	if s, ok := e.cachedStats(); ok {
		return s
	}
	return nil
}

func (e *Engine) cachedStats() (Stats, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cached == nil {
		return Stats{}, false
	}
	return *e.cached, true
}

// Job returns the scheduler job that drives this engine.
func (e *Engine) Job(interval, timeout time.Duration) scheduler.Job {
	return scheduler.Job{
		Name:     JobName,
		Interval: interval,
		Timeout:  timeout,
		Run: func(ctx context.Context) error {
			_, err := e.Run(ctx)
			return err
		},
	}
}

// Cleanup closes the store handle and drops cached stats. Safe to call
// repeatedly and before any run.
func (e *Engine) Cleanup() error {
	e.mu.Lock()
	st := e.store
	e.store = nil
	e.cached = nil
	e.gen++
	e.mu.Unlock()

	if st == nil {
		return nil
	}
	return errors.Wrap(st.Close(), "close task store")
}

// Component binds an Engine to a schedule so it can be handed to a
// lifecycle manager.
type Component struct {
	*Engine
	Interval time.Duration
	Timeout  time.Duration
}

func (c Component) Job() scheduler.Job { return c.Engine.Job(c.Interval, c.Timeout) }
