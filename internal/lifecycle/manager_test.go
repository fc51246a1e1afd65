package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"taskwarden/internal/eventbus"
	"taskwarden/internal/storage"
	"taskwarden/internal/task/scheduler"
	"taskwarden/internal/task/verify"
	logx "taskwarden/pkg/logx"
)

type fakeComponent struct {
	name     string
	interval time.Duration
	runs     atomic.Int32
	cleanups atomic.Int32
	cleanErr error
}

func (f *fakeComponent) Job() scheduler.Job {
	return scheduler.Job{Name: f.name, Interval: f.interval, Run: func(context.Context) error {
		f.runs.Add(1)
		return nil
	}}
}

func (f *fakeComponent) DomainStats() any { return map[string]int32{"runs": f.runs.Load()} }

func (f *fakeComponent) Cleanup() error {
	f.cleanups.Add(1)
	return f.cleanErr
}

// trackedStore counts how many opened handles are still open.
type trackedStore struct {
	storage.TaskStore
	open *atomic.Int32
}

func (s trackedStore) Close() error {
	s.open.Add(-1)
	return nil
}

func trackedOpener(st storage.TaskStore, open *atomic.Int32) storage.Opener {
	return func(context.Context) (storage.TaskStore, error) {
		open.Add(1)
		return trackedStore{TaskStore: st, open: open}, nil
	}
}

func newManager(cs ...Component) *Manager {
	sched := scheduler.New(scheduler.Config{StopGrace: time.Second}, logx.Nop(), eventbus.New())
	return New(sched, logx.Nop(), cs...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestLifecycleSequencing(t *testing.T) {
	ctx := context.Background()
	c := &fakeComponent{name: "fake", interval: 20 * time.Millisecond}
	m := newManager(c)

	if m.State() != StateUninitialized || m.IsRunning() {
		t.Fatalf("unexpected initial state %s", m.State())
	}
	err := m.Shutdown(ctx)
	if !errors.Is(err, ErrNotRunning) || !errors.Is(err, ErrInvalidLifecycleTransition) {
		t.Fatalf("Shutdown before Initialize = %v", err)
	}
	var te *TransitionError
	if !errors.As(err, &te) || te.From != StateUninitialized {
		t.Fatalf("expected TransitionError from uninitialized, got %#v", err)
	}

	sched, err := m.Initialize(ctx)
	if err != nil || sched == nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := m.Initialize(ctx); !errors.Is(err, ErrAlreadyRunning) || !errors.Is(err, ErrInvalidLifecycleTransition) {
		t.Fatalf("second Initialize = %v", err)
	}

	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if m.State() != StateStopped || sched.IsRunning() {
		t.Fatalf("unexpected state after shutdown: %s", m.State())
	}
	if err := m.Shutdown(ctx); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second Shutdown = %v", err)
	}
	if c.cleanups.Load() != 1 {
		t.Fatalf("cleanup called %d times", c.cleanups.Load())
	}

	// Restart reuses the registered jobs.
	if _, err := m.Initialize(ctx); err != nil {
		t.Fatalf("re-Initialize: %v", err)
	}
	before := c.runs.Load()
	waitFor(t, func() bool { return c.runs.Load() > before })
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("final Shutdown: %v", err)
	}
	if n := len(sched.Jobs()); n != 1 {
		t.Fatalf("jobs registered %d times", n)
	}
}

func TestShutdownJoinsCleanupErrors(t *testing.T) {
	ctx := context.Background()
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	a := &fakeComponent{name: "a", interval: time.Hour, cleanErr: errA}
	b := &fakeComponent{name: "b", interval: time.Hour, cleanErr: errB}
	m := newManager(a, b)

	if _, err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	err := m.Shutdown(ctx)
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("expected both cleanup errors, got %v", err)
	}
	if m.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", m.State())
	}
}

func TestStatsCombinesDomainStats(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	st := storage.NewMemory(
		storage.Task{ID: "late", Status: storage.StatusPending, ExpiresAt: now.Add(-time.Minute)},
		storage.Task{ID: "ok", Status: storage.StatusPending, ExpiresAt: now.Add(time.Hour)},
	)
	eng := verify.New(storage.StaticOpener(st))
	m := newManager(verify.Component{Engine: eng, Interval: 15 * time.Millisecond})

	snap := m.Stats()
	if snap.Running || len(snap.Jobs) != 0 {
		t.Fatalf("unexpected snapshot before init: %+v", snap)
	}

	if _, err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer m.Shutdown(ctx)

	waitFor(t, func() bool {
		js, ok := m.Stats().Jobs[verify.JobName]
		return ok && js.Domain != nil
	})
	snap = m.Stats()
	if !snap.Running || snap.State != StateRunning || snap.LastHealthCheck.IsZero() {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	vs, ok := snap.Jobs[verify.JobName].Domain.(verify.Stats)
	if !ok || vs.Expired != 1 || vs.Pending != 1 {
		t.Fatalf("unexpected domain stats: %#v", snap.Jobs[verify.JobName].Domain)
	}

	got, err := m.VerificationStats(ctx)
	if err != nil || got.Expired != 1 {
		t.Fatalf("VerificationStats = %+v, %v", got, err)
	}
}

func TestVerificationStatsWithoutEngine(t *testing.T) {
	m := newManager()
	if _, err := m.VerificationStats(context.Background()); err == nil {
		t.Fatal("expected error without verification engine")
	}
}

func TestVerificationStatsAfterShutdownReleasesStore(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory(storage.Task{ID: "late", Status: storage.StatusPending, ExpiresAt: time.Now().Add(-time.Minute)})
	var open atomic.Int32
	eng := verify.New(trackedOpener(st, &open))
	m := newManager(verify.Component{Engine: eng, Interval: time.Hour})

	// Before Initialize the pass does not keep the store either.
	got, err := m.VerificationStats(ctx)
	if err != nil || got.Expired != 1 {
		t.Fatalf("VerificationStats before init = %+v, %v", got, err)
	}
	if n := open.Load(); n != 0 {
		t.Fatalf("%d store handles left open before init", n)
	}

	if _, err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := m.VerificationStats(ctx); err != nil {
		t.Fatalf("VerificationStats while running: %v", err)
	}
	if n := open.Load(); n != 1 {
		t.Fatalf("open handles while running = %d, want 1", n)
	}
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got, err = m.VerificationStats(ctx)
	if err != nil || got.Expired != 1 || got.Total != 1 {
		t.Fatalf("VerificationStats after shutdown = %+v, %v", got, err)
	}
	if n := open.Load(); n != 0 {
		t.Fatalf("%d store handles left open after shutdown", n)
	}
}

func TestInitializeRejectsDuplicateComponentJobs(t *testing.T) {
	a := &fakeComponent{name: "dup", interval: time.Hour}
	b := &fakeComponent{name: "dup", interval: time.Hour}
	m := newManager(a, b)
	if _, err := m.Initialize(context.Background()); !errors.Is(err, scheduler.ErrDuplicateJob) {
		t.Fatalf("Initialize = %v, want ErrDuplicateJob", err)
	}
	if m.IsRunning() {
		t.Fatal("manager running after rejected Initialize")
	}
	if jobs := m.sched.Jobs(); len(jobs) != 0 {
		t.Fatalf("jobs registered despite duplicate: %v", jobs)
	}
}

func TestHealthReporterRuns(t *testing.T) {
	ctx := context.Background()
	c := &fakeComponent{name: "fake", interval: 10 * time.Millisecond}
	m := newManager(c)
	if err := m.Attach(NewHealthReporter(m, 15*time.Millisecond, logx.Nop())); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if _, err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	waitFor(t, func() bool { return m.Stats().Jobs[HealthJobName].Succeeded >= 2 })
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := m.Attach(c); err == nil {
		t.Fatal("expected Attach after Initialize to fail")
	}
}

func TestAttachBeforeInitializeOnly(t *testing.T) {
	ctx := context.Background()
	m := newManager()
	late := &fakeComponent{name: "late", interval: time.Hour}
	if err := m.Attach(late); err != nil {
		t.Fatalf("Attach before Initialize: %v", err)
	}
	sched, err := m.Initialize(ctx)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer func() { _ = m.Shutdown(ctx) }()

	if jobs := sched.Jobs(); len(jobs) != 1 || jobs[0] != "late" {
		t.Fatalf("jobs = %v", jobs)
	}
	if err := m.Attach(&fakeComponent{name: "later", interval: time.Hour}); err == nil {
		t.Fatalf("expected Attach after Initialize to fail")
	}
}
