package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"taskwarden/internal/eventbus"
	logx "taskwarden/pkg/logx"
)

func newTestService(cfg Config) *Service {
	return New(cfg, logx.Nop(), eventbus.New())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func runs(js JobStats) uint64 { return js.Succeeded + js.Failed + js.Skipped }

func TestRegisterValidation(t *testing.T) {
	s := newTestService(Config{})
	noop := func(context.Context) error { return nil }

	if err := s.Register(Job{Name: "a", Interval: time.Second, Run: noop}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register(Job{Name: "a", Interval: time.Second, Run: noop}); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
	if err := s.Register(Job{Name: "b", Interval: 0, Run: noop}); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("expected ErrInvalidInterval, got %v", err)
	}
	if err := s.Register(Job{Name: "c", Interval: -time.Second, Run: noop}); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("expected ErrInvalidInterval for negative interval, got %v", err)
	}
	if err := s.Register(Job{Name: "d", Interval: time.Second}); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob for nil handler, got %v", err)
	}
	if err := s.Register(Job{Name: " ", Interval: time.Second, Run: noop}); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob for empty name, got %v", err)
	}
	if err := s.Register(Job{Name: "e", Interval: time.Second, Run: noop, Overlap: OverlapAllow}); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob for overlap allow, got %v", err)
	}
	if got := s.Jobs(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("Jobs() = %v", got)
	}
}

func TestNoTimersBeforeStart(t *testing.T) {
	s := newTestService(Config{})
	var calls atomic.Int32
	_ = s.Register(Job{Name: "idle", Interval: 10 * time.Millisecond, Run: func(context.Context) error {
		calls.Add(1)
		return nil
	}})
	time.Sleep(60 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("handler ran %d times before Start", calls.Load())
	}
	if s.IsRunning() {
		t.Fatal("scheduler reports running before Start")
	}
}

func TestEveryJobRunsTwiceWithinTwoIntervals(t *testing.T) {
	s := newTestService(Config{})
	const interval = 40 * time.Millisecond
	for _, name := range []string{"fast", "failing"} {
		name := name
		if err := s.Register(Job{Name: name, Interval: interval, Run: func(context.Context) error {
			if name == "failing" {
				return errors.New("boom")
			}
			return nil
		}}); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	waitFor(t, 2*time.Second, func() bool {
		st := s.Stats()
		return runs(st.Jobs["fast"]) >= 2 && runs(st.Jobs["failing"]) >= 2
	})

	st := s.Stats()
	if !st.Running {
		t.Fatal("scheduler stopped after handler failures")
	}
	if st.LastHealthCheck.IsZero() {
		t.Fatal("expected LastHealthCheck to be set")
	}
	if f := st.Jobs["failing"]; f.LastRun == nil || f.LastRun.Outcome != OutcomeFailure || f.LastRun.Err != "boom" {
		t.Fatalf("unexpected last run for failing job: %+v", f.LastRun)
	}
	if st.Jobs["fast"].Failed != 0 {
		t.Fatalf("failure leaked into another job: %+v", st.Jobs["fast"])
	}
}

func TestAlwaysFailingJobKeepsScheduling(t *testing.T) {
	s := newTestService(Config{})
	_ = s.Register(Job{Name: "broken", Interval: 15 * time.Millisecond, Run: func(context.Context) error {
		return errors.New("adapter unavailable")
	}})
	_ = s.Start(context.Background())
	defer s.Stop(context.Background())

	waitFor(t, 2*time.Second, func() bool { return s.Stats().Jobs["broken"].Failed >= 3 })
	if !s.IsRunning() {
		t.Fatal("expected scheduler to keep running")
	}
}

func TestLongRunningHandlerIsSkippedNotStacked(t *testing.T) {
	s := newTestService(Config{})
	var active, maxActive atomic.Int32
	release := make(chan struct{})
	_ = s.Register(Job{Name: "slow", Interval: 10 * time.Millisecond, Run: func(ctx context.Context) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}})
	_ = s.Start(context.Background())

	waitFor(t, 2*time.Second, func() bool { return s.Stats().Jobs["slow"].Skipped >= 3 })
	js := s.Stats().Jobs["slow"]
	if !js.InFlight {
		t.Fatal("expected job to be in flight")
	}
	if js.LastRun == nil || js.LastRun.Outcome != OutcomeSkipped || js.LastRun.Err != "" {
		t.Fatalf("expected skipped last run without error, got %+v", js.LastRun)
	}
	close(release)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if maxActive.Load() != 1 {
		t.Fatalf("handler overlapped itself: max active %d", maxActive.Load())
	}
}

func TestPanicIsRecordedAsFailure(t *testing.T) {
	s := newTestService(Config{})
	var healthy atomic.Int32
	_ = s.Register(Job{Name: "panics", Interval: 15 * time.Millisecond, Run: func(context.Context) error {
		panic("bad handler")
	}})
	_ = s.Register(Job{Name: "healthy", Interval: 15 * time.Millisecond, Run: func(context.Context) error {
		healthy.Add(1)
		return nil
	}})
	_ = s.Start(context.Background())
	defer s.Stop(context.Background())

	waitFor(t, 2*time.Second, func() bool { return s.Stats().Jobs["panics"].Failed >= 2 && healthy.Load() >= 2 })
	if lr := s.Stats().Jobs["panics"].LastRun; lr == nil || lr.Err == "" {
		t.Fatalf("expected panic recorded as error, got %+v", lr)
	}
}

func TestStartTwiceFails(t *testing.T) {
	s := newTestService(Config{})
	var calls atomic.Int32
	_ = s.Register(Job{Name: "once", Interval: 30 * time.Millisecond, Run: func(context.Context) error {
		calls.Add(1)
		return nil
	}})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	// A double-armed job would fire about twice per interval.
	time.Sleep(200 * time.Millisecond)
	if n := calls.Load(); n > 8 {
		t.Fatalf("job fired %d times in 200ms at 30ms interval", n)
	}
}

func TestStopMidExecutionStopsFurtherRuns(t *testing.T) {
	s := newTestService(Config{StopGrace: time.Second})
	var calls atomic.Int32
	started := make(chan struct{}, 1)
	_ = s.Register(Job{Name: "work", Interval: 10 * time.Millisecond, Run: func(context.Context) error {
		calls.Add(1)
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(30 * time.Millisecond)
		return nil
	}})
	_ = s.Start(context.Background())
	<-started

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.IsRunning() {
		t.Fatal("scheduler reports running after Stop")
	}
	after := calls.Load()
	time.Sleep(80 * time.Millisecond)
	if calls.Load() != after {
		t.Fatalf("handler ran after Stop: %d -> %d", after, calls.Load())
	}
	if s.Stats().Jobs["work"].Succeeded == 0 {
		t.Fatal("in-flight run was not recorded within the grace period")
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStopGraceExceededAbandonsRun(t *testing.T) {
	s := newTestService(Config{StopGrace: 30 * time.Millisecond})
	started := make(chan struct{})
	canceled := make(chan struct{})
	_ = s.Register(Job{Name: "stuck", Interval: 10 * time.Millisecond, Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		close(canceled)
		return ctx.Err()
	}})
	_ = s.Start(context.Background())
	<-started

	if err := s.Stop(context.Background()); !errors.Is(err, ErrStopGraceExceeded) {
		t.Fatalf("expected ErrStopGraceExceeded, got %v", err)
	}
	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("abandoned run context was not canceled")
	}
	time.Sleep(10 * time.Millisecond)
	js := s.Stats().Jobs["stuck"]
	if js.InFlight || js.Failed != 0 || js.Succeeded != 0 {
		t.Fatalf("abandoned run mutated state: %+v", js)
	}
}

func TestStartDuringStopIsRejected(t *testing.T) {
	s := newTestService(Config{StopGrace: 300 * time.Millisecond})
	var active, maxActive atomic.Int32
	started := make(chan struct{}, 1)
	_ = s.Register(Job{Name: "slow", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(150 * time.Millisecond)
		return nil
	}})
	_ = s.Start(context.Background())
	<-started

	stopErr := make(chan error, 1)
	go func() { stopErr <- s.Stop(context.Background()) }()
	time.Sleep(10 * time.Millisecond)

	if err := s.Start(context.Background()); !errors.Is(err, ErrStopInProgress) {
		t.Fatalf("Start during Stop = %v, want ErrStopInProgress", err)
	}
	if err := <-stopErr; err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.IsRunning() {
		t.Fatal("scheduler running after Stop")
	}
	if m := maxActive.Load(); m != 1 {
		t.Fatalf("job overlapped itself: max concurrent=%d", m)
	}

	// Once Stop has returned the scheduler can be started again.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start after Stop: %v", err)
	}
	_ = s.Stop(context.Background())
}

func TestStopPublishesAbandonedRuns(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64, eventbus.JobAbandoned)
	defer unsub()

	s := New(Config{StopGrace: 20 * time.Millisecond}, logx.Nop(), bus)
	started := make(chan struct{})
	_ = s.Register(Job{Name: "stuck", Interval: 10 * time.Millisecond, Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	_ = s.Start(context.Background())
	<-started

	if err := s.Stop(context.Background()); !errors.Is(err, ErrStopGraceExceeded) {
		t.Fatalf("expected ErrStopGraceExceeded, got %v", err)
	}
	select {
	case e := <-events:
		if run, ok := e.Data.(JobRun); !ok || run.Job != "stuck" {
			t.Fatalf("unexpected abandoned payload: %#v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no abandoned event published")
	}
}

func TestRestartAfterStop(t *testing.T) {
	s := newTestService(Config{})
	var calls atomic.Int32
	_ = s.Register(Job{Name: "j", Interval: 15 * time.Millisecond, Run: func(context.Context) error {
		calls.Add(1)
		return nil
	}})
	for i := 0; i < 2; i++ {
		before := calls.Load()
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("Start #%d: %v", i, err)
		}
		waitFor(t, time.Second, func() bool { return calls.Load() > before })
		if err := s.Stop(context.Background()); err != nil {
			t.Fatalf("Stop #%d: %v", i, err)
		}
	}
}

func TestRegisterWhileRunningArmsImmediately(t *testing.T) {
	s := newTestService(Config{})
	_ = s.Start(context.Background())
	defer s.Stop(context.Background())

	var calls atomic.Int32
	if err := s.Register(Job{Name: "late", Interval: 10 * time.Millisecond, Run: func(context.Context) error {
		calls.Add(1)
		return nil
	}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	waitFor(t, time.Second, func() bool { return calls.Load() >= 1 })
	if s.Stats().Jobs["late"].Next.IsZero() {
		t.Fatal("expected next activation for armed job")
	}
}

func TestJobTimeoutBoundsRun(t *testing.T) {
	s := newTestService(Config{})
	_ = s.Register(Job{Name: "bounded", Interval: 20 * time.Millisecond, Timeout: 10 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	_ = s.Start(context.Background())
	defer s.Stop(context.Background())

	waitFor(t, time.Second, func() bool { return s.Stats().Jobs["bounded"].Failed >= 1 })
	if lr := s.Stats().Jobs["bounded"].LastRun; lr == nil || lr.Outcome == OutcomeSuccess {
		t.Fatalf("expected timed out run to fail, got %+v", lr)
	}
}

func TestHistoryIsBoundedAndEventsPublished(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(256, "job.")
	defer unsub()

	s := New(Config{HistorySize: 3}, logx.Nop(), bus)
	_ = s.Register(Job{Name: "h", Interval: 5 * time.Millisecond, Run: func(context.Context) error { return nil }})
	_ = s.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool { return s.Stats().Jobs["h"].Succeeded >= 5 })
	_ = s.Stop(context.Background())

	if n := len(s.History()); n != 3 {
		t.Fatalf("history length = %d, want 3", n)
	}

	var started, finished int
	for {
		select {
		case e := <-events:
			switch e.Type {
			case eventbus.JobStarted:
				started++
			case eventbus.JobFinished:
				run, ok := e.Data.(JobRun)
				if !ok || run.Job != "h" || run.Outcome != OutcomeSuccess || run.ID == "" {
					t.Fatalf("unexpected finished payload: %#v", e.Data)
				}
				finished++
			}
			continue
		default:
		}
		break
	}
	if started == 0 || finished == 0 {
		t.Fatalf("expected job events, started=%d finished=%d", started, finished)
	}
}

func TestStartupSpreadDelaysFirstTick(t *testing.T) {
	now := time.Now()
	sched, jitter := withStartupSpread(time.Minute, now, "job")
	if jitter < 0 || jitter >= time.Minute {
		t.Fatalf("jitter out of range: %v", jitter)
	}
	first := sched.Next(now)
	if want := now.Add(time.Minute + jitter); !first.Equal(want) {
		t.Fatalf("first = %v, want %v", first, want)
	}
	if next := sched.Next(first); !next.Equal(first.Add(time.Minute)) {
		t.Fatalf("second = %v, want %v", next, first.Add(time.Minute))
	}

	_, capped := withStartupSpread(time.Hour, now, "job")
	if capped >= maxStartupSpread {
		t.Fatalf("jitter %v exceeds cap", capped)
	}
}
