package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"taskwarden/internal/eventbus"
	"taskwarden/internal/runtime/supervisor"
	logx "taskwarden/pkg/logx"
)

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:  cfg.withDefaults(),
		log:  log,
		bus:  bus,
		jobs: map[string]*jobEntry{},
	}
}

// IsRunning reports whether Start has been called without a matching Stop.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start arms every registered job and starts triggering.
//
// ctx is only used for values; Stop is the only way to cancel runs.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if s.stopping {
		return ErrStopInProgress
	}

	s.epoch++
	s.sup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(s.log))
	s.c = cron.New(cron.WithLocation(time.Local))
	s.running = true
	s.startedAt = time.Now()

	now := time.Now()
	for _, name := range s.order {
		e := s.jobs[name]
		// Gates held by a retired epoch do not carry over.
		e.inflight = false
		s.armLocked(e, now, s.cfg.StartupSpread)
	}
	s.c.Start()

	s.log.Info("service started",
		logx.Int("jobs", len(s.order)),
		logx.Uint64("epoch", s.epoch),
		logx.Duration("stop_grace", s.cfg.StopGrace),
	)
	return nil
}

// Stop cancels all timers and waits for in-flight runs until the stop grace
// or ctx expires. Runs still going after that have their context canceled
// and are abandoned; ErrStopGraceExceeded is returned. Stop on a stopped
// scheduler is a no-op. Start fails with ErrStopInProgress until Stop
// returns.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.log.Info("stop requested")
	s.running = false
	s.stopping = true
	c, sup, grace, epoch := s.c, s.sup, s.cfg.StopGrace, s.epoch
	s.c = nil
	for _, e := range s.jobs {
		e.entryID = 0
	}
	s.mu.Unlock()

	// Ticks only dispatch, so the cron drain is immediate.
	<-c.Stop().Done()

	waitCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	waitErr := sup.Wait(waitCtx)

	s.mu.Lock()
	inflight := make([]string, 0)
	if s.epoch == epoch {
		// Anything that finishes from here on belongs to a retired epoch.
		s.epoch++
		for _, name := range s.order {
			if e := s.jobs[name]; e.inflight {
				inflight = append(inflight, name)
				e.inflight = false
			}
		}
	}
	s.stopping = false
	s.mu.Unlock()

	now := time.Now()
	for _, name := range inflight {
		s.publish(eventbus.JobAbandoned, now, JobRun{Job: name, StartedAt: now, FinishedAt: now})
	}

	if waitErr != nil && len(inflight) > 0 {
		sup.Cancel()
		s.log.Warn("stop grace exceeded; abandoning in-flight runs",
			logx.Strings("jobs", inflight),
			logx.Duration("grace", grace),
			logx.Duration("took", time.Since(start)),
		)
		return ErrStopGraceExceeded
	}
	sup.Cancel()
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	return nil
}
