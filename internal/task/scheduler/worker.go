package scheduler

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"taskwarden/internal/eventbus"
	logx "taskwarden/pkg/logx"
)

// tick is the cron callback for one job. It only gates and dispatches.
func (s *Service) tick(name string) {
	now := time.Now()

	s.mu.Lock()
	e, ok := s.jobs[name]
	if !ok || !s.running {
		s.mu.Unlock()
		return
	}
	s.lastTick = now

	if e.inflight {
		run := JobRun{ID: uuid.NewString(), Job: name, StartedAt: now, FinishedAt: now, Outcome: OutcomeSkipped}
		e.skipped++
		s.recordLocked(e, run)
		s.mu.Unlock()

		s.log.Debug("job.skipped", logx.String("job", name))
		s.publish(eventbus.JobSkipped, now, run)
		return
	}

	e.inflight = true
	epoch := s.epoch
	job := e.job
	runID := uuid.NewString()
	// Dispatch under s.mu so Stop cannot start waiting before the run is tracked.
	s.sup.Go0("job:"+name, func(ctx context.Context) {
		s.execute(ctx, epoch, runID, job)
	})
	s.mu.Unlock()
}

func (s *Service) execute(ctx context.Context, epoch uint64, runID string, job Job) {
	start := time.Now()
	s.log.Debug("job.started", logx.String("job", job.Name), logx.String("run", runID))
	s.publish(eventbus.JobStarted, start, JobRun{ID: runID, Job: job.Name, StartedAt: start})

	runCtx := ctx
	var cancel context.CancelFunc
	if job.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
	}
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Newf("panic: %v", r)
				s.log.Error("job.panic", logx.String("job", job.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = job.Run(runCtx)
	}()
	if cancel != nil {
		cancel()
	}

	finish := time.Now()
	run := JobRun{
		ID:         runID,
		Job:        job.Name,
		StartedAt:  start,
		FinishedAt: finish,
		Duration:   finish.Sub(start),
		Outcome:    OutcomeSuccess,
	}
	if err != nil {
		run.Outcome = OutcomeFailure
		run.Err = err.Error()
	}

	s.mu.Lock()
	e, ok := s.jobs[job.Name]
	if !ok || s.epoch != epoch {
		s.mu.Unlock()
		s.log.Debug("abandoned run finished", logx.String("job", job.Name), logx.String("run", runID), logx.Duration("dur", run.Duration))
		return
	}
	e.inflight = false
	if err != nil {
		e.failed++
	} else {
		e.succeeded++
	}
	s.recordLocked(e, run)
	warn := err != nil && e.warn.Allow()
	s.mu.Unlock()

	switch {
	case warn:
		s.log.Warn("job.failed", logx.String("job", job.Name), logx.Err(err), logx.Duration("dur", run.Duration))
	case err != nil:
		s.log.Debug("job.failed", logx.String("job", job.Name), logx.Err(err), logx.Duration("dur", run.Duration))
	case run.Duration >= 750*time.Millisecond:
		s.log.Info("job.completed", logx.String("job", job.Name), logx.Duration("dur", run.Duration))
	default:
		s.log.Debug("job.completed", logx.String("job", job.Name), logx.Duration("dur", run.Duration))
	}
	s.publish(eventbus.JobFinished, finish, run)
}

// recordLocked stores run as the job's last run and appends it to the
// bounded history. Call with s.mu held.
func (s *Service) recordLocked(e *jobEntry, run JobRun) {
	r := run
	e.last = &r
	s.history = append(s.history, run)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
}

func (s *Service) publish(typ string, at time.Time, run JobRun) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: run})
}
