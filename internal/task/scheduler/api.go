package scheduler

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	logx "taskwarden/pkg/logx"
)

// Register validates job and adds it. When the scheduler is running the job
// is armed right away; otherwise it is armed by the next Start.
func (s *Service) Register(job Job) error {
	job.Name = strings.TrimSpace(job.Name)
	if job.Name == "" {
		return errors.Wrap(ErrInvalidJob, "name required")
	}
	if job.Run == nil {
		return errors.Wrapf(ErrInvalidJob, "job %s: handler required", job.Name)
	}
	if job.Interval <= 0 {
		return errors.Wrapf(ErrInvalidInterval, "job %s: %s", job.Name, job.Interval)
	}
	if job.Overlap != OverlapSkipIfRunning {
		return errors.Wrapf(ErrInvalidJob, "job %s: unsupported overlap policy %s", job.Name, job.Overlap)
	}
	if job.Timeout < 0 {
		job.Timeout = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return errors.Wrapf(ErrDuplicateJob, "%s", job.Name)
	}
	e := &jobEntry{
		job:  job,
		warn: rate.NewLimiter(rate.Every(failureWarnEvery), 1),
	}
	s.jobs[job.Name] = e
	s.order = append(s.order, job.Name)

	if s.running {
		s.armLocked(e, time.Now(), false)
	}
	s.log.Debug("job registered",
		logx.String("job", job.Name),
		logx.Duration("interval", job.Interval),
		logx.Duration("timeout", job.Timeout),
		logx.Bool("armed", s.running),
	)
	return nil
}

// Jobs returns registered job names in registration order.
func (s *Service) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// armLocked schedules e on the current cron instance. Call with s.mu held.
func (s *Service) armLocked(e *jobEntry, now time.Time, spread bool) {
	name := e.job.Name
	job := cron.FuncJob(func() { s.tick(name) })

	var sched cron.Schedule = intervalSchedule{every: e.job.Interval}
	e.spread = 0
	if spread {
		sched, e.spread = withStartupSpread(e.job.Interval, now, name)
	}
	e.entryID = s.c.Schedule(sched, job)

	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("job armed",
			logx.String("job", name),
			logx.Duration("interval", e.job.Interval),
			logx.Duration("startup_spread", e.spread),
			logx.Time("first", sched.Next(now)),
		)
	}
}
