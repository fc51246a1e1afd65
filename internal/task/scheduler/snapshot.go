package scheduler

// Stats returns a copy of the scheduler state.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Stats{
		Running:         s.running,
		LastHealthCheck: s.lastTick,
		Jobs:            make(map[string]JobStats, len(s.jobs)),
	}
	if s.running {
		out.StartedAt = s.startedAt
	}
	for name, e := range s.jobs {
		js := JobStats{
			Name:      name,
			Interval:  e.job.Interval,
			InFlight:  e.inflight,
			Succeeded: e.succeeded,
			Failed:    e.failed,
			Skipped:   e.skipped,
		}
		if e.last != nil {
			r := *e.last
			js.LastRun = &r
		}
		if s.c != nil && e.entryID != 0 {
			js.Next = s.c.Entry(e.entryID).Next
		}
		out.Jobs[name] = js
	}
	return out
}

// History returns the most recent runs across all jobs, oldest first.
func (s *Service) History() []JobRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]JobRun(nil), s.history...)
}
