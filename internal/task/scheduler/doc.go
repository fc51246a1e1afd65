// Package scheduler drives named interval jobs.
//
// Each registered job gets one timer (a robfig/cron entry). A tick dispatches
// the job handler on a supervised goroutine and never blocks the cron
// dispatcher. A job never overlaps itself: a tick that finds the previous run
// still in flight is recorded as skipped. Handler failures and panics are
// recorded on the job and never stop the scheduler or other jobs.
package scheduler
