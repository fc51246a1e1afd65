package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrClosed            = errors.New("task store closed")
	ErrUnknownStatus     = errors.New("unknown task status")
	ErrInvalidTransition = errors.New("invalid task transition")
)

// Status is the lifecycle state of a task. Pending is the only non-terminal state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
	StatusNotActive Status = "not_active"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusExpired, StatusNotActive:
		return true
	}
	return false
}

// Task is the slice of a marketplace task (order) the verifier cares about.
type Task struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Counts is an aggregate of tasks by status. Total is always the sum of the
// four known statuses; rows with an unknown status are not counted.
type Counts struct {
	Pending   int64 `json:"pending"`
	Completed int64 `json:"completed"`
	Expired   int64 `json:"expired"`
	NotActive int64 `json:"not_active"`
	Total     int64 `json:"total"`
}

func (c *Counts) add(s Status, n int64) bool {
	switch s {
	case StatusPending:
		c.Pending += n
	case StatusCompleted:
		c.Completed += n
	case StatusExpired:
		c.Expired += n
	case StatusNotActive:
		c.NotActive += n
	default:
		return false
	}
	c.Total += n
	return true
}

// TaskStore is the narrow contract the verification engine depends on.
//
// Implementations must be safe for concurrent use; the engine does not assume
// exclusive access to the underlying data.
type TaskStore interface {
	// FindPendingBeforeExpiry returns pending tasks with ExpiresAt <= now.
	FindPendingBeforeExpiry(ctx context.Context, now time.Time) ([]Task, error)
	// BulkTransition moves the given tasks from pending to `to` and returns the
	// number of tasks actually changed. Ids that are unknown or already
	// transitioned are skipped without error.
	BulkTransition(ctx context.Context, ids []string, to Status) (int64, error)
	CountByStatus(ctx context.Context) (Counts, error)
	Close() error
}

// Writer seeds or updates tasks. The hosting application owns task creation;
// this exists for tooling and tests.
type Writer interface {
	Upsert(ctx context.Context, tasks ...Task) error
}

// Store is what Open returns: the contract plus a writer.
type Store interface {
	TaskStore
	Writer
}

// Opener opens a task store on demand.
type Opener func(ctx context.Context) (TaskStore, error)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local map (default)
//   - "file": JSON snapshot at Path, rewritten atomically on change
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable via DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

func checkTransition(to Status) error {
	if !to.Valid() {
		return errors.Wrapf(ErrUnknownStatus, "%q", string(to))
	}
	if to == StatusPending {
		return errors.Wrap(ErrInvalidTransition, "cannot transition back to pending")
	}
	return nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
