package storage

import (
	"context"
	"database/sql"
	"embed"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	logx "taskwarden/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dialect holds the driver-specific SQL. Timestamps are stored as unix millis
// in both drivers so queries stay comparable.
type dialect struct {
	name      string
	migration string

	findPending string
	upsert      string
	count       string

	// transition builds the pending -> `to` UPDATE for one batch of ids.
	transition func(ids []string, to Status) (string, []any)
	// batch caps how many ids go into one statement (0 = unlimited).
	batch int
}

type sqlStore struct {
	db     *sql.DB
	log    logx.Logger
	d      dialect
	closed atomic.Bool
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, d: d, log: log}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/" + s.d.migration)
	if err != nil {
		return errors.Wrap(err, "read migration")
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return errors.Wrapf(err, "%s migrate", s.d.name)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Upsert(ctx context.Context, tasks ...Task) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin upsert")
	}
	defer func() { _ = tx.Rollback() }()

	for _, t := range tasks {
		if t.ID == "" {
			return errors.New("task id required")
		}
		if !t.Status.Valid() {
			return errors.Wrapf(ErrUnknownStatus, "task %s: %q", t.ID, string(t.Status))
		}
		if _, err := tx.ExecContext(ctx, s.d.upsert, t.ID, string(t.Status), t.ExpiresAt.UnixMilli()); err != nil {
			return errors.Wrapf(err, "upsert task %s", t.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit upsert")
}

func (s *sqlStore) FindPendingBeforeExpiry(ctx context.Context, now time.Time) ([]Task, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, s.d.findPending, string(StatusPending), now.UnixMilli())
	if err != nil {
		return nil, errors.Wrap(err, "query pending tasks")
	}
	defer rows.Close()

	out := make([]Task, 0)
	for rows.Next() {
		var (
			id, status string
			ms         int64
		)
		if err := rows.Scan(&id, &status, &ms); err != nil {
			return nil, errors.Wrap(err, "scan pending task")
		}
		out = append(out, Task{ID: id, Status: Status(status), ExpiresAt: time.UnixMilli(ms)})
	}
	return out, errors.Wrap(rows.Err(), "iterate pending tasks")
}

func (s *sqlStore) BulkTransition(ctx context.Context, ids []string, to Status) (int64, error) {
	if err := checkTransition(to); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}

	var total int64
	for _, chunk := range chunkIDs(ids, s.d.batch) {
		q, args := s.d.transition(chunk, to)
		res, err := s.db.ExecContext(ctx, q, args...)
		if err != nil {
			return total, errors.Wrapf(err, "transition %d tasks to %s", len(chunk), to)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, errors.Wrap(err, "rows affected")
		}
		total += n
	}
	return total, nil
}

func (s *sqlStore) CountByStatus(ctx context.Context) (Counts, error) {
	if s.closed.Load() {
		return Counts{}, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, s.d.count)
	if err != nil {
		return Counts{}, errors.Wrap(err, "count tasks")
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, errors.Wrap(err, "scan count")
		}
		if !c.add(Status(status), n) {
			s.log.Debug("ignoring tasks with unknown status", logx.String("status", status), logx.Int64("n", n))
		}
	}
	return c, errors.Wrap(rows.Err(), "iterate counts")
}

func chunkIDs(ids []string, size int) [][]string {
	if size <= 0 || len(ids) <= size {
		return [][]string{ids}
	}
	out := make([][]string, 0, (len(ids)+size-1)/size)
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}
