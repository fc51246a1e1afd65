package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	logx "taskwarden/pkg/logx"
)

// SQLite caps bound parameters per statement; stay well below the limit.
const sqliteTransitionBatch = 500

var sqliteDialect = dialect{
	name:        "sqlite",
	migration:   "sqlite.sql",
	findPending: `SELECT id, status, expires_at FROM tasks WHERE status = ? AND expires_at <= ? ORDER BY expires_at, id`,
	upsert: `INSERT INTO tasks(id, status, expires_at) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, expires_at=excluded.expires_at`,
	count: `SELECT status, COUNT(*) FROM tasks GROUP BY status`,
	transition: func(ids []string, to Status) (string, []any) {
		args := make([]any, 0, len(ids)+2)
		args = append(args, string(to), string(StatusPending))
		for _, id := range ids {
			args = append(args, id)
		}
		ph := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		return `UPDATE tasks SET status = ? WHERE status = ? AND id IN (` + ph + `)`, args
	},
	batch: sqliteTransitionBatch,
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create sqlite dir")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"}
	if cfg.BusyTimeout > 0 {
		pragmas = append([]string{fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds())}, pragmas...)
	}
	for _, q := range pragmas {
		if _, err := db.ExecContext(ctx, q); err != nil {
			// The store still works with SQLite defaults.
			log.Warn("sqlite pragma failed", logx.String("pragma", q), logx.Err(err))
		}
	}

	st := newSQLStore(db, sqliteDialect, log)
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}
