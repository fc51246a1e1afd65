package storage

import (
	"context"
	"database/sql"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/lib/pq"

	logx "taskwarden/pkg/logx"
)

var postgresDialect = dialect{
	name:        "postgres",
	migration:   "postgres.sql",
	findPending: `SELECT id, status, expires_at FROM tasks WHERE status = $1 AND expires_at <= $2 ORDER BY expires_at, id`,
	upsert: `INSERT INTO tasks(id, status, expires_at) VALUES($1,$2,$3)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, expires_at=excluded.expires_at`,
	count: `SELECT status, COUNT(*) FROM tasks GROUP BY status`,
	transition: func(ids []string, to Status) (string, []any) {
		return `UPDATE tasks SET status = $1 WHERE status = $2 AND id = ANY($3)`,
			[]any{string(to), string(StatusPending), pq.Array(ids)}
	},
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	st := newSQLStore(db, postgresDialect, log)
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("postgres store opened")
	return st, nil
}
