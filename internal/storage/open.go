package storage

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	logx "taskwarden/pkg/logx"
)

// Open initializes the configured store. An empty driver selects memory.
// ctx bounds connecting and migrating.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}

// NewOpener returns an Opener that calls Open with cfg each time.
func NewOpener(cfg Config, log logx.Logger) Opener {
	return func(ctx context.Context) (TaskStore, error) {
		return Open(ctx, cfg, log)
	}
}

// StaticOpener hands out the same store on every call and never closes it.
// The caller keeps ownership of st.
func StaticOpener(st TaskStore) Opener {
	return func(context.Context) (TaskStore, error) {
		return unclosable{st}, nil
	}
}

type unclosable struct{ TaskStore }

func (unclosable) Close() error { return nil }
