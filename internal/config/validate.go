package config

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Validate checks the fields that can be checked without building services.
// Job intervals are parsed by the scheduler when the app maps the config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs error
	add := func(err error) { errs = errors.CombineErrors(errs, err) }

	for path, raw := range map[string]string{
		"scheduler.stop_grace":      cfg.Scheduler.StopGrace,
		"verification.timeout":      cfg.Verification.Timeout,
		"storage.busy_timeout":      cfg.Storage.BusyTimeout,
		"diagnostics.read_timeout":  cfg.Diagnostics.ReadTimeout,
		"diagnostics.write_timeout": cfg.Diagnostics.WriteTimeout,
		"diagnostics.idle_timeout":  cfg.Diagnostics.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			add(err)
		}
	}
	if cfg.Scheduler.HistorySize < 0 {
		add(errors.New("scheduler.history_size must be >= 0"))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.Newf("storage.path is required for driver %s", d))
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required for driver postgres"))
		}
	default:
		add(errors.Newf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	return errs
}
