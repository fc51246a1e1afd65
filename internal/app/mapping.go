package app

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"taskwarden/internal/config"
	"taskwarden/internal/observability/diag"
	"taskwarden/internal/storage"
	"taskwarden/internal/task/scheduler"
	logx "taskwarden/pkg/logx"
)

const (
	defaultStopGrace      = 5 * time.Second
	defaultVerifyInterval = time.Minute
	defaultBusyTimeout    = time.Second
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	grace, err := config.ParseDurationOrDefault("scheduler.stop_grace", cfg.Scheduler.StopGrace, defaultStopGrace)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		StopGrace:     grace,
		HistorySize:   cfg.Scheduler.HistorySize,
		StartupSpread: cfg.Scheduler.StartupSpread,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path)}, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, defaultBusyTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN)}, nil
	default:
		return storage.Config{}, errors.Newf("unknown storage.driver: %s", sc.Driver)
	}
}

// verificationSchedule returns the verification job interval and timeout.
// The interval accepts everything scheduler.ParseInterval does.
func verificationSchedule(cfg *config.Config) (interval, timeout time.Duration, err error) {
	interval = defaultVerifyInterval
	if raw := strings.TrimSpace(cfg.Verification.Interval); raw != "" {
		interval, err = scheduler.ParseInterval(raw)
		if err != nil {
			return 0, 0, errors.Wrap(err, "verification.interval")
		}
	}
	timeout, err = config.ParseDurationField("verification.timeout", cfg.Verification.Timeout)
	if err != nil {
		return 0, 0, err
	}
	return interval, timeout, nil
}

// healthInterval returns 0 when the health report is disabled.
func healthInterval(cfg *config.Config) (time.Duration, error) {
	raw := strings.TrimSpace(cfg.HealthReport.Interval)
	if raw == "" {
		return 0, nil
	}
	d, err := scheduler.ParseInterval(raw)
	if err != nil {
		return 0, errors.Wrap(err, "health_report.interval")
	}
	return d, nil
}

func mapDiagConfig(cfg *config.Config) (diag.Config, error) {
	dc := cfg.Diagnostics
	readTimeout, err := config.ParseDurationOrDefault("diagnostics.read_timeout", dc.ReadTimeout, 5*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	writeTimeout, err := config.ParseDurationField("diagnostics.write_timeout", dc.WriteTimeout)
	if err != nil {
		return diag.Config{}, err
	}
	idleTimeout, err := config.ParseDurationOrDefault("diagnostics.idle_timeout", dc.IdleTimeout, 60*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	return diag.Config{
		Enabled:       dc.Enabled,
		Addr:          strings.TrimSpace(dc.Addr),
		Token:         strings.TrimSpace(dc.Token),
		AllowInsecure: dc.AllowInsecure,
		Pprof:         dc.Pprof,
		PprofPrefix:   dc.PprofPrefix,
		Metrics:       dc.Metrics,
		ReadTimeout:   readTimeout,
		WriteTimeout:  writeTimeout,
		IdleTimeout:   idleTimeout,
	}, nil
}

// validateMapped rejects configs that parse but cannot be mapped onto
// services. It runs before a reloaded config is committed.
func validateMapped(cfg *config.Config) error {
	var errs error
	if _, err := mapSchedulerConfig(cfg); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	if _, _, err := verificationSchedule(cfg); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	if _, err := healthInterval(cfg); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	if _, err := mapDiagConfig(cfg); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	return errs
}

// ValidateConfig loads the file at path and checks that every section maps
// onto a service. It builds nothing.
func ValidateConfig(path string) (*config.Config, error) {
	cfg, err := config.NewConfigManager(path).Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
