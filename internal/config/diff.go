package config

import (
	"strings"

	logx "taskwarden/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured fields for logging. Secrets (tokens, DSNs) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.stop_grace", strings.TrimSpace(newCfg.Scheduler.StopGrace)),
			logx.Int("scheduler.history_size", newCfg.Scheduler.HistorySize),
			logx.Bool("scheduler.startup_spread", newCfg.Scheduler.StartupSpread),
		)
	}

	if oldCfg.Verification.IsEnabled() != newCfg.Verification.IsEnabled() ||
		strings.TrimSpace(oldCfg.Verification.Interval) != strings.TrimSpace(newCfg.Verification.Interval) ||
		strings.TrimSpace(oldCfg.Verification.Timeout) != strings.TrimSpace(newCfg.Verification.Timeout) {
		changed = append(changed, "verification")
		attrs = append(attrs,
			logx.Bool("verification.enabled", newCfg.Verification.IsEnabled()),
			logx.String("verification.interval", strings.TrimSpace(newCfg.Verification.Interval)),
		)
	}

	if strings.TrimSpace(oldCfg.HealthReport.Interval) != strings.TrimSpace(newCfg.HealthReport.Interval) {
		changed = append(changed, "health_report")
		attrs = append(attrs, logx.String("health_report.interval", strings.TrimSpace(newCfg.HealthReport.Interval)))
	}

	// Storage (never log dsn)
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	// Diagnostics (never log token)
	if oldCfg.Diagnostics != newCfg.Diagnostics {
		changed = append(changed, "diagnostics")
		attrs = append(attrs,
			logx.Bool("diagnostics.enabled", newCfg.Diagnostics.Enabled),
			logx.String("diagnostics.addr", strings.TrimSpace(newCfg.Diagnostics.Addr)),
			logx.Bool("diagnostics.token_set", strings.TrimSpace(newCfg.Diagnostics.Token) != ""),
			logx.Bool("diagnostics.pprof", newCfg.Diagnostics.Pprof),
			logx.Bool("diagnostics.metrics", newCfg.Diagnostics.Metrics),
		)
	}

	return changed, attrs
}

// RestartRequired lists changed sections that only take effect on restart.
// Logging and diagnostics are applied live.
func RestartRequired(changed []string) []string {
	out := make([]string, 0, len(changed))
	for _, c := range changed {
		switch c {
		case "logging", "diagnostics":
		default:
			out = append(out, c)
		}
	}
	return out
}
