package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Verification VerificationConfig `json:"verification"`
	HealthReport HealthReportConfig `json:"health_report"`
	Storage      StorageConfig      `json:"storage"`
	Diagnostics  DiagnosticsConfig  `json:"diagnostics"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the job scheduler.
//
// Defaults (when fields are omitted/zero):
//   - stop_grace: "5s"
//   - history_size: 200
//   - startup_spread: false
type SchedulerConfig struct {
	StopGrace     string `json:"stop_grace,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
	StartupSpread bool   `json:"startup_spread,omitempty"`
}

// VerificationConfig controls the task verification job.
//
// Enabled is a pointer so an omitted key defaults to true.
type VerificationConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Interval string `json:"interval"`          // default "1m"; also accepts HH:MM and "@every 1m"
	Timeout  string `json:"timeout,omitempty"` // per-run timeout; "0s" disables
}

// IsEnabled reports the effective enabled flag.
func (v VerificationConfig) IsEnabled() bool { return v.Enabled == nil || *v.Enabled }

// HealthReportConfig controls the periodic health log line. An empty or
// zero interval disables it.
type HealthReportConfig struct {
	Interval string `json:"interval,omitempty"`
}

// StorageConfig selects the task store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/tasks.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`                 // memory | file | sqlite | postgres
	Path        string `json:"path,omitempty"`         // file, sqlite
	DSN         string `json:"dsn,omitempty"`          // postgres (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// DiagnosticsConfig controls the optional diagnostics HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DiagnosticsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"` // default: "/debug/pprof/"
	Metrics     bool   `json:"metrics,omitempty"`

	// Server timeouts. WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
