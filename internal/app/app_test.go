package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"taskwarden/internal/config"
	"taskwarden/internal/storage"
	"taskwarden/internal/task/verify"
	logx "taskwarden/pkg/logx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestVerifyOnceExpiresOverdueTasks(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tasks.json")
	st, err := storage.Open(context.Background(), storage.Config{Driver: "file", Path: dbPath}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	now := time.Now()
	err = st.Upsert(context.Background(),
		storage.Task{ID: "a", Status: storage.StatusPending, ExpiresAt: now.Add(-time.Hour)},
		storage.Task{ID: "b", Status: storage.StatusPending, ExpiresAt: now.Add(-time.Minute)},
		storage.Task{ID: "c", Status: storage.StatusPending, ExpiresAt: now.Add(time.Hour)},
		storage.Task{ID: "d", Status: storage.StatusCompleted, ExpiresAt: now.Add(-time.Hour)},
	)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	a, err := New(writeConfig(t, `
logging:
  level: error
storage:
  driver: file
  path: `+dbPath+`
`))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stats, err := a.VerifyOnce(context.Background())
	if err != nil {
		t.Fatalf("VerifyOnce: %v", err)
	}
	if stats.Transitioned != 2 || stats.Expired != 2 || stats.Pending != 1 || stats.Completed != 1 || stats.Total != 4 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	// A second pass finds nothing left to expire.
	stats, err = a.VerifyOnce(context.Background())
	if err != nil {
		t.Fatalf("second VerifyOnce: %v", err)
	}
	if stats.Transitioned != 0 || stats.Expired != 2 {
		t.Fatalf("second pass: %+v", stats)
	}
}

func TestStartRunsJobsAndStops(t *testing.T) {
	a, err := New(writeConfig(t, `
logging:
  level: error
verification:
  interval: 20ms
health_report:
  interval: 20ms
`))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !a.Manager().IsRunning() {
		t.Fatalf("expected manager running after Start")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := a.Manager().Stats()
		js, ok := snap.Jobs[verify.JobName]
		if ok && js.LastRun != nil && js.Domain != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("verification job never ran: %+v", snap)
		}
		time.Sleep(10 * time.Millisecond)
	}

	stats := a.Stats()
	if stats.State.String() != "running" || stats.Runtime.Counters.Active == 0 {
		t.Fatalf("unexpected app stats: state=%s runtime=%+v", stats.State, stats.Runtime.Counters)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.Manager().IsRunning() {
		t.Fatalf("expected manager stopped")
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("expected app context canceled after Stop")
	}
}

func TestNewRejectsCronInterval(t *testing.T) {
	_, err := New(writeConfig(t, `
logging:
  level: error
verification:
  interval: "*/5 * * * *"
`))
	if err == nil {
		t.Fatalf("expected cron expression to be rejected")
	}
}

func TestNewSkipsDisabledVerification(t *testing.T) {
	a, err := New(writeConfig(t, `
logging:
  level: error
verification:
  enabled: false
`))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.verifier != nil {
		t.Fatalf("expected no verification engine when disabled")
	}
	// One-shot verification still works against the configured store.
	stats, err := a.VerifyOnce(context.Background())
	if err != nil {
		t.Fatalf("VerifyOnce: %v", err)
	}
	if stats.Total != 0 {
		t.Fatalf("expected empty memory store, got %+v", stats)
	}
}

func TestMapStorageConfig(t *testing.T) {
	cases := []struct {
		in      config.StorageConfig
		driver  string
		wantErr bool
	}{
		{in: config.StorageConfig{}, driver: "memory"},
		{in: config.StorageConfig{Driver: "FILE", Path: " ./t.json "}, driver: "file"},
		{in: config.StorageConfig{Driver: "sqlite3", Path: "./t.db"}, driver: "sqlite"},
		{in: config.StorageConfig{Driver: "postgresql", DSN: "postgres://x"}, driver: "postgres"},
		{in: config.StorageConfig{Driver: "sqlite", Path: "./t.db", BusyTimeout: "soon"}, wantErr: true},
		{in: config.StorageConfig{Driver: "mongo"}, wantErr: true},
	}
	for _, tc := range cases {
		got, err := mapStorageConfig(&config.Config{Storage: tc.in})
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%+v: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%+v: %v", tc.in, err)
		}
		if got.Driver != tc.driver {
			t.Fatalf("%+v: driver=%q want %q", tc.in, got.Driver, tc.driver)
		}
	}

	got, err := mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "sqlite", Path: "x.db"}})
	if err != nil || got.BusyTimeout != defaultBusyTimeout {
		t.Fatalf("expected default busy timeout, got %v (err=%v)", got.BusyTimeout, err)
	}
}

func TestVerificationScheduleDefaults(t *testing.T) {
	interval, timeout, err := verificationSchedule(&config.Config{})
	if err != nil {
		t.Fatalf("verificationSchedule: %v", err)
	}
	if interval != defaultVerifyInterval || timeout != 0 {
		t.Fatalf("interval=%v timeout=%v", interval, timeout)
	}

	interval, _, err = verificationSchedule(&config.Config{Verification: config.VerificationConfig{Interval: "@every 90s"}})
	if err != nil || interval != 90*time.Second {
		t.Fatalf("interval=%v err=%v", interval, err)
	}
}

func TestStopReasonFor(t *testing.T) {
	if got := StopReasonFor(os.Interrupt); got != StopSIGINT {
		t.Fatalf("interrupt -> %q", got)
	}
	if got := StopReasonFor(nil); got != StopAppStop {
		t.Fatalf("nil -> %q", got)
	}
}
