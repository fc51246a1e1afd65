package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"taskwarden/internal/app"
)

var shutdownTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the scheduler and run until interrupted",
	Long: `run starts every configured job, the diagnostics server when enabled and
the config watcher. SIGINT or SIGTERM triggers a graceful shutdown.`,
	Args: cobra.NoArgs,
	RunE: runHandler,
}

func runHandler(cmd *cobra.Command, _ []string) error {
	a, err := app.New(configPath)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := a.Start(context.Background()); err != nil {
		return err
	}
	// No-op outside systemd (NOTIFY_SOCKET unset).
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "sd_notify ready: %v\n", err)
	}

	var reason app.StopReason
	select {
	case sig := <-sigCh:
		reason = app.StopReasonFor(sig)
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	stopErr := a.Stop(ctx, reason)
	if reason == app.StopFatalError {
		return errors.CombineErrors(a.Err(), stopErr)
	}
	return stopErr
}

func init() {
	runCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 15*time.Second, "upper bound for graceful shutdown")
}
