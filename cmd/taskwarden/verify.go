package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"taskwarden/internal/app"
)

var verifyTimeout time.Duration

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run one verification pass and print the stats as JSON",
	Long: `verify opens the configured task store, expires every pending task whose
deadline has passed and prints the resulting counts. The scheduler is not started.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := app.New(configPath)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if verifyTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, verifyTimeout)
			defer cancel()
		}
		stats, err := a.VerifyOnce(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

func init() {
	verifyCmd.Flags().DurationVar(&verifyTimeout, "timeout", 30*time.Second, "upper bound for the pass (0 disables)")
}
