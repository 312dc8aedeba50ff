package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/fcs-vault/internal/service/reporter"
)

// statusCmd summarizes the artifacts without touching anything.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize stored keys and ledger outcomes",
	Args:  cobra.NoArgs,
	RunE: func(command *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		status, err := reporter.Run(ctx, &reporter.Options{ConfigPath: configPath})
		if err != nil {
			return err
		}

		command.Print(status.Render())

		return nil
	},
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.AddCommand(statusCmd)
}
