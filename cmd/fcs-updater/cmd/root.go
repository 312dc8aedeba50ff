package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/fcs-vault/internal/config"
	"github.com/oshokin/fcs-vault/internal/service/updater"
	"github.com/oshokin/fcs-vault/internal/version"
)

var (
	// configPath to the settings YAML file.
	configPath string
	// skipSync leaves the AppleDB clone untouched before the run.
	skipSync bool
	// osNames narrows the run to the named operating systems.
	osNames []string

	// rootCmd represents the base command for collecting FCS keys.
	rootCmd = &cobra.Command{
		Use:   "fcs-updater",
		Short: "Download FCS keys for the firmware builds listed in AppleDB",
		Long: `Walks the local AppleDB clone and downloads the FCS keys of every build
that has not been dealt with yet.

The run makes two passes: one merges bulk key documents into the aggregated
fcs-keys.json archive, one stores individual PEM files per build. Each OS and
pass keeps a retry ledger next to the archive, so interrupted or failing runs
pick up exactly where they left off and give up on a build only after the
configured number of failed runs.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &updater.Options{
				ConfigPath: configPath,
				SkipSync:   skipSync,
				OSes:       osNames,
			}

			_, err := updater.Run(ctx, options)

			return err
		},
	}
)

// Execute runs the fcs-updater CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.PersistentFlags().
		StringVarP(&configPath, "config", "c", "", "path to the settings file (default "+config.DefaultConfigFilename+")")
	rootCmd.Flags().BoolVar(&skipSync, "skip-sync", false, "do not refresh the AppleDB clone first")
	rootCmd.Flags().StringSliceVar(&osNames, "os", nil, "limit the run to these operating systems")
}
