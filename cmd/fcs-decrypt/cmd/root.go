package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/fcs-vault/internal/config"
	"github.com/oshokin/fcs-vault/internal/service/decrypter"
	"github.com/oshokin/fcs-vault/internal/version"
)

var (
	// configPath to the settings YAML file.
	configPath string
	// outputDir is where decrypted images are written.
	outputDir string
	// osName overrides the operating system detected from the archive.
	osName string
	// buildID overrides the build detected from the archive.
	buildID string
	// pemDBPath is an explicit key database to decrypt with.
	pemDBPath string
	// dmgTypes lists the image types to decrypt.
	dmgTypes []string

	// rootCmd represents the base command for decrypting firmware images.
	rootCmd = &cobra.Command{
		Use:   "fcs-decrypt <ipsw>",
		Short: "Decrypt the disk images of an IPSW with collected FCS keys",
		Long: `Decrypts the encrypted disk images inside an IPSW archive.

The operating system and build are read from the archive's build manifest
unless overridden. Keys are taken from an explicit database if one is given,
otherwise from the key files collected for that build, and as a last resort
from the aggregated fcs-keys.json archive.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &decrypter.Options{
				ConfigPath: configPath,
				IPSWPath:   args[0],
				OutputDir:  outputDir,
				OS:         osName,
				Build:      buildID,
				PemDBPath:  pemDBPath,
				DMGTypes:   dmgTypes,
			}

			return decrypter.Run(ctx, options)
		},
	}
)

// Execute runs the fcs-decrypt CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.Flags().
		StringVarP(&configPath, "config", "c", "", "path to the settings file (default "+config.DefaultConfigFilename+")")
	rootCmd.Flags().StringVarP(&outputDir, "output", "o", "", "directory for decrypted images (default next to the archive)")
	rootCmd.Flags().StringVar(&osName, "os", "", "override the detected operating system")
	rootCmd.Flags().StringVar(&buildID, "build", "", "override the detected build")
	rootCmd.Flags().StringVar(&pemDBPath, "pem-db", "", "decrypt with this key database instead of stored keys")
	rootCmd.Flags().StringSliceVar(&dmgTypes, "dmg", nil, "image types to decrypt (default all of sys, app, fs, exc, rdisk)")
}
