package decrypter

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/oshokin/fcs-vault/internal/config"
	"github.com/oshokin/fcs-vault/internal/domain/build"
	"github.com/oshokin/fcs-vault/internal/ipsw"
	"github.com/oshokin/fcs-vault/internal/logger"
	"github.com/oshokin/fcs-vault/internal/repository/keystore"
)

var (
	errNoIPSW           = errors.New("path to an ipsw archive is required")
	errUnknownBuild     = errors.New("unable to tell the build from the manifest")
	errUnknownOS        = errors.New("unable to tell the operating system from the device models")
	errNoKeySource      = errors.New("no decryption keys available")
	errUnknownDMGType   = errors.New("unknown image type")
	errNothingExtracted = errors.New("no image could be extracted")
)

// dmgTypes are the disk image flavors the tool can extract.
var dmgTypes = []string{"sys", "app", "fs", "exc", "rdisk"}

const (
	// outputDirMode is used when the output directory has to be created.
	outputDirMode os.FileMode = 0o755
)

// Options are inputs accepted by the decrypter entry point.
type Options struct {
	// ConfigPath is the optional path to the settings YAML file.
	ConfigPath string
	// IPSWPath is the firmware archive to decrypt.
	IPSWPath string
	// OutputDir is where decrypted images land; empty means next to the archive.
	OutputDir string
	// OS overrides the operating system read from the build manifest.
	OS string
	// Build overrides the build identifier read from the build manifest.
	Build string
	// PemDBPath is an explicit key database; empty falls back to stored keys,
	// then to the aggregated archive.
	PemDBPath string
	// DMGTypes lists the image types to decrypt; empty means all of them.
	DMGTypes []string
	// Tool overrides the external tool client; tests substitute a double.
	Tool ipsw.Tool
}

// decrypter holds the state of a single decryption.
type decrypter struct {
	cfg  *config.Config // Settings loaded from YAML.
	opts *Options       // Caller inputs.
	tool ipsw.Tool      // External tool boundary.
}

// Run decrypts the disk images of one IPSW archive.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "fcs-decrypt")

	if opts.IPSWPath == "" {
		return errNoIPSW
	}

	if _, err := os.Stat(opts.IPSWPath); err != nil {
		return fmt.Errorf("ipsw archive: %w", err)
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	d := &decrypter{
		cfg:  cfg,
		opts: opts,
		tool: opts.Tool,
	}

	if d.tool == nil {
		d.tool = ipsw.NewClient(cfg.ToolPath, cfg.Timeout)
	}

	return d.run(ctx)
}

func (d *decrypter) run(ctx context.Context) error {
	key, err := d.identify(ctx)
	if err != nil {
		// Identification only locates the stored key files; an explicit
		// database or the aggregated archive needs no identity at all.
		logger.WarnKV(ctx, "Could not identify the firmware", "error", err)

		key = build.Key{}
	}

	pemDB, cleanup, err := d.resolveKeySource(ctx, key)
	if err != nil {
		return err
	}

	defer cleanup()

	return d.extract(ctx, pemDB)
}

// identify works out which OS and build the archive belongs to, preferring
// explicit overrides over the build manifest.
func (d *decrypter) identify(ctx context.Context) (build.Key, error) {
	key := build.Key{OS: d.opts.OS, ID: d.opts.Build}
	if key.OS != "" && key.ID != "" {
		return key, nil
	}

	manifest, err := readBuildManifest(d.opts.IPSWPath)
	if err != nil {
		return build.Key{}, err
	}

	if key.ID == "" {
		key.ID = manifest.ProductBuildVersion
	}

	if key.OS == "" {
		key.OS = osForProductTypes(manifest.SupportedProductTypes)
	}

	if key.ID == "" {
		return build.Key{}, fmt.Errorf("%s: %w", d.opts.IPSWPath, errUnknownBuild)
	}

	if key.OS == "" {
		return build.Key{}, fmt.Errorf("%s: %w", d.opts.IPSWPath, errUnknownOS)
	}

	logger.InfoKV(ctx, "Identified firmware", "os", key.OS, "build", key.ID)

	return key, nil
}

// resolveKeySource picks where decryption keys come from: an explicit
// database, the stored key files of this build, or the aggregated archive.
// The returned cleanup removes any temporary database built from stored keys.
func (d *decrypter) resolveKeySource(ctx context.Context, key build.Key) (string, func(), error) {
	noop := func() {}

	if d.opts.PemDBPath != "" {
		return d.opts.PemDBPath, noop, nil
	}

	// Stored key files are laid out by OS and build, so they are only
	// reachable for a fully identified firmware.
	if key.OS != "" && key.ID != "" {
		store := keystore.New(d.cfg.KeysDir)

		paths, err := store.BuildKeys(key)
		if err != nil {
			return "", noop, err
		}

		if len(paths) > 0 {
			pemDB, err := writePemDatabase(paths)
			if err != nil {
				return "", noop, err
			}

			logger.InfoKV(ctx, "Using stored key files", "count", len(paths), "database", pemDB)

			return pemDB, func() { _ = os.Remove(pemDB) }, nil
		}
	}

	if _, err := os.Stat(d.cfg.ArchiveFile); err == nil {
		logger.InfoKV(ctx, "Using the aggregated archive", "path", d.cfg.ArchiveFile)

		return d.cfg.ArchiveFile, noop, nil
	}

	return "", noop, fmt.Errorf("%s: %w", d.opts.IPSWPath, errNoKeySource)
}

// extract decrypts each requested image type. Per-type failures are absorbed,
// since an IPSW legitimately lacks some image flavors; only a run where
// nothing at all came out is an error.
func (d *decrypter) extract(ctx context.Context, pemDB string) error {
	requested := d.opts.DMGTypes
	if len(requested) == 0 {
		requested = dmgTypes
	}

	for _, dmgType := range requested {
		if !slices.Contains(dmgTypes, dmgType) {
			return fmt.Errorf("%s: %w", dmgType, errUnknownDMGType)
		}
	}

	outputDir := d.opts.OutputDir
	if outputDir == "" {
		outputDir = filepath.Dir(d.opts.IPSWPath)
	}

	if err := os.MkdirAll(outputDir, outputDirMode); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	extracted := 0

	for _, dmgType := range requested {
		logger.InfoKV(ctx, "Decrypting image", "type", dmgType)

		err := d.tool.ExtractDMG(ctx, ipsw.ExtractRequest{
			IPSWPath:  d.opts.IPSWPath,
			DMGType:   dmgType,
			PemDBPath: pemDB,
			OutputDir: outputDir,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			logger.WarnKV(ctx, "Image type not extracted", "type", dmgType, "error", err)

			continue
		}

		extracted++
	}

	if extracted == 0 {
		return fmt.Errorf("%s: %w", d.opts.IPSWPath, errNothingExtracted)
	}

	logger.InfoKV(ctx, "Decryption finished", "extracted", extracted, "output", outputDir)

	return nil
}

// writePemDatabase folds stored key files into a temporary database in the
// format the tool expects: the URL-safe hash of each key maps to its
// base64-encoded content.
func writePemDatabase(paths []string) (string, error) {
	entries := make(map[string]string, len(paths))

	for _, path := range paths {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return "", fmt.Errorf("read key file: %w", err)
		}

		sum := sha256.Sum256(data)
		entries[base64.URLEncoding.EncodeToString(sum[:])] = base64.StdEncoding.EncodeToString(data)
	}

	document, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("encode key database: %w", err)
	}

	tmp, err := os.CreateTemp("", "fcs-pem-db-*.json")
	if err != nil {
		return "", fmt.Errorf("create key database: %w", err)
	}

	name := tmp.Name()

	if _, err = tmp.Write(document); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)

		return "", fmt.Errorf("write key database: %w", err)
	}

	if err = tmp.Close(); err != nil {
		_ = os.Remove(name)

		return "", fmt.Errorf("close key database: %w", err)
	}

	return name, nil
}
