package updater

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/oshokin/fcs-vault/internal/catalog"
	"github.com/oshokin/fcs-vault/internal/config"
	"github.com/oshokin/fcs-vault/internal/domain/build"
	"github.com/oshokin/fcs-vault/internal/ipsw"
	"github.com/oshokin/fcs-vault/internal/logger"
	"github.com/oshokin/fcs-vault/internal/repository/archive"
	"github.com/oshokin/fcs-vault/internal/repository/keystore"
	"github.com/oshokin/fcs-vault/internal/repository/ledger"
)

// Options are inputs accepted by the updater entry point.
type Options struct {
	// ConfigPath is the optional path to the settings YAML file.
	ConfigPath string
	// SkipSync leaves the AppleDB clone as is instead of refreshing it first.
	SkipSync bool
	// OSes optionally narrows the run to the named operating systems.
	OSes []string
	// Tool overrides the external tool client; tests substitute a double.
	Tool ipsw.Tool
}

// ModeSummary is the outcome of one pass for one OS.
type ModeSummary struct {
	// OS is the operating system the pass covered.
	OS string
	// Summary counts the pass outcomes.
	Summary
}

// Report is what a full update run did.
type Report struct {
	// Archive holds per-OS summaries of the aggregated-archive pass.
	Archive []ModeSummary
	// KeyFiles holds per-OS summaries of the key-file pass.
	KeyFiles []ModeSummary
	// ArchiveKeysAdded is the number of new entries merged into the archive.
	ArchiveKeysAdded int
	// KeyFilesAdded is the number of new files stored in the key store.
	KeyFilesAdded int
}

// Changed reports whether the run altered any artifact. Downstream tooling
// publishes the working tree only when it did.
func (r *Report) Changed() bool {
	return r.ArchiveKeysAdded > 0 || r.KeyFilesAdded > 0
}

// runner holds the state of a single update run.
// It is intentionally unexported—call Run(ctx, *Options) from callers.
type runner struct {
	cfg     *config.Config // Settings loaded from YAML.
	tool    ipsw.Tool      // External tool boundary.
	catalog *catalog.FS    // Local AppleDB clone.
	report  *Report        // Accumulated outcome of the run.
}

// Run executes a full update: an optional AppleDB refresh, the
// aggregated-archive pass and the key-file pass. The returned report says
// what changed; on a mid-run failure it covers the work done so far.
func Run(ctx context.Context, opts *Options) (*Report, error) {
	ctx = logger.WithName(ctx, "fcs-updater")
	ctx = logger.WithKV(ctx, "run_id", uuid.NewString())

	if err := acquireRunMarker(ctx); err != nil {
		return nil, err
	}

	defer releaseRunMarker()

	u, err := newRunner(opts)
	if err != nil {
		return nil, err
	}

	if !opts.SkipSync {
		logger.Info(ctx, "Refreshing the AppleDB clone")

		if err = u.tool.SyncDatabase(ctx); err != nil {
			return u.report, fmt.Errorf("sync appledb: %w", err)
		}
	}

	logger.Info(ctx, "Collecting keys into the aggregated archive")

	if err = u.runArchivePass(ctx); err != nil {
		return u.report, err
	}

	logger.Info(ctx, "Collecting individual key files")

	if err = u.runKeyFilesPass(ctx); err != nil {
		return u.report, err
	}

	logger.InfoKV(ctx, "Update run finished",
		"archive_keys_added", u.report.ArchiveKeysAdded,
		"key_files_added", u.report.KeyFilesAdded,
		"changed", u.report.Changed(),
	)

	return u.report, nil
}

// newRunner loads the settings and prepares the collaborators of a run.
func newRunner(opts *Options) (*runner, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	// A narrowed run can select among the configured OSes but never add one.
	if len(opts.OSes) > 0 {
		cfg.OSes = narrowOSes(cfg.OSes, opts.OSes)
		cfg.PemOSes = narrowOSes(cfg.PemOSes, opts.OSes)
	}

	u := &runner{
		cfg:     cfg,
		tool:    opts.Tool,
		catalog: catalog.NewFS(cfg.AppleDBPath),
		report:  &Report{},
	}

	if u.tool == nil {
		u.tool = ipsw.NewClient(cfg.ToolPath, cfg.Timeout)
	}

	return u, nil
}

// runArchivePass walks every configured OS and merges the bulk JSON key
// document of each unresolved build into the aggregated archive. The archive
// is saved after every merge that added something, so an interrupt never
// loses a downloaded key.
func (u *runner) runArchivePass(ctx context.Context) error {
	arch, err := archive.Load(u.cfg.ArchiveFile)
	if err != nil {
		return err
	}

	for _, osName := range u.cfg.OSes {
		builds, err := u.catalog.Builds(osName)
		if err != nil {
			return err
		}

		led, err := u.loadLedger(ctx, osName, ledger.ArchiveSuffix)
		if err != nil {
			return err
		}

		fetch := func(ctx context.Context, key build.Key) (map[string]string, error) {
			return u.tool.FetchBuildKeys(ctx, key.OS, key.ID)
		}

		store := func(_ context.Context, key build.Key, entries map[string]string) error {
			added, mergeErr := arch.Merge(entries)
			if mergeErr != nil {
				return fmt.Errorf("merge keys of %s: %w", key, mergeErr)
			}

			if added == 0 {
				return nil
			}

			if saveErr := arch.Save(); saveErr != nil {
				return saveErr
			}

			u.report.ArchiveKeysAdded += added

			return nil
		}

		summary, err := iterate(ctx, osName, builds, led, u.cfg.MaxAttempts, fetch, store)
		if err != nil {
			return err
		}

		u.report.Archive = append(u.report.Archive, ModeSummary{OS: osName, Summary: summary})

		logSummary(ctx, "Archive pass finished", osName, summary)
	}

	return nil
}

// runKeyFilesPass walks the PEM-eligible OSes and stores the individual key
// files of each unresolved recent build in the content-addressed key store.
func (u *runner) runKeyFilesPass(ctx context.Context) error {
	store := keystore.New(u.cfg.KeysDir)

	for _, osName := range u.cfg.PemOSes {
		builds, err := u.catalog.Builds(osName)
		if err != nil {
			return err
		}

		builds = catalog.FilterMinMajor(builds, u.cfg.MinBuildMajor)

		led, err := u.loadLedger(ctx, osName, ledger.KeyFilesSuffix)
		if err != nil {
			return err
		}

		fetch := func(ctx context.Context, key build.Key) ([]ipsw.KeyFile, error) {
			return u.tool.FetchBuildKeyFiles(ctx, key.OS, key.ID)
		}

		storeFiles := func(_ context.Context, key build.Key, files []ipsw.KeyFile) error {
			for _, file := range files {
				path, created, putErr := store.Put(key, file.Name, file.Data)
				if putErr != nil {
					return putErr
				}

				if created {
					u.report.KeyFilesAdded++

					logger.InfoKV(ctx, "Stored key file", "path", path)
				}
			}

			return nil
		}

		summary, err := iterate(ctx, osName, builds, led, u.cfg.MaxAttempts, fetch, storeFiles)
		if err != nil {
			return err
		}

		u.report.KeyFiles = append(u.report.KeyFiles, ModeSummary{OS: osName, Summary: summary})

		logSummary(ctx, "Key file pass finished", osName, summary)
	}

	return nil
}

// loadLedger opens one retry ledger, recovering loudly when its document is
// corrupt: the damaged state is discarded and every build becomes eligible
// again.
func (u *runner) loadLedger(ctx context.Context, osName, suffix string) (*ledger.Ledger, error) {
	path := ledger.PathFor(u.cfg.LedgerDir, osName, suffix)

	led, err := ledger.Load(path, u.cfg.MaxAttempts)
	if err != nil {
		if errors.Is(err, ledger.ErrCorrupt) {
			logger.WarnKV(ctx, "Retry ledger is corrupt, starting over", "path", path, "error", err)

			return led, nil
		}

		return nil, err
	}

	return led, nil
}

// narrowOSes keeps only the operating systems the caller asked for.
func narrowOSes(configured, requested []string) []string {
	allowed := sliceToSet(requested)
	kept := make([]string, 0, len(configured))

	for _, osName := range configured {
		if _, ok := allowed[osName]; ok {
			kept = append(kept, osName)
		}
	}

	return kept
}

func logSummary(ctx context.Context, message, osName string, s Summary) {
	logger.InfoKV(ctx, message,
		"os", osName,
		"attempted", s.Attempted,
		"succeeded", s.Succeeded,
		"failed", s.Failed,
		"skipped", s.Skipped,
	)
}
