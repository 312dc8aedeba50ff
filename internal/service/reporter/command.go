package reporter

import (
	"context"
	"strconv"
	"strings"

	"github.com/oshokin/fcs-vault/internal/config"
	"github.com/oshokin/fcs-vault/internal/logger"
	"github.com/oshokin/fcs-vault/internal/repository/archive"
	"github.com/oshokin/fcs-vault/internal/repository/keystore"
	"github.com/oshokin/fcs-vault/internal/repository/ledger"
)

// Options are inputs accepted by the reporter entry point.
type Options struct {
	// ConfigPath is the optional path to the settings YAML file.
	ConfigPath string
}

// LedgerCounts breaks one retry ledger down by outcome.
type LedgerCounts struct {
	// Pending is the number of builds still being retried.
	Pending int
	// Succeeded is the number of builds whose keys are stored.
	Succeeded int
	// Failed is the number of builds written off after the attempt ceiling.
	Failed int
}

// Total is the number of builds the ledger has seen.
func (c LedgerCounts) Total() int {
	return c.Pending + c.Succeeded + c.Failed
}

// OSStatus summarizes the artifacts of one operating system.
type OSStatus struct {
	// OS is the operating system name.
	OS string
	// Archive counts the ledger of the aggregated-archive pass.
	Archive LedgerCounts
	// KeyFiles counts the ledger of the key-file pass.
	KeyFiles LedgerCounts
	// StoredKeys is the number of key files on disk for this OS.
	StoredKeys int
}

// Status is a point-in-time view of everything the updater maintains.
type Status struct {
	// OSes holds per-OS breakdowns in configuration order.
	OSes []OSStatus
	// ArchiveKeys is the number of entries in the aggregated archive.
	ArchiveKeys int
}

// Run gathers the current status of the working tree described by the
// settings. It only reads; an unreadable ledger is reported as empty, while
// an unreadable archive is an error, since its size is the headline number.
func Run(ctx context.Context, opts *Options) (*Status, error) {
	ctx = logger.WithName(ctx, "fcs-status")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	arch, err := archive.Load(cfg.ArchiveFile)
	if err != nil {
		return nil, err
	}

	store := keystore.New(cfg.KeysDir)
	status := &Status{ArchiveKeys: arch.Len()}

	for _, osName := range osNames(cfg) {
		s := OSStatus{OS: osName}

		s.Archive = countLedger(ctx, ledger.PathFor(cfg.LedgerDir, osName, ledger.ArchiveSuffix), cfg.MaxAttempts)
		s.KeyFiles = countLedger(ctx, ledger.PathFor(cfg.LedgerDir, osName, ledger.KeyFilesSuffix), cfg.MaxAttempts)

		s.StoredKeys, err = store.CountForOS(osName)
		if err != nil {
			return nil, err
		}

		status.OSes = append(status.OSes, s)
	}

	return status, nil
}

// Render formats the status for people, one OS per block.
func (s *Status) Render() string {
	var builder strings.Builder

	builder.WriteString("Aggregated archive: ")
	builder.WriteString(strconv.Itoa(s.ArchiveKeys))
	builder.WriteString(" keys\n")

	for _, osStatus := range s.OSes {
		builder.WriteString("\n")
		builder.WriteString(osStatus.OS)
		builder.WriteString(":\n")

		writeCounts(&builder, "archive pass", osStatus.Archive)
		writeCounts(&builder, "key file pass", osStatus.KeyFiles)

		builder.WriteString("  stored key files: ")
		builder.WriteString(strconv.Itoa(osStatus.StoredKeys))
		builder.WriteString("\n")
	}

	return builder.String()
}

func writeCounts(builder *strings.Builder, label string, counts LedgerCounts) {
	builder.WriteString("  ")
	builder.WriteString(label)
	builder.WriteString(": ")
	builder.WriteString(strconv.Itoa(counts.Succeeded))
	builder.WriteString(" succeeded, ")
	builder.WriteString(strconv.Itoa(counts.Failed))
	builder.WriteString(" written off, ")
	builder.WriteString(strconv.Itoa(counts.Pending))
	builder.WriteString(" pending of ")
	builder.WriteString(strconv.Itoa(counts.Total()))
	builder.WriteString(" seen\n")
}

// countLedger tallies one ledger; an unreadable one counts as empty so the
// status stays available even with damaged state on disk.
func countLedger(ctx context.Context, path string, maxAttempts int) LedgerCounts {
	led, err := ledger.Load(path, maxAttempts)
	if err != nil {
		logger.WarnKV(ctx, "Skipping unreadable ledger", "path", path, "error", err)

		return LedgerCounts{}
	}

	var counts LedgerCounts

	for _, state := range led.Snapshot() {
		switch {
		case state.IsSucceeded():
			counts.Succeeded++
		case state.IsFailed():
			counts.Failed++
		default:
			counts.Pending++
		}
	}

	return counts
}

// osNames merges the two configured OS lists, keeping their order.
func osNames(cfg *config.Config) []string {
	merged := make([]string, 0, len(cfg.OSes)+len(cfg.PemOSes))
	merged = append(merged, cfg.OSes...)
	merged = append(merged, cfg.PemOSes...)

	seen := make(map[string]struct{}, len(merged))
	names := make([]string, 0, len(merged))

	for _, osName := range merged {
		if _, ok := seen[osName]; ok {
			continue
		}

		seen[osName] = struct{}{}
		names = append(names, osName)
	}

	return names
}
