package updater

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitchellh/go-ps"

	"github.com/oshokin/fcs-vault/internal/logger"
)

var errAlreadyRunning = errors.New("another update run is active")

const (
	// MarkerFilename guards a working directory against two update runs at
	// once; it records the process ID of the run that owns it.
	MarkerFilename = "fcs-updater.pid"

	// markerFileMode keeps the marker private to the operator.
	markerFileMode os.FileMode = 0o600
)

// acquireRunMarker claims the working directory for this run. Runs routinely
// last hours, so a leftover marker is judged stale by process liveness rather
// than by age: one owned by a dead process is removed, one owned by a live
// updater process aborts the run.
func acquireRunMarker(ctx context.Context) error {
	logger.Info(ctx, "Checking for the presence of an update marker")

	contents, err := os.ReadFile(MarkerFilename)

	switch {
	case err == nil:
		pid, parseErr := strconv.Atoi(strings.TrimSpace(string(contents)))
		if parseErr == nil && isUpdaterProcessAlive(pid) {
			return fmt.Errorf("pid %d: %w", pid, errAlreadyRunning)
		}

		logger.InfoKV(ctx, "Removing a stale update marker", "marker", MarkerFilename)

		if err = os.Remove(MarkerFilename); err != nil {
			return fmt.Errorf("remove stale update marker: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("read update marker: %w", err)
	}

	if err = os.WriteFile(MarkerFilename, []byte(strconv.Itoa(os.Getpid())), markerFileMode); err != nil {
		return fmt.Errorf("write update marker: %w", err)
	}

	return nil
}

// releaseRunMarker drops the marker claimed by acquireRunMarker.
func releaseRunMarker() {
	_ = os.Remove(MarkerFilename)
}

// isUpdaterProcessAlive reports whether pid belongs to a live process running
// this executable. A PID reused by an unrelated program counts as stale.
func isUpdaterProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	process, err := ps.FindProcess(pid)
	if err != nil || process == nil {
		return false
	}

	// The process table may report a truncated executable name.
	return strings.HasPrefix(filepath.Base(os.Args[0]), process.Executable())
}

// sliceToSet converts a slice to a set for quick lookups.
func sliceToSet[T comparable](elements []T) map[T]struct{} {
	result := make(map[T]struct{}, len(elements))
	for _, value := range elements {
		result[value] = struct{}{}
	}

	return result
}
