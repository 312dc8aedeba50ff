package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/oshokin/fcs-vault/internal/atomicfile"
	"github.com/oshokin/fcs-vault/internal/config"
	"github.com/oshokin/fcs-vault/internal/domain/build"
)

const (
	// ArchiveSuffix names the ledger of the aggregated-archive pass.
	// The "<OS>_key_log.json" form is historical and must stay readable
	// by older checkouts of the key repository.
	ArchiveSuffix = "key_log.json"

	// KeyFilesSuffix names the ledger of the key-file pass.
	KeyFilesSuffix = "pem_log.json"

	// fileMode is used for ledger documents; unlike settings they are
	// meant to be shared and committed.
	fileMode os.FileMode = 0o644

	// defaultMapCapacity is the default initial capacity for maps.
	defaultMapCapacity = 16
)

// ErrCorrupt is reported when a ledger document cannot be parsed. The
// ledger returned alongside it is still usable: it starts empty, and the
// worst case is a conservative re-attempt of already-resolved builds.
var ErrCorrupt = errors.New("ledger file is corrupt")

// Ledger persists per-build retry states for one (OS, mode) pair as a flat
// JSON document in the legacy encoding: the value of a build is either its
// attempt count or a terminal boolean.
type Ledger struct {
	// path is the filesystem location of the ledger document.
	path string
	// maxAttempts is the ceiling after which a build is written off.
	maxAttempts int
	// states maps build identifiers to their retry state.
	states map[string]build.RetryState
	// mu protects concurrent access to the document.
	mu sync.Mutex
}

// PathFor composes the ledger path for one OS and mode suffix.
func PathFor(dir, osName, suffix string) string {
	return filepath.Join(dir, osName+"_"+suffix)
}

// Load reads the ledger at path. A missing or zero-byte file yields an
// empty ledger; a document that cannot be parsed yields an empty ledger
// together with ErrCorrupt so the caller can warn and carry on. Entries in
// an unknown shape are ignored, everything else is kept.
func Load(path string, maxAttempts int) (*Ledger, error) {
	if maxAttempts <= 0 {
		maxAttempts = config.DefaultMaxAttempts
	}

	l := &Ledger{
		path:        filepath.Clean(path),
		maxAttempts: maxAttempts,
		states:      make(map[string]build.RetryState, defaultMapCapacity),
	}

	contents, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return l, nil
		}

		return nil, fmt.Errorf("read ledger file: %w", err)
	}

	// A zero-byte file is what an interrupted first save leaves behind.
	if len(contents) == 0 {
		return l, nil
	}

	var raw map[string]json.RawMessage
	if err = json.Unmarshal(contents, &raw); err != nil {
		return l, fmt.Errorf("decode ledger file %s: %w", l.path, ErrCorrupt)
	}

	for id, value := range raw {
		var s build.RetryState
		if err = json.Unmarshal(value, &s); err != nil {
			continue
		}

		l.states[id] = s
	}

	return l, nil
}

// Get returns the recorded state of a build; unknown builds are pending.
func (l *Ledger) Get(buildID string) build.RetryState {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.states[buildID]
}

// IsResolved reports whether a build reached a terminal outcome.
func (l *Ledger) IsResolved(buildID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.states[buildID].IsResolved()
}

// RecordAttempt applies one download outcome and persists the document
// immediately, so a crash never loses a recorded attempt. Recording against
// a resolved build is a no-op.
func (l *Ledger) RecordAttempt(buildID string, succeeded bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.states[buildID]
	if current.IsResolved() {
		return nil
	}

	l.states[buildID] = current.Next(succeeded, l.maxAttempts)

	return l.save()
}

// Snapshot returns a copy of every recorded state.
func (l *Ledger) Snapshot() map[string]build.RetryState {
	l.mu.Lock()
	defer l.mu.Unlock()

	states := make(map[string]build.RetryState, len(l.states))
	for id, s := range l.states {
		states[id] = s
	}

	return states
}

// Len returns the number of builds the ledger has seen.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.states)
}

// Path returns the document location.
func (l *Ledger) Path() string {
	return l.path
}

// save writes the document sorted and indented like the historical files.
func (l *Ledger) save() error {
	data, err := json.MarshalIndent(l.states, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}

	if err = atomicfile.Write(l.path, data, fileMode); err != nil {
		return fmt.Errorf("write ledger file: %w", err)
	}

	return nil
}
