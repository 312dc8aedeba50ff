package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/oshokin/fcs-vault/internal/atomicfile"
)

const (
	// fileMode is used for the archive document; it is meant to be shared
	// and committed.
	fileMode os.FileMode = 0o644

	// defaultMapCapacity is the default initial capacity for maps.
	defaultMapCapacity = 16
)

// ErrHashMismatch is reported when a merged entry carries a hash that is
// already present with different key content. That means either a digest
// collision or corrupted tool output, and the run must stop rather than
// paper over it.
var ErrHashMismatch = errors.New("conflicting key content for the same hash")

// Archive is the aggregated key document mapping content hashes to
// base64-encoded key bytes. Entries are only ever added, never removed.
type Archive struct {
	// path is the filesystem location of the document.
	path string
	// keys maps content hashes to base64-encoded key bytes.
	keys map[string]string
	// mu protects concurrent access to the document.
	mu sync.Mutex
}

// Load reads the archive at path; a missing or zero-byte file yields an
// empty archive. Unlike the retry ledgers, an unreadable archive is a hard
// error: silently replacing the artifact itself would be data loss, not
// recovery.
func Load(path string) (*Archive, error) {
	a := &Archive{
		path: filepath.Clean(path),
		keys: make(map[string]string, defaultMapCapacity),
	}

	contents, err := os.ReadFile(a.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return a, nil
		}

		return nil, fmt.Errorf("read key archive: %w", err)
	}

	// A zero-byte file is what an interrupted first save leaves behind.
	if len(contents) == 0 {
		return a, nil
	}

	if err = json.Unmarshal(contents, &a.keys); err != nil {
		return nil, fmt.Errorf("decode key archive %s: %w", a.path, err)
	}

	return a, nil
}

// Merge folds the entries of one build into the archive and reports how
// many of them were new. An entry whose hash is already present with
// identical content is a no-op.
func (a *Archive) Merge(entries map[string]string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	added := 0

	for hash, key := range entries {
		existing, ok := a.keys[hash]
		if !ok {
			a.keys[hash] = key
			added++

			continue
		}

		if existing != key {
			return added, fmt.Errorf("hash %s: %w", hash, ErrHashMismatch)
		}
	}

	return added, nil
}

// Save writes the document sorted and indented, matching the historical file.
func (a *Archive) Save() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := json.MarshalIndent(a.keys, "", "  ")
	if err != nil {
		return fmt.Errorf("encode key archive: %w", err)
	}

	if err = atomicfile.Write(a.path, data, fileMode); err != nil {
		return fmt.Errorf("write key archive: %w", err)
	}

	return nil
}

// Len returns the number of stored keys.
func (a *Archive) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.keys)
}

// Path returns the document location.
func (a *Archive) Path() string {
	return a.path
}
