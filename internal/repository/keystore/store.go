package keystore

import (
	"crypto/md5" //nolint:gosec // Dedup identity only; the historical layout names files by MD5.
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/oshokin/fcs-vault/internal/domain/build"
)

const (
	// dirMode is used for lazily created store directories.
	dirMode os.FileMode = 0o755

	// fileMode is used for stored key files.
	fileMode os.FileMode = 0o644
)

// Store is the on-disk key file store: one directory per OS and build,
// holding key files named by the hash of their content. Files are only ever
// added, never rewritten or deleted.
type Store struct {
	// root is the directory holding the per-OS trees.
	root string
}

// New returns a store rooted at the provided directory. Nothing is created
// until a key is stored.
func New(root string) *Store {
	return &Store{root: filepath.Clean(root)}
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the directory holding one build's key files.
func (s *Store) Dir(key build.Key) string {
	return filepath.Join(s.root, key.OS, key.ID)
}

// Put stores one key file under its content hash, creating directories
// lazily. A file already present at that path is left untouched, so
// identical key material reported under several names collapses into one
// file. It returns the stored path and whether a new file was written.
func (s *Store) Put(key build.Key, name string, data []byte) (string, bool, error) {
	sum := md5.Sum(data) //nolint:gosec // See import note: MD5 is the store's naming scheme, not a security boundary.
	dir := s.Dir(key)
	path := filepath.Join(dir, hex.EncodeToString(sum[:])+filepath.Ext(name))

	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", false, fmt.Errorf("probe key file: %w", err)
	}

	if err := os.MkdirAll(dir, dirMode); err != nil {
		return "", false, fmt.Errorf("create key directory: %w", err)
	}

	// Content-addressed files are never rewritten, so rename alone makes
	// the write all-or-nothing.
	tmp, err := os.CreateTemp(dir, ".incoming-*")
	if err != nil {
		return "", false, fmt.Errorf("create temporary key file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)

		return "", false, fmt.Errorf("write key file: %w", err)
	}

	if err = tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)

		return "", false, fmt.Errorf("set key file mode: %w", err)
	}

	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)

		return "", false, fmt.Errorf("close key file: %w", err)
	}

	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)

		return "", false, fmt.Errorf("store key file: %w", err)
	}

	return path, true, nil
}

// BuildKeys returns the stored key files of one build, sorted by name.
// A build without stored keys yields an empty slice.
func (s *Store) BuildKeys(key build.Key) ([]string, error) {
	dir := s.Dir(key)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("list key files: %w", err)
	}

	paths := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		paths = append(paths, filepath.Join(dir, entry.Name()))
	}

	return paths, nil
}

// CountForOS returns the number of key files stored for one OS.
func (s *Store) CountForOS(osName string) (int, error) {
	count := 0

	err := filepath.WalkDir(filepath.Join(s.root, osName), func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if !d.IsDir() && !strings.HasPrefix(d.Name(), ".") {
			count++
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan key store: %w", err)
	}

	return count, nil
}
