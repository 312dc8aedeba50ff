package atomicfile

import (
	"bytes"
	"crypto"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	goupdate "github.com/doitdistributed/go-update"

	// Ensure SHA512 is available for checksum calculation.
	_ "crypto/sha512"
)

const (
	// ChecksumFunction guards applied content against torn reads.
	ChecksumFunction crypto.Hash = crypto.SHA512

	// defaultDirectoryMode is used when creating missing parent directories.
	defaultDirectoryMode os.FileMode = 0o755
)

var errHashUnavailable = errors.New("hash function unavailable")

// Write replaces the file at path with data without ever exposing a
// half-written document. Missing parent directories are created; a missing
// target is created empty first because the apply step swaps an existing
// file. Any leftover ".old" backup is removed on success.
func Write(path string, data []byte, mode os.FileMode) error {
	if !ChecksumFunction.Available() {
		return fmt.Errorf("checksum calculation not possible: %w", errHashUnavailable)
	}

	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), defaultDirectoryMode); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	if _, err := os.Stat(path); err != nil && os.IsNotExist(err) {
		var target *os.File

		if target, err = os.Create(path); err != nil {
			return fmt.Errorf("create target: %w", err)
		}

		if err = target.Close(); err != nil {
			return err
		}
	}

	hasher := ChecksumFunction.New()
	if _, err := hasher.Write(data); err != nil {
		return fmt.Errorf("calculate checksum: %w", err)
	}

	options := goupdate.Options{
		TargetPath: path,
		TargetMode: mode,
		Checksum:   hasher.Sum(nil),
		Hash:       ChecksumFunction,
	}

	if err := goupdate.Apply(bytes.NewReader(data), options); err != nil {
		return fmt.Errorf("apply %s: %w", path, err)
	}

	oldPath := path + ".old"
	if _, err := os.Stat(oldPath); err == nil {
		_ = os.Remove(oldPath)
	}

	return nil
}
