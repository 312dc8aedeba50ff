package ipsw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	// archiveFilename is the document the tool writes in bulk JSON mode.
	archiveFilename = "fcs-keys.json"

	// keyFileExtension marks individual key files in the tool's output.
	keyFileExtension = ".pem"

	// outputSnippetLimit caps how much tool output is quoted in errors.
	outputSnippetLimit = 512
)

// ErrNoKeys is reported when the tool finished without producing any key
// material for a build. Callers treat it like any other failed attempt:
// Apple publishes keys with a delay, so the build may succeed later.
var ErrNoKeys = errors.New("no fcs keys available for build")

// KeyFile is one key artifact reported by the download tool.
type KeyFile struct {
	// Name is the filename the tool gave the artifact.
	Name string
	// Data is the raw file content.
	Data []byte
}

// ExtractRequest describes one disk image extraction.
type ExtractRequest struct {
	// IPSWPath is the firmware archive to extract from.
	IPSWPath string
	// DMGType selects the disk image (sys, app, fs, exc or rdisk).
	DMGType string
	// PemDBPath is the JSON key database handed to the tool.
	PemDBPath string
	// OutputDir is where the decrypted image is placed.
	OutputDir string
}

// Tool is the capability surface of the external ipsw binary. Everything the
// updater and the decrypter need from it goes through this interface, so
// tests can substitute a double.
type Tool interface {
	// SyncDatabase clones or refreshes the local AppleDB checkout.
	SyncDatabase(ctx context.Context) error
	// FetchBuildKeys downloads one build's keys as a hash-to-base64 mapping.
	FetchBuildKeys(ctx context.Context, osName, buildID string) (map[string]string, error)
	// FetchBuildKeyFiles downloads one build's keys as individual files.
	FetchBuildKeyFiles(ctx context.Context, osName, buildID string) ([]KeyFile, error)
	// ExtractDMG decrypts one disk image out of an IPSW archive.
	ExtractDMG(ctx context.Context, req ExtractRequest) error
}

// Client runs the real ipsw binary.
type Client struct {
	// bin is the tool binary, resolved via PATH when not absolute.
	bin string
	// timeout bounds one invocation.
	timeout time.Duration
}

// NewClient returns a client invoking the provided binary.
func NewClient(bin string, timeout time.Duration) *Client {
	return &Client{bin: bin, timeout: timeout}
}

// SyncDatabase clones or refreshes the local AppleDB checkout, which the
// tool keeps under its own config directory.
func (c *Client) SyncDatabase(ctx context.Context) error {
	_, err := c.run(ctx, "dl", "appledb", "--os", "iOS", "--json")

	return err
}

// FetchBuildKeys downloads one build's keys in bulk JSON mode and parses
// the document the tool leaves in the output directory.
func (c *Client) FetchBuildKeys(ctx context.Context, osName, buildID string) (map[string]string, error) {
	outputDir, err := os.MkdirTemp("", "fcs-vault-keys-")
	if err != nil {
		return nil, fmt.Errorf("create download directory: %w", err)
	}

	defer func() {
		_ = os.RemoveAll(outputDir)
	}()

	_, err = c.run(ctx,
		"dl", "appledb",
		"--os", osName,
		"--build", buildID,
		"--fcs-keys-json",
		"--output", outputDir,
		"--confirm",
	)
	if err != nil {
		return nil, err
	}

	return readKeysDocument(filepath.Join(outputDir, archiveFilename))
}

// FetchBuildKeyFiles downloads one build's keys as individual files and
// gathers them from the output directory.
func (c *Client) FetchBuildKeyFiles(ctx context.Context, osName, buildID string) ([]KeyFile, error) {
	outputDir, err := os.MkdirTemp("", "fcs-vault-keys-")
	if err != nil {
		return nil, fmt.Errorf("create download directory: %w", err)
	}

	defer func() {
		_ = os.RemoveAll(outputDir)
	}()

	_, err = c.run(ctx,
		"dl", "appledb",
		"--os", osName,
		"--build", buildID,
		"--fcs-keys",
		"--output", outputDir,
		"--confirm",
	)
	if err != nil {
		return nil, err
	}

	return collectKeyFiles(outputDir)
}

// ExtractDMG decrypts one disk image out of an IPSW archive.
func (c *Client) ExtractDMG(ctx context.Context, req ExtractRequest) error {
	_, err := c.run(ctx,
		"extract",
		"--dmg", req.DMGType,
		"--pem-db", req.PemDBPath,
		"--output", req.OutputDir,
		req.IPSWPath,
	)
	if err != nil {
		return fmt.Errorf("extract %s dmg: %w", req.DMGType, err)
	}

	return nil
}

// run executes one tool invocation and returns its combined output. The
// output is folded into the error on failure because the tool explains
// itself on stderr.
func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.bin, args...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("%s %s: %w (%s)", c.bin, strings.Join(args, " "), err, outputSnippet(output))
	}

	return output, nil
}

// outputSnippet trims tool output for inclusion in error messages.
func outputSnippet(output []byte) string {
	s := strings.TrimSpace(string(output))
	if s == "" {
		return "no output"
	}

	if len(s) > outputSnippetLimit {
		s = s[:outputSnippetLimit] + "..."
	}

	return s
}

// readKeysDocument parses the hash-to-key document the tool leaves behind.
// A build without published keys produces no document at all.
func readKeysDocument(path string) (map[string]string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoKeys
		}

		return nil, fmt.Errorf("read tool output: %w", err)
	}

	keys := make(map[string]string)
	if err = json.Unmarshal(contents, &keys); err != nil {
		return nil, fmt.Errorf("parse tool output %s: %w", path, err)
	}

	if len(keys) == 0 {
		return nil, ErrNoKeys
	}

	return keys, nil
}

// collectKeyFiles gathers the individual key files the tool wrote.
func collectKeyFiles(dir string) ([]KeyFile, error) {
	var files []KeyFile

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || filepath.Ext(d.Name()) != keyFileExtension {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		files = append(files, KeyFile{Name: d.Name(), Data: data})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect key files: %w", err)
	}

	if len(files) == 0 {
		return nil, ErrNoKeys
	}

	return files, nil
}
