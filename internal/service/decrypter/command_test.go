package decrypter

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/fcs-vault/internal/config"
	"github.com/oshokin/fcs-vault/internal/domain/build"
	"github.com/oshokin/fcs-vault/internal/ipsw"
	"github.com/oshokin/fcs-vault/internal/repository/keystore"
)

const testManifest = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>ProductBuildVersion</key>
	<string>22A3354</string>
	<key>SupportedProductTypes</key>
	<array>
		<string>iPhone17,1</string>
		<string>iPhone17,2</string>
	</array>
</dict>
</plist>
`

// appleTVManifest names a device family no OS mapping covers.
const appleTVManifest = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>ProductBuildVersion</key>
	<string>22J580</string>
	<key>SupportedProductTypes</key>
	<array>
		<string>AppleTV14,1</string>
	</array>
</dict>
</plist>
`

// fakeTool records extraction requests and the databases they point at.
type fakeTool struct {
	requests []ipsw.ExtractRequest
	pemDBs   []string // Contents of the database each request used.
	failing  map[string]error
}

func (f *fakeTool) SyncDatabase(context.Context) error { return nil }

func (f *fakeTool) FetchBuildKeys(context.Context, string, string) (map[string]string, error) {
	return nil, ipsw.ErrNoKeys
}

func (f *fakeTool) FetchBuildKeyFiles(context.Context, string, string) ([]ipsw.KeyFile, error) {
	return nil, ipsw.ErrNoKeys
}

func (f *fakeTool) ExtractDMG(_ context.Context, req ipsw.ExtractRequest) error {
	f.requests = append(f.requests, req)

	// The database only lives for the duration of the run.
	contents, err := os.ReadFile(req.PemDBPath)
	if err == nil {
		f.pemDBs = append(f.pemDBs, string(contents))
	}

	if err, ok := f.failing[req.DMGType]; ok {
		return err
	}

	return nil
}

func writeIPSW(t *testing.T, dir, manifest string) string {
	t.Helper()

	path := filepath.Join(dir, "test.ipsw")

	f, err := os.Create(path)
	require.NoError(t, err)

	w := zip.NewWriter(f)

	entry, err := w.Create(manifestFilename)
	require.NoError(t, err)

	_, err = entry.Write([]byte(manifest))
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	return path
}

func writeSettings(t *testing.T, dir string) (string, *config.Config) {
	t.Helper()

	cfg := config.Default()
	cfg.AppleDBPath = filepath.Join(dir, "appledb")
	cfg.KeysDir = filepath.Join(dir, "keys")
	cfg.ArchiveFile = filepath.Join(dir, "fcs-keys.json")
	cfg.LedgerDir = dir

	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, config.Save(path, cfg))

	return path, cfg
}

func TestReadBuildManifest(t *testing.T) {
	t.Parallel()

	path := writeIPSW(t, t.TempDir(), testManifest)

	manifest, err := readBuildManifest(path)
	require.NoError(t, err)

	assert.Equal(t, "22A3354", manifest.ProductBuildVersion)
	assert.Equal(t, []string{"iPhone17,1", "iPhone17,2"}, manifest.SupportedProductTypes)
}

func TestReadBuildManifestMissingEntry(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "bare.ipsw")

	f, err := os.Create(path)
	require.NoError(t, err)

	w := zip.NewWriter(f)

	entry, err := w.Create("Restore.plist")
	require.NoError(t, err)

	_, err = entry.Write([]byte("<plist/>"))
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	_, err = readBuildManifest(path)
	require.ErrorIs(t, err, errNoManifest)
}

func TestOSForProductTypes(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		types    []string
		expected string
	}{
		{name: "iphone", types: []string{"iPhone17,1"}, expected: "iOS"},
		{name: "ipod", types: []string{"iPod9,1"}, expected: "iOS"},
		{name: "ipad", types: []string{"iPad16,3"}, expected: "iPadOS"},
		{name: "mac", types: []string{"Mac16,10"}, expected: "macOS"},
		{name: "imac", types: []string{"iMac21,1"}, expected: "macOS"},
		{name: "virtual mac", types: []string{"VirtualMac2,1"}, expected: "macOS"},
		{name: "first recognized wins", types: []string{"Watch7,1", "iPhone17,1"}, expected: "iOS"},
		{name: "unknown", types: []string{"Watch7,1"}, expected: ""},
		{name: "empty", types: nil, expected: ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.expected, osForProductTypes(tc.types))
		})
	}
}

func TestRunUsesStoredKeys(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath, cfg := writeSettings(t, dir)
	ipswPath := writeIPSW(t, dir, testManifest)

	pemBytes := []byte("pem-bytes")
	store := keystore.New(cfg.KeysDir)

	_, created, err := store.Put(build.Key{OS: "iOS", ID: "22A3354"}, "22A3354__iPhone17,1.pem", pemBytes)
	require.NoError(t, err)
	require.True(t, created)

	tool := &fakeTool{}

	require.NoError(t, Run(context.Background(), &Options{
		ConfigPath: cfgPath,
		IPSWPath:   ipswPath,
		OutputDir:  filepath.Join(dir, "out"),
		Tool:       tool,
	}))

	require.Len(t, tool.requests, len(dmgTypes))

	pemDB := tool.requests[0].PemDBPath
	assert.NotEqual(t, cfg.ArchiveFile, pemDB)

	for _, req := range tool.requests {
		assert.Equal(t, ipswPath, req.IPSWPath)
		assert.Equal(t, pemDB, req.PemDBPath)
		assert.Equal(t, filepath.Join(dir, "out"), req.OutputDir)
	}

	// The temporary database holds the stored key under its content hash.
	sum := sha256.Sum256(pemBytes)
	expectedHash := base64.URLEncoding.EncodeToString(sum[:])

	require.NotEmpty(t, tool.pemDBs)

	var entries map[string]string
	require.NoError(t, json.Unmarshal([]byte(tool.pemDBs[0]), &entries))
	assert.Equal(t, base64.StdEncoding.EncodeToString(pemBytes), entries[expectedHash])

	// The database is cleaned up once the run is over.
	_, err = os.Stat(pemDB)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunFallsBackToArchive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath, cfg := writeSettings(t, dir)
	ipswPath := writeIPSW(t, dir, testManifest)

	require.NoError(t, os.WriteFile(cfg.ArchiveFile, []byte(`{"aa": "a2V5"}`), 0o644))

	tool := &fakeTool{}

	require.NoError(t, Run(context.Background(), &Options{
		ConfigPath: cfgPath,
		IPSWPath:   ipswPath,
		Tool:       tool,
	}))

	require.NotEmpty(t, tool.requests)

	for _, req := range tool.requests {
		assert.Equal(t, cfg.ArchiveFile, req.PemDBPath)
		// Without an output directory the images land next to the archive.
		assert.Equal(t, dir, req.OutputDir)
	}
}

func TestRunWithoutAnyKeySource(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath, _ := writeSettings(t, dir)
	ipswPath := writeIPSW(t, dir, testManifest)

	err := Run(context.Background(), &Options{
		ConfigPath: cfgPath,
		IPSWPath:   ipswPath,
		Tool:       &fakeTool{},
	})
	require.ErrorIs(t, err, errNoKeySource)
}

func TestRunFallsBackToArchiveWhenOSUnknown(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath, cfg := writeSettings(t, dir)
	ipswPath := writeIPSW(t, dir, appleTVManifest)

	require.NoError(t, os.WriteFile(cfg.ArchiveFile, []byte(`{"aa": "a2V5"}`), 0o644))

	tool := &fakeTool{}

	// An unmapped device family is a warning, not the end of the run.
	require.NoError(t, Run(context.Background(), &Options{
		ConfigPath: cfgPath,
		IPSWPath:   ipswPath,
		Tool:       tool,
	}))

	require.Len(t, tool.requests, len(dmgTypes))

	for _, req := range tool.requests {
		assert.Equal(t, cfg.ArchiveFile, req.PemDBPath)
	}
}

func TestRunFallsBackToArchiveWhenManifestUnreadable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath, cfg := writeSettings(t, dir)

	ipswPath := filepath.Join(dir, "odd.ipsw")
	require.NoError(t, os.WriteFile(ipswPath, []byte("not a zip archive"), 0o644))

	tool := &fakeTool{}

	opts := &Options{
		ConfigPath: cfgPath,
		IPSWPath:   ipswPath,
		Tool:       tool,
	}

	// Unidentified and without any key source there is nothing to try.
	err := Run(context.Background(), opts)
	require.ErrorIs(t, err, errNoKeySource)
	require.Empty(t, tool.requests)

	// The aggregated archive alone carries the same firmware through.
	require.NoError(t, os.WriteFile(cfg.ArchiveFile, []byte(`{"aa": "a2V5"}`), 0o644))

	require.NoError(t, Run(context.Background(), opts))
	require.Len(t, tool.requests, len(dmgTypes))
	assert.Equal(t, cfg.ArchiveFile, tool.requests[0].PemDBPath)
}

func TestRunOverridesSkipManifest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath, cfg := writeSettings(t, dir)

	store := keystore.New(cfg.KeysDir)

	_, _, err := store.Put(build.Key{OS: "macOS", ID: "25A5295e"}, "key.pem", []byte("mac-pem"))
	require.NoError(t, err)

	// Not a zip, so reading a manifest out of it would fail.
	ipswPath := filepath.Join(dir, "odd.ipsw")
	require.NoError(t, os.WriteFile(ipswPath, []byte("not a zip archive"), 0o644))

	tool := &fakeTool{}

	// The archive file does not even exist: the run can only succeed if the
	// overrides led it to the stored macOS keys.
	require.NoError(t, Run(context.Background(), &Options{
		ConfigPath: cfgPath,
		IPSWPath:   ipswPath,
		OS:         "macOS",
		Build:      "25A5295e",
		Tool:       tool,
	}))

	require.NotEmpty(t, tool.requests)
	require.NotEmpty(t, tool.pemDBs)
	assert.Contains(t, tool.pemDBs[0], base64.StdEncoding.EncodeToString([]byte("mac-pem")))
}

func TestRunAbsorbsPartialExtractFailures(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath, cfg := writeSettings(t, dir)
	ipswPath := writeIPSW(t, dir, testManifest)

	require.NoError(t, os.WriteFile(cfg.ArchiveFile, []byte(`{"aa": "a2V5"}`), 0o644))

	tool := &fakeTool{failing: map[string]error{"exc": errors.New("no such image")}}

	require.NoError(t, Run(context.Background(), &Options{
		ConfigPath: cfgPath,
		IPSWPath:   ipswPath,
		Tool:       tool,
	}))

	assert.Len(t, tool.requests, len(dmgTypes))
}

func TestRunFailsWhenNothingExtracts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath, cfg := writeSettings(t, dir)
	ipswPath := writeIPSW(t, dir, testManifest)

	require.NoError(t, os.WriteFile(cfg.ArchiveFile, []byte(`{"aa": "a2V5"}`), 0o644))

	failing := make(map[string]error, len(dmgTypes))
	for _, dmgType := range dmgTypes {
		failing[dmgType] = errors.New("wrong key")
	}

	err := Run(context.Background(), &Options{
		ConfigPath: cfgPath,
		IPSWPath:   ipswPath,
		Tool:       &fakeTool{failing: failing},
	})
	require.ErrorIs(t, err, errNothingExtracted)
}

func TestRunRejectsUnknownImageType(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath, cfg := writeSettings(t, dir)
	ipswPath := writeIPSW(t, dir, testManifest)

	require.NoError(t, os.WriteFile(cfg.ArchiveFile, []byte(`{"aa": "a2V5"}`), 0o644))

	err := Run(context.Background(), &Options{
		ConfigPath: cfgPath,
		IPSWPath:   ipswPath,
		DMGTypes:   []string{"bogus"},
		Tool:       &fakeTool{},
	})
	require.ErrorIs(t, err, errUnknownDMGType)
}

func TestRunRequiresIPSWPath(t *testing.T) {
	t.Parallel()

	err := Run(context.Background(), &Options{})
	require.ErrorIs(t, err, errNoIPSW)
}

func TestRunMissingIPSWFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath, _ := writeSettings(t, dir)

	// Overrides change nothing: a file that is not there fails up front
	// instead of as five failed extractions.
	tool := &fakeTool{}

	err := Run(context.Background(), &Options{
		ConfigPath: cfgPath,
		IPSWPath:   filepath.Join(dir, "missing.ipsw"),
		OS:         "iOS",
		Build:      "22A3354",
		Tool:       tool,
	})
	require.ErrorIs(t, err, os.ErrNotExist)
	require.Empty(t, tool.requests)
}
