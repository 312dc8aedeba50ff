package integration

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/fcs-vault/internal/config"
	"github.com/oshokin/fcs-vault/internal/ipsw"
	"github.com/oshokin/fcs-vault/internal/service/decrypter"
	"github.com/oshokin/fcs-vault/internal/service/reporter"
	"github.com/oshokin/fcs-vault/internal/service/updater"
)

// scriptedTool drives the services without a real ipsw binary on PATH.
type scriptedTool struct {
	keys     map[string]map[string]string // "OS/build" to archive entries.
	files    map[string][]ipsw.KeyFile    // "OS/build" to key files.
	extracts []ipsw.ExtractRequest
	pemDBs   []string // Contents of the database each extraction used.
	synced   int
	fetches  map[string]int
}

func newScriptedTool() *scriptedTool {
	return &scriptedTool{
		keys:    make(map[string]map[string]string),
		files:   make(map[string][]ipsw.KeyFile),
		fetches: make(map[string]int),
	}
}

func (s *scriptedTool) SyncDatabase(context.Context) error {
	s.synced++
	return nil
}

func (s *scriptedTool) FetchBuildKeys(_ context.Context, osName, buildID string) (map[string]string, error) {
	id := osName + "/" + buildID
	s.fetches[id]++

	keys, ok := s.keys[id]
	if !ok {
		return nil, ipsw.ErrNoKeys
	}

	return keys, nil
}

func (s *scriptedTool) FetchBuildKeyFiles(_ context.Context, osName, buildID string) ([]ipsw.KeyFile, error) {
	id := osName + "/" + buildID
	s.fetches[id]++

	files, ok := s.files[id]
	if !ok {
		return nil, ipsw.ErrNoKeys
	}

	return files, nil
}

func (s *scriptedTool) ExtractDMG(_ context.Context, req ipsw.ExtractRequest) error {
	s.extracts = append(s.extracts, req)

	contents, err := os.ReadFile(req.PemDBPath)
	if err == nil {
		s.pemDBs = append(s.pemDBs, string(contents))
	}

	return nil
}

// writeVaultSettings saves settings whose artifacts all live under dir.
func writeVaultSettings(t *testing.T, dir string) string {
	t.Helper()

	cfg := config.Default()
	cfg.AppleDBPath = filepath.Join(dir, "appledb")
	cfg.KeysDir = filepath.Join(dir, "keys")
	cfg.ArchiveFile = filepath.Join(dir, "fcs-keys.json")
	cfg.LedgerDir = dir
	cfg.OSes = []string{"iOS"}
	cfg.PemOSes = []string{"iOS"}

	cfgPath := filepath.Join(dir, config.DefaultConfigFilename)
	require.NoError(t, config.Save(cfgPath, cfg))

	return cfgPath
}

// seedAppleDB writes per-build metadata documents the way AppleDB lays them out.
func seedAppleDB(t *testing.T, root, osName string, buildIDs ...string) {
	t.Helper()

	dir := filepath.Join(root, "osFiles", osName, "22.x")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	for _, id := range buildIDs {
		path := filepath.Join(dir, id+".json")
		require.NoError(t, os.WriteFile(path, []byte(`{"build": "`+id+`"}`), 0o644))
	}
}

// TestUpdater_Run_CollectsKeysEndToEnd drives a full run over a real working
// tree and verifies every artifact on disk, then reruns to prove the run is
// idempotent.
//
//nolint:funlen // Integration test requires comprehensive setup and verification.
func TestUpdater_Run_CollectsKeysEndToEnd(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfgPath := writeVaultSettings(t, dir)
	seedAppleDB(t, filepath.Join(dir, "appledb"), "iOS", "22A3354", "22B83")

	tool := newScriptedTool()
	tool.keys["iOS/22A3354"] = map[string]string{"h1": "a2V5LTE="}
	tool.keys["iOS/22B83"] = map[string]string{"h2": "a2V5LTI="}
	tool.files["iOS/22A3354"] = []ipsw.KeyFile{{Name: "22A3354__iPhone17,1.pem", Data: []byte("pem-one")}}
	tool.files["iOS/22B83"] = []ipsw.KeyFile{{Name: "22B83__iPhone17,1.pem", Data: []byte("pem-two")}}

	opts := &updater.Options{ConfigPath: cfgPath, Tool: tool}

	report, err := updater.Run(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, 1, tool.synced)
	assert.Equal(t, 2, report.ArchiveKeysAdded)
	assert.Equal(t, 2, report.KeyFilesAdded)
	assert.True(t, report.Changed())

	// The archive document is sorted and indented like the historical file.
	contents, err := os.ReadFile(filepath.Join(dir, "fcs-keys.json"))
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"h1\": \"a2V5LTE=\",\n  \"h2\": \"a2V5LTI=\"\n}", string(contents))

	// Both ledgers resolved both builds.
	for _, name := range []string{"iOS_key_log.json", "iOS_pem_log.json"} {
		contents, err = os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, "{\n  \"22A3354\": true,\n  \"22B83\": true\n}", string(contents), name)
	}

	// One content-addressed key file per build.
	for _, buildID := range []string{"22A3354", "22B83"} {
		entries, err := os.ReadDir(filepath.Join(dir, "keys", "iOS", buildID))
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, ".pem", filepath.Ext(entries[0].Name()))
	}

	// A second run changes nothing and asks the tool for nothing.
	report, err = updater.Run(context.Background(), &updater.Options{ConfigPath: cfgPath, SkipSync: true, Tool: tool})
	require.NoError(t, err)

	assert.False(t, report.Changed())
	require.Len(t, report.Archive, 1)
	assert.Equal(t, updater.Summary{Skipped: 2}, report.Archive[0].Summary)
	require.Len(t, report.KeyFiles, 1)
	assert.Equal(t, updater.Summary{Skipped: 2}, report.KeyFiles[0].Summary)

	for id, count := range tool.fetches {
		assert.Equal(t, 2, count, id) // Once per pass, never again.
	}
}

// TestVault_StatusAndDecryptAfterUpdate chains the reporter and the decrypter
// onto the artifacts a run left behind.
func TestVault_StatusAndDecryptAfterUpdate(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfgPath := writeVaultSettings(t, dir)
	seedAppleDB(t, filepath.Join(dir, "appledb"), "iOS", "22A3354")

	pemBytes := []byte("pem-one")

	tool := newScriptedTool()
	tool.keys["iOS/22A3354"] = map[string]string{"h1": "a2V5LTE="}
	tool.files["iOS/22A3354"] = []ipsw.KeyFile{{Name: "22A3354__iPhone17,1.pem", Data: pemBytes}}

	_, err := updater.Run(context.Background(), &updater.Options{ConfigPath: cfgPath, SkipSync: true, Tool: tool})
	require.NoError(t, err)

	status, err := reporter.Run(context.Background(), &reporter.Options{ConfigPath: cfgPath})
	require.NoError(t, err)

	assert.Equal(t, 1, status.ArchiveKeys)
	require.Len(t, status.OSes, 1)
	assert.Equal(t, reporter.LedgerCounts{Succeeded: 1}, status.OSes[0].Archive)
	assert.Equal(t, reporter.LedgerCounts{Succeeded: 1}, status.OSes[0].KeyFiles)
	assert.Equal(t, 1, status.OSes[0].StoredKeys)

	// Decrypt with overrides so the archive is never opened for a manifest;
	// the stored key file must be offered to the tool as a temporary database.
	ipswPath := filepath.Join(dir, "firmware.ipsw")
	require.NoError(t, os.WriteFile(ipswPath, []byte("opaque firmware bytes"), 0o644))

	require.NoError(t, decrypter.Run(context.Background(), &decrypter.Options{
		ConfigPath: cfgPath,
		IPSWPath:   ipswPath,
		OS:         "iOS",
		Build:      "22A3354",
		Tool:       tool,
	}))

	require.Len(t, tool.extracts, 5)
	require.NotEmpty(t, tool.pemDBs)

	sum := sha256.Sum256(pemBytes)

	var entries map[string]string
	require.NoError(t, json.Unmarshal([]byte(tool.pemDBs[0]), &entries))
	assert.Equal(t, base64.StdEncoding.EncodeToString(pemBytes), entries[base64.URLEncoding.EncodeToString(sum[:])])
}
