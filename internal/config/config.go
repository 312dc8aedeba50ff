package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the settings shared by the fcs-vault binaries.
type Config struct {
	// AppleDBPath is the root of the local AppleDB clone whose osFiles tree
	// is walked for known builds.
	AppleDBPath string `yaml:"appledb_path"`
	// KeysDir is the root directory of the per-build key file store.
	KeysDir string `yaml:"keys_dir"`
	// ArchiveFile is the path of the aggregated hash-to-key JSON document.
	ArchiveFile string `yaml:"archive_file"`
	// LedgerDir is the directory holding the per-OS retry ledgers.
	LedgerDir string `yaml:"ledger_dir"`
	// OSes lists the operating systems covered by the aggregated-archive pass.
	OSes []string `yaml:"oses"`
	// PemOSes lists the operating systems covered by the key-file pass.
	PemOSes []string `yaml:"pem_oses"`
	// MinBuildMajor is the minimum build major version for the key-file pass.
	MinBuildMajor int `yaml:"min_build_major"`
	// MaxAttempts is the number of failed downloads after which a build is
	// given up on for good.
	MaxAttempts int `yaml:"max_attempts"`
	// ToolPath is the ipsw binary invoked for downloads and extraction.
	ToolPath string `yaml:"tool_path"`
	// Timeout bounds a single tool invocation.
	Timeout time.Duration `yaml:"timeout"`
}

const (
	// DefaultConfigFilename is the default filename for settings.
	DefaultConfigFilename = "fcs-vault-settings.yaml"

	// DefaultAppleDBPath is the default location of the AppleDB clone,
	// matching where the ipsw tool keeps it.
	DefaultAppleDBPath = "~/.config/ipsw/appledb"

	// DefaultKeysDirname is the default root of the key file store.
	DefaultKeysDirname = "keys"

	// DefaultArchiveFilename is the default aggregated key document.
	DefaultArchiveFilename = "fcs-keys.json"

	// DefaultToolPath is the tool binary name, resolved via PATH.
	DefaultToolPath = "ipsw"

	// DefaultMaxAttempts is the per-build download attempt ceiling.
	DefaultMaxAttempts = 10

	// DefaultMinBuildMajor is the oldest build major the key-file pass covers.
	DefaultMinBuildMajor = 22

	// DefaultTimeout bounds a single tool invocation.
	DefaultTimeout = 15 * time.Minute

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errMaxAttemptsInvalid is returned for a negative attempt ceiling.
	errMaxAttemptsInvalid = errors.New("max_attempts must not be negative")
	// errMinBuildMajorInvalid is returned for a negative build major filter.
	errMinBuildMajorInvalid = errors.New("min_build_major must not be negative")
)

// Default returns settings matching a plain checkout next to an ipsw install.
func Default() *Config {
	return &Config{
		AppleDBPath:   DefaultAppleDBPath,
		KeysDir:       DefaultKeysDirname,
		ArchiveFile:   DefaultArchiveFilename,
		LedgerDir:     ".",
		OSes:          []string{"iOS", "iPadOS", "macOS"},
		PemOSes:       []string{"iOS", "iPadOS"},
		MinBuildMajor: DefaultMinBuildMajor,
		MaxAttempts:   DefaultMaxAttempts,
		ToolPath:      DefaultToolPath,
		Timeout:       DefaultTimeout,
	}
}

// Load reads configuration from the provided path and validates it.
// An empty path means the default filename; if that default file does not
// exist, built-in defaults are returned, since the updater is routinely run
// without any settings file at all.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			cfg := Default()
			if err = Validate(cfg); err != nil {
				return nil, err
			}

			return cfg, nil
		}

		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes settings to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the provided settings, fills unset fields with defaults
// and expands user-relative paths.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if cfg.MaxAttempts < 0 {
		return errMaxAttemptsInvalid
	}

	if cfg.MinBuildMajor < 0 {
		return errMinBuildMajorInvalid
	}

	defaults := Default()

	if cfg.AppleDBPath == "" {
		cfg.AppleDBPath = defaults.AppleDBPath
	}

	if cfg.KeysDir == "" {
		cfg.KeysDir = defaults.KeysDir
	}

	if cfg.ArchiveFile == "" {
		cfg.ArchiveFile = defaults.ArchiveFile
	}

	if cfg.LedgerDir == "" {
		cfg.LedgerDir = defaults.LedgerDir
	}

	if len(cfg.OSes) == 0 {
		cfg.OSes = defaults.OSes
	}

	if len(cfg.PemOSes) == 0 {
		cfg.PemOSes = defaults.PemOSes
	}

	if cfg.MinBuildMajor == 0 {
		cfg.MinBuildMajor = defaults.MinBuildMajor
	}

	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}

	if cfg.ToolPath == "" {
		cfg.ToolPath = defaults.ToolPath
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	for _, p := range []*string{&cfg.AppleDBPath, &cfg.KeysDir, &cfg.ArchiveFile, &cfg.LedgerDir, &cfg.ToolPath} {
		expanded, err := ExpandUser(*p)
		if err != nil {
			return err
		}

		*p = expanded
	}

	return nil
}

// ExpandUser replaces a leading "~" with the current user's home directory.
func ExpandUser(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
