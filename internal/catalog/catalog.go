package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/oshokin/fcs-vault/internal/domain/build"
)

const (
	// osFilesDirname is the AppleDB subtree holding per-OS build metadata.
	osFilesDirname = "osFiles"

	// metadataExtension marks the per-build metadata documents.
	metadataExtension = ".json"

	// defaultMapCapacity is the default initial capacity for maps.
	defaultMapCapacity = 16
)

// ErrUnavailable is reported when the AppleDB clone is not where it should
// be. The clone is produced by the sync step or an external checkout;
// walking an absent tree is a setup problem, never an empty result.
var ErrUnavailable = errors.New("appledb catalog is not available")

// FS yields the firmware builds recorded in a local AppleDB clone.
type FS struct {
	// root is the clone directory containing the osFiles tree.
	root string
}

// NewFS returns a catalog over the provided AppleDB clone directory.
func NewFS(root string) *FS {
	return &FS{root: filepath.Clean(root)}
}

// Root returns the clone directory the catalog walks.
func (c *FS) Root() string {
	return c.root
}

// Builds returns the build identifiers known for one OS, sorted and
// de-duplicated. Every *.json file under osFiles/<OS> names one build.
// An OS without a subtree yields an empty slice; a missing osFiles tree
// means the clone itself is absent and fails with ErrUnavailable.
func (c *FS) Builds(osName string) ([]string, error) {
	if _, err := os.Stat(filepath.Join(c.root, osFilesDirname)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", c.root, ErrUnavailable)
		}

		return nil, fmt.Errorf("probe appledb clone: %w", err)
	}

	seen := make(map[string]struct{}, defaultMapCapacity)

	err := filepath.WalkDir(
		filepath.Join(c.root, osFilesDirname, osName),
		func(_ string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}

				return err
			}

			if d.IsDir() || filepath.Ext(d.Name()) != metadataExtension {
				return nil
			}

			seen[strings.TrimSuffix(d.Name(), metadataExtension)] = struct{}{}

			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("walk appledb tree: %w", err)
	}

	builds := make([]string, 0, len(seen))
	for id := range seen {
		builds = append(builds, id)
	}

	sort.Strings(builds)

	return builds, nil
}

// FilterMinMajor keeps the builds whose major version component is at least
// minMajor. A non-positive threshold keeps everything.
func FilterMinMajor(builds []string, minMajor int) []string {
	if minMajor <= 0 {
		return builds
	}

	filtered := make([]string, 0, len(builds))

	for _, id := range builds {
		if build.MajorVersion(id) >= minMajor {
			filtered = append(filtered, id)
		}
	}

	return filtered
}
