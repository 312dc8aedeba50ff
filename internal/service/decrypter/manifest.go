package decrypter

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"strings"

	"howett.net/plist"
)

// manifestFilename is the metadata document every IPSW carries at its root.
const manifestFilename = "BuildManifest.plist"

var errNoManifest = errors.New("no build manifest in archive")

// buildManifest is the slice of an IPSW build manifest the decrypter needs.
type buildManifest struct {
	// ProductBuildVersion is the firmware build identifier.
	ProductBuildVersion string `plist:"ProductBuildVersion"`
	// SupportedProductTypes lists the device models the firmware covers.
	SupportedProductTypes []string `plist:"SupportedProductTypes"`
}

// readBuildManifest pulls the build manifest out of an IPSW archive.
func readBuildManifest(ipswPath string) (*buildManifest, error) {
	reader, err := zip.OpenReader(ipswPath)
	if err != nil {
		return nil, fmt.Errorf("open ipsw archive: %w", err)
	}

	defer func() {
		_ = reader.Close()
	}()

	for _, file := range reader.File {
		if file.Name != manifestFilename {
			continue
		}

		contents, err := readArchiveFile(file)
		if err != nil {
			return nil, err
		}

		var manifest buildManifest
		if _, err = plist.Unmarshal(contents, &manifest); err != nil {
			return nil, fmt.Errorf("parse build manifest: %w", err)
		}

		return &manifest, nil
	}

	return nil, fmt.Errorf("%s: %w", ipswPath, errNoManifest)
}

func readArchiveFile(file *zip.File) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("open build manifest: %w", err)
	}

	contents, err := io.ReadAll(rc)
	closeErr := rc.Close()

	if err != nil {
		return nil, fmt.Errorf("read build manifest: %w", err)
	}

	if closeErr != nil {
		return nil, fmt.Errorf("close build manifest: %w", closeErr)
	}

	return contents, nil
}

// osForProductTypes maps device model prefixes to the OS names AppleDB uses.
// An empty result means no supported model was recognized.
func osForProductTypes(productTypes []string) string {
	for _, productType := range productTypes {
		switch {
		case strings.HasPrefix(productType, "iPad"):
			return "iPadOS"
		case strings.HasPrefix(productType, "iPhone"), strings.HasPrefix(productType, "iPod"):
			return "iOS"
		case strings.HasPrefix(productType, "Mac"), strings.HasPrefix(productType, "iMac"),
			strings.HasPrefix(productType, "VirtualMac"):
			return "macOS"
		}
	}

	return ""
}
