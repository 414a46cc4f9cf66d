// Package storage inspects the filesystem that holds the namespace root.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// RootInfo describes where a namespace root lives.
type RootInfo struct {
	Path string
	// InspectedPath is the nearest existing ancestor when Path does not exist yet.
	InspectedPath string
	FSType        string
	Network       bool
}

// InspectRoot detects the filesystem type under root. Expiry relies on
// directory mtimes, which network filesystems may report with skew.
func InspectRoot(root string) (RootInfo, error) {
	return inspectRootWithDetector(root, detectFilesystemType)
}

func inspectRootWithDetector(root string, detector func(string) (string, error)) (RootInfo, error) {
	if strings.TrimSpace(root) == "" {
		return RootInfo{}, fmt.Errorf("namespace root is empty")
	}

	inspectPath, err := nearestExistingPath(root)
	if err != nil {
		return RootInfo{}, fmt.Errorf("resolve namespace root %q: %w", root, err)
	}

	fsType, err := detector(inspectPath)
	if err != nil {
		return RootInfo{}, fmt.Errorf("detect filesystem for %q: %w", inspectPath, err)
	}

	return RootInfo{
		Path:          root,
		InspectedPath: inspectPath,
		FSType:        fsType,
		Network:       isNetworkFilesystem(fsType),
	}, nil
}

// ProbeWritable creates root if needed and writes and removes a scratch file in it.
func ProbeWritable(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create namespace root: %w", err)
	}
	f, err := os.CreateTemp(root, ".probe-*")
	if err != nil {
		return fmt.Errorf("write to namespace root: %w", err)
	}
	name := f.Name()
	closeErr := f.Close()
	removeErr := os.Remove(name)
	return errors.Join(closeErr, removeErr)
}

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	normalized := strings.TrimSpace(strings.ToLower(fsType))
	_, found := networkFilesystems[normalized]
	return found
}
