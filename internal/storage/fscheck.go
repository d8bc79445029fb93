package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Filesystems on which flock(2) and SQLite's locking are not dependable.
var networkFilesystems = []string{"afpfs", "cifs", "nfs", "nfs4", "smbfs", "smb2", "webdav"}

// Detector names the filesystem holding an existing path.
type Detector func(path string) (string, error)

// RequireLocal fails when path, or the closest ancestor that exists, lives
// on a network mount. what names the setting in the error, e.g. "state.path".
func RequireLocal(path, what string) error {
	return requireLocal(path, what, detectFilesystemType)
}

func requireLocal(path, what string, detect Detector) error {
	if path == "" {
		return fmt.Errorf("%s is empty", what)
	}
	existing, err := closestExisting(path)
	if err != nil {
		return fmt.Errorf("%s %q: %w", what, path, err)
	}
	fsType, err := detect(existing)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	if IsNetworkFilesystem(fsType) {
		return fmt.Errorf("%s %q is on network filesystem %q; run history and the state lock need local disk", what, path, fsType)
	}
	return nil
}

func closestExisting(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(p)
		switch {
		case err == nil:
			return p, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing ancestor")
		}
		p = parent
	}
}

// IsNetworkFilesystem reports whether fsType names a network mount.
func IsNetworkFilesystem(fsType string) bool {
	fsType = strings.ToLower(strings.TrimSpace(fsType))
	for _, n := range networkFilesystems {
		if fsType == n {
			return true
		}
	}
	return false
}
