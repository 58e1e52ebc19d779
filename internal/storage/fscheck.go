package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// errFSDetectUnsupported is returned by detectors on platforms without statfs.
var errFSDetectUnsupported = errors.New("filesystem detection unsupported")

var remoteFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// checkLocalFilesystem refuses sqlite paths on network mounts, where file locks
// (and therefore the dispatch transaction) are unreliable.
func checkLocalFilesystem(path string, detect func(string) (string, error)) error {
	probe, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve sqlite path %q: %w", path, err)
	}

	fsType, err := detect(probe)
	if errors.Is(err, errFSDetectUnsupported) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", probe, err)
	}

	if _, remote := remoteFilesystems[strings.ToLower(strings.TrimSpace(fsType))]; remote {
		return fmt.Errorf("sqlite path %q is on network filesystem %q; set store.path to local disk or use store.driver: postgres", path, fsType)
	}
	return nil
}

func existingAncestor(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing ancestor")
		}
		candidate = parent
	}
}
