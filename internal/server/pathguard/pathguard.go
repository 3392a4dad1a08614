// Package pathguard validates user-supplied file names before they are used
// to build a storage path.
package pathguard

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// MaxNameLen matches the common filesystem limit for a single path segment.
const MaxNameLen = 255

// ErrRejected is returned for any name that is not exactly one plain segment.
var ErrRejected = errors.New("file name rejected")

// Validate returns name unchanged when it is a single path segment that
// stays inside the directory it is joined to.
func Validate(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrRejected)
	}
	if len(name) > MaxNameLen {
		return "", fmt.Errorf("%w: name longer than %d bytes", ErrRejected, MaxNameLen)
	}
	if name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q is a directory reference", ErrRejected, name)
	}
	// Backslash is a separator on Windows clients and is rejected everywhere.
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q contains a separator", ErrRejected, name)
	}
	if filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: %q contains a volume name", ErrRejected, name)
	}
	if segments(name) != 1 {
		return "", fmt.Errorf("%w: %q has more than one path segment", ErrRejected, name)
	}
	return name, nil
}

// segments counts the components filepath sees in name after cleaning.
func segments(name string) int {
	cleaned := filepath.Clean(name)
	if cleaned != name {
		return 0
	}
	n := 0
	for _, part := range strings.Split(filepath.ToSlash(cleaned), "/") {
		if part == "" {
			continue
		}
		if part == ".." || part == "." {
			return 0
		}
		n++
	}
	return n
}

// Join validates name and joins it to dir.
func Join(dir, name string) (string, error) {
	valid, err := Validate(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, valid), nil
}
