package utils

import (
	"fmt"
	"path"
	"strings"
)

// ValidateRecordPath validates a file name handed to a flash volume.
// Flash volumes have a flat namespace, so the name is checked for the
// patterns that would only make sense on a hierarchical filesystem.
//
// Returns an error if the path:
//   - is empty or longer than maxLen (when maxLen > 0)
//   - contains a NUL byte
//   - contains ".." traversal elements
//
// Example usage:
//
//	if err := ValidateRecordPath(name, 32); err != nil {
//		return fmt.Errorf("invalid record path: %w", err)
//	}
func ValidateRecordPath(p string, maxLen int) error {
	if p == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if maxLen > 0 && len(p) > maxLen {
		return fmt.Errorf("path %q exceeds %d bytes", p, maxLen)
	}
	if strings.IndexByte(p, 0) >= 0 {
		return fmt.Errorf("path contains NUL byte")
	}
	for _, elem := range strings.Split(p, "/") {
		if elem == ".." {
			return fmt.Errorf("path contains directory traversal: %s", p)
		}
	}
	return nil
}

// ObjectKey joins a bucket prefix and key elements into an object key.
// The result never starts with a slash and never escapes the prefix.
//
// Example usage:
//
//	key, err := ObjectKey("images", "partition-0.img")
func ObjectKey(prefix string, elements ...string) (string, error) {
	cleanPrefix := strings.Trim(path.Clean("/"+prefix), "/")

	rel := path.Clean("/" + path.Join(elements...))
	if rel == "/" {
		return "", fmt.Errorf("object key cannot be empty")
	}
	for _, elem := range elements {
		if strings.Contains(elem, "..") {
			return "", fmt.Errorf("key element %q escapes prefix", elem)
		}
	}

	if cleanPrefix == "" {
		return strings.TrimPrefix(rel, "/"), nil
	}
	return cleanPrefix + rel, nil
}
