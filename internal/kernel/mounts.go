package kernel

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// forbiddenMountPaths are system directories that must never be bound
// into a kernel container, regardless of where home points.
var forbiddenMountPaths = []string{"/", "/etc", "/bin", "/usr", "/var", "/sys", "/boot"}

// ValidateMountPath decides whether a host directory may be mounted
// into a kernel container. It resolves symlinks first, rejects the
// forbidden system roots, and requires the result to live under the
// user's home directory or the configured allowed root. Violations are
// hard errors.
func ValidateMountPath(path, allowedRoot string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrMountViolation)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMountViolation, path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	abs = filepath.Clean(abs)

	for _, forbidden := range forbiddenMountPaths {
		if abs == forbidden {
			return fmt.Errorf("%w: refusing to mount system directory %s", ErrMountViolation, abs)
		}
	}

	if home, err := os.UserHomeDir(); err == nil && isWithin(home, abs) {
		return nil
	}
	if allowedRoot != "" {
		root, err := filepath.Abs(allowedRoot)
		if err == nil {
			if resolved, err := filepath.EvalSymlinks(root); err == nil {
				root = resolved
			}
			if isWithin(root, abs) {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s is outside the home directory and the allowed mount root", ErrMountViolation, path)
}

// isWithin reports whether path is root or a descendant of root.
func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}
