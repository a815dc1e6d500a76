package diagnostics

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateOutputPath rejects paths that resolve outside root. Symlinks in
// the existing part of either path are resolved first.
func ValidateOutputPath(path, root string) error {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve root path: %w", err)
	}
	canonRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return fmt.Errorf("failed to resolve root symlinks: %w", err)
	}

	rel, err := filepath.Rel(canonRoot, resolveExisting(absPath))
	if err != nil {
		return fmt.Errorf("path is outside %s: %w", root, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path traversal detected: %s escapes %s", path, root)
	}
	return nil
}

// resolveExisting resolves symlinks in the longest existing prefix of p.
func resolveExisting(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	for dir := filepath.Dir(p); ; dir = filepath.Dir(dir) {
		if r, err := filepath.EvalSymlinks(dir); err == nil {
			rest, _ := filepath.Rel(dir, p)
			return filepath.Join(r, rest)
		}
		if filepath.Dir(dir) == dir {
			return p
		}
	}
}
