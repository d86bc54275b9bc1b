package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// UserRoot is the filesystem subtree all user-facing tool operations are
// confined to.
type UserRoot struct {
	dir string
}

// NewUserRoot creates the root directory if needed and returns it.
func NewUserRoot(dir string) (*UserRoot, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve user root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create user root: %w", err)
	}
	// Resolve symlinks once so containment checks compare real paths.
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	return &UserRoot{dir: abs}, nil
}

// Dir returns the absolute root directory.
func (u *UserRoot) Dir() string { return u.dir }

// Resolve joins path under the root and rejects escapes. Absolute inputs
// must already point inside the root.
func (u *UserRoot) Resolve(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	var resolved string
	if filepath.IsAbs(trimmed) {
		resolved = filepath.Clean(trimmed)
	} else {
		resolved = filepath.Join(u.dir, trimmed)
	}

	// Walk up to the nearest existing ancestor to resolve symlinks; the
	// target itself may not exist yet.
	probe := resolved
	for {
		real, err := filepath.EvalSymlinks(probe)
		if err == nil {
			rest := strings.TrimPrefix(resolved, probe)
			resolved = filepath.Join(real, rest)
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}

	if !isPathInside(resolved, u.dir) {
		return "", fmt.Errorf("path escapes user root: %s", path)
	}
	return resolved, nil
}

// PinCwd resolves a working directory under the root; escapes are silently
// pinned back to the root itself.
func (u *UserRoot) PinCwd(cwd string) string {
	if cwd == "" {
		return u.dir
	}
	resolved, err := u.Resolve(cwd)
	if err != nil {
		return u.dir
	}
	if info, err := os.Stat(resolved); err != nil || !info.IsDir() {
		return u.dir
	}
	return resolved
}

func isPathInside(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
