// Package bootstrap seeds a fresh user root with its starter files. The user
// root is the only directory the filesystem tool and shell sandbox can touch,
// so a short orientation file saves the first session a lot of guessing.
package bootstrap

import (
	"embed"
	"os"
	"path/filepath"
)

//go:embed templates/*.md
var templateFS embed.FS

// Seeded files, in order. Existing files are never overwritten.
var templateFiles = []string{
	"README.md",
	"NOTES.md",
}

// EnsureUserRootFiles seeds the starter files into dir, creating it when
// missing. Returns the names of files actually created.
func EnsureUserRootFiles(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	var created []string
	for _, name := range templateFiles {
		ok, err := seedTemplate(dir, name)
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, name)
		}
	}
	return created, nil
}

// seedTemplate writes one template unless the file already exists.
func seedTemplate(dir, name string) (bool, error) {
	dst := filepath.Join(dir, name)

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		os.Remove(dst)
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
