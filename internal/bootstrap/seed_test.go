package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureUserRootFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "user")

	created, err := EnsureUserRootFiles(dir)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if len(created) != len(templateFiles) {
		t.Fatalf("created = %v, want all of %v", created, templateFiles)
	}
	for _, name := range templateFiles {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if len(data) == 0 {
			t.Errorf("%s is empty", name)
		}
	}
}

func TestEnsureUserRootFilesNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	custom := []byte("my own notes\n")
	if err := os.WriteFile(filepath.Join(dir, "NOTES.md"), custom, 0644); err != nil {
		t.Fatal(err)
	}

	created, err := EnsureUserRootFiles(dir)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	for _, name := range created {
		if name == "NOTES.md" {
			t.Fatal("NOTES.md reported as created on second run")
		}
	}
	data, _ := os.ReadFile(filepath.Join(dir, "NOTES.md"))
	if string(data) != string(custom) {
		t.Errorf("NOTES.md was overwritten: %q", data)
	}
}
