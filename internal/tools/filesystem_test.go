package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/methings/agentd/pkg/protocol"
)

func newTestRoot(t *testing.T) *UserRoot {
	t.Helper()
	root, err := NewUserRoot(filepath.Join(t.TempDir(), "user"))
	if err != nil {
		t.Fatalf("NewUserRoot: %v", err)
	}
	return root
}

func TestResolveConfinement(t *testing.T) {
	root := newTestRoot(t)

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"relative inside", "notes.txt", false},
		{"nested inside", "a/b/c.txt", false},
		{"dot", ".", false},
		{"parent escape", "../escape.txt", true},
		{"deep traversal", "../../etc/passwd", true},
		{"absolute inside", filepath.Join(root.Dir(), "ok.txt"), false},
		{"absolute outside", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := root.Resolve(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("Resolve(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestResolveSymlinkEscape(t *testing.T) {
	root := newTestRoot(t)
	outside := t.TempDir()
	link := filepath.Join(root.Dir(), "out")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlink: %v", err)
	}
	if _, err := root.Resolve("out/secret.txt"); err == nil {
		t.Error("expected symlink escape to be rejected")
	}
}

func TestPinCwd(t *testing.T) {
	root := newTestRoot(t)
	sub := filepath.Join(root.Dir(), "work")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}

	if got := root.PinCwd(""); got != root.Dir() {
		t.Errorf("empty cwd = %q, want root", got)
	}
	if got := root.PinCwd("work"); got != sub {
		t.Errorf("cwd work = %q, want %q", got, sub)
	}
	if got := root.PinCwd("../../outside"); got != root.Dir() {
		t.Errorf("escaping cwd = %q, want root", got)
	}
	if got := root.PinCwd("missing"); got != root.Dir() {
		t.Errorf("missing cwd = %q, want root", got)
	}
}

func TestFilesystemEscapeError(t *testing.T) {
	fs := NewFilesystemTool(newTestRoot(t))

	res := fs.Execute(context.Background(), map[string]interface{}{
		"op": "read_file", "path": "../../etc/passwd",
	})
	if res.Status != protocol.ResultError || res.Error != protocol.ErrPathOutsideUserDir {
		t.Fatalf("got status=%s error=%s, want error/path_outside_user_dir", res.Status, res.Error)
	}
	if res.Detail == "" {
		t.Error("expected detail to carry the allowed root")
	}
}

func TestFilesystemRoundtrip(t *testing.T) {
	fs := NewFilesystemTool(newTestRoot(t))
	ctx := context.Background()

	if res := fs.WriteFile("docs/hello.txt", "hi there"); res.Status != protocol.ResultOK {
		t.Fatalf("write: %+v", res)
	}

	res := fs.ReadFile("docs/hello.txt", 0)
	if res.Status != protocol.ResultOK {
		t.Fatalf("read: %+v", res)
	}
	if got := res.Extra["content"]; got != "hi there" {
		t.Errorf("content = %q", got)
	}
	if res.Extra["truncated"] != false {
		t.Error("unexpected truncation")
	}

	res = fs.ListDir("docs", false, 0)
	if res.Status != protocol.ResultOK {
		t.Fatalf("list: %+v", res)
	}
	entries := res.Extra["entries"].([]map[string]interface{})
	if len(entries) != 1 || entries[0]["name"] != "hello.txt" {
		t.Errorf("entries = %+v", entries)
	}

	if res := fs.MovePath("docs/hello.txt", "docs/renamed.txt", false); res.Status != protocol.ResultOK {
		t.Fatalf("move: %+v", res)
	}
	if res := fs.MovePath("docs/renamed.txt", "docs/renamed.txt", false); res.Status != protocol.ResultError {
		t.Error("move onto existing destination should fail without overwrite")
	}

	res = fs.DeletePath("docs/renamed.txt", false)
	if res.Status != protocol.ResultOK || res.Extra["deleted"] != true {
		t.Fatalf("delete: %+v", res)
	}
	res = fs.DeletePath("docs/renamed.txt", false)
	if res.Status != protocol.ResultOK || res.Extra["deleted"] != false {
		t.Fatalf("delete missing: %+v", res)
	}

	if res := fs.Execute(ctx, map[string]interface{}{"op": "defragment"}); res.Error != protocol.ErrUnsupportedFsOp {
		t.Errorf("unknown op error = %q", res.Error)
	}
}

func TestListDirHiddenAndLimit(t *testing.T) {
	root := newTestRoot(t)
	fs := NewFilesystemTool(root)
	for _, name := range []string{".hidden", "b.txt", "a.txt", "C.txt"} {
		if err := os.WriteFile(filepath.Join(root.Dir(), name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	res := fs.ListDir(".", false, 200)
	entries := res.Extra["entries"].([]map[string]interface{})
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3 (hidden filtered)", len(entries))
	}
	// Case-insensitive ordering.
	if entries[0]["name"] != "a.txt" || entries[1]["name"] != "b.txt" || entries[2]["name"] != "C.txt" {
		t.Errorf("order = %v %v %v", entries[0]["name"], entries[1]["name"], entries[2]["name"])
	}

	res = fs.ListDir(".", true, 2)
	entries = res.Extra["entries"].([]map[string]interface{})
	if len(entries) != 2 || res.Extra["truncated"] != true {
		t.Errorf("limited list = %d truncated=%v", len(entries), res.Extra["truncated"])
	}
}

func TestReadFileInvalidUTF8(t *testing.T) {
	root := newTestRoot(t)
	fs := NewFilesystemTool(root)
	if err := os.WriteFile(filepath.Join(root.Dir(), "bin.dat"), []byte{0xff, 0xfe, 'o', 'k'}, 0644); err != nil {
		t.Fatal(err)
	}
	res := fs.ReadFile("bin.dat", 0)
	if res.Status != protocol.ResultOK {
		t.Fatalf("read: %+v", res)
	}
	content := res.Extra["content"].(string)
	if content == "" || content[len(content)-2:] != "ok" {
		t.Errorf("content = %q", content)
	}
}
