package tools

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/methings/agentd/pkg/protocol"
)

const (
	listLimitMax    = 5000
	readBytesMin    = 1024
	readBytesMax    = 2 * 1024 * 1024
	readBytesDefault = 64 * 1024
)

// FilesystemTool serves scoped list/read/write/mkdir/move/delete under the
// user root.
type FilesystemTool struct {
	root *UserRoot
}

// NewFilesystemTool returns the filesystem tool over root.
func NewFilesystemTool(root *UserRoot) *FilesystemTool {
	return &FilesystemTool{root: root}
}

// Root returns the confinement directory.
func (t *FilesystemTool) Root() string { return t.root.Dir() }

func (t *FilesystemTool) Name() string        { return "filesystem" }
func (t *FilesystemTool) Description() string { return "List, read and modify files under the user directory" }
func (t *FilesystemTool) ManagesPermissions() bool { return false }

func (t *FilesystemTool) Execute(ctx context.Context, args map[string]interface{}) *protocol.ToolResult {
	op := argString(args, "op")
	switch op {
	case "list_dir":
		return t.ListDir(argString(args, "path"), argBool(args, "show_hidden"), argInt(args, "limit", 200))
	case "read_file":
		return t.ReadFile(argString(args, "path"), argInt(args, "max_bytes", readBytesDefault))
	case "write_file":
		return t.WriteFile(argString(args, "path"), argString(args, "content"))
	case "mkdir":
		return t.Mkdir(argString(args, "path"), argBool(args, "parents"))
	case "move_path":
		return t.MovePath(argString(args, "src"), argString(args, "dst"), argBool(args, "overwrite"))
	case "delete_path":
		return t.DeletePath(argString(args, "path"), argBool(args, "recursive"))
	default:
		return Errf(protocol.ErrUnsupportedFsOp, op)
	}
}

func (t *FilesystemTool) resolve(path string) (string, *protocol.ToolResult) {
	resolved, err := t.root.Resolve(path)
	if err != nil {
		return "", Errf(protocol.ErrPathOutsideUserDir, t.root.Dir())
	}
	return resolved, nil
}

// ListDir returns directory entries sorted case-insensitively.
func (t *FilesystemTool) ListDir(path string, showHidden bool, limit int) *protocol.ToolResult {
	resolved, fail := t.resolve(path)
	if fail != nil {
		return fail
	}
	if limit < 1 {
		limit = 1
	}
	if limit > listLimitMax {
		limit = listLimitMax
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return Errf(protocol.ErrInvalidPath, err.Error())
	}

	sort.Slice(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Name()) < strings.ToLower(entries[j].Name())
	})

	items := make([]map[string]interface{}, 0, limit)
	for _, e := range entries {
		if !showHidden && strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if len(items) >= limit {
			break
		}
		kind := "file"
		if e.IsDir() {
			kind = "dir"
		}
		var size int64
		var mtime int64
		if info, err := e.Info(); err == nil {
			size = info.Size()
			mtime = info.ModTime().Unix()
		}
		items = append(items, map[string]interface{}{
			"name":  e.Name(),
			"type":  kind,
			"size":  size,
			"mtime": mtime,
		})
	}

	return OK(map[string]interface{}{
		"entries":   items,
		"truncated": len(items) == limit,
	})
}

// ReadFile returns UTF-8 text, replacing invalid sequences, up to maxBytes.
func (t *FilesystemTool) ReadFile(path string, maxBytes int) *protocol.ToolResult {
	resolved, fail := t.resolve(path)
	if fail != nil {
		return fail
	}
	if maxBytes < readBytesMin {
		maxBytes = readBytesMin
	}
	if maxBytes > readBytesMax {
		maxBytes = readBytesMax
	}

	f, err := os.Open(resolved)
	if err != nil {
		return Errf(protocol.ErrInvalidPath, err.Error())
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(maxBytes)))
	if err != nil {
		return Errf(protocol.ErrInvalidPath, err.Error())
	}
	truncated := false
	if info, err := f.Stat(); err == nil && info.Size() > int64(len(data)) {
		truncated = true
	}

	return OK(map[string]interface{}{
		"content":   toValidUTF8(data),
		"truncated": truncated,
	})
}

// toValidUTF8 decodes bytes as UTF-8, substituting U+FFFD for bad sequences.
func toValidUTF8(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "�")
}

// WriteFile writes content, creating parent directories.
func (t *FilesystemTool) WriteFile(path, content string) *protocol.ToolResult {
	resolved, fail := t.resolve(path)
	if fail != nil {
		return fail
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return Errf(protocol.ErrInvalidPath, err.Error())
	}
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return Errf(protocol.ErrInvalidPath, err.Error())
	}
	return OK(map[string]interface{}{"path": path, "bytes": len(content)})
}

// Mkdir creates a directory; existing directories are fine.
func (t *FilesystemTool) Mkdir(path string, parents bool) *protocol.ToolResult {
	resolved, fail := t.resolve(path)
	if fail != nil {
		return fail
	}
	var err error
	if parents {
		err = os.MkdirAll(resolved, 0755)
	} else {
		err = os.Mkdir(resolved, 0755)
		if err != nil && os.IsExist(err) {
			if info, statErr := os.Stat(resolved); statErr == nil && info.IsDir() {
				err = nil
			}
		}
	}
	if err != nil {
		return Errf(protocol.ErrInvalidPath, err.Error())
	}
	return OK(map[string]interface{}{"path": path})
}

// MovePath renames src to dst, creating dst's parent. Existing destinations
// are refused unless overwrite.
func (t *FilesystemTool) MovePath(src, dst string, overwrite bool) *protocol.ToolResult {
	srcResolved, fail := t.resolve(src)
	if fail != nil {
		return fail
	}
	dstResolved, fail := t.resolve(dst)
	if fail != nil {
		return fail
	}

	if _, err := os.Stat(srcResolved); err != nil {
		return Errf(protocol.ErrInvalidPath, err.Error())
	}
	if _, err := os.Stat(dstResolved); err == nil && !overwrite {
		return Errf(protocol.ErrInvalidPath, "destination exists")
	}
	if err := os.MkdirAll(filepath.Dir(dstResolved), 0755); err != nil {
		return Errf(protocol.ErrInvalidPath, err.Error())
	}
	if err := os.Rename(srcResolved, dstResolved); err != nil {
		return Errf(protocol.ErrInvalidPath, err.Error())
	}
	return OK(map[string]interface{}{"src": src, "dst": dst})
}

// DeletePath removes a file or directory. Missing paths report deleted=false.
func (t *FilesystemTool) DeletePath(path string, recursive bool) *protocol.ToolResult {
	resolved, fail := t.resolve(path)
	if fail != nil {
		return fail
	}
	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return OK(map[string]interface{}{"deleted": false})
		}
		return Errf(protocol.ErrInvalidPath, err.Error())
	}
	if info.IsDir() && recursive {
		err = os.RemoveAll(resolved)
	} else {
		err = os.Remove(resolved)
	}
	if err != nil {
		return Errf(protocol.ErrInvalidPath, err.Error())
	}
	return OK(map[string]interface{}{"deleted": true})
}
