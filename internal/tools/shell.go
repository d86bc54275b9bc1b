package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/methings/agentd/pkg/protocol"
)

// ShellTool runs the sandboxed command set: python, pip and the in-process
// curl client. Anything else is refused before touching the filesystem.
type ShellTool struct {
	root    *UserRoot
	timeout time.Duration
}

// NewShellTool returns the shell tool over root.
func NewShellTool(root *UserRoot) *ShellTool {
	return &ShellTool{root: root, timeout: 120 * time.Second}
}

func (t *ShellTool) Name() string        { return "shell" }
func (t *ShellTool) Description() string { return "Run python, pip or curl inside the sandbox" }
func (t *ShellTool) ManagesPermissions() bool { return false }

func (t *ShellTool) Execute(ctx context.Context, args map[string]interface{}) *protocol.ToolResult {
	cmd := argString(args, "cmd")
	var raw []string
	if list, ok := args["args"].([]interface{}); ok {
		for _, v := range list {
			raw = append(raw, fmt.Sprintf("%v", v))
		}
	} else if s := argString(args, "args"); s != "" {
		raw = SplitArgs(s)
	}
	return t.Exec(ctx, cmd, raw, argString(args, "cwd"))
}

// Exec runs one allow-listed command and captures combined output.
func (t *ShellTool) Exec(ctx context.Context, cmd string, rawArgs []string, cwd string) *protocol.ToolResult {
	dir := t.root.PinCwd(cwd)

	switch cmd {
	case "python":
		return t.runPython(ctx, rawArgs, dir)
	case "pip":
		return t.runPip(ctx, rawArgs, dir)
	case "curl":
		code, output := RunCurl(ctx, t.root, rawArgs)
		return execResult(code, output)
	default:
		return Errf(protocol.ErrCommandNotAllowed, cmd)
	}
}

func execResult(code int, output string) *protocol.ToolResult {
	status := protocol.ResultOK
	if code != 0 {
		status = protocol.ResultError
	}
	res := &protocol.ToolResult{
		Status: status,
		Extra: map[string]interface{}{
			"code":   code,
			"output": output,
		},
	}
	if code != 0 {
		res.Error = protocol.ErrUpstreamError
	}
	return res
}

// runPython accepts the minimal argv subset: -V/--version, -c <code>, or a
// script path. Stdin and the interactive form are refused.
func (t *ShellTool) runPython(ctx context.Context, rawArgs []string, dir string) *protocol.ToolResult {
	if len(rawArgs) == 0 {
		return Errf(protocol.ErrInvalidPayload, "interactive python is not available")
	}

	switch rawArgs[0] {
	case "-V", "--version":
		return t.spawn(ctx, dir, nil, "python3", "-V")
	case "-c":
		if len(rawArgs) < 2 || strings.TrimSpace(rawArgs[1]) == "" {
			return Errf(protocol.ErrMissingCode, "")
		}
		return t.spawn(ctx, dir, t.pythonEnv(), "python3", "-c", rawArgs[1])
	case "-":
		return Errf(protocol.ErrInvalidPayload, "stdin scripts are not available")
	default:
		if strings.HasPrefix(rawArgs[0], "-") {
			return Errf(protocol.ErrInvalidPayload, "unsupported python flag: "+rawArgs[0])
		}
		script, err := t.root.Resolve(filepath.Join(relOf(t.root, dir), rawArgs[0]))
		if err != nil {
			return Errf(protocol.ErrPathOutsideUserDir, t.root.Dir())
		}
		argv := append([]string{script}, rawArgs[1:]...)
		return t.spawn(ctx, dir, t.pythonEnv(), "python3", argv...)
	}
}

// pythonEnv prepends <user_root>/lib to the module search path so scripts
// can import the colocated helper library.
func (t *ShellTool) pythonEnv() []string {
	lib := filepath.Join(t.root.Dir(), "lib")
	env := os.Environ()
	if existing := os.Getenv("PYTHONPATH"); existing != "" {
		env = append(env, "PYTHONPATH="+lib+string(os.PathListSeparator)+existing)
	} else {
		env = append(env, "PYTHONPATH="+lib)
	}
	return env
}

// runPip forces binary-only installs and pins temp/cache dirs under the cwd.
func (t *ShellTool) runPip(ctx context.Context, rawArgs []string, dir string) *protocol.ToolResult {
	args := append([]string(nil), rawArgs...)
	var note string

	if len(args) > 0 && args[0] == "install" {
		hasBinaryOpt := false
		for _, a := range args {
			if a == "--no-binary" || a == "--only-binary" || strings.HasPrefix(a, "--no-binary=") || strings.HasPrefix(a, "--only-binary=") {
				hasBinaryOpt = true
				break
			}
		}
		if !hasBinaryOpt {
			args = append([]string{"install", "--only-binary", ":all:"}, args[1:]...)
		}
		args, note = dropAmbiguousUVC(args)
	}

	tmp := filepath.Join(dir, ".tmp")
	cache := filepath.Join(dir, ".cache", "pip")
	os.MkdirAll(tmp, 0755)
	os.MkdirAll(cache, 0755)

	env := append(os.Environ(),
		"TMPDIR="+tmp,
		"PIP_CACHE_DIR="+cache,
	)

	res := t.spawn(ctx, dir, env, "python3", append([]string{"-m", "pip"}, args...)...)
	if note != "" {
		if out, ok := res.Extra["output"].(string); ok {
			res.Extra["output"] = note + "\n" + out
		}
	}
	return res
}

// dropAmbiguousUVC removes a bare "uvc" requirement when a known-good camera
// package is also requested; the PyPI "uvc" project is unrelated to cameras.
func dropAmbiguousUVC(args []string) ([]string, string) {
	hasUVC := false
	hasAlternative := false
	for _, a := range args {
		switch strings.ToLower(a) {
		case "uvc":
			hasUVC = true
		case "pyuvc", "opencv-python", "pyusb":
			hasAlternative = true
		}
	}
	if !hasUVC || !hasAlternative {
		return args, ""
	}
	out := make([]string, 0, len(args))
	for _, a := range args {
		if strings.ToLower(a) == "uvc" {
			continue
		}
		out = append(out, a)
	}
	return out, "note: dropped ambiguous requirement 'uvc' (unrelated PyPI project)"
}

func (t *ShellTool) spawn(ctx context.Context, dir string, env []string, name string, argv ...string) *protocol.ToolResult {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, argv...)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = env
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			return execResult(1, buf.String()+"\n"+err.Error())
		}
	}
	return execResult(code, buf.String())
}

// SplitArgs splits a command line into argv, honouring single quotes, double
// quotes and backslash escapes. Model-generated `-c "..."` payloads depend on
// quoting surviving the split.
func SplitArgs(line string) []string {
	var out []string
	var cur strings.Builder
	inWord := false
	quote := byte(0)

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote == '\'':
			if c == '\'' {
				quote = 0
			} else {
				cur.WriteByte(c)
			}
		case quote == '"':
			if c == '"' {
				quote = 0
			} else if c == '\\' && i+1 < len(line) && (line[i+1] == '"' || line[i+1] == '\\') {
				i++
				cur.WriteByte(line[i])
			} else {
				cur.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote = c
			inWord = true
		case c == '\\' && i+1 < len(line):
			i++
			cur.WriteByte(line[i])
			inWord = true
		case c == ' ' || c == '\t' || c == '\n':
			if inWord {
				out = append(out, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteByte(c)
			inWord = true
		}
	}
	if inWord {
		out = append(out, cur.String())
	}
	return out
}

func relOf(root *UserRoot, dir string) string {
	rel, err := filepath.Rel(root.Dir(), dir)
	if err != nil {
		return ""
	}
	return rel
}
