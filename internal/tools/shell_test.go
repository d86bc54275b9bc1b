package tools

import (
	"context"
	"os"
	"testing"

	"github.com/methings/agentd/pkg/protocol"
)

func TestShellCommandAllowList(t *testing.T) {
	sh := NewShellTool(newTestRoot(t))
	ctx := context.Background()

	for _, cmd := range []string{"bash", "sh", "rm", "nc", ""} {
		res := sh.Exec(ctx, cmd, []string{"-c", "true"}, "")
		if res.Status != protocol.ResultError || res.Error != protocol.ErrCommandNotAllowed {
			t.Errorf("cmd %q: status=%s error=%s, want command_not_allowed", cmd, res.Status, res.Error)
		}
	}
}

func TestShellRefusalDoesNotTouchFilesystem(t *testing.T) {
	root := newTestRoot(t)
	sh := NewShellTool(root)

	sh.Exec(context.Background(), "rm", []string{"-rf", "."}, "")

	entries, err := os.ReadDir(root.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("refused command left artifacts: %v", entries)
	}
}

func TestShellPythonArgGate(t *testing.T) {
	sh := NewShellTool(newTestRoot(t))
	ctx := context.Background()

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"interactive", nil, protocol.ErrInvalidPayload},
		{"empty code", []string{"-c", "  "}, protocol.ErrMissingCode},
		{"missing code", []string{"-c"}, protocol.ErrMissingCode},
		{"stdin", []string{"-"}, protocol.ErrInvalidPayload},
		{"unsupported flag", []string{"-m", "http.server"}, protocol.ErrInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := sh.Exec(ctx, "python", tt.args, "")
			if res.Status != protocol.ResultError || res.Error != tt.wantErr {
				t.Errorf("got status=%s error=%s, want %s", res.Status, res.Error, tt.wantErr)
			}
		})
	}
}

func TestShellCurlPassthrough(t *testing.T) {
	sh := NewShellTool(newTestRoot(t))

	res := sh.Exec(context.Background(), "curl", []string{"--frobnicate"}, "")
	if res.Status != protocol.ResultError {
		t.Fatalf("status = %s", res.Status)
	}
	if code, ok := res.Extra["code"].(int); !ok || code != 2 {
		t.Errorf("code = %v, want 2", res.Extra["code"])
	}
}

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []string
	}{
		{"plain", "install requests", []string{"install", "requests"}},
		{"double quoted", `-c "print('hi there')"`, []string{"-c", "print('hi there')"}},
		{"single quoted", `-c 'x = "a b"'`, []string{"-c", `x = "a b"`}},
		{"escaped space", `a\ b c`, []string{"a b", "c"}},
		{"escaped quote in quotes", `-c "say \"hi\""`, []string{"-c", `say "hi"`}},
		{"empty quoted arg", `-c ""`, []string{"-c", ""}},
		{"collapsed whitespace", "  a   b  ", []string{"a", "b"}},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitArgs(tt.line)
			if len(got) != len(tt.want) {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("arg %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDropAmbiguousUVC(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantLen  int
		wantNote bool
	}{
		{"uvc alone kept", []string{"install", "uvc"}, 2, false},
		{"uvc with pyuvc dropped", []string{"install", "uvc", "pyuvc"}, 2, true},
		{"uvc with opencv dropped", []string{"install", "opencv-python", "uvc"}, 2, true},
		{"no uvc untouched", []string{"install", "requests"}, 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, note := dropAmbiguousUVC(tt.args)
			if len(out) != tt.wantLen {
				t.Errorf("len = %d, want %d (%v)", len(out), tt.wantLen, out)
			}
			if (note != "") != tt.wantNote {
				t.Errorf("note = %q", note)
			}
		})
	}
}
