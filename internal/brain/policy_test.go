package brain

import "testing"

func TestNeedsToolForText(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"empty", "", false},
		{"chitchat", "how are you today?", false},
		{"run request", "please run ls in my home dir", true},
		{"status check", "check python status", true},
		{"japanese version query", "Pythonのバージョンを教えて", true},
		{"no tools override", "no tools: what is 2+2", false},
		{"japanese no tools", "ツールは使わないで答えて", false},
		{"session remember", "remember my name is Bob", false},
		{"persist remember", "remember this and save it to memory", true},
		{"file work", "create a file called notes.txt", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := needsToolForText(tt.text); got != tt.want {
				t.Errorf("needsToolForText(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestExplicitPersistRequested(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"save this to memory", true},
		{"please store a note about the wifi password", true},
		{"persist this", true},
		{"メモリに保存して", true},
		{"remember my name is Bob", false},
		{"what is in your memory?", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := explicitPersistRequested(tt.text); got != tt.want {
				t.Errorf("explicitPersistRequested(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestDecorateWithActor(t *testing.T) {
	tests := []struct {
		name string
		meta map[string]interface{}
		want string
	}{
		{"no meta", nil, "hello"},
		{"human", map[string]interface{}{"actor": "human"}, "hello"},
		{"agent", map[string]interface{}{"actor": "agent"}, "hello"},
		{"codex", map[string]interface{}{"actor": "codex"}, "[CODEX] hello"},
		{"other", map[string]interface{}{"actor": "relay"}, "[RELAY] hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decorateWithActor("hello", tt.meta); got != tt.want {
				t.Errorf("decorateWithActor = %q, want %q", got, tt.want)
			}
		})
	}
}
