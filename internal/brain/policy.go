package brain

import "strings"

// noToolPhrases opt a single request out of tool calling.
var noToolPhrases = []string{
	"no tools",
	"do not use tools",
	"don't use tools",
	"without tools",
	"no tool",
	"tool-free",
	"tools-free",
}

var toolKeywords = []string{
	// Japanese (common UI queries)
	"バージョン",
	"確認",
	"実行",
	"一覧",
	"表示",
	"教えて",
	"起動",
	"停止",
	"再起動",
	"run ",
	"execute",
	"ls",
	"dir",
	"pwd",
	"create ",
	"write ",
	"edit ",
	"delete ",
	"move ",
	"copy ",
	"list ",
	"show ",
	"check ",
	"status",
	"restart",
	"start ",
	"stop ",
	"enable",
	"disable",
	"install",
	"curl ",
	"curl",
	"ssh",
	"python",
	"worker",
	"device",
	"file",
	"directory",
	"folder",
}

// needsToolForText reports whether the user is clearly asking for a local
// action or state change. Kept conservative so chit-chat never forces tools.
func needsToolForText(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return false
	}

	// An explicit tool-free request wins, in either language.
	for _, phrase := range noToolPhrases {
		if strings.Contains(t, phrase) {
			return false
		}
	}
	if strings.Contains(text, "ツール") {
		for _, k := range []string{"使わない", "不要", "無し", "なし"} {
			if strings.Contains(text, k) {
				return false
			}
		}
	}

	// "Remember ..." is satisfied from session context unless the user asks
	// to persist.
	if containsAny(t, "remember", "memorize") || strings.Contains(text, "覚えて") {
		if containsAny(t, "save", "store", "persist", "persistent", "memory") ||
			containsAny(text, "保存", "永続", "メモ") {
			return true
		}
		return false
	}

	for _, k := range toolKeywords {
		if strings.Contains(t, k) || strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// explicitPersistRequested reports whether the user asked to write persistent
// memory. Session recall alone never qualifies.
func explicitPersistRequested(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return false
	}
	if containsAny(t, "save", "store", "persist") && containsAny(t, "memory", "note", "notes") {
		return true
	}
	if containsAny(t, "save this", "save it", "persist this") {
		return true
	}
	return containsAny(text, "保存", "永続", "メモリに")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
