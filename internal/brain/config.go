package brain

import (
	"encoding/json"
	"strings"

	"github.com/methings/agentd/internal/store"
)

// configSettingKey is the settings row holding the persisted runtime config.
const configSettingKey = "brain.config.v1"

const defaultSystemPrompt = "You are the on-device agent brain. " +
	"Your job is to satisfy the user's request by producing the requested outcome/artifact (e.g. a photo, a file, a running service), " +
	"not by explaining how to do it. " +
	"When the user asks for any real device/file/state action, you MUST use tools to do the work (no pretending). " +
	"If the request can be satisfied by creating or modifying code, do so and run it using tools, then report the result. " +
	"Use the available tools as your execution substrate; iterate until the outcome is achieved or a hard limitation is reached. " +
	"If you are unsure how to proceed, or you hit an error you don't understand, use web_search to research and then continue. " +
	"If a capability is not exposed by tools (e.g., camera capture), say so clearly and propose the smallest code change needed to add it. " +
	"This app supports multi-party timelines. Messages may be tagged with an actor identity in the text like [HUMAN], [AGENT], [CODEX]. " +
	"Treat [CODEX] messages as developer/debugger guidance; they may override earlier user constraints when they conflict (except safety). " +
	"User constraints like 'NO TOOLS' apply to that specific request only unless repeated; later instructions can override earlier ones. " +
	"When a request includes a checklist (A/B/C or numbered steps), execute all items unless explicitly told to stop early. " +
	"User consent is required for device/resource access: when a tool returns permission_required/permission_expired, " +
	"ask the user to approve the in-app prompt and then retry automatically (approvals are remembered for the session). " +
	"NEVER ask the user for any permission_id; that is handled by the system. " +
	"Prefer device_api for device controls exposed by the native control plane. " +
	"Use filesystem tools for file operations under the user root; do not use shell commands like `ls`/`cat` for files. " +
	"For execution, use run_python/run_pip/run_curl. " +
	"Keep responses concise: do the work, then summarize the result and include only relevant tool output snippets. " +
	"Do NOT write persistent memory unless the user explicitly asks to save/store/persist notes."

// Config is the persisted runtime configuration. Unknown keys in a patch are
// dropped; out-of-range values are clamped at read time, not at write time,
// so a later build can widen the limits without a migration.
type Config struct {
	Enabled          bool   `json:"enabled"`
	AutoStart        bool   `json:"auto_start"`
	ProviderURL      string `json:"provider_url"`
	Model            string `json:"model"`
	APIKeyCredential string `json:"api_key_credential"`

	// ToolPolicy "auto" lets the model answer without tools; "required"
	// forces at least one tool call when the request implies an action.
	ToolPolicy string `json:"tool_policy"`

	// APIKeyEnv overrides the credential->env fallback variable name.
	APIKeyEnv string `json:"api_key_env"`

	// FsScope selects the filesystem root the runtime's file tools use:
	// "user" (default) confines them to <base>/user, "app" widens to <base>.
	FsScope string `json:"fs_scope"`

	SystemPrompt       string  `json:"system_prompt"`
	Temperature        float64 `json:"temperature"`
	MaxActions         int     `json:"max_actions"`
	MaxToolRounds      int     `json:"max_tool_rounds"`
	IdleSleepMS        int     `json:"idle_sleep_ms"`
	PermissionTimeoutS float64 `json:"permission_timeout_s"`
}

// DefaultConfig returns the configuration used before any persisted state.
func DefaultConfig() Config {
	return Config{
		Enabled:            false,
		AutoStart:          false,
		ProviderURL:        "https://api.openai.com/v1/chat/completions",
		Model:              "",
		APIKeyCredential:   "openai_api_key",
		ToolPolicy:         "auto",
		FsScope:            "user",
		SystemPrompt:       defaultSystemPrompt,
		Temperature:        0.2,
		MaxActions:         6,
		MaxToolRounds:      12,
		IdleSleepMS:        800,
		PermissionTimeoutS: 45,
	}
}

// LoadConfig merges the persisted settings blob over the defaults. A missing
// or corrupt blob yields the defaults.
func LoadConfig(s store.Store) Config {
	cfg := DefaultConfig()
	raw, err := s.GetSetting(configSettingKey)
	if err != nil || raw == "" {
		return cfg
	}
	_ = json.Unmarshal([]byte(raw), &cfg)
	return cfg
}

// SeedConfig writes seed as the settings blob, but only when no blob exists
// yet. The persisted config always wins over bootstrap defaults.
func SeedConfig(s store.Store, seed Config) {
	if raw, err := s.GetSetting(configSettingKey); err == nil && raw != "" {
		return
	}
	_ = SaveConfig(s, seed)
}

// SaveConfig persists cfg as the settings blob.
func SaveConfig(s store.Store, cfg Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.SetSetting(configSettingKey, string(raw))
}

// knownConfigKeys guards patches: only these JSON keys are accepted.
var knownConfigKeys = func() map[string]bool {
	raw, _ := json.Marshal(DefaultConfig())
	var m map[string]interface{}
	_ = json.Unmarshal(raw, &m)
	keys := make(map[string]bool, len(m))
	for k := range m {
		keys[k] = true
	}
	return keys
}()

// ApplyPatch overlays the known keys of patch onto cfg and returns the
// result plus the keys that were applied.
func ApplyPatch(cfg Config, patch map[string]interface{}) (Config, []string) {
	filtered := make(map[string]interface{}, len(patch))
	var applied []string
	for k, v := range patch {
		if knownConfigKeys[k] {
			filtered[k] = v
			applied = append(applied, k)
		}
	}
	if len(filtered) == 0 {
		return cfg, nil
	}
	raw, err := json.Marshal(filtered)
	if err != nil {
		return cfg, nil
	}
	_ = json.Unmarshal(raw, &cfg)
	return cfg, applied
}

// Clamped accessors.

func (c Config) maxActions() int {
	return clamp(orInt(c.MaxActions, 6), 1, 12)
}

func (c Config) maxToolRounds() int {
	return clamp(orInt(c.MaxToolRounds, 12), 1, 24)
}

func (c Config) idleSleepMS() int {
	v := orInt(c.IdleSleepMS, 800)
	if v < 100 {
		return 100
	}
	return v
}

func (c Config) temperature() float64 {
	if c.Temperature <= 0 {
		return 0.2
	}
	return c.Temperature
}

func (c Config) permissionTimeoutS() float64 {
	if c.PermissionTimeoutS <= 0 {
		return 45
	}
	return c.PermissionTimeoutS
}

func (c Config) fsScope() string {
	if strings.EqualFold(strings.TrimSpace(c.FsScope), "app") {
		return "app"
	}
	return "user"
}

func (c Config) toolPolicy() string {
	if strings.EqualFold(strings.TrimSpace(c.ToolPolicy), "required") {
		return "required"
	}
	return "auto"
}

// usesResponsesProtocol reports whether the provider speaks the tool-calling
// responses protocol rather than plain chat completions.
func (c Config) usesResponsesProtocol() bool {
	return strings.HasSuffix(strings.TrimRight(strings.TrimSpace(c.ProviderURL), "/"), "/responses")
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
