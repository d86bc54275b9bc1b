package config

import (
	"encoding/json"
	"sync"
)

// Config is the root configuration for the agentd service.
type Config struct {
	Gateway     GatewayConfig     `json:"gateway"`
	Storage     StorageConfig     `json:"storage"`
	Brain       BrainConfig       `json:"brain"`
	Device      DeviceConfig      `json:"device"`
	Cloud       CloudConfig       `json:"cloud"`
	Tools       ToolsConfig       `json:"tools,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Telemetry   TelemetryConfig   `json:"telemetry,omitempty"`
	Tailscale   TailscaleConfig   `json:"tailscale,omitempty"`
	Database    DatabaseConfig    `json:"database,omitempty"`
	mu          sync.RWMutex
}

// GatewayConfig configures the local HTTP API.
type GatewayConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	RateLimitRPM int    `json:"rate_limit_rpm,omitempty"` // tool invoke endpoint
}

// StorageConfig configures the on-disk state.
type StorageConfig struct {
	StateDir string `json:"state_dir"`           // default ~/.agentd
	UserRoot string `json:"user_root,omitempty"` // default <state_dir>/user parent
}

// BrainConfig holds the bootstrap defaults for the brain runtime. The live
// values are persisted as a settings blob and mutated through the API; these
// only seed a fresh install.
type BrainConfig struct {
	Enabled          bool    `json:"enabled"`
	AutoStart        bool    `json:"auto_start"`
	ProviderURL      string  `json:"provider_url"`
	Model            string  `json:"model"`
	APIKeyCredential string  `json:"api_key_credential"`
	APIKeyEnv        string  `json:"api_key_env,omitempty"`
	ToolPolicy       string  `json:"tool_policy"` // "auto" or "required"
	FsScope          string  `json:"fs_scope"`    // "user" or "app"
	SystemPrompt     string  `json:"system_prompt,omitempty"`
	Temperature      float64 `json:"temperature"`
	MaxActions       int     `json:"max_actions"`
	MaxToolRounds    int     `json:"max_tool_rounds"`
	IdleSleepMs      int     `json:"idle_sleep_ms"`
}

// DeviceConfig points at the device-API peer.
type DeviceConfig struct {
	BaseURL  string `json:"base_url"`
	Identity string `json:"identity,omitempty"` // forwarded as X-Methings-Identity
}

// CloudConfig points at the cloud-request peer.
type CloudConfig struct {
	BaseURL string `json:"base_url"`
}

// ToolsConfig holds per-tool knobs.
type ToolsConfig struct {
	WebSearchMaxResults int `json:"web_search_max_results,omitempty"`
}

// MaintenanceConfig schedules the background sweep.
type MaintenanceConfig struct {
	Schedule string `json:"schedule,omitempty"` // cron expression, default */5 * * * *
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener.
// Requires building with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"` // from env AGENTD_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`
}

// DatabaseConfig configures the optional Postgres mirror for fleet mode.
// PostgresDSN is NEVER read from config.json (secret) — only from env
// AGENTD_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "fleet"
}

// FleetMode reports whether the Postgres mirror is active.
func (c *Config) FleetMode() bool {
	return c.Database.Mode == "fleet" && c.Database.PostgresDSN != ""
}

// Snapshot returns a copy of the config safe to read without the lock.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := Config{
		Gateway:     c.Gateway,
		Storage:     c.Storage,
		Brain:       c.Brain,
		Device:      c.Device,
		Cloud:       c.Cloud,
		Tools:       c.Tools,
		Maintenance: c.Maintenance,
		Telemetry:   c.Telemetry,
		Tailscale:   c.Tailscale,
		Database:    c.Database,
	}
	return cp
}

// Replace swaps the config contents under the lock (used by the watcher).
func (c *Config) Replace(next *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = next.Gateway
	c.Storage = next.Storage
	c.Brain = next.Brain
	c.Device = next.Device
	c.Cloud = next.Cloud
	c.Tools = next.Tools
	c.Maintenance = next.Maintenance
	c.Telemetry = next.Telemetry
	c.Tailscale = next.Tailscale
	c.Database = next.Database
}

const secretMask = "***"

// MaskedCopy returns a deep copy with secret fields masked, for API exposure.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}
	maskNonEmpty(&cp.Tailscale.AuthKey)
	maskNonEmpty(&cp.Database.PostgresDSN)
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}
