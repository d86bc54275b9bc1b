package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         8765,
			RateLimitRPM: 120,
		},
		Storage: StorageConfig{
			StateDir: "~/.agentd",
		},
		Brain: BrainConfig{
			Enabled:          false,
			AutoStart:        false,
			ProviderURL:      "https://api.openai.com/v1/responses",
			Model:            "gpt-4o-mini",
			APIKeyCredential: "openai_api_key",
			ToolPolicy:       "auto",
			FsScope:          "user",
			Temperature:      0.2,
			MaxActions:       6,
			MaxToolRounds:    12,
			IdleSleepMs:      800,
		},
		Device: DeviceConfig{
			BaseURL: "http://127.0.0.1:8088",
		},
		Cloud: CloudConfig{
			BaseURL: "http://127.0.0.1:8088",
		},
		Tools: ToolsConfig{
			WebSearchMaxResults: 5,
		},
		Maintenance: MaintenanceConfig{
			Schedule: "*/5 * * * *",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("AGENTD_HOST", &c.Gateway.Host)
	if v := os.Getenv("AGENTD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("AGENTD_STATE_DIR", &c.Storage.StateDir)
	envStr("AGENTD_USER_ROOT", &c.Storage.UserRoot)

	envStr("AGENTD_PROVIDER_URL", &c.Brain.ProviderURL)
	envStr("AGENTD_MODEL", &c.Brain.Model)

	envStr("METHINGS_DEVICE_API_URL", &c.Device.BaseURL)
	envStr("METHINGS_IDENTITY", &c.Device.Identity)
	envStr("METHINGS_SESSION_ID", &c.Device.Identity)

	envStr("AGENTD_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("AGENTD_MODE", &c.Database.Mode)

	envStr("AGENTD_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("AGENTD_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("AGENTD_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("AGENTD_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}

	envStr("AGENTD_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("AGENTD_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("AGENTD_TSNET_DIR", &c.Tailscale.StateDir)
}

// Save writes the config to a JSON file. Secrets are never persisted
// (they are excluded from marshalling by tag).
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// StateDir returns the expanded state directory.
func (c *Config) StateDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Storage.StateDir)
}

// UserRootBase returns the base directory the user root lives under.
// Defaults to the state dir when not configured.
func (c *Config) UserRootBase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Storage.UserRoot != "" {
		return ExpandHome(c.Storage.UserRoot)
	}
	return ExpandHome(c.Storage.StateDir)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
