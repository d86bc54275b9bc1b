package providers

import (
	"os"
	"strings"

	"github.com/methings/agentd/internal/store"
)

// envKeyForCredential maps a vault credential name to its conventional
// environment variable. Explicit mapping only; no guessing.
func envKeyForCredential(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "openai_api_key", "openai.key", "openai":
		return "OPENAI_API_KEY"
	case "anthropic_api_key", "anthropic.key", "anthropic":
		return "ANTHROPIC_API_KEY"
	case "kimi_api_key", "kimi.key", "moonshot_api_key", "moonshot.key":
		return "KIMI_API_KEY"
	}
	return ""
}

// ResolveAPIKey returns the API key for credential: the vault row wins, then
// the environment (envOverride if set, else the conventional variable).
// Empty means no key anywhere.
func ResolveAPIKey(s store.Store, credential, envOverride string) string {
	if credential != "" {
		if v, err := s.GetCredential(credential); err == nil && v != "" {
			return v
		}
	}
	envName := strings.TrimSpace(envOverride)
	if envName == "" {
		envName = envKeyForCredential(credential)
	}
	if envName == "" {
		return ""
	}
	return os.Getenv(envName)
}
