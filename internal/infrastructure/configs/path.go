package configs

import (
	"os"

	"github.com/hilthontt/dropchat/internal/infrastructure/env"
)

// DetermineConfigPath resolves the config file from the flag value, the
// DROPCHAT_CONFIG env var or a list of well-known locations. An empty result
// means defaults and env overrides only.
func DetermineConfigPath(flagValue string) string {
	configPath := flagValue

	if configPath == "" {
		configPath = env.GetString("DROPCHAT_CONFIG", "")
	}

	if configPath == "" {
		candidates := []string{
			"./config.yaml",
			"./config.yml",
			"/etc/dropchat/config.yaml",
			"/app/config.yaml", // common in Docker
		}

		for _, p := range candidates {
			if _, err := os.Stat(p); err == nil {
				configPath = p
				break
			}
		}
	}

	return configPath
}
