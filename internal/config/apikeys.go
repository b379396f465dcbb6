package config

import (
	"os"
	"strings"
)

// ApplyAPIKeysFromEnv scans OPENMEMORY_API_KEYS_<CLIENT_ID>=<key>[,<key>...]
// environment variables into the APIKeys map. Comma-separated values let one
// client rotate keys without downtime.
func (c *Config) ApplyAPIKeysFromEnv() {
	const prefix = "OPENMEMORY_API_KEYS_"
	result := map[string]string{}
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		eqIdx := strings.IndexByte(env, '=')
		if eqIdx < 0 {
			continue
		}
		clientID := strings.ToLower(strings.TrimSpace(env[len(prefix):eqIdx]))
		if clientID == "" {
			continue
		}
		for _, key := range strings.Split(env[eqIdx+1:], ",") {
			keyValue := strings.TrimSpace(key)
			if keyValue == "" {
				continue
			}
			result[keyValue] = clientID
		}
	}
	if len(result) > 0 {
		c.APIKeys = result
	}
}
