package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyAPIKeysFromEnv(t *testing.T) {
	t.Setenv("OPENMEMORY_API_KEYS_CURSOR", "key-one,key-two")
	t.Setenv("OPENMEMORY_API_KEYS_VSCode", "key-three")

	cfg := DefaultConfig()
	cfg.ApplyAPIKeysFromEnv()

	require.Equal(t, "cursor", cfg.APIKeys["key-one"])
	require.Equal(t, "cursor", cfg.APIKeys["key-two"])
	require.Equal(t, "vscode", cfg.APIKeys["key-three"])
}

func TestApplyAPIKeysFromEnv_KeepsExistingWhenUnset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIKeys = map[string]string{"existing": "app"}
	cfg.ApplyAPIKeysFromEnv()

	require.Equal(t, "app", cfg.APIKeys["existing"])
}

func TestQdrantAddress(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "localhost:6334", cfg.QdrantAddress())

	cfg.QdrantHost = "qdrant.example"
	cfg.QdrantPort = 7443
	require.Equal(t, "qdrant.example:7443", cfg.QdrantAddress())
}
