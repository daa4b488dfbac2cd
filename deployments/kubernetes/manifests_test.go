package kubernetes

import (
	"os"
	"regexp"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/real-rm/chatgateway/internal/config"
	"github.com/real-rm/chatgateway/internal/testutil"
)

type manifest struct {
	Kind       string            `yaml:"kind"`
	Data       map[string]string `yaml:"data"`
	StringData map[string]string `yaml:"stringData"`
}

func readManifest(t *testing.T, path string) manifest {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var m manifest
	require.NoError(t, yaml.Unmarshal(raw, &m))
	return m
}

// knownEnv returns the environment variables the config loader reads
func knownEnv(t *testing.T) map[string]bool {
	t.Helper()
	src, err := os.ReadFile("../../internal/config/config.go")
	require.NoError(t, err)
	re := regexp.MustCompile(`getEnv[A-Za-z]*\("([A-Z_]+)"`)
	out := map[string]bool{}
	for _, m := range re.FindAllStringSubmatch(string(src), -1) {
		out[m[1]] = true
	}
	require.NotEmpty(t, out)
	return out
}

func TestManifests_OnlyKnownKeys(t *testing.T) {
	known := knownEnv(t)
	cm := readManifest(t, "configmap.yaml")
	secret := readManifest(t, "secret.yaml")
	require.Equal(t, "ConfigMap", cm.Kind)
	require.Equal(t, "Secret", secret.Kind)

	var unknown []string
	for key := range cm.Data {
		if !known[key] {
			unknown = append(unknown, key)
		}
	}
	for key := range secret.StringData {
		if !known[key] {
			unknown = append(unknown, key)
		}
		_, dup := cm.Data[key]
		assert.False(t, dup, "%s is set in both the ConfigMap and the Secret", key)
	}
	sort.Strings(unknown)
	assert.Empty(t, unknown, "manifest keys the gateway never reads")
}

func TestSecretTemplate_HoldsPlaceholdersOnly(t *testing.T) {
	secret := readManifest(t, "secret.yaml")
	for _, key := range []string{"JWT_SECRET", "OPENAI_API_KEY"} {
		require.Contains(t, secret.StringData, key)
	}
	for key, value := range secret.StringData {
		assert.True(t, strings.HasPrefix(value, "CHANGE-ME"), "%s must be a placeholder in the template", key)
	}
}

func TestSecretTemplate_RejectedInProduction(t *testing.T) {
	cm := readManifest(t, "configmap.yaml")
	secret := readManifest(t, "secret.yaml")
	for key, value := range cm.Data {
		t.Setenv(key, value)
	}
	t.Setenv("JWT_SECRET", secret.StringData["JWT_SECRET"])
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := config.Load("")
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weak")
}

func TestConfigMap_LoadsAndValidates(t *testing.T) {
	cm := readManifest(t, "configmap.yaml")
	for key, value := range cm.Data {
		t.Setenv(key, value)
	}
	t.Setenv("JWT_SECRET", testutil.Secret)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := config.Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.Server.Production)
	assert.Equal(t, []string{"https://app.example.org"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 5, cfg.WebSocket.MaxConnectionsPerUser)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, "json", cfg.Log.Format)
}
