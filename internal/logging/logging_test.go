package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/real-rm/chatgateway/internal/config"
)

func TestNew_JSONToWriter(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LogConfig{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)
	defer logger.Close()

	logger.Info("Connection authenticated", "user_id", "u1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Connection authenticated", entry["msg"])
	assert.Equal(t, "u1", entry["user_id"])
	assert.Equal(t, "chatgateway", entry["service"])
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LogConfig{Level: "warn", Format: "text"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_UnknownLevel(t *testing.T) {
	_, err := NewWithWriter(config.LogConfig{Level: "loud"}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown log level")
}

func TestNew_WritesRotatedFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LogConfig{Level: "debug", Dir: dir, MaxSizeMB: 1}, &buf)
	require.NoError(t, err)

	logger.Debug("to both")
	require.NoError(t, logger.Close())

	content, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Contains(t, string(content), "to both")
	assert.Contains(t, buf.String(), "to both")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"":        "INFO",
		"DEBUG":   "DEBUG",
		" warn ":  "WARN",
		"warning": "WARN",
		"error":   "ERROR",
	}
	for in, want := range tests {
		level, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, level.String(), in)
	}
}

// Feature: logging, Property 1: Sensitive attributes are never written
//
// For any secret value logged under a sensitive key, the output contains
// the redaction marker and never the value itself.
func TestProperty_SensitiveValuesRedacted(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	keys := []string{"token", "jwt_secret", "api_key", "password", "Authorization"}

	properties.Property("secrets are replaced by ***", prop.ForAll(
		func(secret string, keyIndex int) bool {
			var buf bytes.Buffer
			logger, err := NewWithWriter(config.LogConfig{Format: "json"}, &buf)
			if err != nil {
				return false
			}
			logger.Info("auth attempt", keys[keyIndex], "SECRET"+secret)
			out := buf.String()
			return !strings.Contains(out, "SECRET"+secret) && strings.Contains(out, `"***"`)
		},
		gen.AlphaString(),
		gen.IntRange(0, len(keys)-1),
	))

	properties.TestingRun(t)
}
