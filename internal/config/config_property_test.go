package config

import (
	"strconv"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Feature: gateway-config, Property 1: Short secrets are rejected
//
// For any JWT secret shorter than 32 characters, validation should fail.
func TestProperty_ShortSecretsAreRejected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("secrets shorter than 32 characters are rejected", prop.ForAll(
		func(secretLength int) bool {
			cfg := Default()
			cfg.Auth.JWTSecret = strings.Repeat("a", secretLength)

			err := cfg.Validate()
			return err != nil && strings.Contains(err.Error(), "at least 32 characters")
		},
		gen.IntRange(1, 31),
	))

	properties.TestingRun(t)
}

// Feature: gateway-config, Property 2: Clamped limits never exceed production ceilings
//
// For any configured connection and rate limits, Load never returns values above
// the ceilings and never alters values already below them.
func TestProperty_ClampsRespectCeilings(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("clamp is min(value, ceiling)", prop.ForAll(
		func(maxConn, perUser, maxMsgs int) bool {
			t.Setenv("WS_MAX_CONNECTIONS", strconv.Itoa(maxConn))
			t.Setenv("WS_MAX_CONNECTIONS_PER_USER", strconv.Itoa(perUser))
			t.Setenv("WS_RATE_LIMIT_MAX_MESSAGES", strconv.Itoa(maxMsgs))

			cfg, err := Load("")
			if err != nil {
				return false
			}
			ws := cfg.WebSocket
			return ws.MaxConnections == min(maxConn, 10000) &&
				ws.MaxConnectionsPerUser == min(perUser, 10) &&
				ws.RateLimitMaxMessages == min(maxMsgs, 100)
		},
		gen.IntRange(1, 100000),
		gen.IntRange(1, 50),
		gen.IntRange(1, 1000),
	))

	properties.TestingRun(t)
}
