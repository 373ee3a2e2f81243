package serve

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appmock "github.com/agentstation/depot/internal/cmd/application"
	"github.com/agentstation/depot/internal/server"
)

func parse(t *testing.T, base server.Config, args ...string) server.Config {
	t.Helper()
	cmd := NewCommand(&appmock.Mock{}, func() server.Config { return base })
	require.NoError(t, cmd.ParseFlags(args))
	return parseConfig(cmd, base)
}

func TestParseConfigKeepsBaseWithoutFlags(t *testing.T) {
	base := server.DefaultConfig()
	base.Port = 9000
	base.AuthEnabled = true

	cfg := parse(t, base)
	assert.Equal(t, 9000, cfg.Port)
	assert.True(t, cfg.AuthEnabled)
	assert.Equal(t, base.RateLimit, cfg.RateLimit)
}

func TestParseConfigFlagsOverride(t *testing.T) {
	cfg := parse(t, server.DefaultConfig(),
		"--port", "3000",
		"--host", "0.0.0.0",
		"--cors-origins", "https://a.example,https://b.example",
		"--rate-limit", "0",
		"--cache-ttl", "1m",
		"--prefix", "/v2",
	)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.True(t, cfg.CORSEnabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 0, cfg.RateLimit)
	assert.Equal(t, time.Minute, cfg.CacheTTL)
	assert.Equal(t, "/v2", cfg.PathPrefix)
}

func TestParseConfigEnvPort(t *testing.T) {
	t.Setenv("HTTP_PORT", "8181")
	cfg := parse(t, server.DefaultConfig(), "--port", "3000")
	assert.Equal(t, 8181, cfg.Port)

	t.Setenv("HTTP_PORT", "99999")
	cfg = parse(t, server.DefaultConfig())
	assert.Equal(t, 8080, cfg.Port)
}

func TestParsePort(t *testing.T) {
	p, err := parsePort("443")
	require.NoError(t, err)
	assert.Equal(t, 443, p)

	_, err = parsePort("http")
	assert.Error(t, err)
	_, err = parsePort("0")
	assert.Error(t, err)
}
