package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":12345", cfg.Addr)
	assert.Equal(t, "server.crt", cfg.TLSCertFile)
	assert.Equal(t, "server.key", cfg.TLSKeyFile)
	assert.Equal(t, 500, cfg.MaxConnections)
	assert.True(t, cfg.ConnRateLimitEnabled)
	assert.Equal(t, 30*time.Second, cfg.ShutdownGrace)
	assert.Equal(t, ":9101", cfg.MetricsAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CHAT_ADDR", ":9999")
	t.Setenv("CHAT_MAX_CONNECTIONS", "42")
	t.Setenv("CHAT_SHUTDOWN_GRACE", "5s")
	t.Setenv("LOG_FORMAT", "pretty")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 42, cfg.MaxConnections)
	assert.Equal(t, 5*time.Second, cfg.ShutdownGrace)
	assert.Equal(t, "pretty", cfg.LogFormat)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Addr = "" }},
		{"empty database url", func(c *Config) { c.DatabaseURL = "" }},
		{"missing tls cert", func(c *Config) { c.TLSCertFile = "" }},
		{"zero max connections", func(c *Config) { c.MaxConnections = 0 }},
		{"zero ip burst", func(c *Config) { c.ConnRateLimitIPBurst = 0 }},
		{"zero shutdown grace", func(c *Config) { c.ShutdownGrace = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(nil)
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
