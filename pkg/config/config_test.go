package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load([]string{"-upstream-token", "k"}, env(nil))
	require.NoError(t, err)

	want := Default()
	want.UpstreamToken = "k"
	assert.Equal(t, want, cfg)
	assert.Equal(t, "ws://localhost:1338", cfg.UpstreamURL)
}

func TestLoad_Flags(t *testing.T) {
	cfg, err := Load([]string{
		"-addr", "127.0.0.1:9000",
		"-upstream", "wss://gw.local/ws",
		"-upstream-token", "k",
		"-identity", "https://id.local/api",
		"-identity-timeout", "2s",
		"-admin-token", "adm",
		"-allowed-origins", "https://a.local, https://b.local,,",
		"-max-reconnect-delay", "30s",
		"-log-level", "debug",
		"-log-format", "console",
	}, env(nil))
	require.NoError(t, err)

	assert.Equal(t, Config{
		ListenAddr:        "127.0.0.1:9000",
		UpstreamURL:       "wss://gw.local/ws",
		UpstreamToken:     "k",
		IdentityURL:       "https://id.local/api",
		IdentityTimeout:   2 * time.Second,
		AdminToken:        "adm",
		AllowedOrigins:    []string{"https://a.local", "https://b.local"},
		MaxReconnectDelay: 30 * time.Second,
		LogLevel:          "debug",
		LogFormat:         "console",
	}, cfg)
}

func TestLoad_EnvFallback(t *testing.T) {
	e := env(map[string]string{
		EnvListen:        ":7000",
		EnvUpstreamURL:   "ws://daemon:1338",
		EnvUpstreamToken: "from-env",
		EnvIdentityURL:   "http://identity:8080",
		EnvAdminToken:    "env-admin",
	})

	cfg, err := Load(nil, e)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Equal(t, "ws://daemon:1338", cfg.UpstreamURL)
	assert.Equal(t, "from-env", cfg.UpstreamToken)
	assert.Equal(t, "http://identity:8080", cfg.IdentityURL)
	assert.Equal(t, "env-admin", cfg.AdminToken)

	cfg, err = Load([]string{"-upstream-token", "from-flag"}, e)
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.UpstreamToken, "flags win over the environment")
}

func TestLoad_UnknownFlag(t *testing.T) {
	_, err := Load([]string{"-nope"}, env(nil))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.UpstreamToken = "k"
	require.NoError(t, valid.Validate())

	tests := map[string]func(c *Config){
		"empty listen":          func(c *Config) { c.ListenAddr = "" },
		"http upstream":         func(c *Config) { c.UpstreamURL = "http://localhost:1338" },
		"upstream without host": func(c *Config) { c.UpstreamURL = "ws://" },
		"missing token":         func(c *Config) { c.UpstreamToken = "" },
		"ws identity":           func(c *Config) { c.IdentityURL = "ws://localhost" },
		"zero timeout":          func(c *Config) { c.IdentityTimeout = 0 },
		"zero reconnect":        func(c *Config) { c.MaxReconnectDelay = 0 },
		"bad level":             func(c *Config) { c.LogLevel = "loud" },
		"empty level":           func(c *Config) { c.LogLevel = "" },
		"bad format":            func(c *Config) { c.LogFormat = "xml" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := valid
			mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
		})
	}
}

func TestConfig_Level(t *testing.T) {
	c := Default()
	c.LogLevel = "warn"
	lvl, err := c.Level()
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, lvl)
}
