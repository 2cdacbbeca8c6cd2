// Package config loads the proxy configuration from command line flags,
// falling back to environment variables for secrets and endpoints.
package config

import (
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"gateway-proxy/pkg/upstream"
)

// Error provides constant error strings for configuration problems.
type Error string

func (e Error) Error() string { return string(e) }

// Constant errors.
const (
	ErrInvalidConfig = Error("invalid configuration")
)

// Environment variables consulted when the matching flag is not given.
const (
	EnvListen        = "PROXY_LISTEN"
	EnvUpstreamURL   = "PROXY_UPSTREAM_URL"
	EnvUpstreamToken = "PROXY_UPSTREAM_TOKEN"
	EnvIdentityURL   = "PROXY_IDENTITY_URL"
	EnvAdminToken    = "PROXY_ADMIN_TOKEN"
)

// Config is the complete proxy configuration.
type Config struct {
	ListenAddr        string
	UpstreamURL       string
	UpstreamToken     string
	IdentityURL       string
	IdentityTimeout   time.Duration
	AdminToken        string
	AllowedOrigins    []string
	MaxReconnectDelay time.Duration
	LogLevel          string
	LogFormat         string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		ListenAddr:        ":9595",
		UpstreamURL:       upstream.DefaultURL,
		IdentityURL:       "http://localhost:8080",
		IdentityTimeout:   5 * time.Second,
		MaxReconnectDelay: 60 * time.Second,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// Load parses args (without the program name). getenv supplies the
// environment fallbacks; flags win over the environment.
func Load(args []string, getenv func(string) string) (Config, error) {
	cfg := Default()
	envOr := func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return def
	}

	fs := flag.NewFlagSet("gateway-proxy", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "addr", envOr(EnvListen, cfg.ListenAddr), "Listen address for client connections")
	fs.StringVar(&cfg.UpstreamURL, "upstream", envOr(EnvUpstreamURL, cfg.UpstreamURL), "Gateway daemon websocket URL")
	fs.StringVar(&cfg.UpstreamToken, "upstream-token", envOr(EnvUpstreamToken, ""), "Gateway daemon API token")
	fs.StringVar(&cfg.IdentityURL, "identity", envOr(EnvIdentityURL, cfg.IdentityURL), "Identity service base URL")
	fs.DurationVar(&cfg.IdentityTimeout, "identity-timeout", cfg.IdentityTimeout, "Timeout for identity service requests")
	fs.StringVar(&cfg.AdminToken, "admin-token", envOr(EnvAdminToken, ""), "Bearer token for the session API (empty disables it)")
	origins := fs.String("allowed-origins", "", "Comma separated websocket origins to accept (empty accepts all)")
	fs.DurationVar(&cfg.MaxReconnectDelay, "max-reconnect-delay", cfg.MaxReconnectDelay, "Upper bound of the upstream reconnect backoff")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (trace, debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (json or console)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.AllowedOrigins = splitList(*origins)

	return cfg, cfg.Validate()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports the first problem found in c.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen address is empty", ErrInvalidConfig)
	}
	if err := checkURL(c.UpstreamURL, "ws", "wss"); err != nil {
		return fmt.Errorf("%w: upstream: %w", ErrInvalidConfig, err)
	}
	if c.UpstreamToken == "" {
		return fmt.Errorf("%w: upstream token is required (-upstream-token or %s)", ErrInvalidConfig, EnvUpstreamToken)
	}
	if err := checkURL(c.IdentityURL, "http", "https"); err != nil {
		return fmt.Errorf("%w: identity: %w", ErrInvalidConfig, err)
	}
	if c.IdentityTimeout <= 0 {
		return fmt.Errorf("%w: identity timeout must be positive", ErrInvalidConfig)
	}
	if c.MaxReconnectDelay <= 0 {
		return fmt.Errorf("%w: max reconnect delay must be positive", ErrInvalidConfig)
	}
	if _, err := c.Level(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.LogFormat)
	}
	return nil
}

// Level returns the parsed log level.
func (c Config) Level() (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return lvl, nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q is not a %s URL", raw, strings.Join(schemes, "/"))
}
