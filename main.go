package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"gateway-proxy/pkg/config"
	"gateway-proxy/pkg/identity"
	"gateway-proxy/pkg/proxy"
	"gateway-proxy/pkg/server"
	"gateway-proxy/pkg/session"
	"gateway-proxy/pkg/upstream"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway-proxy: %v\n", err)
		os.Exit(2)
	}

	log := newLogger(cfg, os.Stderr)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Gateway proxy failed")
	}
}

func newLogger(cfg config.Config, w io.Writer) zerolog.Logger {
	if cfg.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	lvl, _ := cfg.Level()
	return zerolog.New(w).With().Timestamp().Str("service", "gateway-proxy").Logger().Level(lvl)
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	idp := identity.NewClient(cfg.IdentityURL, cfg.IdentityTimeout)
	validator := identity.NewValidator(idp)
	sessions := session.NewManager(validator)
	usage := session.NewUsageTracker()

	p := proxy.New(validator, sessions, usage, proxy.Options{
		Upstream: upstream.Config{
			URL:               cfg.UpstreamURL,
			Token:             cfg.UpstreamToken,
			MaxReconnectDelay: cfg.MaxReconnectDelay,
		},
		AllowedOrigins: cfg.AllowedOrigins,
	}, log.With().Str("component", "proxy").Logger())

	srv := server.New(p, sessions, usage, server.Options{
		AdminToken: cfg.AdminToken,
		RequestLog: log.GetLevel() <= zerolog.DebugLevel,
	}, log.With().Str("component", "server").Logger())

	log.Info().
		Str("upstream", cfg.UpstreamURL).
		Str("identity", cfg.IdentityURL).
		Bool("admin_api", cfg.AdminToken != "").
		Msg("Starting gateway proxy")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.Run(ctx, cfg.ListenAddr)
		log.Info().Msg("Gateway proxy stopped")
		return err
	})
	g.Go(func() error {
		checkIdentity(ctx, idp, cfg.IdentityTimeout, log)
		return nil
	})
	return g.Wait()
}

// checkIdentity probes the identity service until it answers or ctx ends.
// An outage is logged, not fatal: handshakes fail with an invalid token
// until the service is back.
func checkIdentity(ctx context.Context, idp *identity.Client, interval time.Duration, log zerolog.Logger) bool {
	bo := &backoff.Backoff{Min: interval, Max: 10 * interval, Factor: 2}
	for {
		err := idp.Ping(ctx)
		if err == nil {
			log.Info().Msg("Identity service reachable")
			return true
		}
		delay := bo.Duration()
		log.Warn().Err(err).Dur("retry", delay).Msg("Identity service unreachable")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}
