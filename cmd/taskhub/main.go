// Command taskhub runs the coordination server: it dispatches AI-agent
// tasks to a pool of remote workers over HTTP/JSON and SSE.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rileyseaburg/codetether/internal/api"
	"github.com/rileyseaburg/codetether/internal/authn"
	"github.com/rileyseaburg/codetether/internal/config"
	"github.com/rileyseaburg/codetether/internal/logging"
	"github.com/rileyseaburg/codetether/internal/policy"
	"github.com/rileyseaburg/codetether/internal/store"
	"github.com/rileyseaburg/codetether/internal/store/memory"
	"github.com/rileyseaburg/codetether/internal/store/sqlstore"
)

var version = "dev"

// Exit codes: 0 clean shutdown, 1 configuration error, 2 store
// initialization failure, 3 fatal runtime error before listen.
const (
	exitConfig  = 1
	exitStore   = 2
	exitRuntime = 3
)

func main() {
	logging.Setup()

	configPath := flag.String("config", "", "path to YAML config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(exitConfig)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("store initialization failed", "backing", cfg.Store.Backing, "error", err)
		os.Exit(exitStore)
	}

	verifier, err := buildVerifier(ctx, cfg)
	if err != nil {
		slog.Error("token verifier setup failed", "error", err)
		os.Exit(exitRuntime)
	}
	decider, err := buildDecider(ctx, cfg)
	if err != nil {
		slog.Error("policy setup failed", "error", err)
		os.Exit(exitRuntime)
	}

	logging.PrintBanner(cfg.Store.Backing, version, cfg.ListenAddr)
	logging.PrintAccessURL(cfg.ListenAddr)

	server := api.New(cfg, st, verifier, decider, version)
	if err := server.Run(ctx); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(exitRuntime)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backing {
	case "sql":
		if err := sqlstore.Migrate(cfg.Store.DSN); err != nil {
			return nil, err
		}
		pool, err := sqlstore.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		return sqlstore.New(pool), nil
	default:
		return memory.New(), nil
	}
}

func buildVerifier(ctx context.Context, cfg *config.Config) (authn.Verifier, error) {
	if cfg.Auth.OIDCIssuer == "" && cfg.Auth.JWKSURL == "" {
		slog.Warn("no OIDC issuer configured; accepting any bearer token (dev mode)")
		return authn.DevVerifier{}, nil
	}
	return authn.NewOIDCVerifier(ctx, cfg.Auth.OIDCIssuer, cfg.Auth.JWKSURL)
}

func buildDecider(ctx context.Context, cfg *config.Config) (policy.Decider, error) {
	if cfg.Policy.BundlePath == "" {
		return policy.AllowAll{}, nil
	}
	return policy.NewRego(ctx, cfg.Policy.BundlePath, cfg.Policy.Query)
}
