// Package main is the entry point for the SMTP to Microsoft Graph relay.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shineum/smtp-graph-relay/internal/config"
	"github.com/shineum/smtp-graph-relay/internal/gateway"
	"github.com/shineum/smtp-graph-relay/internal/relay"
)

// Exit codes for fatal startup conditions.
const (
	exitOther               = 1
	exitConfigInconsistency = 2
	exitCloudMismatch       = 3
	exitIdentityNotFound    = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return exitConfigInconsistency
	}

	setupLogger(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	slog.Info("starting smtp-graph-relay",
		"provider", cfg.Provider,
		"listen", cfg.SMTP.Listen,
		"sender", cfg.Sender(),
		"auth_enabled", cfg.AuthEnabled(),
		"tls_enabled", cfg.TLS.Enabled,
	)

	g, err := gateway.Prepare(ctx, cfg, gateway.Options{})
	if err != nil {
		slog.Error("startup failed", "kind", relay.KindOf(err), "error", err)
		return exitCode(err)
	}

	if err := g.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
		return exitOther
	}

	slog.Info("smtp-graph-relay stopped")
	return 0
}

// exitCode maps a startup error to the process exit status.
func exitCode(err error) int {
	switch relay.KindOf(err) {
	case relay.KindConfigInconsistency:
		return exitConfigInconsistency
	case relay.KindCloudMismatch:
		return exitCloudMismatch
	case relay.KindIdentityNotFound:
		return exitIdentityNotFound
	default:
		return exitOther
	}
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
