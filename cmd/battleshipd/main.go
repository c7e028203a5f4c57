// Command battleshipd runs the networked Battleship match server
// described in SPEC_FULL.md: it loads configuration, wires structured
// logging, and runs the front door until interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/battleshipd/battleshipd/internal/config"
	"github.com/battleshipd/battleshipd/internal/server"
)

const defaultConfigPath = "config/battleshipd.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	path := defaultConfigPath
	if p := os.Getenv("BATTLESHIPD_CONFIG"); p != "" {
		path = p
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	slog.Info("battleshipd starting",
		"bind", cfg.BindAddress,
		"port", cfg.Port,
		"log_level", cfg.LogLevel,
		"encrypted", cfg.EncryptionKey != "",
	)

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("constructing server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// parseLogLevel converts a config string to an slog.Level, defaulting to
// info on an empty or unrecognized value.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
