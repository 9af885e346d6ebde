// Command gateway is the nulpoint virtual-key LLM routing proxy.
//
// Configuration comes from environment variables, with an optional .env file
// loaded on startup; .env.example documents every variable. Listens on PORT
// (default 8080).
//
// Quick-start against a JSON seed file, no Postgres or Redis needed:
//
//	SEED_FILE=seed.json ./gateway
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/llm-router/internal/app"
	"github.com/nulpointcorp/llm-router/internal/config"
)

// version is stamped at build time: -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// newLogger builds the shared JSON logger. Unrecognized levels fall back to
// INFO; debug additionally annotates records with file:line.
func newLogger(level string) *slog.Logger {
	l, ok := logLevels[level]
	if !ok {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug,
	}))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("gateway stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
