// Package main is the entry point for the homework helper server.
//
// The main package stays minimal. Its job is to:
//  1. Read configuration (internal/config: .env, optional YAML, environment)
//  2. Create the logger
//  3. Build and start the server
//
// All actual logic lives in the internal packages.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/sakif/homework-helper/internal/config"
	"github.com/sakif/homework-helper/internal/server"
)

func main() {
	// === 1. READ CONFIGURATION ===
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// === 2. SET UP LOGGING ===
	// Validate has already rejected unknown levels.
	level, _ := config.ParseLevel(cfg.Log.Level)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// === 3. CREATE AND START THE SERVER ===
	srv, err := server.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start() blocks until the server is shut down (via Ctrl+C or SIGTERM)
	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
