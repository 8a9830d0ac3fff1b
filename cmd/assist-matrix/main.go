// ABOUTME: Entry point for assist-matrix bridge
// ABOUTME: Connects Matrix rooms to a Home Assistant conversation agent over the assist websocket

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-assist/internal/assist"
	"github.com/2389/coven-assist/internal/config"
)

const banner = `
    ╭──────────────────────────────────╮
    │                                  │
    │      coven-assist matrix bridge  │
    │                                  │
    ╰──────────────────────────────────╯
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	cfg, configPath, err := config.LoadDefault()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateMatrix(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	sessionCfg := cfg.SessionConfig()

	green := color.New(color.FgGreen)
	if configPath == "" {
		configPath = "(environment)"
	}
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Assistant:  %s\n", sessionCfg.URL())
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("User:       %s\n", cfg.Matrix.UserID)
	green.Print("    ▶ ")
	fmt.Printf("Storage:    %s\n", cfg.Conversations.Backend)
	fmt.Println()

	store, closeStore, err := cfg.OpenStore()
	if err != nil {
		return fmt.Errorf("opening conversation store: %w", err)
	}
	defer closeStore()

	sess := assist.New(sessionCfg, assist.Options{Store: store, Logger: logger})
	defer sess.Close()

	client, err := mautrix.NewClient(cfg.Matrix.Homeserver, id.UserID(cfg.Matrix.UserID), cfg.Matrix.AccessToken)
	if err != nil {
		return fmt.Errorf("creating matrix client: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Fail fast on bad credentials; later drops reconnect on demand.
	if err := sess.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to assistant: %w", err)
	}

	bridge := NewBridge(cfg.Matrix, client, sess, logger)
	return bridge.Run(ctx, client)
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
