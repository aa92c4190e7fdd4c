// KIS Auto Trader — an automated equity trading engine for the Korea
// Investment & Securities open API.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts the API server, waits for SIGINT/SIGTERM
//	engine/executor.go   — per-session loop: market hours → fetch → evaluate → order → wait
//	engine/manager.go    — owns all live executors, supervises their goroutines
//	strategy/            — threshold, SMA crossover, and RSI strategies behind one contract
//	broker/kis.go        — REST adapter for the KIS open API with token-bucket rate limiting
//	store/store.go       — JSON file persistence for sessions (survives restarts)
//	api/                 — HTTP control plane + per-user WebSocket fan-out of session status
//
// Each trading session watches one stock with one strategy. Sessions are
// started, paused, resumed, and stopped through the HTTP API; their status
// streams to the owning user's WebSocket connections in real time.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"kis-autotrader/internal/api"
	"kis-autotrader/internal/config"
	"kis-autotrader/internal/engine"
	"kis-autotrader/internal/store"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("KIS_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open session store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	hub := api.NewHub(logger)
	manager := engine.NewManager(hub, logger)
	server := api.NewServer(cfg, st, manager, hub, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server failed", "error", err)
			os.Exit(1)
		}
	}()

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("kis auto trader started",
		"url", fmt.Sprintf("http://localhost:%d", cfg.Server.Port),
		"environment", cfg.Broker.Environment,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := server.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	manager.Shutdown()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
