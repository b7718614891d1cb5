package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PARADOX-12/TrustChain-Backend/internal/app"
	"github.com/PARADOX-12/TrustChain-Backend/internal/config"
	"github.com/PARADOX-12/TrustChain-Backend/internal/ledger"
	"github.com/PARADOX-12/TrustChain-Backend/internal/logging"
	"github.com/PARADOX-12/TrustChain-Backend/internal/service"
)

// Drops the projection cache and replays the full ledger into it. Run this
// when the cache has fallen behind the ledger or after changing backends.
func main() {
	configPath := flag.String("config", "configs/server.yaml", "path to server config")
	pageSize := flag.Int("page-size", 500, "ledger entries fetched per page")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewJSONLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := app.OpenStore(ctx, cfg)
	if err != nil {
		logger.Error("open cache failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	adapter := ledger.NewClient(
		cfg.Ledger.URL,
		cfg.Ledger.WriteToken,
		time.Duration(cfg.Ledger.SubmitTimeoutSeconds)*time.Second,
		time.Duration(cfg.Ledger.ReadTimeoutSeconds)*time.Second,
	)

	rebuilder := service.NewRebuilder(store, adapter, *pageSize, logger)
	start := time.Now()
	applied, err := rebuilder.Rebuild(ctx)
	if err != nil {
		logger.Error("rebuild failed",
			slog.Int("applied", applied),
			slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("rebuild complete",
		slog.Int("applied", applied),
		slog.String("backend", cfg.Storage.Backend),
		slog.Duration("elapsed", time.Since(start)))
	fmt.Printf("applied:%d\n", applied)
}
