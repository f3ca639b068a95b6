// Package main wires the strategy execution engine's process: configuration,
// persistence, the strategy registry, and the run coordinator. The HTTP
// surface and the market-data vendor integration are external collaborators
// (spec.md §1) and are not part of this binary; it boots the engine and idles
// until asked to shut down, the way an adapter process embedding it would.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/aristath/screenerengine/internal/config"
	"github.com/aristath/screenerengine/internal/coordinator"
	"github.com/aristath/screenerengine/internal/marketdata"
	"github.com/aristath/screenerengine/internal/persistence"
	"github.com/aristath/screenerengine/internal/strategy"
	"github.com/aristath/screenerengine/internal/strategy/bullish"
	"github.com/aristath/screenerengine/internal/strategy/leap"
	"github.com/aristath/screenerengine/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})
	log.Info().Msg("starting screenerd")

	db, err := persistence.Open(persistence.Config{
		Path:    cfg.DatabasePath,
		Profile: persistence.ProfileStandard,
		Logger:  log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	store := persistence.NewStore(db)

	registry := strategy.NewRegistry(log)
	registry.Register(bullish.New())
	registry.Register(leap.New())

	// The market-data vendor integration is an external collaborator
	// (spec.md §1); an embedding process supplies its own marketdata.Fetcher.
	// StaticFetcher stands in here so the coordinator has something to run
	// against at boot.
	fetcher := marketdata.NewStaticFetcher()

	coord := coordinator.New(store, registry, fetcher, coordinator.Config{
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
		MaxWorkersPerRun:  cfg.MaxWorkersPerRun,
		MaxQueueSize:      cfg.MaxQueueSize,
		RunTimeout:        cfg.RunTimeout,
		FetchTimeout:      cfg.FetchTimeout,
	}, log)

	log.Info().
		Int("max_concurrent_runs", cfg.MaxConcurrentRuns).
		Int("max_workers_per_run", cfg.MaxWorkersPerRun).
		Int("max_queue_size", cfg.MaxQueueSize).
		Int("queued", len(coord.Queue().Queued)).
		Msg("screenerd ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("screenerd shutting down")
}
