// Package main provides the enrichment worker entry point. It drains contract
// analysis and token enrichment on a fixed interval outside the pipeline DAG.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/contract-catalog/internal/app"
	"github.com/contract-catalog/internal/config"
	"github.com/contract-catalog/internal/logging"
	"github.com/contract-catalog/internal/ratelimit"
	"github.com/contract-catalog/internal/storage"
)

func main() {
	fmt.Println("Contract Catalogue Enrichment Worker")
	log.Println("Worker starting...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithComponent("enricher")

	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), logger))
	defer cancel()

	stores, err := storage.OpenStores(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to databases")
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.WithError(err).Warn("Error closing database connections")
		}
	}()

	components, err := app.Build(cfg, stores, app.Options{
		Cache:  stores.Metadata,
		Budget: stores.ChainBudget(ratelimit.PriorityLow),
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to assemble enrichment components")
	}

	w, err := components.NewWorker()
	if err != nil {
		logger.WithError(err).Fatal("Failed to create enrichment worker")
	}
	if err := w.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start enrichment worker")
	}

	logger.WithFields(map[string]interface{}{
		"poll_interval": cfg.Enrichment.PollInterval.String(),
		"batch_size":    cfg.Enrichment.BatchSize,
		"concurrency":   cfg.Enrichment.Concurrency,
	}).Info("Enrichment worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down enrichment worker...")

	// In-flight batches finish their writes before the worker returns
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer stopCancel()
	if err := w.Stop(stopCtx); err != nil {
		logger.WithError(err).Error("Enrichment worker did not stop cleanly")
	}

	for host, state := range components.Breakers.States() {
		logger.WithFields(map[string]interface{}{"host": host, "state": state}).Debug("circuit breaker state at exit")
	}
	logger.Info("Worker exited")
}
