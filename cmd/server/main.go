// Package main provides the API server entry point for the contract catalogue.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/contract-catalog/internal/api"
	"github.com/contract-catalog/internal/app"
	"github.com/contract-catalog/internal/config"
	"github.com/contract-catalog/internal/logging"
	"github.com/contract-catalog/internal/ratelimit"
	"github.com/contract-catalog/internal/storage"
)

func main() {
	fmt.Println("Contract Catalogue API Server")
	log.Println("Server starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	if err := cfg.Pipeline.RequireSecret(); err != nil {
		logger.WithError(err).Warn("Pipeline triggers will be rejected")
	}

	logger.Info("Connecting to databases...")
	stores, err := storage.OpenStores(logging.WithLogger(context.Background(), logger), cfg)
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
		Budget: stores.ChainBudget(ratelimit.PriorityHigh),
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to assemble pipeline")
	}
	logger.Info("Pipeline components initialized")

	// Runs are synchronous, so writes may take as long as the run lock allows
	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    cfg.Pipeline.LockTTL,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		RequestsPerSec:  cfg.RateLimit.RequestsPerSecond,
		Burst:           cfg.RateLimit.Burst,
		PipelineSecret:  cfg.Pipeline.Secret,
	}

	server := api.NewServer(serverConfig, components.Orchestrator, stores, stores, logger)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
