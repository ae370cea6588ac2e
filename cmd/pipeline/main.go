// Package main provides a CLI for running the catalogue pipeline and a
// single enrichment pass without the API server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/contract-catalog/internal/app"
	"github.com/contract-catalog/internal/config"
	"github.com/contract-catalog/internal/logging"
	"github.com/contract-catalog/internal/marts"
	"github.com/contract-catalog/internal/pipeline"
	"github.com/contract-catalog/internal/ratelimit"
	"github.com/contract-catalog/internal/storage"
	"github.com/contract-catalog/internal/types"
)

func main() {
	root := &cobra.Command{
		Use:          "pipeline",
		Short:        "Contract catalogue pipeline",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error); defaults to LOG_LEVEL")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline stage",
		RunE:  runPipeline,
	}
	runCmd.Flags().String("stage", string(types.StageFull), "stage to run (full, staging, marts)")
	runCmd.Flags().StringSlice("marts", nil, "marts to build with --stage marts (comma-separated); empty means all")
	root.AddCommand(runCmd)

	root.AddCommand(&cobra.Command{
		Use:   "enrich",
		Short: "Run one contract analysis and token enrichment pass",
		RunE:  runEnrich,
	})

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List accepted stages and mart names",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printJSON(cmd, pipeline.Status{Stages: types.AllStages, Marts: marts.Names})
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration, connects the stores and assembles the pipeline
func setup(cmd *cobra.Command, priority ratelimit.Priority) (*app.App, *storage.Stores, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	level := cfg.Logging.Level
	if flag, _ := cmd.Flags().GetString("log-level"); flag != "" {
		level = flag
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(level), logging.ParseLogFormat(cfg.Logging.Format))

	stores, err := storage.OpenStores(logging.WithLogger(cmd.Context(), logging.GetGlobalLogger()), cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect stores: %w", err)
	}
	a, err := app.Build(cfg, stores, app.Options{Cache: stores.Metadata, Budget: stores.ChainBudget(priority)})
	if err != nil {
		_ = stores.Close()
		return nil, nil, err
	}
	return a, stores, nil
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	stage, _ := cmd.Flags().GetString("stage")
	names, _ := cmd.Flags().GetStringSlice("marts")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cmd.SetContext(ctx)

	a, stores, err := setup(cmd, ratelimit.PriorityHigh)
	if err != nil {
		return err
	}
	defer stores.Close()

	run, runErr := a.Orchestrator.Run(ctx, pipeline.Request{Stage: types.Stage(stage), Marts: names})
	if run != nil {
		if err := printJSON(cmd, run); err != nil {
			return err
		}
	}
	return runErr
}

func runEnrich(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cmd.SetContext(ctx)

	a, stores, err := setup(cmd, ratelimit.PriorityLow)
	if err != nil {
		return err
	}
	defer stores.Close()

	w, err := a.NewWorker()
	if err != nil {
		return err
	}
	res, err := w.Poll(ctx)
	if printErr := printJSON(cmd, res); printErr != nil {
		return printErr
	}
	return err
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
