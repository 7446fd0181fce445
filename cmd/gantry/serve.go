package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gantrykit/gantry/pkg/api"
	"github.com/gantrykit/gantry/pkg/config"
	"github.com/gantrykit/gantry/pkg/engine"
	"github.com/gantrykit/gantry/pkg/executor"
	"github.com/gantrykit/gantry/pkg/log"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gantry daemon",
	Long: `Run the gantry daemon: the engine with its persistence layer plus
the HTTP API the operator CLI talks to.

The daemon registers the built-in shell and sleep executors; programs
embedding pkg/engine directly register their own.

Examples:
  # Run with defaults (data in ./data, API on :8080)
  gantry serve

  # Run against a config file
  gantry serve --config /etc/gantry/config.yaml`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Path to YAML config file")
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	serveCmd.Flags().String("agent-id", "", "Agent identity recorded on sessions (overrides config)")
	serveCmd.Flags().String("api-addr", "", "API listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("agent-id"); v != "" {
		cfg.AgentID = v
	}
	if v, _ := cmd.Flags().GetString("api-addr"); v != "" {
		cfg.API.Addr = v
		cfg.API.Enabled = true
	}

	log.Init(cfg.LogConfigValue())
	logger := log.WithComponent("main")

	eng, err := engine.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	if err := eng.RegisterCapability("shell", executor.Shell{}); err != nil {
		return err
	}
	if err := eng.RegisterCapability("sleep", executor.Sleep{}); err != nil {
		return err
	}
	if err := eng.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	// Everything after this point runs under one group: a signal or a
	// failing component cancels gctx and the rest unwinds in order.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.API.Enabled {
		srv := api.NewServer(eng, api.Config{
			Addr:        cfg.API.Addr,
			CORSOrigins: cfg.API.CORSOrigins,
			ReadOnly:    cfg.API.ReadOnly,
			Version:     Version,
		})
		g.Go(srv.Start)
		g.Go(func() error {
			// Stop the API as soon as shutdown begins so no new
			// mutations land while the queue drains.
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Stop(stopCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		return nil
	})

	logger.Info().Str("version", Version).
		Str("session_id", eng.SessionID()).
		Str("data_dir", cfg.DataDir).
		Msg("gantry running")

	runErr := g.Wait()
	if runErr != nil {
		logger.Error().Err(runErr).Msg("api server failed")
	}

	// Release the signal handler so a second interrupt during a stuck
	// drain kills the process the normal way.
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx, false); err != nil {
		return fmt.Errorf("failed to shutdown: %w", err)
	}
	return runErr
}
