package main

import (
	"context"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devsapp/agentrun-sandbox-broker/internal/domain/cleanup"
	"github.com/devsapp/agentrun-sandbox-broker/internal/infrastructure/config"
	"github.com/devsapp/agentrun-sandbox-broker/internal/infrastructure/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker HTTP server",
	RunE:  runServe,
}

func init() {
	addServeFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().String("port", "", "Server port (overrides PORT)")
	cmd.Flags().String("provider", "", "Sandbox provider: local or agentrun (overrides PROVIDER)")
	cmd.Flags().String("config", "", "YAML or TOML config file (overrides CONFIG_FILE)")
	cmd.Flags().Bool("dev", false, "Development logging")
}

func runServe(cmd *cobra.Command, _ []string) error {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := os.Setenv("CONFIG_FILE", path); err != nil {
			return err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetString("port"); port != "" {
		cfg.Server.Port = port
	}
	if kind, _ := cmd.Flags().GetString("provider"); kind != "" {
		cfg.Provider.Kind = kind
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if dev, _ := cmd.Flags().GetBool("dev"); dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		return err
	}
	logger := srv.Logger()
	coord := srv.Coordinator()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var (
		mu     sync.Mutex
		caught os.Signal
	)
	signals := cleanup.NewSignalHandler(coord, logger.Component("signal"), func(sig os.Signal) {
		mu.Lock()
		caught = sig
		mu.Unlock()
		cancel()
	})
	signals.Start()
	defer signals.Stop()

	err = coord.Guard(func() error { return srv.Run(ctx) })
	if err != nil {
		logger.Error("server stopped", zap.Error(err))
	}

	mu.Lock()
	sig := caught
	mu.Unlock()
	if sig != nil {
		signals.Stop()
		cleanup.Reraise(sig)
	}
	return err
}
