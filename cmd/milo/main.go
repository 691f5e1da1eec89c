package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sjawhar/milo/internal/config"
	"github.com/sjawhar/milo/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:          "milo",
		Short:        "Lecture transcription and classroom question assistant",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "path to YAML config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and pipeline (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfgPath)
		},
	}

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Clear every staging area and bus topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(cmd.Context(), cfgPath)
		},
	}

	root.AddCommand(serve, reset)
	return root
}

func defaultConfigPath() string {
	if v := os.Getenv(config.EnvPrefix + "CONFIG"); v != "" {
		return v
	}
	return "config.yaml"
}

func loadConfig(path string) (config.Config, []string, error) {
	cfg, warnings, err := config.Load(path)
	if err != nil {
		return cfg, nil, err
	}
	for _, w := range warnings {
		log.Printf("warning: %s", w)
	}
	return cfg, warnings, nil
}

func runServe(parent context.Context, cfgPath string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Println("milo: starting")

	cfg, warnings, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	a, err := build(ctx, cfg, warnings)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.coordinator.Start(); err != nil {
		return fmt.Errorf("register pipeline: %w", err)
	}

	err = server.Serve(ctx, cfg.ListenAddr, a.handler)
	log.Println("milo: shutting down")
	return err
}

func runReset(parent context.Context, cfgPath string) error {
	cfg, warnings, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	a, err := build(parent, cfg, warnings)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.coordinator.Reset(parent); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	log.Println("milo: staging areas and bus topics cleared")
	return nil
}
