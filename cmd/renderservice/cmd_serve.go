// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRender/pkg/logging"
	"github.com/AleutianAI/AleutianRender/services/render/config"
	"github.com/AleutianAI/AleutianRender/services/render/telemetry"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the render service until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default $"+config.EnvConfigPath+")")
	return cmd
}

// loadConfig resolves the config path from the flag, then .env and the
// environment, and loads it.
func loadConfig(path string) (config.Config, error) {
	envPath := config.LoadEnv()
	if path == "" {
		path = envPath
	}
	return config.Load(path)
}

func runServe(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	log := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "render",
		JSON:    cfg.Logging.JSON,
	})
	defer func() { _ = log.Close() }()
	logger := log.Slog()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	a, err := newApp(cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	logger.Info("starting render service",
		slog.String("render_mode", cfg.Render.Mode),
		slog.String("address", a.addr()),
		slog.Bool("journal_in_memory", cfg.Storage.Path == ""),
	)
	return a.run(ctx)
}
