// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/queryloom/queryloom/services/gateway"
	"github.com/queryloom/queryloom/services/pipeline/catalog"
	"github.com/queryloom/queryloom/services/pipeline/config"
)

// version is overridden at build time with -ldflags.
var version = "dev"

var (
	configPath string
	debugMode  bool

	rootCmd = &cobra.Command{
		Use:   "queryloom",
		Short: "A natural-language query gateway with live dashboard sync",
		Long: `QueryLoom translates natural-language questions into guarded SQL,
executes them against pooled data sources, and fans results out to
collaborative dashboard sessions in real time.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		RunE:  runServe,
	}

	validateCmd = &cobra.Command{
		Use:   "validate-config",
		Short: "Load the config and catalog, report problems, and exit",
		RunE:  runValidateConfig,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the queryloom version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("queryloom", version)
		},
	}
)

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the yaml config file")
	serveCmd.Flags().BoolVar(&debugMode, "debug", false, "Enable gin debug mode and request logging")
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the yaml config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

func runValidateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Printf("config ok: %d data source(s)\n", len(cfg.Sources))

	if cfg.CatalogPath == "" {
		fmt.Println("no catalog_path configured, skipping catalog check")
		return nil
	}
	cat, err := catalog.Load(cfg.CatalogPath, nil)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	for _, ds := range cat.Datasets() {
		fmt.Printf("dataset %s: source %s, %d table(s)\n", ds.ID, ds.SourceID, len(ds.Tables))
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if debugMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	srv, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}
