// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// quarry-acctd is the Quarry accounting daemon. It listens for RPC
// connections from cluster controllers and one-shot client commands,
// and persists accounting records to a local SQLite database.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/quarry-hpc/quarry/acct"
	"github.com/quarry-hpc/quarry/lib/config"
	"github.com/quarry-hpc/quarry/lib/process"
	"github.com/quarry-hpc/quarry/lib/version"
	"github.com/quarry-hpc/quarry/rpc"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var showVersion bool
	pflag.StringVar(&configPath, "config", "", "path to the acct.yaml config file (overrides QUARRY_ACCT_CONFIG)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("quarry-acctd %s\n", version.Full())
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := acct.OpenStore(acct.StoreConfig{
		Path:   cfg.DatabasePath,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	registry := rpc.NewRegistry()
	processor, err := acct.NewProcessor(acct.ProcessorConfig{
		Store:    store,
		Registry: registry,
		Secret:   cfg.Secret,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	server, err := rpc.NewServer(rpc.Config{
		ListenAddress:  cfg.ListenAddress,
		MaxConnections: cfg.MaxConnections,
		Processor:      processor,
		OpenStorage:    func(remoteHost string) rpc.Storage { return store.OpenSession(remoteHost) },
		Registry:       registry,
		ShutdownGrace:  cfg.ShutdownGraceDuration(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	logger.Info("quarry-acctd starting",
		"version", version.Info(),
		"listen_address", cfg.ListenAddress,
		"database", cfg.DatabasePath,
	)

	// Serve blocks until the signal context is cancelled and the
	// drain completes.
	if err := server.Serve(ctx); err != nil {
		return err
	}

	logger.Info("quarry-acctd stopped")
	return nil
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
