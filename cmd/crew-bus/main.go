// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

// crew-bus is the coordination daemon for one crew: it owns the store,
// serves the HTTP API, and runs the background sweeps (held-message
// release, session expiry, the crew-wide conduct audit).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/crew-bus/crew-bus/burnout"
	"github.com/crew-bus/crew-bus/config"
	"github.com/crew-bus/crew-bus/lib/clock"
	"github.com/crew-bus/crew-bus/registry"
	"github.com/crew-bus/crew-bus/router"
	"github.com/crew-bus/crew-bus/server"
	"github.com/crew-bus/crew-bus/skillhealth"
	"github.com/crew-bus/crew-bus/store"
	"github.com/crew-bus/crew-bus/trust"
	"github.com/crew-bus/crew-bus/vault"
	"github.com/crew-bus/crew-bus/vetting"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		listen     string
		storePath  string
	)
	pflag.StringVar(&configPath, "config", "", "path to the YAML configuration file")
	pflag.StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	pflag.StringVar(&storePath, "store", "", "SQLite database path (overrides config)")
	pflag.Parse()

	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if storePath != "" {
		cfg.Store.Path = storePath
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := store.Open(store.Config{
		Path:     cfg.Store.Path,
		PoolSize: cfg.Store.PoolSize,
		Clock:    clock.Real(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer s.Close()
	logger.Info("store open", "path", cfg.Store.Path)

	scheduler, err := burnout.NewScheduler(cfg.Burnout)
	if err != nil {
		return err
	}
	keys, err := vault.OpenKeystore(cfg.Sessions.KeyPath, logger)
	if err != nil {
		return err
	}
	defer keys.Close()

	reg := registry.New(s)
	pipeline := vetting.NewPipeline(s)
	monitor := skillhealth.NewMonitor(s, cfg.SkillHealth)
	v := vault.New(s, keys, cfg.Sessions.IdleTimeout)
	bus := router.New(s, trust.NewEngine(cfg.Trust), scheduler, v, monitor)

	if err := pipeline.SeedBuiltins(ctx); err != nil {
		return err
	}

	// Background sweeps. Session expiry rides the release-sweep
	// ticker; the conduct audit runs on its own slower cadence.
	sweeper := burnout.NewSweeper(s, scheduler, cfg.Burnout.SweepInterval)
	sweeper.OnPass(func(ctx context.Context) {
		if _, err := v.ExpireSweep(ctx); err != nil {
			logger.Error("session expiry sweep failed", "error", err)
		}
	})
	heartbeat := skillhealth.NewHeartbeat(s, cfg.SkillHealth.HeartbeatInterval, cfg.SkillHealth.HeartbeatWindow)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		heartbeat.Run(ctx)
	}()

	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: server.New(server.Deps{
			Store:     s,
			Router:    bus,
			Registry:  reg,
			Pipeline:  pipeline,
			Monitor:   monitor,
			Vault:     v,
			Decisions: trust.NewDecisionLog(s),
		}).Handler(),
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Listen)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		stop()
		wg.Wait()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	wg.Wait()

	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
