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
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianEnhance/pkg/logging"
	"github.com/AleutianAI/AleutianEnhance/services/engine/breaker"
	"github.com/AleutianAI/AleutianEnhance/services/engine/cache"
	"github.com/AleutianAI/AleutianEnhance/services/engine/config"
	"github.com/AleutianAI/AleutianEnhance/services/engine/orchestrator"
	"github.com/AleutianAI/AleutianEnhance/services/engine/resource"
	"github.com/AleutianAI/AleutianEnhance/services/engine/scheduler"
	"github.com/AleutianAI/AleutianEnhance/services/engine/server"
	"github.com/AleutianAI/AleutianEnhance/services/engine/task"
	"github.com/AleutianAI/AleutianEnhance/services/engine/telemetry"
	"github.com/AleutianAI/AleutianEnhance/services/engine/watch"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: "enhance",
	})

	provider, err := telemetry.NewProvider()
	if err != nil {
		return err
	}
	metrics, err := telemetry.NewMetrics(provider.MeterProvider)
	if err != nil {
		return err
	}

	resultCache := cache.New(
		cache.WithCapacityBytes(cfg.Cache.CapacityBytes),
		cache.WithSweepInterval(cfg.Cache.SweepInterval),
		cache.WithLogger(logger),
	)
	defer resultCache.Close()

	sched := scheduler.New(logger, cfg.Scheduler)
	breakers := breaker.NewRegistry(logger, cfg.Breaker.Defaults, cfg.Breaker.PerClass)
	invoker := newBackendInvoker(&http.Client{}, backendURLs())

	engine, err := orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Logger:   logger,
		Invoke:   invoker.Invoke,
		Cache:    resultCache,
		Sched:    sched,
		Breakers: breakers,
		Metrics:  metrics,
		Tracer:   otel.Tracer("enhance-engine"),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Resource.Enabled {
		baseBudget := cfg.Scheduler.Pools[task.ResourceCPU].MemoryBudgetBytes
		monitor := resource.NewMonitor(logger, nil, sched,
			cfg.Resource.Interval, cfg.Resource.ReservedBytes, baseBudget)
		monitor.Start()
		defer monitor.Stop()
	}

	if cfg.Watch.Enabled {
		opts := watch.DefaultOptions()
		opts.DebounceWindow = cfg.Watch.DebounceInterval
		watcher, err := watch.NewModelWatcher(logger, resultCache, cfg.Watch.Dirs, &opts)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	srv := server.New(logger, cfg.Server, engine, provider.Registry)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("Engine started",
		slog.String("addr", cfg.Server.ListenAddr),
		slog.Int("pools", len(cfg.Scheduler.Pools)))
	return g.Wait()
}

// backendURLs reads inference backend endpoints from the environment, one
// per resource pool.
func backendURLs() map[task.ResourceClass]string {
	urls := map[task.ResourceClass]string{
		task.ResourceGPU: "http://127.0.0.1:9800",
		task.ResourceCPU: "http://127.0.0.1:9801",
	}
	if v := os.Getenv("ENHANCE_GPU_BACKEND_URL"); v != "" {
		urls[task.ResourceGPU] = v
	}
	if v := os.Getenv("ENHANCE_CPU_BACKEND_URL"); v != "" {
		urls[task.ResourceCPU] = v
	}
	return urls
}
