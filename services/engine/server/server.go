// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the engine's operational HTTP API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianEnhance/services/engine/config"
	"github.com/AleutianAI/AleutianEnhance/services/engine/fallback"
	"github.com/AleutianAI/AleutianEnhance/services/engine/orchestrator"
)

// Server wraps the HTTP surface over a running engine.
type Server struct {
	engine *orchestrator.Engine
	logger *slog.Logger
	http   *http.Server
}

// New builds the server. The registry may be nil; /metrics then serves
// the default Prometheus registry.
func New(logger *slog.Logger, cfg config.ServerConfig, engine *orchestrator.Engine, registry *prometheus.Registry) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("enhance-engine"))

	s := &Server{
		engine: engine,
		logger: logger.With(slog.String("subsystem", "http")),
	}
	s.setupRoutes(router, registry)

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) setupRoutes(router *gin.Engine, registry *prometheus.Registry) {
	router.GET("/health", s.handleHealth)

	metricsHandler := promhttp.Handler()
	if registry != nil {
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}
	router.GET("/metrics", gin.WrapH(metricsHandler))

	v1 := router.Group("/v1")
	{
		v1.GET("/stats", s.handleStats)
		v1.GET("/errors", s.handleErrors)
		v1.POST("/cache/invalidate", s.handleInvalidate)

		admin := v1.Group("/admin")
		{
			admin.POST("/emergency-stop", s.handleEmergencyStop)
			admin.POST("/reset", s.handleReset)
		}
	}
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", slog.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Stats())
}

func (s *Server) handleErrors(c *gin.Context) {
	filter := fallback.Filter{
		Category: fallback.Category(c.Query("category")),
		Severity: fallback.Severity(c.Query("severity")),
	}
	records := s.engine.Errors(filter)
	c.JSON(http.StatusOK, gin.H{"errors": records, "count": len(records)})
}

// invalidateRequest is the body for POST /v1/cache/invalidate.
type invalidateRequest struct {
	Pattern string `json:"pattern" binding:"required"`
}

func (s *Server) handleInvalidate(c *gin.Context) {
	var req invalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pattern is required"})
		return
	}
	n := s.engine.InvalidateCache(req.Pattern)
	s.logger.Info("Cache invalidated via API",
		slog.String("pattern", req.Pattern),
		slog.Int("evicted", n))
	c.JSON(http.StatusOK, gin.H{"evicted": n})
}

func (s *Server) handleEmergencyStop(c *gin.Context) {
	s.engine.EmergencyStop()
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) handleReset(c *gin.Context) {
	s.engine.Reset()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}
