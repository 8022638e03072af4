// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package proxy implements the shadowproxy HTTP server: the /v1/messages
// forwarding pipeline, the compare mirror, the catch-all passthrough, and
// the admin API, all on one listener.
package proxy

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shadowproxy-io/shadowproxy/internal/config"
	"github.com/shadowproxy-io/shadowproxy/internal/metrics"
	"github.com/shadowproxy-io/shadowproxy/internal/mode"
	"github.com/shadowproxy-io/shadowproxy/internal/rewrite"
	"github.com/shadowproxy-io/shadowproxy/internal/stats"
	"github.com/shadowproxy-io/shadowproxy/internal/tracing"
)

// Server routes client traffic by the live proxy mode and exposes the admin
// surface beside it. Mode and trace toggles are registers shared with the
// admin handlers, so changes apply to the next request without a restart.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	stats       *stats.Stats
	modeReg     *mode.Register
	tracingFlag *mode.Flag
	tracing     *tracing.Tracing
	recorder    *metrics.Recorder

	// Each upstream gets its own client so each carries its configured
	// timeout. The timeout covers the whole exchange including body
	// streaming, which is what turns a stalled upstream into a 504.
	passthroughClient *http.Client
	targetClient      *http.Client

	dispatcher  *compareDispatcher
	rewriteOpts rewrite.Options

	httpServer *http.Server
}

// New wires a Server from validated configuration. registry may be nil to
// omit the /metrics route.
func New(cfg *config.Config, logger *slog.Logger, tr *tracing.Tracing, recorder *metrics.Recorder, registry *prometheus.Registry) *Server {
	passthroughClient := &http.Client{Timeout: time.Duration(cfg.Passthrough.TimeoutSecs) * time.Second}
	targetClient := &http.Client{Timeout: time.Duration(cfg.Target.TimeoutSecs) * time.Second}

	s := &Server{
		cfg:               cfg,
		logger:            logger,
		stats:             stats.New(),
		modeReg:           mode.NewRegister(cfg.Mode()),
		tracingFlag:       mode.NewFlag(true),
		tracing:           tr,
		recorder:          recorder,
		passthroughClient: passthroughClient,
		targetClient:      targetClient,
	}
	s.dispatcher = newCompareDispatcher(targetClient, cfg.Target, tr, s.tracingFlag, logger)
	s.rewriteOpts = rewrite.Options{
		ModelOverride: cfg.ModelOverride,
		Temperature:   cfg.Target.Temperature,
		TopP:          cfg.Target.TopP,
	}
	if cfg.Target.MaxTokens != nil {
		s.rewriteOpts.MaxTokensDefault = int64(*cfg.Target.MaxTokens)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", s.handleMessages)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleGetStats)
	mux.HandleFunc("GET /api/mode", s.handleGetMode)
	mux.HandleFunc("PUT /api/mode", s.handleSetMode)
	mux.HandleFunc("GET /api/tracing", s.handleGetTracing)
	mux.HandleFunc("PUT /api/tracing", s.handleSetTracing)
	if registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/", s.handleFallback)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the route table for tests that drive the server through
// httptest instead of a listener.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Serve accepts connections on lis until Shutdown. Like http.Server.Serve it
// always returns a non-nil error; after a clean Shutdown the error is
// http.ErrServerClosed.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("shadowproxy listening",
		slog.String("address", lis.Addr().String()),
		slog.String("mode", s.modeReg.Load().String()))
	return s.httpServer.Serve(lis)
}

// Shutdown stops accepting connections, drains in-flight requests, then
// waits for outstanding compare mirrors up to the ctx deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.dispatcher.drain(ctx)
	return err
}
