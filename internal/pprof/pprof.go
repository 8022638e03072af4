// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package pprof serves the Go profiling endpoints on a side port so a
// production proxy can be profiled without touching the traffic listener.
package pprof

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"time"
)

const (
	pprofPort = "6060" // The same default port as in the Go pprof documentation.
	// DisableEnvVarKey is the environment variable name to disable the pprof
	// server. Set to any value to skip starting it.
	DisableEnvVarKey = "DISABLE_PPROF"
)

// Run starts the pprof server unless DISABLE_PPROF is set. It is
// non-blocking: the server runs in its own goroutines until ctx is canceled.
//
// The server is on by default since idle pprof endpoints cost nothing and
// having them already listening is what makes a live incident debuggable.
func Run(ctx context.Context, logger *slog.Logger) {
	if _, ok := os.LookupEnv(DisableEnvVarKey); ok {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	server := &http.Server{Addr: ":" + pprofPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("Starting pprof server", slog.String("port", pprofPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Pprof server stopped", slog.String("error", err.Error()))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shut down pprof server", slog.String("error", err.Error()))
		}
	}()
}
