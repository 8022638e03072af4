// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Command shadowproxy runs the transparent Messages API proxy.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/shadowproxy-io/shadowproxy/internal/config"
	"github.com/shadowproxy-io/shadowproxy/internal/metrics"
	"github.com/shadowproxy-io/shadowproxy/internal/pprof"
	"github.com/shadowproxy-io/shadowproxy/internal/proxy"
	"github.com/shadowproxy-io/shadowproxy/internal/tracing"
	"github.com/shadowproxy-io/shadowproxy/internal/version"
)

// shutdownGrace bounds how long in-flight requests, compare mirrors, and
// telemetry flushes may take once a shutdown signal arrives.
const shutdownGrace = 5 * time.Second

// cmd corresponds to the top-level `shadowproxy` command.
type cmd struct {
	// ConfigPath is the positional way to name the configuration file, for
	// parity with `shadowproxy path/to/config.toml` invocations.
	ConfigPath string `arg:"" name:"config-path" optional:"" help:"Path to the TOML configuration file."`
	// Config is the flag form; it wins over the positional argument.
	Config             string `help:"Path to the TOML configuration file (overrides the positional argument)."`
	TargetURL          string `name:"target-url" help:"Override the [target] url from the configuration."`
	Model              string `help:"Replace the model field of every /v1/messages request body."`
	AllowAnthropicOnly bool   `help:"Permit anthropic-only mode, which forwards everything to the passthrough upstream."`
	Version            bool   `help:"Show version."`
}

// runFn is the function doMain dispatches to after parsing; swapped out by
// tests.
type runFn func(ctx context.Context, c cmd, stdout, stderr io.Writer) error

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	doMain(ctx, os.Stdout, os.Stderr, os.Args[1:], os.Exit, run)
}

// doMain parses the command line and executes rf.
//
//   - stdout and stderr are the writers for standard output and error.
//     Mainly for testing.
//   - args are the command line arguments without the program name.
//   - exitFn is called to exit the program while parsing the command line
//     arguments. Mainly for testing.
func doMain(ctx context.Context, stdout, stderr io.Writer, args []string, exitFn func(int), rf runFn) {
	var c cmd
	parser, err := kong.New(&c,
		kong.Name("shadowproxy"),
		kong.Description("Transparent proxy in front of the Anthropic Messages API for code-assistant clients."),
		kong.Writers(stdout, stderr),
		kong.Exit(exitFn),
	)
	if err != nil {
		log.Fatalf("Error creating parser: %v", err)
	}
	_, err = parser.Parse(args)
	parser.FatalIfErrorf(err)

	if c.Version {
		_, _ = fmt.Fprintf(stdout, "shadowproxy: %s\n", version.Version)
		return
	}
	if err := rf(ctx, c, stdout, stderr); err != nil {
		_, _ = fmt.Fprintf(stderr, "shadowproxy: error: %v\n", err)
		exitFn(1)
	}
}

// run loads configuration, wires the server, and serves until ctx is
// canceled. It returns nil after a clean signal-driven shutdown and an error
// on any startup failure.
func run(ctx context.Context, c cmd, stdout, stderr io.Writer) error {
	path, explicit := config.ResolvePath(c.Config, c.ConfigPath)
	cfg, err := config.Load(path, explicit)
	if err != nil {
		return err
	}

	// CLI overrides beat both the file and the environment.
	if c.TargetURL != "" {
		cfg.Target.URL = c.TargetURL
	}
	if c.Model != "" {
		cfg.ModelOverride = c.Model
	}
	cfg.AnthropicOnlyAllowed = c.AllowAnthropicOnly

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.Tracing.SlogLevel()}))
	pprof.Run(ctx, logger)

	tr, err := tracing.New(ctx, tracing.Config{
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		Protocol:     cfg.Tracing.Protocol,
	}, stdout)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	meter, registry, metricsShutdown, err := metrics.NewMeter()
	if err != nil {
		return err
	}

	s := proxy.New(cfg, logger, tr, metrics.NewRecorder(meter), registry)

	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", cfg.Server.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.ListenAddress, err)
	}

	logger.Info("Starting shadowproxy",
		slog.String("version", version.Version),
		slog.String("config_path", path),
		slog.String("mode", cfg.DefaultMode),
		slog.String("passthrough_url", cfg.Passthrough.URL),
		slog.String("target_url", cfg.Target.URL),
	)

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve(lis) }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down server gracefully", slog.String("error", err.Error()))
	}
	if err := tr.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down tracing gracefully", slog.String("error", err.Error()))
	}
	if err := metricsShutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down metrics gracefully", slog.String("error", err.Error()))
	}
	if err := <-serveErr; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
