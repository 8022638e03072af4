// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shadowproxy-io/shadowproxy/internal/config"
	"github.com/shadowproxy-io/shadowproxy/internal/convert"
	"github.com/shadowproxy-io/shadowproxy/internal/mode"
	"github.com/shadowproxy-io/shadowproxy/internal/tracing"
	"github.com/shadowproxy-io/shadowproxy/internal/tracing/openinference"
)

// compareDispatcher mirrors /v1/messages traffic to the target endpoint for
// observation. It never blocks the primary path: a full semaphore drops the
// mirror, and responses are logged and traced, never returned to the client.
type compareDispatcher struct {
	client  *http.Client
	sem     chan struct{}
	baseURL string
	timeout time.Duration
	format  string
	logger  *slog.Logger
	tracing *tracing.Tracing
	flag    *mode.Flag

	wg sync.WaitGroup
}

func newCompareDispatcher(client *http.Client, cfg config.TargetConfig, tr *tracing.Tracing, flag *mode.Flag, logger *slog.Logger) *compareDispatcher {
	return &compareDispatcher{
		client:  client,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		baseURL: cfg.URL,
		timeout: time.Duration(cfg.TimeoutSecs) * time.Second,
		format:  cfg.RequestFormat,
		logger:  logger,
		tracing: tr,
		flag:    flag,
	}
}

// dispatch fires one compare request and returns immediately. ctx parents the
// compare span under the caller's root span; cancellation is stripped so the
// mirror outlives the client exchange, bounded only by the dispatcher
// timeout.
func (d *compareDispatcher) dispatch(ctx context.Context, body []byte, correlationID, model string) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.send(ctx, body, correlationID, model)
	}()
}

// drain blocks until in-flight compare requests finish or ctx expires.
func (d *compareDispatcher) drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (d *compareDispatcher) send(ctx context.Context, body []byte, correlationID, model string) {
	tracer := d.tracing.TracerWhenEnabled(d.flag)
	ctx, span := tracer.Start(ctx, "compare_request", trace.WithAttributes(
		attribute.String("correlation_id", correlationID),
		attribute.String("model", model)))
	defer span.End()

	select {
	case d.sem <- struct{}{}:
	default:
		d.logger.Warn("Compare semaphore full, dropping request",
			slog.String("correlation_id", correlationID))
		return
	}
	defer func() { <-d.sem }()

	outBody := body
	url := d.baseURL + "/v1/messages"
	if d.format == config.RequestFormatOpenAI {
		converted, err := convert.AnthropicToOpenAI(body, d.logger)
		if err != nil {
			d.logger.Warn("Failed to convert compare request to OpenAI format",
				slog.String("error", err.Error()), slog.String("correlation_id", correlationID))
			return
		}
		outBody = converted
		url = d.baseURL + "/v1/chat/completions"
		if span.IsRecording() {
			span.SetAttributes(openinference.BuildShadowRequestAttributes(outBody)...)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	start := time.Now()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(outBody))
	if err != nil {
		d.logger.Warn("Failed to build compare request", slog.String("error", err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderXShadowRequestID, correlationID)

	resp, err := d.client.Do(req)
	latency := time.Since(start).Milliseconds()
	span.SetAttributes(attribute.Int64("latency_ms", latency))
	if err != nil {
		span.SetAttributes(attribute.Int("status", 0))
		if errors.Is(err, context.DeadlineExceeded) {
			d.logger.Warn("Compare request timed out",
				slog.Int64("latency_ms", latency), slog.String("correlation_id", correlationID))
		} else {
			d.logger.Warn("Compare request failed",
				slog.String("error", err.Error()), slog.Int64("latency_ms", latency),
				slog.String("correlation_id", correlationID))
		}
		return
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	span.SetAttributes(attribute.Int("status", status))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		d.logger.Warn("Failed to read compare response body",
			slog.String("error", err.Error()), slog.Int("status", status),
			slog.Int64("latency_ms", latency))
		return
	}

	if d.format == config.RequestFormatOpenAI && span.IsRecording() {
		span.SetAttributes(openinference.BuildShadowResponseAttributes(respBody)...)
	}

	inputKey, outputKey := "usage.input_tokens", "usage.output_tokens"
	if d.format == config.RequestFormatOpenAI {
		inputKey, outputKey = "usage.prompt_tokens", "usage.completion_tokens"
	}
	input := gjson.GetBytes(respBody, inputKey)
	output := gjson.GetBytes(respBody, outputKey)
	if input.Type == gjson.Number {
		span.SetAttributes(attribute.Int64("input_tokens", input.Int()))
	}
	if output.Type == gjson.Number {
		span.SetAttributes(attribute.Int64("output_tokens", output.Int()))
	}

	if input.Type == gjson.Number || output.Type == gjson.Number {
		d.logger.Info("Compare request complete",
			slog.Int("status", status), slog.Int64("latency_ms", latency),
			slog.Int64("input_tokens", input.Int()), slog.Int64("output_tokens", output.Int()))
		return
	}
	d.logger.Info("Compare request complete",
		slog.Int("status", status), slog.Int64("latency_ms", latency))
}
