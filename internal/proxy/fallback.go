// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package proxy

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shadowproxy-io/shadowproxy/internal/mode"
)

// maxFallbackBodyBytes caps how much of a catch-all request body gets
// buffered before forwarding.
const maxFallbackBodyBytes = 10 << 20

// handleFallback relays any route the mux does not know verbatim to the
// passthrough upstream: token counting, model listing, whatever the upstream
// API grows next. No rewrite, no tap, no mirror. In target mode there is no
// passthrough upstream to lean on, so unmatched routes 404.
func (s *Server) handleFallback(w http.ResponseWriter, r *http.Request) {
	if s.modeReg.Load() == mode.ModeTarget {
		s.logger.Debug("Dropping unmatched route in target mode (no passthrough)",
			slog.String("method", r.Method), slog.String("path", r.URL.Path))
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFallbackBodyBytes))
	if err != nil {
		s.logger.Error("Failed to read request body", slog.String("error", err.Error()))
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	correlationID := newCorrelationID()
	url := s.cfg.Passthrough.URL + r.URL.Path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	tracer := s.tracing.TracerWhenEnabled(s.tracingFlag)
	ctx, span := tracer.Start(r.Context(), "passthrough_forward", trace.WithAttributes(
		attribute.String("correlation_id", correlationID),
		attribute.String("method", r.Method),
		attribute.String("url", url)))
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, r.Method, url, bytes.NewReader(body))
	if err != nil {
		span.End()
		s.logger.Error("Failed to build upstream request",
			slog.String("error", err.Error()), slog.String("correlation_id", correlationID))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	req.Header.Set(HeaderXShadowRequestID, correlationID)
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if _, hop := hopByHopHeaders[lower]; hop {
			continue
		}
		if lower == HeaderXShadowRequestID || lower == "content-length" {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := s.passthroughClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		status, errBody, logMsg := upstreamErrorStatus(err)
		span.SetAttributes(
			attribute.Int("status", status),
			attribute.Int64("latency_ms", latency.Milliseconds()))
		span.End()
		s.logger.Error(logMsg,
			slog.String("error", err.Error()), slog.String("correlation_id", correlationID))
		http.Error(w, errBody, status)
		return
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	span.SetAttributes(
		attribute.Int("status", status),
		attribute.Int64("latency_ms", latency.Milliseconds()))
	span.End()
	s.logger.Info("Forward complete",
		slog.Int("status", status), slog.Int64("latency_ms", latency.Milliseconds()))

	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set(HeaderXShadowRequestID, correlationID)
	if status < 100 || status > 999 {
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	relayBody(w, resp.Body)
}
