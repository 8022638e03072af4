// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package proxy

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shadowproxy-io/shadowproxy/internal/mode"
	"github.com/shadowproxy-io/shadowproxy/internal/rewrite"
	"github.com/shadowproxy-io/shadowproxy/internal/tracing/openinference"
	"github.com/shadowproxy-io/shadowproxy/internal/validation"
)

// handleMessages is the /v1/messages pipeline: correlate, rewrite, annotate,
// count, then forward according to the active mode.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Error("Failed to read request body", slog.String("error", err.Error()))
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	correlationID := newCorrelationID()

	rewritten, err := rewrite.Rewrite(body, s.rewriteOpts)
	if err != nil {
		s.logger.Warn("Failed to rewrite request body, forwarding unchanged",
			slog.String("error", err.Error()))
		rewritten = body
	}

	// Model and stream come from the body as it goes upstream, after any
	// override. Unparseable bodies forward anyway and report as unknown.
	model := "unknown"
	if v := gjson.GetBytes(rewritten, "model"); v.Type == gjson.String {
		model = v.String()
	}
	streaming := gjson.GetBytes(rewritten, "stream").Type == gjson.True

	tracer := s.tracing.TracerWhenEnabled(s.tracingFlag)
	ctx, rootSpan := tracer.Start(r.Context(), "proxy_request", trace.WithAttributes(
		attribute.String("correlation_id", correlationID),
		attribute.String("original_model", model)))
	r = r.WithContext(ctx)

	if gjson.ValidBytes(rewritten) {
		if rootSpan.IsRecording() {
			rootSpan.SetAttributes(openinference.BuildRequestAttributes(rewritten, model)...)
		}
		report := validation.ValidateRequest(rewritten)
		report.Emit(rootSpan, s.logger)
	}

	s.stats.IncRequests()

	switch s.modeReg.Load() {
	case mode.ModeTarget:
		s.forwardMessages(w, r, forwardJob{
			body:          rewritten,
			correlationID: correlationID,
			model:         model,
			streaming:     streaming,
			rootSpan:      rootSpan,
			base:          s.cfg.Target.URL,
			client:        s.targetClient,
			stripAPIKey:   true,
		})
		return
	case mode.ModeCompare:
		s.dispatcher.dispatch(ctx, rewritten, correlationID, model)
	case mode.ModeAnthropicOnly:
		if !s.cfg.AnthropicOnlyAllowed {
			rootSpan.End()
			writeJSON(w, http.StatusForbidden, errorBody{
				Error: "anthropic-only mode is not enabled; restart with --allow-anthropic-only",
			})
			return
		}
	}

	s.forwardMessages(w, r, forwardJob{
		body:          rewritten,
		correlationID: correlationID,
		model:         model,
		streaming:     streaming,
		rootSpan:      rootSpan,
		base:          s.cfg.Passthrough.URL,
		client:        s.passthroughClient,
		stripAPIKey:   !s.cfg.Passthrough.PassthroughAuth,
	})
}
