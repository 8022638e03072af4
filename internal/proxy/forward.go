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
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// hopByHopHeaders never cross the proxy in either direction.
var hopByHopHeaders = map[string]struct{}{
	"host":                {},
	"connection":          {},
	"transfer-encoding":   {},
	"keep-alive":          {},
	"upgrade":             {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
}

// forwardJob carries one primary forward: the rewritten body, its identity,
// and the upstream it goes to. rootSpan ownership transfers to the response
// tap once upstream headers arrive; until then error paths end it here.
type forwardJob struct {
	body          []byte
	correlationID string
	model         string
	streaming     bool
	rootSpan      trace.Span
	base          string
	client        *http.Client
	stripAPIKey   bool
}

// forwardMessages posts the job to <base>/v1/messages and relays the upstream
// response verbatim, wrapped in a tap that extracts attributes and counters
// at end of stream. The upstream status code passes through untouched so
// clients see real 429s and 529s; only transport failures map to gateway
// statuses.
func (s *Server) forwardMessages(w http.ResponseWriter, r *http.Request, job forwardJob) {
	tracer := s.tracing.TracerWhenEnabled(s.tracingFlag)
	ctx, span := tracer.Start(r.Context(), "primary_forward", trace.WithAttributes(
		attribute.String("correlation_id", job.correlationID),
		attribute.String("target", hostOf(job.base)),
	))
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.base+"/v1/messages", bytes.NewReader(job.body))
	if err != nil {
		span.End()
		job.rootSpan.End()
		s.logger.Error("Failed to build upstream request",
			slog.String("error", err.Error()), slog.String("correlation_id", job.correlationID))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderXShadowRequestID, job.correlationID)
	copyRequestHeaders(req.Header, r.Header, job.stripAPIKey)

	resp, err := job.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		status, body, logMsg := upstreamErrorStatus(err)
		span.SetAttributes(
			attribute.Int("status", status),
			attribute.Int64("latency_ms", latency.Milliseconds()))
		span.End()
		job.rootSpan.End()
		s.logger.Error(logMsg,
			slog.String("error", err.Error()), slog.String("correlation_id", job.correlationID))
		s.recorder.RecordRequestDuration(ctx, job.model, latency, false)
		http.Error(w, body, status)
		return
	}

	status := resp.StatusCode
	span.SetAttributes(
		attribute.Int("status", status),
		attribute.Int64("latency_ms", latency.Milliseconds()))
	span.End()
	s.logger.Info("Forward complete",
		slog.Int("status", status), slog.Int64("latency_ms", latency.Milliseconds()))

	if reqID := resp.Header.Get("x-request-id"); reqID != "" {
		job.rootSpan.SetAttributes(attribute.String("anthropic_request_id", reqID))
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set(HeaderXShadowRequestID, job.correlationID)
	if status < 100 || status > 999 {
		// WriteHeader panics outside the three-digit range.
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)

	tap := &tapBody{
		upstream:   resp.Body,
		span:       job.rootSpan,
		streaming:  job.streaming,
		model:      job.model,
		start:      start,
		stats:      s.stats,
		recorder:   s.recorder,
		logger:     s.logger,
		metricsCtx: context.WithoutCancel(ctx),
	}
	defer tap.Close()
	relayBody(w, tap)
}

// copyRequestHeaders copies client headers onto the upstream request,
// dropping hop-by-hop headers, the two the forwarder sets itself, and
// content-length, which no longer matches the rewritten body. stripAPIKey
// additionally drops x-api-key for upstreams that authenticate on their own.
func copyRequestHeaders(dst, src http.Header, stripAPIKey bool) {
	for name, values := range src {
		lower := strings.ToLower(name)
		if _, hop := hopByHopHeaders[lower]; hop {
			continue
		}
		switch lower {
		case "content-type", HeaderXShadowRequestID, "content-length":
			continue
		}
		if stripAPIKey && lower == "x-api-key" {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// copyResponseHeaders copies upstream response headers to the client minus
// hop-by-hop headers. Content-length is kept: response bodies relay verbatim.
func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		if _, hop := hopByHopHeaders[strings.ToLower(name)]; hop {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// upstreamErrorStatus maps a transport error to the status code, response
// body, and log message the client-facing error uses.
func upstreamErrorStatus(err error) (status int, body, logMsg string) {
	var netErr net.Error
	if (errors.As(err, &netErr) && netErr.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "upstream timeout", "Upstream timeout"
	}
	return http.StatusBadGateway, "upstream connection error", "Upstream connection error"
}

// relayBody copies upstream bytes to the client, flushing after every chunk
// so SSE frames leave as they arrive rather than coalescing in the buffer.
func relayBody(w http.ResponseWriter, body io.Reader) {
	f, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if f != nil {
				f.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// hostOf reduces a base URL to its host for span attribution.
func hostOf(base string) string {
	host := strings.TrimPrefix(base, "https://")
	host = strings.TrimPrefix(host, "http://")
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	return host
}
