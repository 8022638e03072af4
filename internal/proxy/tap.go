// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shadowproxy-io/shadowproxy/internal/metrics"
	"github.com/shadowproxy-io/shadowproxy/internal/sse"
	"github.com/shadowproxy-io/shadowproxy/internal/stats"
	"github.com/shadowproxy-io/shadowproxy/internal/tracing/openinference"
)

// tapBody wraps the upstream response body on the primary path. Bytes flow
// to the client unchanged while a copy accumulates; when the upstream signals
// end of stream the buffered copy is mined for span attributes, token
// counters, and metrics, and the request's root span ends. If the stream is
// abandoned before EOF (client gone, copy error) Close ends the span without
// extraction since a partial buffer has no reliable usage data.
type tapBody struct {
	upstream io.ReadCloser

	span      trace.Span
	streaming bool
	model     string
	start     time.Time
	stats     *stats.Stats
	recorder  *metrics.Recorder
	logger    *slog.Logger

	// metricsCtx is detached from the request so end-of-stream recording
	// survives client cancellation.
	metricsCtx context.Context

	mu        sync.Mutex
	buf       bytes.Buffer
	firstByte bool
	done      bool
}

func (t *tapBody) Read(p []byte) (int, error) {
	n, err := t.upstream.Read(p)
	if n > 0 {
		if !t.firstByte {
			t.firstByte = true
			elapsed := time.Since(t.start)
			t.span.SetAttributes(attribute.Int64("ttft_ms", elapsed.Milliseconds()))
			t.recorder.RecordFirstToken(t.metricsCtx, t.model, elapsed)
		}
		t.mu.Lock()
		t.buf.Write(p[:n])
		t.mu.Unlock()
	}
	if err == io.EOF {
		t.finish()
	}
	return n, err
}

// Close ends the root span if end-of-stream extraction never ran, then
// closes the upstream body.
func (t *tapBody) Close() error {
	t.mu.Lock()
	alreadyDone := t.done
	t.done = true
	t.mu.Unlock()
	if !alreadyDone {
		t.span.End()
	}
	return t.upstream.Close()
}

// finish runs exactly once, at upstream EOF.
func (t *tapBody) finish() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	body := bytes.Clone(t.buf.Bytes())
	t.mu.Unlock()

	elapsed := time.Since(t.start)
	t.span.SetAttributes(attribute.Int64("total_duration_ms", elapsed.Milliseconds()))

	if !utf8.Valid(body) {
		t.logger.Warn("Skipping response extraction for non-UTF-8 body",
			slog.Int("bytes", len(body)))
	} else {
		if t.span.IsRecording() {
			if t.streaming {
				t.span.SetAttributes(openinference.BuildStreamingResponseAttributes(body)...)
			} else {
				t.span.SetAttributes(openinference.BuildResponseAttributes(body)...)
			}
		}
		inputTokens, outputTokens := t.extractStats(body)
		if inputTokens > 0 || outputTokens > 0 {
			t.recorder.RecordTokenUsage(t.metricsCtx, t.model, inputTokens, outputTokens)
		}
	}

	t.recorder.RecordRequestDuration(t.metricsCtx, t.model, elapsed, true)
	t.span.End()
}

func (t *tapBody) extractStats(body []byte) (inputTokens, outputTokens uint64) {
	if t.streaming {
		return t.extractStreamingStats(body)
	}
	return t.extractJSONStats(body)
}

// extractJSONStats reads usage totals and tool_use block counts from a
// non-streaming response. Error envelopes and drifted schemas simply
// contribute nothing.
func (t *tapBody) extractJSONStats(body []byte) (uint64, uint64) {
	var msg anthropic.Message
	if err := json.Unmarshal(body, &msg); err == nil {
		inputTokens := clampTokens(msg.Usage.InputTokens)
		outputTokens := clampTokens(msg.Usage.OutputTokens)
		t.stats.AddInputTokens(inputTokens)
		t.stats.AddOutputTokens(outputTokens)
		var toolCalls uint64
		for _, block := range msg.Content {
			if block.Type == "tool_use" {
				toolCalls++
			}
		}
		if toolCalls > 0 {
			t.stats.AddToolCalls(toolCalls)
		}
		return inputTokens, outputTokens
	}

	// Bodies the SDK schema rejects may still carry a usage object.
	var inputTokens, outputTokens uint64
	if v := gjson.GetBytes(body, "usage.input_tokens"); v.Type == gjson.Number {
		inputTokens = v.Uint()
		t.stats.AddInputTokens(inputTokens)
	}
	if v := gjson.GetBytes(body, "usage.output_tokens"); v.Type == gjson.Number {
		outputTokens = v.Uint()
		t.stats.AddOutputTokens(outputTokens)
	}
	var toolCalls uint64
	for _, block := range gjson.GetBytes(body, "content").Array() {
		if block.Get("type").String() == "tool_use" {
			toolCalls++
		}
	}
	if toolCalls > 0 {
		t.stats.AddToolCalls(toolCalls)
	}
	return inputTokens, outputTokens
}

// extractStreamingStats walks the buffered SSE stream once. Input tokens come
// from message_start, falling back to a message_delta that carries them when
// no message_start was seen. Output tokens accumulate from message_delta
// events, and each tool_use content_block_start counts one tool call.
func (t *tapBody) extractStreamingStats(body []byte) (uint64, uint64) {
	var inputTokens, outputTokens uint64
	inputSeen := false
	for _, ev := range sse.Split(body) {
		if !gjson.Valid(ev.Data) {
			continue
		}
		data := gjson.Parse(ev.Data)
		switch ev.Type {
		case "message_start":
			if v := data.Get("message.usage.input_tokens"); v.Type == gjson.Number && !inputSeen {
				inputSeen = true
				inputTokens += v.Uint()
				t.stats.AddInputTokens(v.Uint())
			}
		case "message_delta":
			if v := data.Get("usage.output_tokens"); v.Type == gjson.Number {
				outputTokens += v.Uint()
				t.stats.AddOutputTokens(v.Uint())
			}
			if v := data.Get("usage.input_tokens"); v.Type == gjson.Number && !inputSeen {
				inputSeen = true
				inputTokens += v.Uint()
				t.stats.AddInputTokens(v.Uint())
			}
		case "content_block_start":
			if data.Get("content_block.type").String() == "tool_use" {
				t.stats.AddToolCalls(1)
			}
		}
	}
	return inputTokens, outputTokens
}

func clampTokens(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}
