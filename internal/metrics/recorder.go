// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// Metric names, attributes and values according to the Semantic Conventions for Generative AI Metrics.
	// See: https://opentelemetry.io/docs/specs/semconv/gen-ai/gen-ai-metrics/

	genaiMetricClientTokenUsage       = "gen_ai.client.token.usage" // #nosec G101: Potential hardcoded credentials
	genaiMetricServerRequestDuration  = "gen_ai.server.request.duration"
	genaiMetricServerTimeToFirstToken = "gen_ai.server.time_to_first_token" // #nosec G101: Potential hardcoded credentials

	genaiAttributeOperationName = "gen_ai.operation.name"
	genaiAttributeRequestModel  = "gen_ai.request.model"
	genaiAttributeTokenType     = "gen_ai.token.type" // #nosec G101: Potential hardcoded credentials
	genaiAttributeErrorType     = "error.type"

	genaiOperationChat     = "chat"
	genaiTokenTypeInput    = "input"
	genaiTokenTypeOutput   = "output"
	genaiErrorTypeFallback = "_OTHER"
)

// Recorder holds the proxy's GenAI instruments. All methods are invoked
// after response completion, never on the byte-copy path.
type Recorder struct {
	// tokenUsage is the number of tokens processed, by token type.
	// See: https://opentelemetry.io/docs/specs/semconv/gen-ai/gen-ai-metrics/#metric-gen_aiclienttokenusage
	tokenUsage metric.Float64Histogram
	// requestLatency is the total latency of the request, measured from
	// receiving the client request to the last upstream response byte.
	// See: https://opentelemetry.io/docs/specs/semconv/gen-ai/gen-ai-metrics/#metric-gen_aiserverrequestduration
	requestLatency metric.Float64Histogram
	// firstTokenLatency is the latency to the first upstream response byte.
	// See: https://opentelemetry.io/docs/specs/semconv/gen-ai/gen-ai-metrics/#metric-gen_aiservertime_to_first_token
	firstTokenLatency metric.Float64Histogram
}

// NewRecorder registers the proxy's instruments on meter.
func NewRecorder(meter metric.Meter) *Recorder {
	return &Recorder{
		tokenUsage: mustRegisterHistogram(meter,
			genaiMetricClientTokenUsage,
			metric.WithDescription("Number of tokens processed."),
			metric.WithUnit("{token}"),
			metric.WithExplicitBucketBoundaries(1, 4, 16, 64, 256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864),
		),
		requestLatency: mustRegisterHistogram(meter,
			genaiMetricServerRequestDuration,
			metric.WithDescription("Time spent processing request."),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(0.01, 0.02, 0.04, 0.08, 0.16, 0.32, 0.64, 1.28, 2.56, 5.12, 10.24, 20.48, 40.96, 81.92),
		),
		firstTokenLatency: mustRegisterHistogram(meter,
			genaiMetricServerTimeToFirstToken,
			metric.WithDescription("Time to receive first token in streaming responses."),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.02, 0.04, 0.06, 0.08, 0.1, 0.25, 0.5, 0.75, 1.0, 2.5, 5.0, 7.5, 10.0),
		),
	}
}

func (r *Recorder) baseAttributes(model string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Key(genaiAttributeOperationName).String(genaiOperationChat),
		attribute.Key(genaiAttributeRequestModel).String(model),
	}
}

// RecordTokenUsage records the input and output token counts of one request.
func (r *Recorder) RecordTokenUsage(ctx context.Context, model string, inputTokens, outputTokens uint64) {
	attrs := r.baseAttributes(model)
	r.tokenUsage.Record(ctx, float64(inputTokens),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeInput)),
	)
	r.tokenUsage.Record(ctx, float64(outputTokens),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeOutput)),
	)
}

// RecordRequestDuration records the total request latency.
func (r *Recorder) RecordRequestDuration(ctx context.Context, model string, d time.Duration, success bool) {
	if success {
		// According to the semantic conventions, the error attribute should not be added for successful operations.
		r.requestLatency.Record(ctx, d.Seconds(), metric.WithAttributes(r.baseAttributes(model)...))
		return
	}
	// We don't have a set of typed errors with low-cardinality values, so use the
	// placeholder. See: https://opentelemetry.io/docs/specs/semconv/attributes-registry/error/#error-type
	r.requestLatency.Record(ctx, d.Seconds(),
		metric.WithAttributes(r.baseAttributes(model)...),
		metric.WithAttributes(attribute.Key(genaiAttributeErrorType).String(genaiErrorTypeFallback)),
	)
}

// RecordFirstToken records the time to the first upstream response byte.
func (r *Recorder) RecordFirstToken(ctx context.Context, model string, d time.Duration) {
	r.firstTokenLatency.Record(ctx, d.Seconds(), metric.WithAttributes(r.baseAttributes(model)...))
}
