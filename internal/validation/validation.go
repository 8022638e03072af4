// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package validation is the typed-validation sidecar for detecting drift in
// the Anthropic Messages API vocabulary.
//
// A strict decode of the request is attempted purely as a detector, never as
// a gate: its findings become span attributes and log events while the
// request proceeds untouched. Two layers:
//
//   - high severity: the typed parse failed outright, so the request shape
//     has diverged from the known schema;
//   - medium severity: the typed parse succeeded but absorbed content blocks
//     whose type tag is outside the known set.
package validation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shadowproxy-io/shadowproxy/internal/apischema/anthropic"
)

// Severity classifies a validation finding.
type Severity string

const (
	// SeverityHigh marks a typed parse failure: the request shape itself
	// has diverged.
	SeverityHigh Severity = "high"
	// SeverityMedium marks an unknown content block inside an otherwise
	// well-formed request.
	SeverityMedium Severity = "medium"
)

// Finding categories.
const (
	CategoryTypedParseFailure   = "typed_parse_failure"
	CategoryUnknownContentBlock = "unknown_content_block"
)

// Span attribute keys carrying the report.
const (
	AttrTypedParseOK      = "shadow.validation.typed_parse_ok"
	AttrFindingCount      = "shadow.validation.finding_count"
	AttrUnknownBlockTypes = "shadow.validation.unknown_block_types"
	AttrMaxSeverity       = "shadow.validation.max_severity"
	AttrFindingsJSON      = "shadow.validation.findings_json"
)

// Finding is a single detected divergence.
type Finding struct {
	Severity Severity `json:"severity"`
	Category string   `json:"category"`
	Message  string   `json:"message"`
	// BlockType is the literal unknown type tag, when the finding concerns
	// a content block.
	BlockType string `json:"block_type,omitempty"`
	// MessageIndex is the position in the messages array, when applicable.
	// A pointer so index 0 survives serialization.
	MessageIndex *int   `json:"message_index,omitempty"`
	Role         string `json:"role,omitempty"`
}

// Report aggregates the findings for one request.
type Report struct {
	// TypedParseOK is whether the strict decode succeeded at all.
	TypedParseOK bool
	Findings     []Finding
	// UnknownBlockTypes lists unknown type tags deduplicated in first-seen
	// order.
	UnknownBlockTypes []string
}

// ValidateRequest runs both detection layers over a request body. It never
// fails: a body that cannot be decoded is itself the high-severity signal.
func ValidateRequest(body []byte) Report {
	var req anthropic.MessagesRequest
	err := json.Unmarshal(body, &req)
	if err == nil {
		err = req.CheckRequired()
	}
	if err != nil {
		return Report{
			Findings: []Finding{{
				Severity: SeverityHigh,
				Category: CategoryTypedParseFailure,
				Message:  fmt.Sprintf("Typed deserialization failed: %v", err),
			}},
		}
	}

	report := Report{TypedParseOK: true}
	for msgIdx, msg := range req.Messages {
		if msg.Content.Array == nil {
			continue
		}
		for blockIdx, block := range msg.Content.Array {
			if block.Kind != anthropic.ContentBlockKindOther {
				continue
			}

			// The typed decode dropped the literal tag; recover it from the
			// raw JSON at the same position.
			typeName := "unknown"
			if tag := gjson.GetBytes(body, fmt.Sprintf("messages.%d.content.%d.type", msgIdx, blockIdx)); tag.Type == gjson.String {
				typeName = tag.String()
			}

			role := string(msg.Role)
			report.Findings = append(report.Findings, Finding{
				Severity:     SeverityMedium,
				Category:     CategoryUnknownContentBlock,
				Message:      fmt.Sprintf("Unknown content block type %q in %s message at index %d", typeName, role, msgIdx),
				BlockType:    typeName,
				MessageIndex: &msgIdx,
				Role:         role,
			})
			if !slices.Contains(report.UnknownBlockTypes, typeName) {
				report.UnknownBlockTypes = append(report.UnknownBlockTypes, typeName)
			}
		}
	}
	return report
}

// Emit records the report on the request span and logs each finding. The
// span attribute set is stable so downstream trace queries can rely on it.
func (r *Report) Emit(span trace.Span, logger *slog.Logger) {
	if span != nil {
		attrs := []attribute.KeyValue{
			attribute.Bool(AttrTypedParseOK, r.TypedParseOK),
			attribute.Int64(AttrFindingCount, int64(len(r.Findings))),
		}
		if len(r.UnknownBlockTypes) > 0 {
			attrs = append(attrs, attribute.String(AttrUnknownBlockTypes, strings.Join(r.UnknownBlockTypes, ",")))
		}
		if sev, ok := r.maxSeverity(); ok {
			attrs = append(attrs, attribute.String(AttrMaxSeverity, string(sev)))
		}
		if len(r.Findings) > 0 {
			if findingsJSON, err := json.Marshal(r.Findings); err == nil {
				attrs = append(attrs, attribute.String(AttrFindingsJSON, string(findingsJSON)))
			}
		}
		span.SetAttributes(attrs...)
	}

	for _, f := range r.Findings {
		msgIdx := -1
		if f.MessageIndex != nil {
			msgIdx = *f.MessageIndex
		}
		args := []any{
			slog.String("category", f.Category),
			slog.String("message", f.Message),
			slog.String("block_type", f.BlockType),
			slog.Int("message_index", msgIdx),
			slog.String("role", f.Role),
		}
		if f.Severity == SeverityHigh {
			logger.Warn("Validation finding (high severity)", args...)
		} else {
			logger.Info("Validation finding (medium severity)", args...)
		}
	}
}

func (r *Report) maxSeverity() (Severity, bool) {
	if len(r.Findings) == 0 {
		return "", false
	}
	for _, f := range r.Findings {
		if f.Severity == SeverityHigh {
			return SeverityHigh, true
		}
	}
	return SeverityMedium, true
}
