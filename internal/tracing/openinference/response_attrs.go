// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package openinference

import (
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"

	"github.com/shadowproxy-io/shadowproxy/internal/sse"
)

// BuildResponseAttributes builds OpenInference attributes from a complete
// non-streaming Messages API response body. A body that is not valid JSON
// yields nil; the request itself is unaffected either way.
func BuildResponseAttributes(body []byte) []attribute.KeyValue {
	if !utf8.Valid(body) || !gjson.ValidBytes(body) {
		return nil
	}
	resp := gjson.ParseBytes(body)

	attrs := []attribute.KeyValue{attribute.String(OutputValue, string(body))}

	if role := resp.Get("role"); role.Type == gjson.String {
		attrs = append(attrs, attribute.String(OutputMessageAttribute(0, MessageRole), role.String()))
	}

	if content := resp.Get("content"); content.IsArray() {
		var textParts []string
		toolIdx := 0
		for _, block := range content.Array() {
			switch block.Get("type").String() {
			case "text":
				if t := block.Get("text"); t.Type == gjson.String {
					textParts = append(textParts, t.String())
				}
			case "tool_use":
				if name := block.Get("name"); name.Type == gjson.String {
					attrs = append(attrs, attribute.String(OutputMessageToolCallAttribute(0, toolIdx, ToolCallFunctionName), name.String()))
				}
				if input := block.Get("input"); input.Exists() {
					attrs = append(attrs, attribute.String(OutputMessageToolCallAttribute(0, toolIdx, ToolCallFunctionArguments), input.Raw))
				}
				toolIdx++
			}
		}
		if len(textParts) > 0 {
			attrs = append(attrs, attribute.String(OutputMessageAttribute(0, MessageContent), strings.Join(textParts, "")))
		}
	}

	if v := resp.Get("usage.input_tokens"); v.Type == gjson.Number {
		attrs = append(attrs, attribute.Int64(LLMTokenCountPrompt, v.Int()))
	}
	if v := resp.Get("usage.output_tokens"); v.Type == gjson.Number {
		attrs = append(attrs, attribute.Int64(LLMTokenCountCompletion, v.Int()))
	}

	return attrs
}

// streamBlock accumulates one content block across SSE deltas.
type streamBlock struct {
	blockType    string
	text         strings.Builder
	toolName     string
	toolArgsJSON strings.Builder
}

// BuildStreamingResponseAttributes reconstructs OpenInference attributes
// from a complete SSE response body in a single pass over its events.
// Individual events that fail to parse are skipped; a non-UTF-8 body yields
// nil.
func BuildStreamingResponseAttributes(body []byte) []attribute.KeyValue {
	if !utf8.Valid(body) {
		return nil
	}

	var (
		inputTokens  *int64
		outputTokens *int64
		role         string
		blocks       []*streamBlock
	)

	for _, ev := range sse.Split(body) {
		if !gjson.Valid(ev.Data) {
			continue
		}
		data := gjson.Parse(ev.Data)

		switch ev.Type {
		case "message_start":
			msg := data.Get("message")
			if r := msg.Get("role"); r.Type == gjson.String {
				role = r.String()
			}
			if it := msg.Get("usage.input_tokens"); it.Type == gjson.Number {
				v := it.Int()
				inputTokens = &v
			}
		case "content_block_start":
			if cb := data.Get("content_block"); cb.Exists() {
				b := &streamBlock{blockType: "text"}
				if t := cb.Get("type"); t.Type == gjson.String {
					b.blockType = t.String()
				}
				if b.blockType == "tool_use" {
					b.toolName = cb.Get("name").String()
				}
				blocks = append(blocks, b)
			}
		case "content_block_delta":
			idx := data.Get("index")
			if idx.Type != gjson.Number {
				continue
			}
			i := int(idx.Int())
			if i < 0 || i >= len(blocks) {
				continue
			}
			delta := data.Get("delta")
			switch delta.Get("type").String() {
			case "text_delta":
				if t := delta.Get("text"); t.Type == gjson.String {
					blocks[i].text.WriteString(t.String())
				}
			case "input_json_delta":
				if pj := delta.Get("partial_json"); pj.Type == gjson.String {
					blocks[i].toolArgsJSON.WriteString(pj.String())
				}
			}
		case "message_delta":
			if usage := data.Get("usage"); usage.Exists() {
				if ot := usage.Get("output_tokens"); ot.Type == gjson.Number {
					v := ot.Int()
					outputTokens = &v
				}
				// Some upstreams report input_tokens only here; whichever
				// event delivered it first wins so nothing double-counts.
				if inputTokens == nil {
					if it := usage.Get("input_tokens"); it.Type == gjson.Number {
						v := it.Int()
						inputTokens = &v
					}
				}
			}
		}
	}

	attrs := []attribute.KeyValue{attribute.String(OutputValue, string(body))}
	if role != "" {
		attrs = append(attrs, attribute.String(OutputMessageAttribute(0, MessageRole), role))
	}

	var textParts []string
	toolCallIdx := 0
	for _, b := range blocks {
		switch b.blockType {
		case "text":
			if b.text.Len() > 0 {
				textParts = append(textParts, b.text.String())
			}
		case "tool_use":
			if b.toolName != "" {
				attrs = append(attrs, attribute.String(OutputMessageToolCallAttribute(0, toolCallIdx, ToolCallFunctionName), b.toolName))
			}
			if b.toolArgsJSON.Len() > 0 {
				attrs = append(attrs, attribute.String(OutputMessageToolCallAttribute(0, toolCallIdx, ToolCallFunctionArguments), b.toolArgsJSON.String()))
			}
			toolCallIdx++
		}
	}
	if len(textParts) > 0 {
		attrs = append(attrs, attribute.String(OutputMessageAttribute(0, MessageContent), strings.Join(textParts, "")))
	}

	if inputTokens != nil {
		attrs = append(attrs, attribute.Int64(LLMTokenCountPrompt, *inputTokens))
	}
	if outputTokens != nil {
		attrs = append(attrs, attribute.Int64(LLMTokenCountCompletion, *outputTokens))
	}
	return attrs
}
