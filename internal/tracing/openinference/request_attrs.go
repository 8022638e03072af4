// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package openinference

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/attribute"
)

// Generation parameters copied into llm.invocation_parameters when present,
// per payload format. Messages and tools have their own attributes.
var (
	messagesParameterKeys       = []string{"max_tokens", "temperature", "top_p", "top_k", "stop_sequences"}
	chatCompletionParameterKeys = []string{"max_completion_tokens", "temperature", "top_p", "stop"}
)

// BuildRequestAttributes builds OpenInference attributes from a raw
// Anthropic Messages API request body. model is the value the request
// carried before any rewrite; when empty, llm.model_name is omitted.
func BuildRequestAttributes(body []byte, model string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(SpanKind, SpanKindLLM),
		attribute.String(LLMSystem, LLMSystemAnthropic),
	}
	if model != "" {
		attrs = append(attrs, attribute.String(LLMModelName, model))
	}

	req := gjson.ParseBytes(body)

	if messages := req.Get("messages"); messages.Exists() {
		attrs = append(attrs, attribute.String(InputValue, messages.Raw))
	}
	attrs = append(attrs, attribute.String(LLMInvocationParameters, invocationParameters(req, messagesParameterKeys)))

	// Flatten the conversation; a system prompt occupies index 0 and shifts
	// the rest.
	msgIdx := 0
	if text, ok := systemText(req.Get("system")); ok {
		attrs = append(attrs,
			attribute.String(InputMessageAttribute(msgIdx, MessageRole), "system"),
			attribute.String(InputMessageAttribute(msgIdx, MessageContent), text),
		)
		msgIdx++
	}

	if messages := req.Get("messages"); messages.IsArray() {
		for _, msg := range messages.Array() {
			if role := msg.Get("role"); role.Type == gjson.String {
				attrs = append(attrs, attribute.String(InputMessageAttribute(msgIdx, MessageRole), role.String()))
			}

			content := msg.Get("content")
			switch {
			case content.Type == gjson.String:
				attrs = append(attrs, attribute.String(InputMessageAttribute(msgIdx, MessageContent), content.String()))
			case content.IsArray():
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
							attrs = append(attrs, attribute.String(InputMessageToolCallAttribute(msgIdx, toolIdx, ToolCallFunctionName), name.String()))
						}
						if input := block.Get("input"); input.Exists() {
							attrs = append(attrs, attribute.String(InputMessageToolCallAttribute(msgIdx, toolIdx, ToolCallFunctionArguments), input.Raw))
						}
						toolIdx++
					case "tool_result":
						if c := block.Get("content"); c.Type == gjson.String {
							textParts = append(textParts, c.String())
						}
					}
					// Unknown block types (thinking, citations, ...) are skipped.
				}
				if len(textParts) > 0 {
					attrs = append(attrs, attribute.String(InputMessageAttribute(msgIdx, MessageContent), strings.Join(textParts, "\n")))
				}
			}
			msgIdx++
		}
	}

	if tools := req.Get("tools"); tools.IsArray() {
		for i, tool := range tools.Array() {
			attrs = append(attrs, attribute.String(ToolSchemaAttribute(i), tool.Raw))
		}
	}

	return attrs
}

// systemText flattens the system prompt union (string, or array of blocks
// carrying text) into one string joined with newlines.
func systemText(system gjson.Result) (string, bool) {
	switch {
	case system.Type == gjson.String:
		return system.String(), true
	case system.IsArray():
		var parts []string
		for _, block := range system.Array() {
			if t := block.Get("text"); t.Type == gjson.String {
				parts = append(parts, t.String())
			}
		}
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, "\n"), true
	default:
		return "", false
	}
}

// invocationParameters reserializes the generation parameters present in
// req as one compact JSON object, keeping each value's original encoding.
func invocationParameters(req gjson.Result, keys []string) string {
	params := []byte("{}")
	for _, key := range keys {
		if v := req.Get(key); v.Exists() {
			params, _ = sjson.SetRawBytesOptions(params, key, []byte(v.Raw), sjsonOptions)
		}
	}
	return string(params)
}

var sjsonOptions = &sjson.Options{Optimistic: true}
