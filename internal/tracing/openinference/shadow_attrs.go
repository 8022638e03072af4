// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package openinference

import (
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
)

// BuildShadowRequestAttributes builds OpenInference attributes for a
// compare-path request that was converted to an OpenAI-format chat
// completion. The message structure is {role, content} with optional
// tool_calls, so flattening is simpler than the Anthropic walk.
func BuildShadowRequestAttributes(body []byte) []attribute.KeyValue {
	req := gjson.ParseBytes(body)

	attrs := []attribute.KeyValue{attribute.String(SpanKind, SpanKindLLM)}
	if model := req.Get("model"); model.Type == gjson.String {
		attrs = append(attrs, attribute.String(LLMModelName, model.String()))
	}
	if messages := req.Get("messages"); messages.Exists() {
		attrs = append(attrs, attribute.String(InputValue, messages.Raw))
	}
	attrs = append(attrs, attribute.String(LLMInvocationParameters, invocationParameters(req, chatCompletionParameterKeys)))

	if messages := req.Get("messages"); messages.IsArray() {
		for i, msg := range messages.Array() {
			if role := msg.Get("role"); role.Type == gjson.String {
				attrs = append(attrs, attribute.String(InputMessageAttribute(i, MessageRole), role.String()))
			}
			if content := msg.Get("content"); content.Type == gjson.String {
				attrs = append(attrs, attribute.String(InputMessageAttribute(i, MessageContent), content.String()))
			}
			if toolCalls := msg.Get("tool_calls"); toolCalls.IsArray() {
				for j, tc := range toolCalls.Array() {
					fn := tc.Get("function")
					if name := fn.Get("name"); name.Type == gjson.String {
						attrs = append(attrs, attribute.String(InputMessageToolCallAttribute(i, j, ToolCallFunctionName), name.String()))
					}
					if args := fn.Get("arguments"); args.Type == gjson.String {
						attrs = append(attrs, attribute.String(InputMessageToolCallAttribute(i, j, ToolCallFunctionArguments), args.String()))
					}
				}
			}
		}
	}

	if tools := req.Get("tools"); tools.IsArray() {
		for i, tool := range tools.Array() {
			attrs = append(attrs, attribute.String(ToolSchemaAttribute(i), tool.Raw))
		}
	}

	return attrs
}

// BuildShadowResponseAttributes builds OpenInference attributes from an
// OpenAI-format chat completion response. Compare responses are always
// non-streaming. A body that is not valid JSON yields nil.
func BuildShadowResponseAttributes(body []byte) []attribute.KeyValue {
	if !utf8.Valid(body) || !gjson.ValidBytes(body) {
		return nil
	}
	resp := gjson.ParseBytes(body)

	attrs := []attribute.KeyValue{attribute.String(OutputValue, string(body))}

	if msg := resp.Get("choices.0.message"); msg.Exists() {
		if role := msg.Get("role"); role.Type == gjson.String {
			attrs = append(attrs, attribute.String(OutputMessageAttribute(0, MessageRole), role.String()))
		}
		if content := msg.Get("content"); content.Type == gjson.String {
			attrs = append(attrs, attribute.String(OutputMessageAttribute(0, MessageContent), content.String()))
		}
		if toolCalls := msg.Get("tool_calls"); toolCalls.IsArray() {
			for j, tc := range toolCalls.Array() {
				fn := tc.Get("function")
				if name := fn.Get("name"); name.Type == gjson.String {
					attrs = append(attrs, attribute.String(OutputMessageToolCallAttribute(0, j, ToolCallFunctionName), name.String()))
				}
				if args := fn.Get("arguments"); args.Type == gjson.String {
					attrs = append(attrs, attribute.String(OutputMessageToolCallAttribute(0, j, ToolCallFunctionArguments), args.String()))
				}
			}
		}
	}

	if v := resp.Get("usage.prompt_tokens"); v.Type == gjson.Number {
		attrs = append(attrs, attribute.Int64(LLMTokenCountPrompt, v.Int()))
	}
	if v := resp.Get("usage.completion_tokens"); v.Type == gjson.Number {
		attrs = append(attrs, attribute.Int64(LLMTokenCountCompletion, v.Int()))
	}

	return attrs
}
