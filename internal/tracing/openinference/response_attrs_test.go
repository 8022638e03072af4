// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package openinference

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestBuildResponseAttributes(t *testing.T) {
	toolUseBody := `{"id":"msg_123","type":"message","role":"assistant","content":[{"type":"text","text":"Hello!"},{"type":"tool_use","id":"t1","name":"bash","input":{"cmd":"ls"}}],"usage":{"input_tokens":100,"output_tokens":50}}`

	tests := []struct {
		name          string
		body          string
		expectedAttrs []attribute.KeyValue
	}{
		{
			name: "text and tool_use",
			body: toolUseBody,
			expectedAttrs: []attribute.KeyValue{
				attribute.String(OutputValue, toolUseBody),
				attribute.String(OutputMessageAttribute(0, MessageRole), "assistant"),
				attribute.String(OutputMessageToolCallAttribute(0, 0, ToolCallFunctionName), "bash"),
				attribute.String(OutputMessageToolCallAttribute(0, 0, ToolCallFunctionArguments), `{"cmd":"ls"}`),
				attribute.String(OutputMessageAttribute(0, MessageContent), "Hello!"),
				attribute.Int64(LLMTokenCountPrompt, 100),
				attribute.Int64(LLMTokenCountCompletion, 50),
			},
		},
		{
			name: "text blocks concatenate without separator",
			body: `{"role":"assistant","content":[{"type":"text","text":"Hel"},{"type":"text","text":"lo"}]}`,
			expectedAttrs: []attribute.KeyValue{
				attribute.String(OutputValue, `{"role":"assistant","content":[{"type":"text","text":"Hel"},{"type":"text","text":"lo"}]}`),
				attribute.String(OutputMessageAttribute(0, MessageRole), "assistant"),
				attribute.String(OutputMessageAttribute(0, MessageContent), "Hello"),
			},
		},
		{
			name: "unknown content block skipped",
			body: `{"role":"assistant","content":[{"type":"redacted_thinking","data":"x"}],"usage":{"output_tokens":2}}`,
			expectedAttrs: []attribute.KeyValue{
				attribute.String(OutputValue, `{"role":"assistant","content":[{"type":"redacted_thinking","data":"x"}],"usage":{"output_tokens":2}}`),
				attribute.String(OutputMessageAttribute(0, MessageRole), "assistant"),
				attribute.Int64(LLMTokenCountCompletion, 2),
			},
		},
		{
			name:          "invalid json",
			body:          `{"role": truncated`,
			expectedAttrs: nil,
		},
		{
			name: "non-object json keeps only output value",
			body: `[1,2,3]`,
			expectedAttrs: []attribute.KeyValue{
				attribute.String(OutputValue, `[1,2,3]`),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expectedAttrs, BuildResponseAttributes([]byte(tt.body)))
		})
	}
}

func TestBuildResponseAttributesNonUTF8(t *testing.T) {
	require.Nil(t, BuildResponseAttributes([]byte{'{', 0xff, 0xfe, '}'}))
}

func TestBuildStreamingResponseAttributes(t *testing.T) {
	textStream := "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"role\":\"assistant\",\"usage\":{\"input_tokens\":25}}}\n\n" +
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n" +
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hello\"}}\n\n" +
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\" world\"}}\n\n" +
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":10}}\n\n"

	toolStream := "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"role\":\"assistant\",\"usage\":{\"input_tokens\":50}}}\n\n" +
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"tool_use\",\"id\":\"t1\",\"name\":\"bash\"}}\n\n" +
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"cmd\\\": \"}}\n\n" +
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"\\\"ls\\\"}\"}}\n\n" +
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"tool_use\"},\"usage\":{\"output_tokens\":20}}\n\n"

	lateInputStream := "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"role\":\"assistant\"}}\n\n" +
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":7,\"input_tokens\":40}}\n\n"

	bothInputStream := "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"role\":\"assistant\",\"usage\":{\"input_tokens\":30}}}\n\n" +
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":7,\"input_tokens\":99}}\n\n"

	malformedStream := "event: message_start\ndata: {bad json}\n\nevent: content_block_delta\ndata: also bad\n\n"

	tests := []struct {
		name          string
		body          string
		expectedAttrs []attribute.KeyValue
	}{
		{
			name: "text deltas accumulate",
			body: textStream,
			expectedAttrs: []attribute.KeyValue{
				attribute.String(OutputValue, textStream),
				attribute.String(OutputMessageAttribute(0, MessageRole), "assistant"),
				attribute.String(OutputMessageAttribute(0, MessageContent), "Hello world"),
				attribute.Int64(LLMTokenCountPrompt, 25),
				attribute.Int64(LLMTokenCountCompletion, 10),
			},
		},
		{
			name: "tool use arguments accumulate",
			body: toolStream,
			expectedAttrs: []attribute.KeyValue{
				attribute.String(OutputValue, toolStream),
				attribute.String(OutputMessageAttribute(0, MessageRole), "assistant"),
				attribute.String(OutputMessageToolCallAttribute(0, 0, ToolCallFunctionName), "bash"),
				attribute.String(OutputMessageToolCallAttribute(0, 0, ToolCallFunctionArguments), `{"cmd": "ls"}`),
				attribute.Int64(LLMTokenCountPrompt, 50),
				attribute.Int64(LLMTokenCountCompletion, 20),
			},
		},
		{
			name: "input tokens reported late",
			body: lateInputStream,
			expectedAttrs: []attribute.KeyValue{
				attribute.String(OutputValue, lateInputStream),
				attribute.String(OutputMessageAttribute(0, MessageRole), "assistant"),
				attribute.Int64(LLMTokenCountPrompt, 40),
				attribute.Int64(LLMTokenCountCompletion, 7),
			},
		},
		{
			name: "message_start input tokens win",
			body: bothInputStream,
			expectedAttrs: []attribute.KeyValue{
				attribute.String(OutputValue, bothInputStream),
				attribute.String(OutputMessageAttribute(0, MessageRole), "assistant"),
				attribute.Int64(LLMTokenCountPrompt, 30),
				attribute.Int64(LLMTokenCountCompletion, 7),
			},
		},
		{
			name: "malformed event data skipped",
			body: malformedStream,
			expectedAttrs: []attribute.KeyValue{
				attribute.String(OutputValue, malformedStream),
			},
		},
		{
			name: "delta for unknown index ignored",
			body: "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":3,\"delta\":{\"type\":\"text_delta\",\"text\":\"x\"}}\n\n",
			expectedAttrs: []attribute.KeyValue{
				attribute.String(OutputValue, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":3,\"delta\":{\"type\":\"text_delta\",\"text\":\"x\"}}\n\n"),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expectedAttrs, BuildStreamingResponseAttributes([]byte(tt.body)))
		})
	}
}

func TestBuildStreamingResponseAttributesNonUTF8(t *testing.T) {
	require.Nil(t, BuildStreamingResponseAttributes([]byte{0xff, 0xfe}))
}
