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

func TestBuildShadowRequestAttributes(t *testing.T) {
	body := `{"model":"gpt-4o","max_completion_tokens":1000,"temperature":0.5,"messages":[{"role":"system","content":"sys"},{"role":"user","content":"hi"},{"role":"assistant","content":"using tool","tool_calls":[{"id":"c1","type":"function","function":{"name":"bash","arguments":"{\"cmd\":\"ls\"}"}}]}],"tools":[{"type":"function","function":{"name":"bash"}}]}`
	messages := `[{"role":"system","content":"sys"},{"role":"user","content":"hi"},{"role":"assistant","content":"using tool","tool_calls":[{"id":"c1","type":"function","function":{"name":"bash","arguments":"{\"cmd\":\"ls\"}"}}]}]`

	expected := []attribute.KeyValue{
		attribute.String(SpanKind, SpanKindLLM),
		attribute.String(LLMModelName, "gpt-4o"),
		attribute.String(InputValue, messages),
		attribute.String(LLMInvocationParameters, `{"max_completion_tokens":1000,"temperature":0.5}`),
		attribute.String(InputMessageAttribute(0, MessageRole), "system"),
		attribute.String(InputMessageAttribute(0, MessageContent), "sys"),
		attribute.String(InputMessageAttribute(1, MessageRole), "user"),
		attribute.String(InputMessageAttribute(1, MessageContent), "hi"),
		attribute.String(InputMessageAttribute(2, MessageRole), "assistant"),
		attribute.String(InputMessageAttribute(2, MessageContent), "using tool"),
		attribute.String(InputMessageToolCallAttribute(2, 0, ToolCallFunctionName), "bash"),
		attribute.String(InputMessageToolCallAttribute(2, 0, ToolCallFunctionArguments), `{"cmd":"ls"}`),
		attribute.String(ToolSchemaAttribute(0), `{"type":"function","function":{"name":"bash"}}`),
	}
	require.Equal(t, expected, BuildShadowRequestAttributes([]byte(body)))
}

func TestBuildShadowRequestAttributesMinimal(t *testing.T) {
	expected := []attribute.KeyValue{
		attribute.String(SpanKind, SpanKindLLM),
		attribute.String(LLMInvocationParameters, `{}`),
	}
	require.Equal(t, expected, BuildShadowRequestAttributes([]byte(`{}`)))
}

func TestBuildShadowResponseAttributes(t *testing.T) {
	body := `{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"sure","tool_calls":[{"id":"c1","type":"function","function":{"name":"grep","arguments":"{}"}}]}}],"usage":{"prompt_tokens":10,"completion_tokens":4}}`

	expected := []attribute.KeyValue{
		attribute.String(OutputValue, body),
		attribute.String(OutputMessageAttribute(0, MessageRole), "assistant"),
		attribute.String(OutputMessageAttribute(0, MessageContent), "sure"),
		attribute.String(OutputMessageToolCallAttribute(0, 0, ToolCallFunctionName), "grep"),
		attribute.String(OutputMessageToolCallAttribute(0, 0, ToolCallFunctionArguments), `{}`),
		attribute.Int64(LLMTokenCountPrompt, 10),
		attribute.Int64(LLMTokenCountCompletion, 4),
	}
	require.Equal(t, expected, BuildShadowResponseAttributes([]byte(body)))
}

func TestBuildShadowResponseAttributesInvalid(t *testing.T) {
	require.Nil(t, BuildShadowResponseAttributes([]byte("oops")))
}

func TestBuildShadowResponseAttributesNoChoices(t *testing.T) {
	body := `{"error":{"message":"rate limited"}}`
	expected := []attribute.KeyValue{
		attribute.String(OutputValue, body),
	}
	require.Equal(t, expected, BuildShadowResponseAttributes([]byte(body)))
}
