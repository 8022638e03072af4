// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package openinference maps Anthropic Messages API payloads to
// OpenInference span attributes so LLM trace viewers (Phoenix, Arize)
// render proxied requests with visible I/O, token counts, and tool calls.
//
// All extraction walks the raw JSON permissively: unknown content block
// types, missing fields, and malformed SSE events are skipped rather than
// failing, and every builder returns whatever attributes it could extract.
package openinference

import "fmt"

// OpenInference Span Kind constants.
//
// Reference: https://github.com/Arize-ai/openinference/blob/main/spec/semantic_conventions.md
const (
	// SpanKind identifies the type of operation (required for all OpenInference spans).
	SpanKind = "openinference.span.kind"

	// SpanKindLLM indicates a Large Language Model operation.
	SpanKindLLM = "LLM"
)

// LLM Operation constants.
//
// Reference: https://github.com/Arize-ai/openinference/blob/main/spec/semantic_conventions.md#llm-spans
const (
	// LLMSystem identifies the AI system/product.
	LLMSystem = "llm.system"

	// LLMModelName specifies the model name.
	LLMModelName = "llm.model_name"

	// LLMInvocationParameters contains the invocation parameters as a JSON string.
	LLMInvocationParameters = "llm.invocation_parameters"
)

// LLMSystem values.
const (
	// LLMSystemAnthropic for the Anthropic Messages API.
	LLMSystemAnthropic = "anthropic"
)

// Input/Output constants.
//
// Reference: https://github.com/Arize-ai/openinference/blob/main/spec/semantic_conventions.md#inputoutput
const (
	// InputValue contains the input data as a string (typically JSON).
	InputValue = "input.value"

	// OutputValue contains the output data as a string (typically JSON).
	OutputValue = "output.value"
)

// LLM Message constants.
//
// Messages use the flattened attribute format, indexed from 0.
// Reference: https://github.com/Arize-ai/openinference/blob/main/spec/semantic_conventions.md#llm-spans
const (
	// LLMInputMessages prefix for input message attributes.
	// Usage: llm.input_messages.{index}.message.role, llm.input_messages.{index}.message.content.
	LLMInputMessages = "llm.input_messages"

	// LLMOutputMessages prefix for output message attributes.
	// Usage: llm.output_messages.{index}.message.role, llm.output_messages.{index}.message.content.
	LLMOutputMessages = "llm.output_messages"

	// MessageRole suffix for message role (e.g., "user", "assistant", "system").
	MessageRole = "message.role"

	// MessageContent suffix for message content.
	MessageContent = "message.content"
)

// Token Count constants.
//
// Reference: https://github.com/Arize-ai/openinference/blob/main/spec/semantic_conventions.md#llm-spans
const (
	// LLMTokenCountPrompt contains the number of tokens in the prompt.
	LLMTokenCountPrompt = "llm.token_count.prompt" // #nosec G101

	// LLMTokenCountCompletion contains the number of tokens in the completion.
	LLMTokenCountCompletion = "llm.token_count.completion" // #nosec G101
)

// Tool Call constants.
//
// Reference: Python OpenAI instrumentation (not in core spec).
const (
	// LLMTools contains the list of available tools as JSON.
	// Format: llm.tools.{index}.tool.json_schema.
	LLMTools = "llm.tools"

	// MessageToolCalls prefix for tool calls in messages.
	// Format: message.tool_calls.{index}.tool_call.{attribute}.
	MessageToolCalls = "message.tool_calls"

	// ToolCallFunctionName suffix for function name in a tool call.
	ToolCallFunctionName = "tool_call.function.name"

	// ToolCallFunctionArguments suffix for function arguments as JSON string.
	ToolCallFunctionArguments = "tool_call.function.arguments"
)

// InputMessageAttribute creates an attribute key for input messages.
func InputMessageAttribute(index int, suffix string) string {
	return fmt.Sprintf("%s.%d.%s", LLMInputMessages, index, suffix)
}

// InputMessageToolCallAttribute creates an attribute key for a tool call
// inside an input message.
func InputMessageToolCallAttribute(messageIndex, toolCallIndex int, suffix string) string {
	return fmt.Sprintf("%s.%d.%s.%d.%s", LLMInputMessages, messageIndex, MessageToolCalls, toolCallIndex, suffix)
}

// OutputMessageAttribute creates an attribute key for output messages.
func OutputMessageAttribute(index int, suffix string) string {
	return fmt.Sprintf("%s.%d.%s", LLMOutputMessages, index, suffix)
}

// OutputMessageToolCallAttribute creates an attribute key for a tool call
// inside an output message.
func OutputMessageToolCallAttribute(messageIndex, toolCallIndex int, suffix string) string {
	return fmt.Sprintf("%s.%d.%s.%d.%s", LLMOutputMessages, messageIndex, MessageToolCalls, toolCallIndex, suffix)
}

// ToolSchemaAttribute creates an attribute key for an available tool's JSON
// schema.
func ToolSchemaAttribute(index int) string {
	return fmt.Sprintf("%s.%d.tool.json_schema", LLMTools, index)
}
