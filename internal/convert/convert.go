// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package convert rewrites Anthropic Messages API requests into OpenAI
// chat-completions form for OpenAI-format compare sinks such as LiteLLM.
//
// The walk reads the generic JSON rather than typed structs, so unknown
// content block types cannot fail a conversion; they are skipped with an
// info log naming the type so they can be handled explicitly later.
package convert

import (
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"github.com/tidwall/gjson"
)

// knownBlockTypes lists the content block types the conversion understands.
var knownBlockTypes = []string{"text", "image", "tool_use", "tool_result"}

type chatCompletionRequest struct {
	Model               string          `json:"model"`
	Messages            []chatMessage   `json:"messages"`
	MaxCompletionTokens uint64          `json:"max_completion_tokens"`
	Stream              bool            `json:"stream"`
	Temperature         json.RawMessage `json:"temperature,omitempty"`
	TopP                json.RawMessage `json:"top_p,omitempty"`
	Stop                json.RawMessage `json:"stop,omitempty"`
	Tools               []chatTool      `json:"tools,omitempty"`
	ToolChoice          json.RawMessage `json:"tool_choice,omitempty"`
}

type chatMessage struct {
	Role string `json:"role"`
	// Content is a pointer so empty strings survive while absent content is
	// omitted (assistant messages that carry only tool calls).
	Content    *string    `json:"content,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name string `json:"name"`
	// Arguments is the function input as a JSON-encoded string, per the
	// chat-completions wire format.
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string           `json:"type"`
	Function chatToolFunction `json:"function"`
}

type chatToolFunction struct {
	Name        string          `json:"name"`
	Description json.RawMessage `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// AnthropicToOpenAI converts an Anthropic Messages API request into an
// OpenAI chat-completions request. The result always carries stream=false:
// compare responses are read whole.
func AnthropicToOpenAI(body []byte, logger *slog.Logger) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("request body is not valid JSON")
	}
	req := gjson.ParseBytes(body)

	var messages []chatMessage

	// The system prompt, in either the string or block-array form, becomes
	// a leading system message.
	if text := systemText(req.Get("system")); text != "" {
		messages = append(messages, chatMessage{Role: "system", Content: &text})
	}

	if msgs := req.Get("messages"); msgs.IsArray() {
		for _, msg := range msgs.Array() {
			role := "user"
			if r := msg.Get("role"); r.Type == gjson.String {
				role = r.String()
			}

			content := msg.Get("content")
			switch {
			case content.Type == gjson.String:
				text := content.String()
				messages = append(messages, chatMessage{Role: role, Content: &text})
			case content.IsArray():
				if role == "user" {
					messages = convertUserBlocks(content.Array(), messages, logger)
				} else {
					messages = convertAssistantBlocks(content.Array(), messages, logger)
				}
			}
		}
	}

	if messages == nil {
		// Marshal as [] rather than null when the request had no messages.
		messages = []chatMessage{}
	}

	out := chatCompletionRequest{
		Model:               "unknown",
		Messages:            messages,
		MaxCompletionTokens: 4096,
	}
	if model := req.Get("model"); model.Type == gjson.String {
		out.Model = model.String()
	}
	if v := req.Get("max_tokens"); v.Type == gjson.Number {
		out.MaxCompletionTokens = v.Uint()
	}
	if v := req.Get("temperature"); v.Exists() {
		out.Temperature = json.RawMessage(v.Raw)
	}
	if v := req.Get("top_p"); v.Exists() {
		out.TopP = json.RawMessage(v.Raw)
	}
	if v := req.Get("stop_sequences"); v.Exists() {
		out.Stop = json.RawMessage(v.Raw)
	}
	if tools := req.Get("tools"); tools.IsArray() {
		out.Tools = convertTools(tools.Array())
	}
	if tc := req.Get("tool_choice"); tc.Exists() {
		out.ToolChoice = convertToolChoice(tc)
	}

	return json.Marshal(out)
}

// systemText flattens the system prompt union: a plain string is returned
// as-is, a block array joins its text fields with newlines.
func systemText(system gjson.Result) string {
	switch {
	case system.Type == gjson.String:
		return system.String()
	case system.IsArray():
		var parts []string
		for _, block := range system.Array() {
			if text := block.Get("text"); text.Type == gjson.String {
				parts = append(parts, text.String())
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

// convertUserBlocks maps a user message's content blocks onto chat
// messages. Text (and image placeholders) accumulate into a single user
// message; each tool_result flushes accumulated text and becomes its own
// tool message.
func convertUserBlocks(blocks []gjson.Result, messages []chatMessage, logger *slog.Logger) []chatMessage {
	var textParts []string

	flush := func() {
		if len(textParts) == 0 {
			return
		}
		combined := strings.Join(textParts, "")
		messages = append(messages, chatMessage{Role: "user", Content: &combined})
		textParts = nil
	}

	for _, block := range blocks {
		blockType := str(block.Get("type"))

		switch blockType {
		case "text":
			if text := block.Get("text"); text.Type == gjson.String {
				textParts = append(textParts, text.String())
			}
		case "tool_result":
			flush()
			content := toolResultText(block.Get("content"))
			messages = append(messages, chatMessage{
				Role:       "tool",
				Content:    &content,
				ToolCallID: str(block.Get("tool_use_id")),
			})
		case "image":
			textParts = append(textParts, "[image]")
		default:
			logUnknownBlock(logger, blockType, "user")
		}
	}

	flush()
	return messages
}

// convertAssistantBlocks maps an assistant message's content blocks onto a
// single assistant chat message with optional content and tool_calls.
func convertAssistantBlocks(blocks []gjson.Result, messages []chatMessage, logger *slog.Logger) []chatMessage {
	var text strings.Builder
	var toolCalls []toolCall

	for _, block := range blocks {
		blockType := str(block.Get("type"))

		switch blockType {
		case "text":
			if t := block.Get("text"); t.Type == gjson.String {
				text.WriteString(t.String())
			}
		case "tool_use":
			arguments := "{}"
			if input := block.Get("input"); input.Exists() {
				arguments = input.Raw
			}
			toolCalls = append(toolCalls, toolCall{
				ID:   str(block.Get("id")),
				Type: "function",
				Function: toolFunction{
					Name:      str(block.Get("name")),
					Arguments: arguments,
				},
			})
		default:
			logUnknownBlock(logger, blockType, "assistant")
		}
	}

	msg := chatMessage{Role: "assistant"}
	if text.Len() > 0 {
		content := text.String()
		msg.Content = &content
	}
	msg.ToolCalls = toolCalls
	return append(messages, msg)
}

// toolResultText flattens tool_result content: a string passes through,
// a block array contributes only its text blocks.
func toolResultText(content gjson.Result) string {
	switch {
	case content.Type == gjson.String:
		return content.String()
	case content.IsArray():
		var parts []string
		for _, block := range content.Array() {
			if block.Get("type").String() != "text" {
				continue
			}
			if text := block.Get("text"); text.Type == gjson.String {
				parts = append(parts, text.String())
			}
		}
		return strings.Join(parts, "")
	default:
		return ""
	}
}

func convertTools(tools []gjson.Result) []chatTool {
	converted := make([]chatTool, 0, len(tools))
	for _, tool := range tools {
		fn := chatToolFunction{
			Name:        str(tool.Get("name")),
			Description: json.RawMessage("null"),
			Parameters:  json.RawMessage("{}"),
		}
		if desc := tool.Get("description"); desc.Exists() {
			fn.Description = json.RawMessage(desc.Raw)
		}
		if schema := tool.Get("input_schema"); schema.Exists() {
			fn.Parameters = json.RawMessage(schema.Raw)
		}
		converted = append(converted, chatTool{Type: "function", Function: fn})
	}
	return converted
}

// convertToolChoice maps the Anthropic tool_choice forms onto the OpenAI
// ones: auto, any->required, none, and named tool selection.
func convertToolChoice(tc gjson.Result) json.RawMessage {
	switch tc.Get("type").String() {
	case "any":
		return json.RawMessage(`"required"`)
	case "none":
		return json.RawMessage(`"none"`)
	case "tool":
		if name := tc.Get("name"); name.Type == gjson.String {
			choice, err := json.Marshal(map[string]any{
				"type":     "function",
				"function": map[string]any{"name": name.String()},
			})
			if err == nil {
				return choice
			}
		}
		return json.RawMessage(`"auto"`)
	default:
		return json.RawMessage(`"auto"`)
	}
}

// str returns the result's value when it is a JSON string, else "".
func str(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	return ""
}

func logUnknownBlock(logger *slog.Logger, blockType, role string) {
	if blockType == "" || slices.Contains(knownBlockTypes, blockType) {
		return
	}
	logger.Info("Skipping unknown content block type in Anthropic->OpenAI conversion",
		slog.String("block_type", blockType),
		slog.String("role", role),
	)
}
