// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package anthropic holds typed models for the Anthropic Messages API
// (https://docs.anthropic.com/en/api/messages).
//
// The request types decode the closed set of content block kinds the proxy
// understands; a block whose type tag is not in that set decodes to
// [ContentBlockKindOther] so a single unrecognized block never fails the
// whole request. The response types are used for attribute extraction and
// tolerate unknown blocks the same way.
package anthropic

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// MessageRole is the author of a conversation turn
// (https://docs.anthropic.com/en/api/messages#body-messages-role).
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// MessagesRequest is the body of POST /v1/messages
// (https://docs.anthropic.com/en/api/messages).
//
// Model, MaxTokens and Messages are required by the API; use
// [MessagesRequest.CheckRequired] after unmarshalling to enforce that.
type MessagesRequest struct {
	// Model is the model that will complete the prompt
	// (https://docs.anthropic.com/en/api/messages#body-model).
	Model string `json:"model"`
	// MaxTokens is the maximum number of tokens to generate before stopping
	// (https://docs.anthropic.com/en/api/messages#body-max-tokens).
	//
	// A pointer so that an absent field is distinguishable from zero.
	MaxTokens *int64 `json:"max_tokens"`
	// Messages is the ordered conversation history
	// (https://docs.anthropic.com/en/api/messages#body-messages).
	Messages []Message `json:"messages"`
	// System is the system prompt, either a plain string or an array of text
	// blocks (https://docs.anthropic.com/en/api/messages#body-system).
	System        *SystemPrompt   `json:"system,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	// Stream requests server-sent events instead of a single response
	// (https://docs.anthropic.com/en/api/messages-streaming).
	Stream      bool     `json:"stream,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopK        *int64   `json:"top_k,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	// Tools the model may call
	// (https://docs.anthropic.com/en/api/messages#body-tools).
	Tools      []Tool          `json:"tools,omitempty"`
	ToolChoice json.RawMessage `json:"tool_choice,omitempty"`
	Thinking   json.RawMessage `json:"thinking,omitempty"`
}

// CheckRequired reports the first required field the request is missing.
// encoding/json has no notion of required fields, so absence is checked
// after decoding.
func (r *MessagesRequest) CheckRequired() error {
	switch {
	case r.Model == "":
		return errors.New(`missing required field "model"`)
	case r.MaxTokens == nil:
		return errors.New(`missing required field "max_tokens"`)
	case r.Messages == nil:
		return errors.New(`missing required field "messages"`)
	}
	return nil
}

// Message is a single conversation turn
// (https://docs.anthropic.com/en/api/messages#body-messages).
type Message struct {
	Role    MessageRole    `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent is the union of the two wire shapes of message content: a
// plain string or an array of content blocks. Exactly one of Text and Array
// is populated; Array is non-nil, possibly empty, when the wire form was an
// array.
type MessageContent struct {
	Text  string
	Array []ContentBlock
}

// UnmarshalJSON implements [json.Unmarshaler].
func (m *MessageContent) UnmarshalJSON(data []byte) error {
	parsed := gjson.ParseBytes(data)
	switch {
	case parsed.Type == gjson.String:
		m.Text = parsed.String()
		return nil
	case parsed.IsArray():
		return json.Unmarshal(data, &m.Array)
	default:
		return errors.New("message content must be either string or array")
	}
}

// ContentBlockKind is the type tag of a content block
// (https://docs.anthropic.com/en/api/messages#body-messages-content).
type ContentBlockKind string

const (
	ContentBlockKindText       ContentBlockKind = "text"
	ContentBlockKindImage      ContentBlockKind = "image"
	ContentBlockKindToolUse    ContentBlockKind = "tool_use"
	ContentBlockKindToolResult ContentBlockKind = "tool_result"
	// ContentBlockKindOther marks a block whose type tag is none of the
	// kinds above. The block payload is not retained; callers that need the
	// literal tag read it back out of the raw JSON by position.
	ContentBlockKindOther ContentBlockKind = "other"
)

// ContentBlock is one element of a content array. The wire format tags each
// block with a "type" field; Kind records the tag and the matching pointer
// field carries the payload. Unknown tags decode to
// [ContentBlockKindOther] with no payload.
type ContentBlock struct {
	Kind       ContentBlockKind
	Text       *TextBlock
	Image      *ImageBlock
	ToolUse    *ToolUseBlock
	ToolResult *ToolResultBlock
}

// UnmarshalJSON implements [json.Unmarshaler].
func (c *ContentBlock) UnmarshalJSON(data []byte) error {
	switch kind := ContentBlockKind(gjson.GetBytes(data, "type").String()); kind {
	case ContentBlockKindText:
		c.Kind = kind
		c.Text = &TextBlock{}
		return json.Unmarshal(data, c.Text)
	case ContentBlockKindImage:
		c.Kind = kind
		c.Image = &ImageBlock{}
		return json.Unmarshal(data, c.Image)
	case ContentBlockKindToolUse:
		c.Kind = kind
		c.ToolUse = &ToolUseBlock{}
		return json.Unmarshal(data, c.ToolUse)
	case ContentBlockKindToolResult:
		c.Kind = kind
		c.ToolResult = &ToolResultBlock{}
		return json.Unmarshal(data, c.ToolResult)
	default:
		c.Kind = ContentBlockKindOther
		return nil
	}
}

// TextBlock is a text content block
// (https://docs.anthropic.com/en/api/messages#body-messages-content).
type TextBlock struct {
	Text string `json:"text"`
}

// ImageBlock is an image content block
// (https://docs.anthropic.com/en/docs/build-with-claude/vision).
type ImageBlock struct {
	Source ImageSource `json:"source"`
}

// ImageSource carries either base64 data or a URL depending on Type.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ToolUseBlock is the model asking for a tool invocation
// (https://docs.anthropic.com/en/docs/agents-and-tools/tool-use).
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResultBlock is the client reporting a tool invocation's result.
type ToolResultBlock struct {
	ToolUseID string             `json:"tool_use_id"`
	Content   *ToolResultContent `json:"content,omitempty"`
	IsError   bool               `json:"is_error,omitempty"`
}

// ToolResultContent is the union of the two wire shapes of a tool result: a
// plain string or an array of content blocks.
type ToolResultContent struct {
	Text  string
	Array []ContentBlock
}

// UnmarshalJSON implements [json.Unmarshaler].
func (t *ToolResultContent) UnmarshalJSON(data []byte) error {
	parsed := gjson.ParseBytes(data)
	switch {
	case parsed.Type == gjson.String:
		t.Text = parsed.String()
		return nil
	case parsed.IsArray():
		return json.Unmarshal(data, &t.Array)
	default:
		return errors.New("tool result content must be either string or array")
	}
}

// SystemPrompt is the union of the two wire shapes of the system prompt: a
// plain string or an array of text blocks.
type SystemPrompt struct {
	Text  string
	Array []TextBlock
}

// UnmarshalJSON implements [json.Unmarshaler].
func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	parsed := gjson.ParseBytes(data)
	switch {
	case parsed.Type == gjson.String:
		s.Text = parsed.String()
		return nil
	case parsed.IsArray():
		return json.Unmarshal(data, &s.Array)
	default:
		return errors.New("system prompt must be either string or array")
	}
}

// String flattens the prompt to one string. The array form joins the text
// of each block with a newline.
func (s *SystemPrompt) String() string {
	if s == nil {
		return ""
	}
	if s.Array == nil {
		return s.Text
	}
	parts := make([]string, len(s.Array))
	for i, b := range s.Array {
		parts[i] = b.Text
	}
	return strings.Join(parts, "\n")
}

// Tool is a tool definition the model may call
// (https://docs.anthropic.com/en/api/messages#body-tools).
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// MessagesResponse is the non-streaming body of POST /v1/messages
// (https://docs.anthropic.com/en/api/messages#response-content).
type MessagesResponse struct {
	ID      string                 `json:"id"`
	Role    MessageRole            `json:"role"`
	Model   string                 `json:"model"`
	Content []ResponseContentBlock `json:"content"`
	Usage   *Usage                 `json:"usage,omitempty"`
}

// ResponseContentBlock is one generated content block. Responses only ever
// carry text and tool_use blocks today; anything else decodes to
// [ContentBlockKindOther] and is skipped by callers.
type ResponseContentBlock struct {
	Kind    ContentBlockKind
	Text    *TextBlock
	ToolUse *ToolUseBlock
}

// UnmarshalJSON implements [json.Unmarshaler].
func (c *ResponseContentBlock) UnmarshalJSON(data []byte) error {
	switch kind := ContentBlockKind(gjson.GetBytes(data, "type").String()); kind {
	case ContentBlockKindText:
		c.Kind = kind
		c.Text = &TextBlock{}
		return json.Unmarshal(data, c.Text)
	case ContentBlockKindToolUse:
		c.Kind = kind
		c.ToolUse = &ToolUseBlock{}
		return json.Unmarshal(data, c.ToolUse)
	default:
		c.Kind = ContentBlockKindOther
		return nil
	}
}

// Usage is the token accounting attached to responses
// (https://docs.anthropic.com/en/api/messages#response-usage).
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}
