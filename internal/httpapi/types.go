// Package httpapi is the Anthropic-compatible HTTP surface (§6):
// /v1/messages, /v1/messages/count_tokens, /v1/models, /, /health, /stop.
// Grounded on the teacher's cmd/server/main.go setupRESTServer (gin.Engine,
// route groups, CORS middleware) with the old X-BASE-URL reverse proxy
// replaced by the provider-routing + translate pipeline.
package httpapi

import "encoding/json"

// wireMessage is one Anthropic-format message as received over the wire.
// Content is either a JSON string or an array of content blocks.
type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// wireContentBlock is one Anthropic content-block variant as received over
// the wire. Only the fields relevant to Type are populated by the client.
type wireContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Thinking string `json:"thinking,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// wireTool is an Anthropic tool definition as received over the wire.
type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// thinkingConfig is the Anthropic extended-thinking request toggle.
type thinkingConfig struct {
	Type string `json:"type"` // "enabled" | "disabled"
}

// messagesRequest is the body of POST /v1/messages.
type messagesRequest struct {
	Model         string          `json:"model"`
	Messages      []wireMessage   `json:"messages"`
	MaxTokens     int             `json:"max_tokens"`
	Stream        *bool           `json:"stream,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Tools         []wireTool      `json:"tools,omitempty"`
	Thinking      *thinkingConfig `json:"thinking,omitempty"`
	ExtraBody     map[string]any  `json:"extra_body,omitempty"`
	System        json.RawMessage `json:"system,omitempty"`
}

// countTokensRequest is the body of POST /v1/messages/count_tokens.
type countTokensRequest struct {
	Model    string          `json:"model"`
	Messages []wireMessage   `json:"messages"`
	System   json.RawMessage `json:"system,omitempty"`
	Tools    []wireTool      `json:"tools,omitempty"`
}

// countTokensResponse is the response of POST /v1/messages/count_tokens.
type countTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}

// stopResponse is the response of POST /stop.
type stopResponse struct {
	Cancelled int `json:"cancelled"`
}
