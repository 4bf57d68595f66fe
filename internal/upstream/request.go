package upstream

import (
	"strings"

	"github.com/agentbroker/broker/internal/convert"
)

// ChatCompletionRequest mirrors what this broker actually sends upstream:
// enough of the OpenAI chat-completions body shape to cover every field
// spec.md's outbound-request section names.
type ChatCompletionRequest struct {
	Model         string                `json:"model"`
	Messages      []convert.ChatMessage `json:"messages"`
	MaxTokens     int                   `json:"max_tokens,omitempty"`
	Stream        bool                  `json:"stream"`
	Temperature   *float64              `json:"temperature,omitempty"`
	TopP          *float64              `json:"top_p,omitempty"`
	Stop          []string              `json:"stop,omitempty"`
	Tools         []convert.ChatTool    `json:"tools,omitempty"`
	ExtraBody     map[string]any        `json:"extra_body,omitempty"`
	ChatTemplateKwargs map[string]any   `json:"chat_template_kwargs,omitempty"`
}

// RequestOptions are the caller-supplied bits that shape the outbound body
// beyond the converted messages: whether extended thinking was requested,
// whether the target model is DeepSeek-family (which wants a different
// thinking toggle), and a set of provider defaults to fill in only for
// keys the caller didn't already set.
type RequestOptions struct {
	ThinkingRequested bool
	IsDeepSeek        bool
	ProviderDefaults  map[string]any
}

// BuildChatCompletionRequest assembles the outbound OpenAI-format body
// from an already-converted Anthropic request (§4.8): provider defaults
// fill only unset optional fields, thinking mode injects
// extra_body.thinking + reasoning_split, and DeepSeek models additionally
// get chat_template_kwargs.thinking.
func BuildChatCompletionRequest(
	model string,
	messages []convert.ChatMessage,
	maxTokens int,
	temperature, topP *float64,
	stop []string,
	tools []convert.ChatTool,
	opts RequestOptions,
) ChatCompletionRequest {
	req := ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Stream:      true,
		Temperature: temperature,
		TopP:        topP,
		Stop:        stop,
		Tools:       tools,
	}

	applyProviderDefaults(&req, opts.ProviderDefaults)

	if opts.ThinkingRequested {
		extra := req.ExtraBody
		if extra == nil {
			extra = map[string]any{}
		}
		extra["thinking"] = map[string]any{"type": "enabled"}
		extra["reasoning_split"] = true
		req.ExtraBody = extra

		if opts.IsDeepSeek {
			req.ChatTemplateKwargs = map[string]any{"thinking": true}
		}
	}

	return req
}

// applyProviderDefaults fills temperature/top_p and any other
// provider-default parameters (top_k, frequency/presence penalty, etc.)
// that the caller didn't already set, overriding only absent keys.
func applyProviderDefaults(req *ChatCompletionRequest, defaults map[string]any) {
	if len(defaults) == 0 {
		return
	}
	if req.Temperature == nil {
		if v, ok := floatDefault(defaults, "temperature"); ok {
			req.Temperature = &v
		}
	}
	if req.TopP == nil {
		if v, ok := floatDefault(defaults, "top_p"); ok {
			req.TopP = &v
		}
	}

	extra := req.ExtraBody
	for k, v := range defaults {
		if k == "temperature" || k == "top_p" {
			continue
		}
		if extra == nil {
			extra = map[string]any{}
		}
		if _, exists := extra[k]; !exists {
			extra[k] = v
		}
	}
	req.ExtraBody = extra
}

func floatDefault(defaults map[string]any, key string) (float64, bool) {
	v, ok := defaults[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// IsDeepSeekModel reports whether an upstream model name belongs to the
// DeepSeek family, by the same case-insensitive substring rule the routing
// layer uses to pick it out.
func IsDeepSeekModel(upstreamModel string) bool {
	return strings.Contains(strings.ToLower(upstreamModel), "deepseek")
}
