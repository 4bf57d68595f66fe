package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentbroker/broker/internal/convert"
	"github.com/agentbroker/broker/internal/ratelimit"
	"github.com/agentbroker/broker/internal/sseblocks"
	"github.com/agentbroker/broker/internal/translate"
	"github.com/agentbroker/broker/internal/upstream"
)

// handleMessages implements POST /v1/messages: convert the Anthropic
// request to OpenAI chat-completions shape, open the upstream stream
// through the rate limiter with retry, and drive it through the streaming
// translator (C9) straight onto the response body.
func (s *Server) handleMessages(c *gin.Context) {
	var req messagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAnthropicError(c, http.StatusBadRequest, upstream.KindInvalidRequest, err.Error())
		return
	}

	chatMessages, tools, err := s.convertRequest(req.Messages, req.System, req.Tools)
	if err != nil {
		writeAnthropicError(c, http.StatusBadRequest, upstream.KindInvalidRequest, err.Error())
		return
	}

	override := extractOverrideAPIKey(c.GetHeader("Authorization"), c.GetHeader("x-api-key"))
	provider := s.resolve(req.Model, override)

	body := upstream.BuildChatCompletionRequest(
		provider.upstreamModel,
		chatMessages,
		req.MaxTokens,
		req.Temperature,
		req.TopP,
		req.StopSequences,
		tools,
		upstream.RequestOptions{
			ThinkingRequested: req.thinkingRequested() || provider.routedThinking,
			IsDeepSeek:        provider.isDeepSeek,
		},
	)

	ctx := c.Request.Context()
	stream, err := ratelimit.ExecuteWithRetry(ctx, s.limiter, s.retry, func(ctx context.Context) (*upstream.Stream, error) {
		return provider.client.Stream(ctx, body)
	})
	if err != nil {
		writeProviderError(c, err)
		return
	}
	defer stream.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	messageID := "msg_" + uuid.NewString()
	if err := translate.Run(ctx, stream, c.Writer, c.Writer.Flush, messageID, req.Model); err != nil {
		s.log.Warn("httpapi: stream translation ended with error", "error", err.Error())
	}
}

// handleCountTokens implements POST /v1/messages/count_tokens: converts
// the request the same way the stream path does and reuses the stream
// path's own output-token heuristic as the input-token estimate (§6).
func (s *Server) handleCountTokens(c *gin.Context) {
	var req countTokensRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAnthropicError(c, http.StatusBadRequest, upstream.KindInvalidRequest, err.Error())
		return
	}

	chatMessages, tools, err := s.convertRequest(req.Messages, req.System, req.Tools)
	if err != nil {
		writeAnthropicError(c, http.StatusBadRequest, upstream.KindInvalidRequest, err.Error())
		return
	}

	chars := 0
	for _, m := range chatMessages {
		chars += len(m.Content)
	}
	for _, t := range tools {
		chars += len(t.Function.Name) + len(t.Function.Description)
	}

	c.JSON(http.StatusOK, countTokensResponse{InputTokens: sseblocks.EstimateOutputTokens(chars, len(tools))})
}

// convertRequest is the shared request->OpenAI conversion used by both
// /v1/messages and /v1/messages/count_tokens.
func (s *Server) convertRequest(wireMsgs []wireMessage, wireSystem []byte, wireTools []wireTool) ([]convert.ChatMessage, []convert.ChatTool, error) {
	msgs, err := toConvertMessages(wireMsgs)
	if err != nil {
		return nil, nil, err
	}
	systemText, systemBlocks := parseSystem(wireSystem)
	chatMessages := convert.ConvertMessages(msgs, convert.Options{})
	if sysMsg := convert.ConvertSystemPrompt(systemText, systemBlocks); sysMsg != nil {
		chatMessages = append([]convert.ChatMessage{*sysMsg}, chatMessages...)
	}
	tools := convert.ConvertTools(toConvertTools(wireTools))
	return chatMessages, tools, nil
}

// handleModels implements GET /v1/models: the contents of a local JSON
// catalogue file, loaded once at startup.
func (s *Server) handleModels(c *gin.Context) {
	c.Data(http.StatusOK, "application/json", s.modelsCatalogue)
}

// handleRoot and handleHealth are plain liveness probes.
func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "agent broker"})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleStop implements POST /stop: cancels every tree's queue and stops
// every CLI session, then (if a distributed broadcaster is wired) asks
// every other instance sharing this deployment to do the same.
func (s *Server) handleStop(c *gin.Context) {
	cancelled := s.proc.CancelAll()
	s.cliMgr.StopAll()

	count := 0
	for _, ids := range cancelled {
		count += len(ids)
	}

	if s.broadcaster != nil {
		if err := s.broadcaster.Publish("manual /stop"); err != nil {
			s.log.Warn("httpapi: failed to broadcast distributed stop", "error", err.Error())
		}
	}

	c.JSON(http.StatusOK, stopResponse{Cancelled: count})
}

func writeAnthropicError(c *gin.Context, status int, kind upstream.Kind, message string) {
	pe := &upstream.ProviderError{Kind: kind, Message: message, StatusCode: status}
	c.JSON(status, pe.ToAnthropicFormat())
}

// writeProviderError maps a failed upstream call onto the Anthropic error
// envelope and its mapped HTTP status; any error that isn't already a
// *upstream.ProviderError (a context cancellation, say) becomes a generic
// 500 api_error (§7, "generic unknown exceptions").
func writeProviderError(c *gin.Context, err error) {
	pe, ok := err.(*upstream.ProviderError)
	if !ok {
		writeAnthropicError(c, http.StatusInternalServerError, upstream.KindAPI, "An unexpected error occurred.")
		return
	}
	status := pe.StatusCode
	if status < 400 || status >= 600 {
		status = http.StatusInternalServerError
	}
	c.JSON(status, pe.ToAnthropicFormat())
}
