// Package telegram implements messaging.Platform over the Telegram Bot
// API long-poll loop. Grounded on the teacher's pkg/telegram/service.go
// getUpdates loop and SendMessage call, stripped of the teacher's
// Postgres chat-UUID mapping and NATS fan-out (neither has a home in
// this broker's conversation-tree model: a Telegram chat ID doubles
// directly as the IncomingMessage.ChatID, no translation table needed).
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/agentbroker/broker/internal/logger"
	"github.com/agentbroker/broker/internal/tree"
)

const apiBase = "https://api.telegram.org"

// Platform implements messaging.Platform against a single Telegram bot
// token via the getUpdates long-poll loop.
type Platform struct {
	token   string
	baseURL string
	client  *http.Client
	log     *logger.Logger

	mu        sync.Mutex
	onMessage func(tree.IncomingMessage)
	connected bool
}

// New builds a Telegram platform for the given bot token.
func New(token string, log *logger.Logger) *Platform {
	return &Platform{
		token:   token,
		baseURL: apiBase,
		client:  &http.Client{Timeout: 45 * time.Second},
		log:     log,
	}
}

// NewWithBaseURL is New with the Bot API base URL overridden, for
// pointing the long-poll loop and SendMessage/EditMessage/DeleteMessage
// at a test server instead of https://api.telegram.org.
func NewWithBaseURL(token, baseURL string, log *logger.Logger) *Platform {
	p := New(token, log)
	p.baseURL = baseURL
	return p
}

func (p *Platform) Name() string { return "telegram" }

func (p *Platform) OnMessage(handler func(tree.IncomingMessage)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onMessage = handler
}

func (p *Platform) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Start runs the getUpdates long-poll loop until ctx is cancelled.
func (p *Platform) Start(ctx context.Context) error {
	if p.token == "" {
		return fmt.Errorf("telegram: token not set")
	}
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.connected = false
		p.mu.Unlock()
	}()

	p.log.Info("telegram: starting long-poll loop")
	lastUpdateID := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		updates, err := p.getUpdates(ctx, lastUpdateID+1)
		if err != nil {
			p.log.Error("telegram: getUpdates failed", "error", err.Error())
			if sleepOrDone(ctx, 5*time.Second) {
				return nil
			}
			continue
		}
		for _, u := range updates {
			lastUpdateID = u.UpdateID
			p.dispatch(u)
		}
		if len(updates) == 0 {
			if sleepOrDone(ctx, time.Second) {
				return nil
			}
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-t.C:
		return false
	}
}

func (p *Platform) dispatch(u update) {
	if u.Message.Text == "" {
		return
	}
	p.mu.Lock()
	handler := p.onMessage
	p.mu.Unlock()
	if handler == nil {
		return
	}
	var replyTo string
	if u.Message.ReplyToMessage != nil {
		replyTo = strconv.Itoa(u.Message.ReplyToMessage.MessageID)
	}
	handler(tree.IncomingMessage{
		Text:             u.Message.Text,
		ChatID:           strconv.FormatInt(u.Message.Chat.ID, 10),
		UserID:           strconv.Itoa(u.Message.From.ID),
		MessageID:        strconv.Itoa(u.Message.MessageID),
		Platform:         p.Name(),
		ReplyToMessageID: replyTo,
		Username:         u.Message.From.Username,
		Timestamp:        time.Unix(int64(u.Message.Date), 0),
	})
}

type update struct {
	UpdateID int `json:"update_id"`
	Message  struct {
		MessageID int    `json:"message_id"`
		From      struct {
			ID       int    `json:"id"`
			Username string `json:"username"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Date           int     `json:"date"`
		Text           string  `json:"text"`
		ReplyToMessage *struct {
			MessageID int `json:"message_id"`
		} `json:"reply_to_message"`
	} `json:"message"`
}

func (p *Platform) getUpdates(ctx context.Context, offset int) ([]update, error) {
	url := fmt.Sprintf("%s/bot%s/getUpdates?offset=%d&timeout=30", p.baseURL, p.token, offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	var result struct {
		OK          bool     `json:"ok"`
		Result      []update `json:"result"`
		Description string   `json:"description"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram API error: %s", result.Description)
	}
	return result.Result, nil
}

// Stop is a no-op: Start already returns when ctx is cancelled.
func (p *Platform) Stop(ctx context.Context) error { return nil }

func (p *Platform) SendMessage(ctx context.Context, chatID, text, replyToMessageID, parseMode string) (string, error) {
	body := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if parseMode != "" {
		body["parse_mode"] = parseMode
	}
	if replyToMessageID != "" {
		body["reply_to_message_id"] = replyToMessageID
	}
	raw, err := p.call(ctx, "sendMessage", body)
	if err != nil {
		return "", err
	}
	var result struct {
		Result struct {
			MessageID int `json:"message_id"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("telegram: decode sendMessage result: %w", err)
	}
	return strconv.Itoa(result.Result.MessageID), nil
}

func (p *Platform) EditMessage(ctx context.Context, chatID, messageID, text, parseMode string) error {
	body := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
	}
	if parseMode != "" {
		body["parse_mode"] = parseMode
	}
	_, err := p.call(ctx, "editMessageText", body)
	return err
}

func (p *Platform) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	body := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	}
	_, err := p.call(ctx, "deleteMessage", body)
	return err
}

// call POSTs body to the given Bot API method and returns the raw
// response on success.
func (p *Platform) call(ctx context.Context, method string, body map[string]any) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/bot%s/%s", p.baseURL, p.token, method)
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s body: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("telegram: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s request: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("telegram: read %s response: %w", method, err)
	}
	var envelope struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("telegram: decode %s envelope: %w", method, err)
	}
	if !envelope.OK {
		return nil, fmt.Errorf("telegram: %s failed: %s", method, envelope.Description)
	}
	return raw, nil
}
