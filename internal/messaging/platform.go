package messaging

import (
	"context"
	"strings"

	"github.com/agentbroker/broker/internal/tree"
)

// emojiPrefixes are the leading glyphs the handler itself writes onto
// status messages. A platform that redelivers an edited message as a
// fresh incoming event (some bridges do) must not have that echo
// reprocessed as a new user turn, so HandleIncoming drops any message
// whose text starts with one of these.
var emojiPrefixes = []string{"⏳", "💭", "🔧", "✅", "❌", "🚀", "🤖", "📋", "📊", "🔄"}

// Platform is the capability set a chat bridge (Telegram, Discord, a
// test double) must implement so Handler can drive it. Parse modes and
// reply-to are optional (empty string means "none").
type Platform interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SendMessage(ctx context.Context, chatID, text, replyToMessageID, parseMode string) (messageID string, err error)
	EditMessage(ctx context.Context, chatID, messageID, text, parseMode string) error
	DeleteMessage(ctx context.Context, chatID, messageID string) error
	OnMessage(handler func(tree.IncomingMessage))
	IsConnected() bool
}

// StatsSnapshot is the payload the /stats command and the admin hub
// report: a point-in-time view of load.
type StatsSnapshot struct {
	TreeCount      int `json:"tree_count"`
	CLISessions    int `json:"cli_sessions"`
	CancelledNodes int `json:"cancelled_nodes,omitempty"`
}

func isStatusEcho(text string) bool {
	for _, prefix := range emojiPrefixes {
		if strings.HasPrefix(text, prefix) {
			return true
		}
	}
	return false
}
