// Package tree implements the conversation tree and its per-tree serial
// queue (C13-C15): a forest of message trees where replies become
// children, one FIFO per tree so a single conversation processes one
// message at a time while trees run in parallel, and cascading error
// propagation to pending descendants.
package tree

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the tagged state a MessageNode moves through. Transitions are
// monotone: Pending -> InProgress -> (Completed | Error).
type State int

const (
	Pending State = iota
	InProgress
	Completed
	Error
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case InProgress:
		return "in_progress"
	case Completed:
		return "completed"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON renders State as the lowercase tag used by the persisted
// session store, so a store file stays readable and stable across
// future State value reordering.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the lowercase tag form.
func (s *State) UnmarshalJSON(data []byte) error {
	var tag string
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	switch tag {
	case "pending":
		*s = Pending
	case "in_progress":
		*s = InProgress
	case "completed":
		*s = Completed
	case "error":
		*s = Error
	default:
		*s = Pending
	}
	return nil
}

// IncomingMessage is the immutable value a MessageNode wraps: one chat
// platform turn.
type IncomingMessage struct {
	Text              string
	ChatID            string
	UserID            string
	MessageID         string
	Platform          string
	ReplyToMessageID  string
	Username          string
	Timestamp         time.Time
	RawEvent          any
}

// IsReply reports whether this message was sent in reply to another.
func (m IncomingMessage) IsReply() bool {
	return m.ReplyToMessageID != ""
}

// UnmarshalJSON accepts chat/user/message ids encoded as either JSON
// strings or JSON numbers, so a store file containing legacy
// integer-typed platform ids still loads cleanly, and defaults a
// missing Platform to "unknown" rather than leaving it blank.
func (m *IncomingMessage) UnmarshalJSON(data []byte) error {
	var alias struct {
		Text             string          `json:"Text"`
		ChatID           json.RawMessage `json:"ChatID"`
		UserID           json.RawMessage `json:"UserID"`
		MessageID        json.RawMessage `json:"MessageID"`
		Platform         string          `json:"Platform"`
		ReplyToMessageID string          `json:"ReplyToMessageID"`
		Username         string          `json:"Username"`
		Timestamp        time.Time       `json:"Timestamp"`
	}
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	chatID, err := idFieldToString(alias.ChatID)
	if err != nil {
		return err
	}
	userID, err := idFieldToString(alias.UserID)
	if err != nil {
		return err
	}
	messageID, err := idFieldToString(alias.MessageID)
	if err != nil {
		return err
	}
	m.Text = alias.Text
	m.ChatID = chatID
	m.UserID = userID
	m.MessageID = messageID
	m.Platform = alias.Platform
	if m.Platform == "" {
		m.Platform = "unknown"
	}
	m.ReplyToMessageID = alias.ReplyToMessageID
	m.Username = alias.Username
	m.Timestamp = alias.Timestamp
	return nil
}

func idFieldToString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("tree: unsupported id encoding: %s", raw)
}

// Node is one turn in a conversation tree.
type Node struct {
	NodeID          string
	Incoming        IncomingMessage
	StatusMessageID string
	State           State
	ParentID        string // empty for the root
	SessionID       string // the CLI session this node ran under, once known
	ChildrenIDs     []string
	CreatedAt       time.Time
	CompletedAt     time.Time
	ErrorMessage    string
}

// clone returns a defensive deep-enough copy of n (ChildrenIDs is copied,
// the rest are value fields).
func (n *Node) clone() *Node {
	cp := *n
	cp.ChildrenIDs = append([]string(nil), n.ChildrenIDs...)
	return &cp
}
