package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentbroker/broker/internal/cliproc"
	"github.com/agentbroker/broker/internal/logger"
	"github.com/agentbroker/broker/internal/msglimiter"
	"github.com/agentbroker/broker/internal/store"
	"github.com/agentbroker/broker/internal/tree"
)

// defaultUIDebounce is the per-node "don't bother re-rendering" guard:
// distinct from the C3 rate limiter, this stops every single CLI
// stdout line from enqueueing a limiter task.
const defaultUIDebounce = time.Second

// Handler glues an incoming chat message through the conversation tree
// (C13/C14), its queue processor (C15), the CLI session pool (C12),
// the session store (C16), and the messaging rate limiter (C3), and
// pushes the result back to the chat as status-message edits (C17).
// Ported in spirit from the teacher's long-poll handler pattern in
// pkg/telegram/service.go, generalized from one hardcoded platform to
// the Platform interface above.
type Handler struct {
	platform Platform
	repo     *tree.Repository
	proc     *tree.Processor
	cliMgr   *cliproc.Manager
	limiter  *msglimiter.Limiter
	st       *store.Store
	log      *logger.Logger

	uiDebounce time.Duration

	mu             sync.Mutex
	statusToNode   map[string]string // "platform:chatID:messageID" -> nodeID
	lastUIUpdate   map[string]time.Time
}

// NewHandler wires a Handler over an already-constructed platform and
// the rest of the component stack.
func NewHandler(platform Platform, repo *tree.Repository, proc *tree.Processor, cliMgr *cliproc.Manager, limiter *msglimiter.Limiter, st *store.Store, log *logger.Logger) *Handler {
	h := &Handler{
		platform:     platform,
		repo:         repo,
		proc:         proc,
		cliMgr:       cliMgr,
		limiter:      limiter,
		st:           st,
		log:          log,
		uiDebounce:   defaultUIDebounce,
		statusToNode: make(map[string]string),
		lastUIUpdate: make(map[string]time.Time),
	}
	platform.OnMessage(h.HandleIncoming)
	return h
}

// HandleIncoming is the platform's on-message callback: recognises
// commands, filters out the handler's own status-message echoes, and
// otherwise creates or attaches a MessageNode and enqueues it.
func (h *Handler) HandleIncoming(msg tree.IncomingMessage) {
	text := strings.TrimSpace(msg.Text)
	if isStatusEcho(text) {
		return
	}

	ctx := context.Background()
	switch text {
	case "/stop":
		h.handleStopCommand(ctx, msg)
		return
	case "/stats":
		h.handleStatsCommand(ctx, msg)
		return
	}

	parentNodeID := ""
	if msg.IsReply() {
		if nodeID, ok := h.lookupStatusNode(msg.Platform, msg.ChatID, msg.ReplyToMessageID); ok {
			parentNodeID = nodeID
		}
	}

	node := &tree.Node{
		NodeID:    uuid.NewString(),
		Incoming:  msg,
		State:     tree.Pending,
		ParentID:  parentNodeID,
		CreatedAt: time.Now(),
	}

	if parentNodeID != "" {
		if err := h.repo.AddNode(node); err != nil {
			// The parent is gone (store was pruned, or the reply target
			// belongs to an expired tree) — fall back to a fresh root.
			h.log.Warn("messaging: reply parent not found, starting a new tree", "error", err.Error())
			node.ParentID = ""
			h.repo.CreateTree(node)
		}
	} else {
		h.repo.CreateTree(node)
	}
	h.st.SaveTrees(h.repo)

	statusID, err := h.platform.SendMessage(ctx, msg.ChatID, "⏳ queued", msg.MessageID, "")
	if err != nil {
		h.log.Error("messaging: failed to send status message", "error", err.Error())
		return
	}
	t, _ := h.repo.TreeForNode(node.NodeID)
	t.UpdateNode(node.NodeID, func(n *tree.Node) { n.StatusMessageID = statusID })
	h.registerStatusNode(msg.Platform, msg.ChatID, statusID, node.NodeID)
	h.st.SaveTrees(h.repo)

	if _, err := h.proc.Enqueue(node.NodeID, h.runNode); err != nil {
		h.log.Error("messaging: failed to enqueue node", "error", err.Error())
		h.updateStatus(ctx, t, node.NodeID, "❌ "+err.Error())
	}
}

// runNode is the ProcessorFn: it drives one CLI session turn and keeps
// the chat status message in sync with progress.
func (h *Handler) runNode(ctx context.Context, nodeID string, node *tree.Node) error {
	t, ok := h.repo.TreeForNode(nodeID)
	if !ok {
		return fmt.Errorf("messaging: tree for node %s not found", nodeID)
	}
	t.UpdateNode(nodeID, func(n *tree.Node) { n.State = tree.InProgress })
	h.updateStatus(ctx, t, nodeID, "🤖 working...")

	sessionKey := ""
	if node.ParentID != "" {
		if parent, ok := t.GetNode(node.ParentID); ok {
			sessionKey = parent.SessionID
		}
	}

	sess, resolvedID, _, err := h.cliMgr.GetOrCreateSession(sessionKey)
	if err != nil {
		h.finishWithError(ctx, t, nodeID, err)
		return nil
	}

	events, err := sess.StartTask(ctx, node.Incoming.Text, resolvedID, node.ParentID != "")
	if err != nil {
		h.finishWithError(ctx, t, nodeID, err)
		return nil
	}

	var lastText string
	var runErr error
	for ev := range events {
		switch ev.Type {
		case "session_info":
			h.cliMgr.RegisterRealSessionID(resolvedID, ev.SessionID)
			t.UpdateNode(nodeID, func(n *tree.Node) { n.SessionID = ev.SessionID })
		case "error":
			runErr = fmt.Errorf("%s", ev.ErrorMsg)
		case "exit":
			if ev.ExitCode != 0 && runErr == nil {
				runErr = fmt.Errorf("agent exited with code %d", ev.ExitCode)
			}
		default:
			if text, ok := extractDisplayText(ev); ok && text != "" {
				lastText = text
				h.updateStatus(ctx, t, nodeID, "💭 "+truncate(lastText, 3500))
			}
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if runErr != nil {
		h.finishWithError(ctx, t, nodeID, runErr)
		return nil
	}

	t.UpdateNode(nodeID, func(n *tree.Node) {
		n.State = tree.Completed
		n.CompletedAt = time.Now()
	})
	final := lastText
	if final == "" {
		final = "(no output)"
	}
	h.updateStatus(ctx, t, nodeID, "✅ "+truncate(final, 3500))
	h.st.SaveTrees(h.repo)
	return nil
}

// finishWithError marks nodeID and its pending descendants ERROR and
// pushes a status edit for every affected node.
func (h *Handler) finishWithError(ctx context.Context, t *tree.Tree, nodeID string, err error) {
	affected := h.proc.MarkNodeError(nodeID, err.Error(), true)
	for _, id := range affected {
		n, ok := t.GetNode(id)
		if !ok {
			continue
		}
		h.updateStatus(ctx, t, id, "❌ "+n.ErrorMessage)
	}
	h.st.SaveTrees(h.repo)
}

// updateStatus edits nodeID's status message through the C3 limiter,
// deduplicated and rate-shaped by nodeID, honoring the local debounce
// guard so rapid CLI output doesn't spam the limiter queue. The final
// edit for a node (state Completed/Error) always bypasses the debounce.
func (h *Handler) updateStatus(ctx context.Context, t *tree.Tree, nodeID, text string) {
	n, ok := t.GetNode(nodeID)
	if !ok || n.StatusMessageID == "" {
		return
	}
	force := n.State == tree.Completed || n.State == tree.Error
	if !force && !h.shouldUpdateUI(nodeID) {
		return
	}
	h.limiter.FireAndForget(nodeID, func(ctx context.Context) (any, error) {
		return nil, h.platform.EditMessage(ctx, n.Incoming.ChatID, n.StatusMessageID, text, "")
	})
}

func (h *Handler) shouldUpdateUI(nodeID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	last, ok := h.lastUIUpdate[nodeID]
	now := time.Now()
	if ok && now.Sub(last) < h.uiDebounce {
		return false
	}
	h.lastUIUpdate[nodeID] = now
	return true
}

func (h *Handler) registerStatusNode(platform, chatID, messageID, nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statusToNode[statusKey(platform, chatID, messageID)] = nodeID
}

func (h *Handler) lookupStatusNode(platform, chatID, messageID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.statusToNode[statusKey(platform, chatID, messageID)]
	return id, ok
}

func statusKey(platform, chatID, messageID string) string {
	return platform + ":" + chatID + ":" + messageID
}

func (h *Handler) handleStopCommand(ctx context.Context, msg tree.IncomingMessage) {
	affected := h.proc.CancelAll()
	h.cliMgr.StopAll()
	total := 0
	for _, ids := range affected {
		total += len(ids)
	}
	h.platform.SendMessage(ctx, msg.ChatID, fmt.Sprintf("Stopped. %d node(s) cancelled.", total), msg.MessageID, "")
}

func (h *Handler) handleStatsCommand(ctx context.Context, msg tree.IncomingMessage) {
	snap := StatsSnapshot{
		TreeCount:   h.repo.Count(),
		CLISessions: h.cliMgr.Count(),
	}
	h.platform.SendMessage(ctx, msg.ChatID, fmt.Sprintf("Trees: %d\nCLI sessions: %d", snap.TreeCount, snap.CLISessions), msg.MessageID, "")
}

// extractDisplayText pulls a human-readable string out of a raw CLI
// event, recognizing the "assistant" (message.content[].text) and
// "result" (top-level result string) shapes. Other event types have no
// representable text and are skipped.
func extractDisplayText(ev cliproc.Event) (string, bool) {
	switch ev.Type {
	case "assistant":
		var payload struct {
			Message struct {
				Content []struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(ev.Raw, &payload); err != nil {
			return "", false
		}
		var parts []string
		for _, c := range payload.Message.Content {
			if c.Type == "text" && c.Text != "" {
				parts = append(parts, c.Text)
			}
		}
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, "\n\n"), true
	case "result":
		var payload struct {
			Result string `json:"result"`
		}
		if err := json.Unmarshal(ev.Raw, &payload); err != nil {
			return "", false
		}
		return payload.Result, payload.Result != ""
	default:
		return "", false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
