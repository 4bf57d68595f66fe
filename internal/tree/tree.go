package tree

import (
	"context"
	"fmt"
	"sync"
)

// Tree is a forest member: a root message plus its descendants, an
// internal node map for O(1) lookup, a FIFO of pending node ids so the
// tree processes one node at a time, and the state the queue processor
// (C15) needs to launch and track the currently running node. All state
// is guarded by one lock, grounded on the teacher's per-entity-keyed
// managers (internal/deepr.SessionManager) generalized from a map of
// independent entities to a map of independent queues.
type Tree struct {
	RootID string

	mu            sync.Mutex
	nodes         map[string]*Node
	queue         []string
	isProcessing  bool
	currentNodeID string
	cancelCurrent context.CancelFunc
}

// New constructs a Tree rooted at root. root.ParentID must be empty.
func New(root *Node) *Tree {
	return &Tree{
		RootID: root.NodeID,
		nodes:  map[string]*Node{root.NodeID: root},
	}
}

// Restore rebuilds a Tree directly from a persisted node map. Unlike
// AddNode, it does not re-derive ChildrenIDs — the persisted nodes
// already carry them — so it is only safe to call with a node map that
// was itself produced by AllNodes.
func Restore(rootID string, nodes map[string]*Node) *Tree {
	if nodes == nil {
		nodes = make(map[string]*Node)
	}
	return &Tree{RootID: rootID, nodes: nodes}
}

// AddNode registers node as a child of its parent (which must already
// exist in this tree) and appends it to the parent's ChildrenIDs.
func (t *Tree) AddNode(node *Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if node.ParentID != "" {
		parent, ok := t.nodes[node.ParentID]
		if !ok {
			return fmt.Errorf("tree: parent node %q not found", node.ParentID)
		}
		parent.ChildrenIDs = append(parent.ChildrenIDs, node.NodeID)
	}
	t.nodes[node.NodeID] = node
	return nil
}

// GetNode returns a defensive copy of the node, if present.
func (t *Tree) GetNode(id string) (*Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil, false
	}
	return n.clone(), true
}

// UpdateNode applies mutate to the live node under the tree's lock.
// Reports whether the node existed.
func (t *Tree) UpdateNode(id string, mutate func(*Node)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return false
	}
	mutate(n)
	return true
}

// AllNodes returns defensive copies of every node, keyed by id.
func (t *Tree) AllNodes() map[string]*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*Node, len(t.nodes))
	for id, n := range t.nodes {
		out[id] = n.clone()
	}
	return out
}

// DescendantsDFS returns every node reachable from nodeID, depth-first,
// excluding nodeID itself.
func (t *Tree) DescendantsDFS(nodeID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	var walk func(id string)
	walk = func(id string) {
		n, ok := t.nodes[id]
		if !ok {
			return
		}
		for _, c := range n.ChildrenIDs {
			out = append(out, c)
			walk(c)
		}
	}
	walk(nodeID)
	return out
}

// StartOrEnqueue implements the core FIFO admission rule: if the tree is
// idle, nodeID becomes the current node and the caller should launch it
// immediately (shouldStart=true). Otherwise nodeID is appended to the
// FIFO and the caller must not launch anything.
func (t *Tree) StartOrEnqueue(nodeID string) (shouldStart bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.isProcessing {
		t.isProcessing = true
		t.currentNodeID = nodeID
		return true
	}
	t.queue = append(t.queue, nodeID)
	return false
}

// FinishAndAdvance clears the current node and, if the FIFO has more
// work, dequeues and installs the next node as current (the caller must
// then launch it). If the FIFO is empty, the tree goes idle.
func (t *Tree) FinishAndAdvance() (nextNodeID string, shouldStart bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentNodeID = ""
	t.cancelCurrent = nil
	if len(t.queue) == 0 {
		t.isProcessing = false
		return "", false
	}
	next := t.queue[0]
	t.queue = t.queue[1:]
	t.currentNodeID = next
	return next, true
}

// CurrentNodeID reports the node currently being processed, if any.
func (t *Tree) CurrentNodeID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentNodeID
}

// SetCancel records the cancel function for the currently running node's
// task, so CancelCurrentTask can reach it later.
func (t *Tree) SetCancel(cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelCurrent = cancel
}

// DrainQueue empties the FIFO and returns everything that was pending.
func (t *Tree) DrainQueue() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	drained := t.queue
	t.queue = nil
	return drained
}

// ResetProcessing forces the tree back to idle with no current node,
// without touching the FIFO (the caller is expected to have drained it).
func (t *Tree) ResetProcessing() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.isProcessing = false
	t.currentNodeID = ""
	t.cancelCurrent = nil
}

// CancelCurrentTask cancels whatever task is currently registered via
// SetCancel, if any, and reports whether one was found.
func (t *Tree) CancelCurrentTask() bool {
	t.mu.Lock()
	cancel := t.cancelCurrent
	t.cancelCurrent = nil
	t.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}
