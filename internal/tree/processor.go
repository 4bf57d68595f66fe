package tree

import (
	"context"
	"errors"
	"sync"
)

// ProcessorFn runs one node's work. It must honor ctx cancellation
// promptly: Processor cancels ctx when the owning tree is cancelled.
type ProcessorFn func(ctx context.Context, nodeID string, node *Node) error

// Processor is the single-consumer-per-tree execution engine (C15): it
// launches at most one node per tree at a time, chains the next queued
// node on completion, and propagates failures to pending descendants.
// Grounded on spec.md's own enqueue/task-wrapper/cancel_tree algorithm,
// with the per-entity locking pattern taken from the teacher's
// internal/deepr.SessionManager generalized to a forest of independent
// queues.
type Processor struct {
	repo *Repository

	// mu serializes CancelAll against itself; it mirrors the
	// description of cancel_all running "under a manager-wide lock" so
	// two concurrent stop-everything calls can't interleave.
	mu sync.Mutex
}

// NewProcessor builds a Processor over repo.
func NewProcessor(repo *Repository) *Processor {
	return &Processor{repo: repo}
}

// Enqueue looks up nodeID's tree and either launches fn immediately
// (queued=false) or appends the node to the tree's FIFO (queued=true).
func (p *Processor) Enqueue(nodeID string, fn ProcessorFn) (queued bool, err error) {
	t, ok := p.repo.TreeForNode(nodeID)
	if !ok {
		return false, errUnknownNode(nodeID)
	}
	node, ok := t.GetNode(nodeID)
	if !ok {
		return false, errUnknownNode(nodeID)
	}
	if t.StartOrEnqueue(nodeID) {
		p.launch(t, nodeID, node, fn)
		return false, nil
	}
	return true, nil
}

func (p *Processor) launch(t *Tree, nodeID string, node *Node, fn ProcessorFn) {
	ctx, cancel := context.WithCancel(context.Background())
	t.SetCancel(cancel)
	go func() {
		defer cancel()
		err := fn(ctx, nodeID, node)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.MarkNodeError(nodeID, err.Error(), true)
		}
		next, shouldStart := t.FinishAndAdvance()
		if !shouldStart {
			return
		}
		nextNode, ok := t.GetNode(next)
		if !ok {
			return
		}
		p.launch(t, next, nextNode, fn)
	}()
}

// MarkNodeError sets nodeID's state to Error with msg. When propagate is
// true, every PENDING descendant (depth-first) is also set to Error
// with a "Parent failed: " prefixed message. Returns every node id that
// was changed, so the caller can push status-message updates.
func (p *Processor) MarkNodeError(nodeID, msg string, propagate bool) []string {
	t, ok := p.repo.TreeForNode(nodeID)
	if !ok {
		return nil
	}
	var affected []string
	if t.UpdateNode(nodeID, func(n *Node) {
		n.State = Error
		n.ErrorMessage = msg
	}) {
		affected = append(affected, nodeID)
	}
	if !propagate {
		return affected
	}
	for _, id := range t.DescendantsDFS(nodeID) {
		n, ok := t.GetNode(id)
		if !ok || n.State != Pending {
			continue
		}
		t.UpdateNode(id, func(nn *Node) {
			nn.State = Error
			nn.ErrorMessage = "Parent failed: " + msg
		})
		affected = append(affected, id)
	}
	return affected
}

// CancelTree cancels rootID's running node (if any), drains and fails
// its FIFO, sweeps any other non-terminal node as a cleanup pass, and
// resets the tree to idle. Returns every affected node id.
func (p *Processor) CancelTree(rootID string) []string {
	t, ok := p.repo.TreeByRoot(rootID)
	if !ok {
		return nil
	}
	var affected []string

	if current := t.CurrentNodeID(); current != "" {
		t.CancelCurrentTask()
		if n, ok := t.GetNode(current); ok && n.State != Completed && n.State != Error {
			t.UpdateNode(current, func(nn *Node) {
				nn.State = Error
				nn.ErrorMessage = "Cancelled by user"
			})
			affected = append(affected, current)
		}
	}

	for _, id := range t.DrainQueue() {
		t.UpdateNode(id, func(nn *Node) {
			nn.State = Error
			nn.ErrorMessage = "Cancelled by user"
		})
		affected = append(affected, id)
	}

	for id, n := range t.AllNodes() {
		if n.State == Pending || n.State == InProgress {
			t.UpdateNode(id, func(nn *Node) {
				nn.State = Error
				nn.ErrorMessage = "Stale task cleaned up"
			})
			affected = append(affected, id)
		}
	}

	t.ResetProcessing()
	return affected
}

// CancelAll cancels every tree in the repository and returns the
// affected node ids, keyed by root id.
func (p *Processor) CancelAll() map[string][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string][]string)
	for _, t := range p.repo.AllTrees() {
		if affected := p.CancelTree(t.RootID); len(affected) > 0 {
			out[t.RootID] = affected
		}
	}
	return out
}

// CleanupStaleNodes implements startup reconciliation: after trees are
// restored from the session store, any node still PENDING or
// IN_PROGRESS could not have survived the restart, so it becomes
// ERROR("Lost during server restart"). Returns the count of nodes
// transitioned.
func (p *Processor) CleanupStaleNodes() int {
	count := 0
	for _, t := range p.repo.AllTrees() {
		for id, n := range t.AllNodes() {
			if n.State != Pending && n.State != InProgress {
				continue
			}
			t.UpdateNode(id, func(nn *Node) {
				nn.State = Error
				nn.ErrorMessage = "Lost during server restart"
			})
			count++
		}
		t.ResetProcessing()
	}
	return count
}

type unknownNodeError struct{ nodeID string }

func (e *unknownNodeError) Error() string {
	return "tree: unknown node id " + e.nodeID
}

func errUnknownNode(nodeID string) error {
	return &unknownNodeError{nodeID: nodeID}
}
