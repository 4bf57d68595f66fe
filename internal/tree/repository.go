package tree

import (
	"fmt"
	"sync"
)

// Repository is the process-wide home for every conversation tree: a
// map from root id to tree plus a map from any node id to the root id
// that owns it, so a reply can be resolved to its tree in one lookup
// without walking the forest. Grounded on the same per-entity-map
// pattern as internal/deepr.SessionManager, generalized from one flat
// map to the root-index/node-index pair a forest needs.
type Repository struct {
	mu       sync.RWMutex
	trees    map[string]*Tree
	nodeRoot map[string]string
}

// NewRepository constructs an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		trees:    make(map[string]*Tree),
		nodeRoot: make(map[string]string),
	}
}

// CreateTree registers a brand-new tree rooted at root and returns it.
func (r *Repository) CreateTree(root *Node) *Tree {
	t := New(root)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trees[t.RootID] = t
	r.nodeRoot[root.NodeID] = t.RootID
	return t
}

// AddNode attaches node to the same tree as its parent and indexes it,
// so a future lookup by node.NodeID resolves to the right tree.
func (r *Repository) AddNode(node *Node) error {
	r.mu.Lock()
	rootID, ok := r.nodeRoot[node.ParentID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("tree: parent node %q is not registered in any tree", node.ParentID)
	}
	t, ok := r.TreeByRoot(rootID)
	if !ok {
		return fmt.Errorf("tree: root %q not found for parent %q", rootID, node.ParentID)
	}
	if err := t.AddNode(node); err != nil {
		return err
	}
	r.mu.Lock()
	r.nodeRoot[node.NodeID] = rootID
	r.mu.Unlock()
	return nil
}

// RestoreTree rebuilds a tree from persisted nodes and indexes every
// node id to rootID. Used by the session store (C16) on startup.
func (r *Repository) RestoreTree(rootID string, nodes map[string]*Node) *Tree {
	t := Restore(rootID, nodes)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trees[rootID] = t
	for id := range t.nodes {
		r.nodeRoot[id] = rootID
	}
	return t
}

// TreeByRoot looks up a tree directly by its root id.
func (r *Repository) TreeByRoot(rootID string) (*Tree, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trees[rootID]
	return t, ok
}

// TreeForNode resolves any node id, root or descendant, to its tree.
func (r *Repository) TreeForNode(nodeID string) (*Tree, bool) {
	r.mu.RLock()
	rootID, ok := r.nodeRoot[nodeID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.TreeByRoot(rootID)
}

// RootForNode reports which root a node id belongs to.
func (r *Repository) RootForNode(nodeID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rootID, ok := r.nodeRoot[nodeID]
	return rootID, ok
}

// AllTrees returns every registered tree. Used by startup reconciliation
// and by /stats.
func (r *Repository) AllTrees() []*Tree {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tree, 0, len(r.trees))
	for _, t := range r.trees {
		out = append(out, t)
	}
	return out
}

// Count reports how many trees are registered.
func (r *Repository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.trees)
}
