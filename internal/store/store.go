// Package store implements the debounced single-file JSON session
// store (C16): sessions (kept for legacy compatibility only), the
// conversation forest, the node-to-tree index, and a per-chat message
// log used for best-effort chat cleanup.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentbroker/broker/internal/tree"
)

// DefaultDebounce is the default delay between a dirtying write and the
// timer thread actually flushing to disk.
const DefaultDebounce = 500 * time.Millisecond

// MessageLogEntry is one line of a chat's best-effort cleanup log.
type MessageLogEntry struct {
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"ts"`
	Direction string    `json:"direction"` // "in" or "out"
	Kind      string    `json:"kind"`
}

type persistedTree struct {
	RootID string                 `json:"root_id"`
	Nodes  map[string]*tree.Node  `json:"nodes"`
}

type persistedData struct {
	Sessions   map[string]json.RawMessage  `json:"sessions"`
	Trees      map[string]persistedTree    `json:"trees"`
	NodeToTree map[string]string           `json:"node_to_tree"`
	MessageLog map[string][]MessageLogEntry `json:"message_log"`
}

func emptyData() persistedData {
	return persistedData{
		Sessions:   make(map[string]json.RawMessage),
		Trees:      make(map[string]persistedTree),
		NodeToTree: make(map[string]string),
		MessageLog: make(map[string][]MessageLogEntry),
	}
}

// Store is a single-JSON-file-backed store guarded by one coarse lock,
// with debounced background persistence. Grounded on the file-writing
// mechanics of the teacher pack's batalabs-muxd internal/config
// preferences store (json.MarshalIndent + os.WriteFile under 0o600,
// os.MkdirAll on the parent directory) and on the teacher's own
// time.AfterFunc idiom for scheduling deferred work, enriched with an
// atomic temp-file-then-rename write so a crash mid-write can never
// leave a half-written store file behind — serving the crash-recovery
// boundary this store exists for.
type Store struct {
	path      string
	debounce  time.Duration
	logCap    int

	mu    sync.Mutex
	data  persistedData
	dirty bool
	timer *time.Timer
}

// Load reads path if it exists, or starts from an empty store otherwise.
func Load(path string, debounce time.Duration, logCap int) (*Store, error) {
	s := &Store{path: path, debounce: debounce, logCap: logCap, data: emptyData()}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("store: parse %s: %w", path, err)
	}
	if s.data.Sessions == nil {
		s.data.Sessions = make(map[string]json.RawMessage)
	}
	if s.data.Trees == nil {
		s.data.Trees = make(map[string]persistedTree)
	}
	if s.data.NodeToTree == nil {
		s.data.NodeToTree = make(map[string]string)
	}
	if s.data.MessageLog == nil {
		s.data.MessageLog = make(map[string][]MessageLogEntry)
	}
	return s, nil
}

// RestoreInto rebuilds repo from whatever tree data was persisted.
func (s *Store) RestoreInto(repo *tree.Repository) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for rootID, pt := range s.data.Trees {
		repo.RestoreTree(rootID, pt.Nodes)
	}
}

// SaveTrees snapshots every tree in repo and marks the store dirty.
func (s *Store) SaveTrees(repo *tree.Repository) {
	trees := repo.AllTrees()
	persisted := make(map[string]persistedTree, len(trees))
	nodeToTree := make(map[string]string)
	for _, t := range trees {
		nodes := t.AllNodes()
		persisted[t.RootID] = persistedTree{RootID: t.RootID, Nodes: nodes}
		for id := range nodes {
			nodeToTree[id] = t.RootID
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Trees = persisted
	s.data.NodeToTree = nodeToTree
	s.markDirtyLocked()
}

// GetSession returns the raw legacy session payload for id, if any.
func (s *Store) GetSession(id string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.data.Sessions[id]
	return raw, ok
}

// SetSession stores a raw legacy session payload under id.
func (s *Store) SetSession(id string, data json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Sessions[id] = data
	s.markDirtyLocked()
}

// RecordMessageID appends a message to platform:chatID's log, enforcing
// dedup by message id and trimming to logCap oldest-first if set.
func (s *Store) RecordMessageID(platform, chatID, id, direction, kind string) {
	key := platform + ":" + chatID
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.data.MessageLog[key]
	for _, e := range entries {
		if e.MessageID == id {
			return
		}
	}
	entries = append(entries, MessageLogEntry{
		MessageID: id,
		Timestamp: time.Now(),
		Direction: direction,
		Kind:      kind,
	})
	if s.logCap > 0 && len(entries) > s.logCap {
		entries = entries[len(entries)-s.logCap:]
	}
	s.data.MessageLog[key] = entries
	s.markDirtyLocked()
}

// MessageLog returns a defensive copy of platform:chatID's log.
func (s *Store) MessageLog(platform, chatID string) []MessageLogEntry {
	key := platform + ":" + chatID
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.data.MessageLog[key]
	out := make([]MessageLogEntry, len(entries))
	copy(out, entries)
	return out
}

func (s *Store) markDirtyLocked() {
	s.dirty = true
	if s.timer != nil {
		return
	}
	debounce := s.debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	s.timer = time.AfterFunc(debounce, s.flushTimer)
}

func (s *Store) flushTimer() {
	s.mu.Lock()
	s.timer = nil
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	s.dirty = false
	raw, err := json.MarshalIndent(s.data, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return
	}
	_ = s.writeToDisk(raw)
}

// FlushPendingSave forces an immediate write if the store is dirty,
// cancelling any pending debounce timer. Used on shutdown.
func (s *Store) FlushPendingSave() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	s.dirty = false
	raw, err := json.MarshalIndent(s.data, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	return s.writeToDisk(raw)
}

func (s *Store) writeToDisk(data []byte) error {
	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("store: mkdir %s: %w", dir, err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("store: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("store: rename %s: %w", tmp, err)
	}
	return nil
}
