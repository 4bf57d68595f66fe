package cliproc

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

// Manager is the bounded pool of CLISessions (C12): it resolves a caller's
// session id (real or temporary) to an existing Session, or creates a new
// one under MaxSessions, evicting idle sessions first when the pool is
// full. Grounded on the teacher's PollingManager (internal/background):
// a registry map guarded by one mutex, a capacity check before spawning
// more work, and a StopAll that stops every session it holds.
type Manager struct {
	spec        Spec
	registry    *Registry
	maxSessions int

	mu           sync.Mutex
	sessions     map[string]*Session // real session id -> session
	pending      map[string]*Session // temp id -> session
	tempToReal   map[string]string   // temp id -> real id, once known
}

// NewManager constructs a Manager bounded at maxSessions concurrent
// subprocesses.
func NewManager(spec Spec, registry *Registry, maxSessions int) *Manager {
	return &Manager{
		spec:        spec,
		registry:    registry,
		maxSessions: maxSessions,
		sessions:    make(map[string]*Session),
		pending:     make(map[string]*Session),
		tempToReal:  make(map[string]string),
	}
}

// ErrSessionLimitReached is returned when the pool is full and no idle
// session could be evicted to make room.
var ErrSessionLimitReached = fmt.Errorf("cliproc: session limit reached")

// GetOrCreateSession resolves sessionID (if given and known) to an
// existing Session, or creates a new one under a temporary id. Returns the
// session, the id callers should address it by (the resolved real id, or a
// fresh temp id), and whether it is newly created.
func (m *Manager) GetOrCreateSession(sessionID string) (sess *Session, id string, isNew bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessionID != "" {
		if real, ok := m.tempToReal[sessionID]; ok {
			sessionID = real
		}
		if s, ok := m.sessions[sessionID]; ok {
			return s, sessionID, false, nil
		}
		if s, ok := m.pending[sessionID]; ok {
			return s, sessionID, false, nil
		}
	}

	if len(m.sessions)+len(m.pending) >= m.maxSessions {
		m.evictIdleLocked(3)
		if len(m.sessions)+len(m.pending) >= m.maxSessions {
			return nil, "", false, ErrSessionLimitReached
		}
	}

	s := NewSession(m.spec, m.registry)
	tempID := sessionID
	if tempID == "" {
		tempID = "pending_" + randHex(4)
	}
	m.pending[tempID] = s
	return s, tempID, true, nil
}

// evictIdleLocked stops up to n non-busy sessions to make room for a new
// one. Caller must hold m.mu.
func (m *Manager) evictIdleLocked(n int) {
	evicted := 0
	for id, s := range m.pending {
		if evicted >= n {
			return
		}
		if !s.IsBusy() {
			s.Stop()
			delete(m.pending, id)
			evicted++
		}
	}
	for id, s := range m.sessions {
		if evicted >= n {
			return
		}
		if !s.IsBusy() {
			s.Stop()
			delete(m.sessions, id)
			m.forgetTempAliasesLocked(id)
			evicted++
		}
	}
}

func (m *Manager) forgetTempAliasesLocked(realID string) {
	for temp, real := range m.tempToReal {
		if real == realID {
			delete(m.tempToReal, temp)
		}
	}
}

// RegisterRealSessionID moves a pending session to the real-id map once
// its subprocess has reported its actual session id, recording the alias
// so later calls by either id resolve to the same Session.
func (m *Manager) RegisterRealSessionID(tempID, realID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.pending[tempID]
	if !ok {
		return
	}
	delete(m.pending, tempID)
	m.sessions[realID] = s
	m.tempToReal[tempID] = realID
}

// StopAll stops every live session (pending and registered) and clears the
// pool's bookkeeping.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.pending {
		s.Stop()
	}
	for _, s := range m.sessions {
		s.Stop()
	}
	m.pending = make(map[string]*Session)
	m.sessions = make(map[string]*Session)
	m.tempToReal = make(map[string]string)
}

// Count reports the total number of sessions (pending + registered)
// currently tracked by the pool.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions) + len(m.pending)
}

func randHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
