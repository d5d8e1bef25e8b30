// Package call implements the call admission state machine: a user is part
// of at most one call negotiation, pending or active, at any time.
package call

import (
	"sync"
	"time"
)

// Outcome is the result of a call initiation.
type Outcome int

const (
	Rejected Outcome = iota
	Accepted
)

func (o Outcome) String() string {
	if o == Accepted {
		return "accepted"
	}
	return "rejected"
}

// Session is a call between exactly two identities. Pending sessions have
// Accepted == false; active sessions have Accepted and Active set.
type Session struct {
	Caller     string
	Recipient  string
	Accepted   bool
	Active     bool
	CreatedAt  time.Time
	AcceptedAt time.Time
}

// Other returns the participant that is not identity.
func (s Session) Other(identity string) string {
	if identity == s.Caller {
		return s.Recipient
	}
	return s.Caller
}

// Involves reports whether identity is one of the participants.
func (s Session) Involves(identity string) bool {
	return identity == s.Caller || identity == s.Recipient
}

// Manager owns every Session. Both indices hold each session under both of
// its participants and are guarded by a single mutex so every transition is
// atomic.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*Session
	active  map[string]*Session
	now     func() time.Time
}

func NewManager() *Manager {
	return &Manager{
		pending: make(map[string]*Session),
		active:  make(map[string]*Session),
		now:     time.Now,
	}
}

// Initiate creates a pending session from caller to recipient. It is
// rejected for a self-call, an empty identity, or when either side already
// appears in a pending or active session.
func (m *Manager) Initiate(caller, recipient string) Outcome {
	if caller == "" || recipient == "" || caller == recipient {
		return Rejected
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inCallLocked(caller) || m.inCallLocked(recipient) {
		return Rejected
	}
	s := &Session{Caller: caller, Recipient: recipient, CreatedAt: m.now()}
	m.pending[caller] = s
	m.pending[recipient] = s
	return Accepted
}

// Accept moves the pending session from caller to recipient into the active
// index. It fails unless such a session exists with exactly that recipient.
func (m *Manager) Accept(recipient, caller string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.matchPendingLocked(recipient, caller)
	if !ok {
		return Session{}, false
	}
	delete(m.pending, s.Caller)
	delete(m.pending, s.Recipient)
	s.Accepted = true
	s.Active = true
	s.AcceptedAt = m.now()
	m.active[s.Caller] = s
	m.active[s.Recipient] = s
	return *s, true
}

// Reject discards the pending session from caller to recipient, with the
// same matching rule as Accept.
func (m *Manager) Reject(recipient, caller string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.matchPendingLocked(recipient, caller)
	if !ok {
		return Session{}, false
	}
	delete(m.pending, s.Caller)
	delete(m.pending, s.Recipient)
	return *s, true
}

// End terminates whatever session identity is part of, active or still
// pending, and returns it. A second End finds nothing and returns false.
func (m *Manager) End(identity string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessionLocked(identity)
	if s == nil {
		return Session{}, false
	}
	return m.removeLocked(s), true
}

// EndWith is End restricted to the session shared with counterpart, so a
// participant cannot tear down a call by naming the wrong peer.
func (m *Manager) EndWith(identity, counterpart string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessionLocked(identity)
	if s == nil || identity == counterpart || !s.Involves(counterpart) {
		return Session{}, false
	}
	return m.removeLocked(s), true
}

// IsInCall reports whether identity is in any session, pending or active.
func (m *Manager) IsInCall(identity string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inCallLocked(identity)
}

// ActiveSession returns a copy of identity's active session.
func (m *Manager) ActiveSession(identity string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.active[identity]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// PendingSession returns a copy of identity's pending session.
func (m *Manager) PendingSession(identity string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.pending[identity]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Stats returns the number of pending and active sessions.
func (m *Manager) Stats() (pending, active int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) / 2, len(m.active) / 2
}

func (m *Manager) inCallLocked(identity string) bool {
	_, pending := m.pending[identity]
	_, active := m.active[identity]
	return pending || active
}

func (m *Manager) matchPendingLocked(recipient, caller string) (*Session, bool) {
	s, ok := m.pending[caller]
	if !ok || s.Caller != caller || s.Recipient != recipient {
		return nil, false
	}
	return s, true
}

func (m *Manager) sessionLocked(identity string) *Session {
	if s, ok := m.active[identity]; ok {
		return s
	}
	if s, ok := m.pending[identity]; ok {
		return s
	}
	return nil
}

func (m *Manager) removeLocked(s *Session) Session {
	delete(m.active, s.Caller)
	delete(m.active, s.Recipient)
	delete(m.pending, s.Caller)
	delete(m.pending, s.Recipient)
	ended := *s
	ended.Active = false
	return ended
}
