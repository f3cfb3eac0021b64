package poller

import (
	"context"
	"errors"
	"sync"

	"github.com/confix/go-shipping-backend/internal/gateway"
)

// ErrSessionClosed is returned for operations on a session that already
// reached a final answer or was cancelled.
var ErrSessionClosed = errors.New("polling session closed")

// Manager owns the live polling sessions, one per gateway payment ID.
// Sessions remove themselves once they reach Paid or Failed; TimedOut
// sessions stay registered so manual checks can still reach them.
type Manager struct {
	gw    gateway.StatusQuerier
	cfg   Config
	clock Clock
	hooks Hooks

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds a Manager. A nil clock means wall time.
func NewManager(gw gateway.StatusQuerier, cfg Config, clock Clock, hooks Hooks) *Manager {
	return &Manager{
		gw:       gw,
		cfg:      cfg.withDefaults(),
		clock:    clock,
		hooks:    hooks,
		sessions: make(map[string]*Session),
	}
}

// Open starts (or returns the already-running) session for paymentID.
// Opening is idempotent per payment: reloading the payment modal must not
// stack pollers against the gateway.
func (m *Manager) Open(ctx context.Context, paymentID, externalReference string) *Session {
	m.mu.Lock()
	if s, ok := m.sessions[paymentID]; ok {
		m.mu.Unlock()
		return s
	}

	hooks := Hooks{
		OnPaid: func(ctx context.Context, ref string) {
			m.remove(paymentID)
			if m.hooks.OnPaid != nil {
				m.hooks.OnPaid(ctx, ref)
			}
		},
		OnFailed: func(ctx context.Context, ref string) {
			m.remove(paymentID)
			if m.hooks.OnFailed != nil {
				m.hooks.OnFailed(ctx, ref)
			}
		},
	}
	s := NewSession(paymentID, externalReference, m.gw, m.cfg, m.clock, hooks)
	m.sessions[paymentID] = s
	m.mu.Unlock()

	s.Start(ctx)
	return s
}

// Get returns the session for paymentID, or nil.
func (m *Manager) Get(paymentID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[paymentID]
}

// Close stops and removes the session for paymentID. Closing an unknown
// payment is a no-op; the buyer may have paid (and the session self-removed)
// before their browser sent the teardown.
func (m *Manager) Close(paymentID string) {
	m.mu.Lock()
	s, ok := m.sessions[paymentID]
	delete(m.sessions, paymentID)
	m.mu.Unlock()
	if ok {
		s.Stop()
	}
}

// Shutdown stops every live session. Used on server teardown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range all {
		s.Stop()
	}
}

// Len reports the number of registered sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) remove(paymentID string) {
	m.mu.Lock()
	delete(m.sessions, paymentID)
	m.mu.Unlock()
}
