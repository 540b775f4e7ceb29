package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("session not found")

// Session is the externally visible state of one chat session.
type Session struct {
	ID             string    `json:"session_id"`
	Status         Status    `json:"status"`
	Collection     string    `json:"collection,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	TurnActive     bool      `json:"turn_active"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type entry struct {
	sess *Session
	ctrl *Controller
}

// ControllerFactory builds the controller for a newly created session.
type ControllerFactory func(collection string) *Controller

// Manager tracks live sessions and their controllers, expiring the inactive.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	newController     ControllerFactory
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration, factory ControllerFactory) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*entry),
		newController:     factory,
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(collection string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		Status:         StatusActive,
		Collection:     collection,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = &entry{sess: s, ctrl: m.newController(collection)}
	return snapshot(s, nil)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return snapshot(e.sess, e.ctrl), nil
}

// Controller returns the live controller for an active session.
func (m *Manager) Controller(sessionID string) (*Controller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok || e.sess.Status != StatusActive {
		return nil, ErrNotFound
	}
	return e.ctrl, nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.sess.LastActivityAt = time.Now().UTC()
	return nil
}

// End cancels any in-flight turn and marks the session ended.
func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	e.sess.Status = StatusEnded
	e.sess.LastActivityAt = time.Now().UTC()
	ctrl := e.ctrl
	out := snapshot(e.sess, ctrl)
	m.mu.Unlock()

	ctrl.Cancel()
	return out, nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.sessions {
		if e.sess.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*entry

	m.mu.Lock()
	for _, e := range m.sessions {
		if e.sess.Status != StatusActive {
			continue
		}
		// A streaming turn counts as activity even when the caller went quiet.
		if e.ctrl.Busy() {
			e.sess.LastActivityAt = now
			continue
		}
		if now.Sub(e.sess.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		e.sess.Status = StatusEnded
		e.sess.LastActivityAt = now
		expired = append(expired, e)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, e := range expired {
		e.ctrl.Cancel()
		if hook != nil {
			hook(snapshot(e.sess, e.ctrl))
		}
	}
}

func snapshot(s *Session, ctrl *Controller) *Session {
	c := *s
	if ctrl != nil {
		c.ConversationID = ctrl.ConversationID()
		c.TurnActive = ctrl.Busy()
	}
	return &c
}
