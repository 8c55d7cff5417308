package ws

import (
	"fmt"
	"sync"

	"github.com/akinalp/collab/models"
	"github.com/akinalp/collab/pkg"
)

// SessionManager owns at most one live Session per (project, channel).
type SessionManager struct {
	transport Transport
	opts      SessionOptions

	mu       sync.Mutex
	sessions map[models.ConnectionKey]*Session
}

// NewSessionManager creates a manager dialing through transport.
func NewSessionManager(transport Transport, opts SessionOptions) *SessionManager {
	return &SessionManager{
		transport: transport,
		opts:      opts,
		sessions:  make(map[models.ConnectionKey]*Session),
	}
}

// Open returns the live session for the pair, starting one if needed.
//
// Opening a pair that already has a non-closed session returns that same
// session; a closed one is replaced. subscribers are attached before a new
// session starts, so they see every event from its first status change on.
func (m *SessionManager) Open(projectID, channelID string, subscribers ...func(SessionEvent)) (*Session, error) {
	s, _, err := m.open(projectID, channelID, subscribers)
	return s, err
}

// Attach opens the pair like Open with fn subscribed from the first event.
// The returned func detaches fn and leaves the session running.
func (m *SessionManager) Attach(projectID, channelID string, fn func(SessionEvent)) (*Session, func(), error) {
	s, unsubscribes, err := m.open(projectID, channelID, []func(SessionEvent){fn})
	if err != nil {
		return nil, nil, err
	}
	return s, unsubscribes[0], nil
}

func (m *SessionManager) open(projectID, channelID string, subscribers []func(SessionEvent)) (*Session, []func(), error) {
	key := models.ConnectionKey{ProjectID: projectID, ChannelID: channelID}
	if !key.Valid() {
		return nil, nil, fmt.Errorf("%w: project and channel ids are required", pkg.ErrInvalidTarget)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	fresh := !ok || s.State() == models.ConnectionClosed
	if fresh {
		s = newSession(key, m.transport, m.opts, m.forget)
		m.sessions[key] = s
	}

	unsubscribes := make([]func(), 0, len(subscribers))
	for _, fn := range subscribers {
		unsubscribes = append(unsubscribes, s.Subscribe(fn))
	}
	if fresh {
		s.start()
	}
	return s, unsubscribes, nil
}

// Get returns the tracked session for key, or nil.
func (m *SessionManager) Get(key models.ConnectionKey) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[key]
}

// CloseAll closes every tracked session.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (m *SessionManager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions[s.key] == s {
		delete(m.sessions, s.key)
	}
}
