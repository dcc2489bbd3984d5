// Session store: per-visitor conversation state keyed by session id
package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrSessionNotFound = errors.New("session not found")

// Session is one visitor's live conversation.
type Session struct {
	ID           string             `json:"id"`
	State        *ConversationState `json:"state"`
	CreatedAt    time.Time          `json:"created_at"`
	LastActivity time.Time          `json:"last_activity"`

	// turn serializes pipeline runs for this session. Stores that rebuild
	// Session values on every lookup share one locker per id.
	turn sync.Locker
	// mu guards State and LastActivity for readers outside a turn.
	mu sync.RWMutex
}

// Lock blocks until no other turn is running for the session.
func (s *Session) Lock() { s.turn.Lock() }

// Unlock releases the turn lock.
func (s *Session) Unlock() { s.turn.Unlock() }

func (s *Session) setState(state *ConversationState) {
	s.mu.Lock()
	s.State = state
	s.mu.Unlock()
}

// snapshotState returns a copy of the state for a pipeline run.
func (s *Session) snapshotState() *ConversationState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State.clone()
}

// view returns the last committed state and activity time. The returned
// state must not be modified.
func (s *Session) view() (*ConversationState, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State, s.LastActivity
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.LastActivity = now
	s.mu.Unlock()
}

// SessionStore maps session ids to conversation state.
type SessionStore interface {
	// Create provisions a session with a fresh id.
	Create(ctx context.Context, userID string) (*Session, error)
	// GetOrCreate never fails for an unknown id; it provisions a session
	// under that id and reports created=true.
	GetOrCreate(ctx context.Context, id, userID string) (sess *Session, created bool, err error)
	// Get returns ErrSessionNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Session, error)
	// Save persists changes made to a session's state.
	Save(ctx context.Context, sess *Session) error
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) int
	// Cleanup evicts sessions idle for longer than maxAge and returns their ids.
	Cleanup(ctx context.Context, maxAge time.Duration) ([]string, error)
}

// DefaultUserID is assigned when a visitor does not identify itself.
func DefaultUserID(sessionID string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return "web_user_" + short
}

func newSession(id, userID, language string) *Session {
	if id == "" {
		id = uuid.New().String()
	}
	if userID == "" {
		userID = DefaultUserID(id)
	}
	now := time.Now()
	state := NewConversationState(userID, language)
	state.SessionID = id
	return &Session{
		ID:           id,
		State:        state,
		CreatedAt:    now,
		LastActivity: now,
		turn:         &sync.Mutex{},
	}
}

// MemorySessionStore keeps sessions in process memory only.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	language string
	now      func() time.Time
}

// NewMemorySessionStore creates an empty store. language seeds new states.
func NewMemorySessionStore(language string) *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*Session),
		language: language,
		now:      time.Now,
	}
}

func (m *MemorySessionStore) Create(_ context.Context, userID string) (*Session, error) {
	sess := newSession("", userID, m.language)
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	return sess, nil
}

func (m *MemorySessionStore) GetOrCreate(_ context.Context, id, userID string) (*Session, bool, error) {
	if id == "" {
		sess := newSession("", userID, m.language)
		m.mu.Lock()
		m.sessions[sess.ID] = sess
		m.mu.Unlock()
		return sess, true, nil
	}

	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return sess, false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Double-check after acquiring write lock
	if sess, ok := m.sessions[id]; ok {
		return sess, false, nil
	}
	sess = newSession(id, userID, m.language)
	m.sessions[id] = sess
	return sess, true, nil
}

func (m *MemorySessionStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Save only refreshes activity; the map already holds the live pointer.
func (m *MemorySessionStore) Save(_ context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess.touch(m.now())
	m.sessions[sess.ID] = sess
	return nil
}

func (m *MemorySessionStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func (m *MemorySessionStore) Count(_ context.Context) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *MemorySessionStore) Cleanup(_ context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := m.now().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()
	var evicted []string
	for id, sess := range m.sessions {
		if _, last := sess.view(); last.Before(cutoff) {
			delete(m.sessions, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted, nil
}
