package session

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// Store is the persistence abstraction for sessions.
// Implementations can be in-memory, Redis or Postgres; the Service only relies on
// the atomicity of Insert and CompareAndSwap.
//
// Lookups return copies. Methods returning slices sort them newest first.
type Store interface {
	// Insert persists a new session. It fails with ErrConflict when s is active and
	// another active session already holds s.RoomID, or when s.SessionID exists.
	Insert(ctx context.Context, s *Session) error

	// Get returns the session with the given id or ErrNotFound.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// FindActiveByRoom returns every active session for roomID. More than one
	// result means the per-room invariant was broken elsewhere.
	FindActiveByRoom(ctx context.Context, roomID string) ([]*Session, error)

	// FindLatestByRoom returns the most recently created session for roomID,
	// whatever its status, or ErrNotFound.
	FindLatestByRoom(ctx context.Context, roomID string) (*Session, error)

	// FindByPassthrough returns sessions whose passthrough equals token.
	FindByPassthrough(ctx context.Context, token string) ([]*Session, error)

	// FindByLiveStreamID returns sessions whose runtime live stream id equals id.
	FindByLiveStreamID(ctx context.Context, liveStreamID string) ([]*Session, error)

	// CompareAndSwap replaces the stored session with next only if the stored
	// status still equals expected. It returns ErrConcurrentModification when the
	// status moved and ErrNotFound when the session is gone.
	CompareAndSwap(ctx context.Context, next *Session, expected Status) error

	// CountActive returns the number of sessions in an active status.
	CountActive(ctx context.Context) (int, error)
}

// InMemoryStore is a concurrency-safe in-memory implementation of Store.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*Session)}
}

// Insert implements Store.Insert.
func (m *InMemoryStore) Insert(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.SessionID]; exists {
		return &Error{Err: ErrConflict, SessionID: s.SessionID, RoomID: s.RoomID}
	}
	if IsActive(s.Status) {
		for _, other := range m.sessions {
			if other.RoomID == s.RoomID && IsActive(other.Status) {
				return &Error{Err: ErrConflict, SessionID: other.SessionID, RoomID: s.RoomID}
			}
		}
	}
	m.sessions[s.SessionID] = s.Clone()
	return nil
}

// Get implements Store.Get.
func (m *InMemoryStore) Get(_ context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, notFound(Key{SessionID: sessionID})
	}
	return s.Clone(), nil
}

// FindActiveByRoom implements Store.FindActiveByRoom.
func (m *InMemoryStore) FindActiveByRoom(_ context.Context, roomID string) ([]*Session, error) {
	return m.filter(func(s *Session) bool { return s.RoomID == roomID && IsActive(s.Status) }), nil
}

// FindLatestByRoom implements Store.FindLatestByRoom.
func (m *InMemoryStore) FindLatestByRoom(_ context.Context, roomID string) (*Session, error) {
	all := m.filter(func(s *Session) bool { return s.RoomID == roomID })
	if len(all) == 0 {
		return nil, notFound(Key{RoomID: roomID})
	}
	return all[0], nil
}

// FindByPassthrough implements Store.FindByPassthrough.
func (m *InMemoryStore) FindByPassthrough(_ context.Context, token string) ([]*Session, error) {
	return m.filter(func(s *Session) bool { return s.Passthrough == token }), nil
}

// FindByLiveStreamID implements Store.FindByLiveStreamID.
func (m *InMemoryStore) FindByLiveStreamID(_ context.Context, liveStreamID string) ([]*Session, error) {
	if liveStreamID == "" {
		return nil, nil
	}
	return m.filter(func(s *Session) bool { return s.Runtime.LiveStreamID == liveStreamID }), nil
}

// CompareAndSwap implements Store.CompareAndSwap.
func (m *InMemoryStore) CompareAndSwap(_ context.Context, next *Session, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[next.SessionID]
	if !ok {
		return notFound(Key{SessionID: next.SessionID})
	}
	if cur.Status != expected {
		return &Error{Err: ErrConcurrentModification, SessionID: next.SessionID, RoomID: next.RoomID, From: expected, To: next.Status}
	}
	m.sessions[next.SessionID] = next.Clone()
	return nil
}

// CountActive implements Store.CountActive.
func (m *InMemoryStore) CountActive(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, s := range m.sessions {
		if IsActive(s.Status) {
			n++
		}
	}
	return n, nil
}

func (m *InMemoryStore) filter(match func(*Session) bool) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.sessions {
		if match(s) {
			out = append(out, s.Clone())
		}
	}
	SortNewestFirst(out)
	return out
}

// SortNewestFirst orders sessions by creation time, newest first. Session ids
// are time-ordered and break ties.
func SortNewestFirst(list []*Session) {
	slices.SortFunc(list, func(a, b *Session) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.SessionID, a.SessionID)
	})
}
