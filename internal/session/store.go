package session

import (
	"sort"
	"sync"
)

// Store is the registry of live sessions. It is created once and passed to
// every component that needs to look sessions up.
type Store struct {
	sessions sync.Map // map[sessionID]*Session
}

func NewStore() *Store {
	return &Store{}
}

func (st *Store) Add(s *Session) {
	st.sessions.Store(s.ID, s)
}

// Get retrieves a live session by ID
func (st *Store) Get(id string) (*Session, error) {
	value, ok := st.sessions.Load(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return value.(*Session), nil
}

// Remove drops a session from the registry and returns it if it was present
func (st *Store) Remove(id string) (*Session, bool) {
	value, ok := st.sessions.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	return value.(*Session), true
}

// List returns all sessions, oldest first
func (st *Store) List() []*Session {
	var sessions []*Session

	st.sessions.Range(func(key, value interface{}) bool {
		sessions = append(sessions, value.(*Session))
		return true
	})

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
	return sessions
}

func (st *Store) Len() int {
	n := 0
	st.sessions.Range(func(key, value interface{}) bool {
		n++
		return true
	})
	return n
}
