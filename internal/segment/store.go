package segment

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultSessionCapacity = 256
	DefaultSessionTTL      = time.Hour
)

// Store holds the current segment table plus per-session tables.
//
// The current table always reflects the most recently served manifest and is
// swapped whole, so a reader sees either the previous table or the new one.
// Session tables let clients that carry a session token resolve segments
// against the manifest they were actually given.
type Store struct {
	mu       sync.RWMutex
	current  *Table
	sessions *expirable.LRU[string, *Table]
}

// NewStore creates a Store keeping up to capacity session tables for ttl each.
func NewStore(capacity int, ttl time.Duration) *Store {
	if capacity <= 0 {
		capacity = DefaultSessionCapacity
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Store{
		current:  &Table{Entries: map[string]string{}},
		sessions: expirable.NewLRU[string, *Table](capacity, nil, ttl),
	}
}

// Replace installs t as the current table, discarding the previous one, and
// also records it under session when session is non-empty. It never fails;
// the error return lets replicated stores share the signature.
func (s *Store) Replace(session string, t *Table) error {
	if t == nil {
		t = &Table{Entries: map[string]string{}}
	}
	s.mu.Lock()
	s.current = t
	s.mu.Unlock()

	if session != "" {
		s.sessions.Add(session, t)
	}
	return nil
}

// Lookup resolves path using the session's table when it is known, the
// current table otherwise.
func (s *Store) Lookup(session, path string) (string, bool) {
	u, ok := s.table(session).Entries[path]
	return u, ok
}

// Cookie returns the cookie recorded with the table a session resolves to.
func (s *Store) Cookie(session string) string {
	return s.table(session).Cookie
}

// Current returns the current table. Callers must not modify it.
func (s *Store) Current() *Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Sessions returns the number of live session tables.
func (s *Store) Sessions() int {
	return s.sessions.Len()
}

func (s *Store) table(session string) *Table {
	if session != "" {
		if t, ok := s.sessions.Get(session); ok {
			return t
		}
	}
	return s.Current()
}

// State is a serializable copy of a Store.
type State struct {
	Current  *Table
	Sessions map[string]*Table
}

// Export returns a deep copy of the store's contents.
func (s *Store) Export() State {
	st := State{
		Current:  s.Current().Clone(),
		Sessions: make(map[string]*Table),
	}
	for _, key := range s.sessions.Keys() {
		if t, ok := s.sessions.Peek(key); ok {
			st.Sessions[key] = t.Clone()
		}
	}
	return st
}

// Import replaces the store's contents with st.
func (s *Store) Import(st State) {
	cur := st.Current
	if cur == nil {
		cur = &Table{Entries: map[string]string{}}
	}
	if cur.Entries == nil {
		cur.Entries = map[string]string{}
	}
	s.mu.Lock()
	s.current = cur
	s.mu.Unlock()

	s.sessions.Purge()
	for key, t := range st.Sessions {
		s.sessions.Add(key, t)
	}
}
