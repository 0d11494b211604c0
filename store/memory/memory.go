package memory

import (
	"sync"

	"github.com/risa-org/hacore/handshake"
	"github.com/risa-org/hacore/session"
)

var _ handshake.SessionStore = (*Store)(nil)

// Store is a thread-safe in-memory implementation of handshake.SessionStore.
// A live node and its backup in one process share a Store, standing in for
// the shared journal of a real deployment. Sessions are lost on restart.
type Store struct {
	mu         sync.RWMutex
	sequencers map[string]*session.Sequencer
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sequencers: make(map[string]*session.Sequencer),
	}
}

// Create stores a fresh sequencer for id.
func (s *Store) Create(id string) (*session.Sequencer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sequencers[id]; ok {
		return nil, handshake.ErrSessionExists
	}
	seq := session.NewSequencer(id)
	s.sequencers[id] = seq
	return seq, nil
}

// Get retrieves a sequencer by session ID.
// Returns false if the session does not exist.
func (s *Store) Get(id string) (*session.Sequencer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, ok := s.sequencers[id]
	return seq, ok
}

// Commit is a no-op: sequencers are held by pointer and always current.
func (s *Store) Commit(string) error {
	return nil
}

// Delete removes a session from the store.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	delete(s.sequencers, id)
	s.mu.Unlock()
	return nil
}

// Count returns the number of sessions currently in the store.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sequencers)
}
