// Package bolt is a bbolt-backed handshake.SessionStore. Each Commit writes
// one session's record in its own transaction, so it scales to many
// sessions where the file store rewrites everything.
package bolt

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/risa-org/hacore/handshake"
	"github.com/risa-org/hacore/session"
)

var _ handshake.SessionStore = (*Store)(nil)

var sessionsBucket = []byte("sessions")

// Store keeps sequencers in memory and their snapshots in a bolt file.
type Store struct {
	Path   string
	Logger *zap.Logger

	db *bolt.DB

	mu   sync.RWMutex
	seqs map[string]*session.Sequencer
}

// New returns a store for the bolt file at path. Call Open before use.
func New(path string) *Store {
	return &Store{
		Path:   path,
		Logger: zap.NewNop(),
		seqs:   make(map[string]*session.Sequencer),
	}
}

// Open opens or creates the bolt file and loads every stored session.
func (s *Store) Open() error {
	if _, err := os.Stat(s.Path); err != nil && !os.IsNotExist(err) {
		return err
	}

	db, err := bolt.Open(s.Path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("unable to open session store %s: %w", s.Path, err)
	}
	s.db = db

	if err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	}); err != nil {
		return fmt.Errorf("unable to initialize session store: %w", err)
	}

	return s.load()
}

// Close closes the bolt file.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(k, v []byte) error {
			var snap session.Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return fmt.Errorf("decode session %s: %w", k, err)
			}
			s.seqs[snap.ID] = session.Restore(snap)
			return nil
		})
	})
}

// Create stores a fresh sequencer for id.
func (s *Store) Create(id string) (*session.Sequencer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seqs[id]; ok {
		return nil, handshake.ErrSessionExists
	}
	seq := session.NewSequencer(id)
	if err := s.put(seq.Snapshot()); err != nil {
		return nil, err
	}
	s.seqs[id] = seq
	return seq, nil
}

// Get retrieves a sequencer by session ID.
func (s *Store) Get(id string) (*session.Sequencer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, ok := s.seqs[id]
	return seq, ok
}

// Commit persists the current state of id's sequencer.
func (s *Store) Commit(id string) error {
	s.mu.RLock()
	seq, ok := s.seqs[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	return s.put(seq.Snapshot())
}

// Delete removes a session.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seqs, id)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(id))
	})
}

// Count returns the number of stored sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seqs)
}

func (s *Store) put(snap session.Snapshot) error {
	v, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(snap.ID), v)
	}); err != nil {
		s.Logger.Error("Failed to persist session", zap.String("session_id", snap.ID), zap.Error(err))
		return err
	}
	return nil
}
