package file

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/risa-org/hacore/handshake"
	"github.com/risa-org/hacore/session"
)

var _ handshake.SessionStore = (*Store)(nil)

// Store is a file-backed implementation of handshake.SessionStore.
// Sequencer state is persisted to a JSON file and survives node restarts.
// Every Commit rewrites the whole file, so it suits nodes with modest
// session counts; use the bolt store for more.
type Store struct {
	mu   sync.RWMutex
	path string
	seqs map[string]*session.Sequencer
}

// New creates a file-backed store at the given path.
// If the file exists, sessions are loaded from it on startup.
// If it doesn't exist, it will be created on first write.
func New(path string) (*Store, error) {
	s := &Store{
		path: path,
		seqs: make(map[string]*session.Sequencer),
	}

	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load sessions from %s: %w", path, err)
	}

	return s, nil
}

// Create stores a fresh sequencer and flushes to disk.
func (s *Store) Create(id string) (*session.Sequencer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seqs[id]; ok {
		return nil, handshake.ErrSessionExists
	}
	seq := session.NewSequencer(id)
	s.seqs[id] = seq

	if err := s.flush(); err != nil {
		delete(s.seqs, id)
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}
	return seq, nil
}

// Get retrieves a sequencer by ID from memory.
func (s *Store) Get(id string) (*session.Sequencer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, ok := s.seqs[id]
	return seq, ok
}

// Commit flushes the current state of every sequencer to disk.
func (s *Store) Commit(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seqs[id]; !ok {
		return fmt.Errorf("session %s not found", id)
	}
	return s.flush()
}

// Delete removes a session from memory and flushes to disk.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seqs, id)
	return s.flush()
}

// Count returns the number of sessions currently stored.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seqs)
}

// load reads sessions from the JSON file into memory.
// Called once at startup. If the file doesn't exist, returns nil: empty store.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil // fresh start, no file yet
	}
	if err != nil {
		return err
	}

	var records []session.Snapshot
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}

	for _, r := range records {
		s.seqs[r.ID] = session.Restore(r)
	}
	return nil
}

// flush writes the current in-memory state to the JSON file.
// Must be called with the write lock held.
func (s *Store) flush() error {
	records := make([]session.Snapshot, 0, len(s.seqs))
	for _, seq := range s.seqs {
		records = append(records, seq.Snapshot())
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	// write to a temp file then rename, atomic on most systems
	// prevents corrupt file if process crashes mid-write
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
