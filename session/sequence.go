package session

import (
	"sync"
	"time"
)

// Verdict is what the node-side sequencer decides about an incoming command.
type Verdict int

const (
	Apply     Verdict = iota // next expected sequence, applied
	Duplicate                // already applied, confirm without applying again
	Gap                      // beyond the next expected sequence, dropped
)

func (v Verdict) String() string {
	switch v {
	case Apply:
		return "apply"
	case Duplicate:
		return "duplicate"
	case Gap:
		return "gap"
	default:
		return "unknown"
	}
}

// Sequencer is the node's record of one client session: the highest
// sequence it has applied. It is what makes replay after failover safe:
// a replayed command at or below LastApplied is recognised and confirmed
// without being applied twice.
//
// A Sequencer is shared between a live node and its backup through the
// session store, so every method is safe for concurrent use.
type Sequencer struct {
	mu sync.Mutex

	id              string
	lastApplied     uint64
	autoCommitSends bool
	autoCommitAcks  bool
	createdAt       time.Time
	reattachCount   int
}

// NewSequencer creates the record for a new session. Nothing is applied yet.
func NewSequencer(id string) *Sequencer {
	return &Sequencer{
		id:        id,
		createdAt: time.Now(),
	}
}

// ID returns the session id.
func (sq *Sequencer) ID() string {
	return sq.id
}

// Apply runs fn if seq is the next expected sequence and advances
// LastApplied when fn succeeds. The check and the apply happen under one
// lock, so two connections replaying the same command cannot both apply it.
// If fn fails nothing advances and the command will be applied on replay.
func (sq *Sequencer) Apply(seq uint64, fn func() error) (Verdict, error) {
	sq.mu.Lock()
	defer sq.mu.Unlock()

	if seq <= sq.lastApplied {
		return Duplicate, nil
	}
	if seq != sq.lastApplied+1 {
		return Gap, nil
	}
	if fn != nil {
		if err := fn(); err != nil {
			return Apply, err
		}
	}
	sq.lastApplied = seq
	return Apply, nil
}

// LastApplied returns the highest applied sequence, 0 if none.
func (sq *Sequencer) LastApplied() uint64 {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.lastApplied
}

// Reattached records a client rebinding to this session and returns
// the last applied sequence, the point the client resumes from.
func (sq *Sequencer) Reattached() uint64 {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	sq.reattachCount++
	return sq.lastApplied
}

// ReattachCount returns how many times the session has been reattached.
func (sq *Sequencer) ReattachCount() int {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.reattachCount
}

// SetAutoCommit records the session's auto-commit flags.
func (sq *Sequencer) SetAutoCommit(sends, acks bool) {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	sq.autoCommitSends = sends
	sq.autoCommitAcks = acks
}

// AutoCommit returns the session's auto-commit flags.
func (sq *Sequencer) AutoCommit() (sends, acks bool) {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.autoCommitSends, sq.autoCommitAcks
}

// CreatedAt returns when the session was first created.
func (sq *Sequencer) CreatedAt() time.Time {
	return sq.createdAt
}

// Snapshot is the persisted form of a Sequencer.
type Snapshot struct {
	ID              string    `json:"id"`
	LastApplied     uint64    `json:"last_applied"`
	AutoCommitSends bool      `json:"auto_commit_sends"`
	AutoCommitAcks  bool      `json:"auto_commit_acks"`
	CreatedAt       time.Time `json:"created_at"`
	ReattachCount   int       `json:"reattach_count"`
}

// Snapshot captures the sequencer state for a store.
func (sq *Sequencer) Snapshot() Snapshot {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return Snapshot{
		ID:              sq.id,
		LastApplied:     sq.lastApplied,
		AutoCommitSends: sq.autoCommitSends,
		AutoCommitAcks:  sq.autoCommitAcks,
		CreatedAt:       sq.createdAt,
		ReattachCount:   sq.reattachCount,
	}
}

// Restore rebuilds a sequencer from a snapshot.
// Only called when loading persisted sessions, not during normal operation.
func Restore(s Snapshot) *Sequencer {
	return &Sequencer{
		id:              s.ID,
		lastApplied:     s.LastApplied,
		autoCommitSends: s.AutoCommitSends,
		autoCommitAcks:  s.AutoCommitAcks,
		createdAt:       s.CreatedAt,
		reattachCount:   s.ReattachCount,
	}
}

// ResumeFrom sets the last applied sequence for a session re-created after
// failover, so numbering continues where the client's confirmations left off.
func (sq *Sequencer) ResumeFrom(lastApplied uint64) {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	if lastApplied > sq.lastApplied {
		sq.lastApplied = lastApplied
	}
}
