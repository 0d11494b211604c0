// Package handshake implements the node side of session creation and of
// reattachment after a client fails over.
package handshake

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/risa-org/hacore/session"
	"github.com/risa-org/hacore/wire"
)

// ErrSessionExists is returned by SessionStore.Create for a known id.
var ErrSessionExists = errors.New("session already exists")

// Rejection reasons carried in wire.SessionResponse.Reason.
const (
	ReasonSessionNotFound    = "session_not_found"
	ReasonInvalidRequest     = "invalid_request"
	ReasonInvalidResumePoint = "invalid_resume_point"
	ReasonStoreFailure       = "store_failure"
)

// SessionStore is the interface the handshake uses to keep per-session
// sequencer state. A live node and its backup share one store, so a
// session created on the live can be reattached on the backup.
type SessionStore interface {
	// Create stores a new sequencer for id, or returns ErrSessionExists.
	Create(id string) (*session.Sequencer, error)
	// Get returns the sequencer for id.
	Get(id string) (*session.Sequencer, bool)
	// Commit persists the current state of id's sequencer.
	Commit(id string) error
	// Delete forgets id.
	Delete(id string) error
	// Count returns the number of stored sessions.
	Count() int
}

// Handler processes create and reattach requests.
// It holds a reference to the store but nothing else, stateless per request.
type Handler struct {
	store  SessionStore
	logger *zap.Logger
}

// NewHandler creates a handshake handler backed by the given store.
func NewHandler(store SessionStore) *Handler {
	return &Handler{store: store, logger: zap.NewNop()}
}

// WithLogger sets the logger.
func (h *Handler) WithLogger(log *zap.Logger) {
	h.logger = log.With(zap.String("service", "handshake"))
}

// Create handles a CreateSession request. Creating an id that already
// exists is accepted and answers with the existing state, so a client
// retrying a create whose response it lost does not break.
//
// A non-zero LastConfirmed comes from a client re-creating a session the
// node does not know after failover: numbering continues after it.
func (h *Handler) Create(req wire.CreateSession) (*session.Sequencer, wire.SessionResponse) {
	if req.SessionID == "" {
		return nil, reject(ReasonInvalidRequest)
	}

	seq, err := h.store.Create(req.SessionID)
	if errors.Is(err, ErrSessionExists) {
		existing, ok := h.store.Get(req.SessionID)
		if !ok {
			return nil, reject(ReasonStoreFailure)
		}
		return existing, accept(existing.LastApplied())
	}
	if err != nil {
		h.logger.Error("Failed to create session", zap.String("session_id", req.SessionID), zap.Error(err))
		return nil, reject(ReasonStoreFailure)
	}

	seq.SetAutoCommit(req.AutoCommitSends, req.AutoCommitAcks)
	if req.LastConfirmed > 0 {
		seq.ResumeFrom(req.LastConfirmed)
	}
	if err := h.store.Commit(req.SessionID); err != nil {
		h.logger.Error("Failed to persist session", zap.String("session_id", req.SessionID), zap.Error(err))
		return nil, reject(ReasonStoreFailure)
	}

	h.logger.Debug("Session created",
		zap.String("session_id", req.SessionID),
		zap.Uint64("last_applied", seq.LastApplied()))
	return seq, accept(seq.LastApplied())
}

// Reattach handles a client rebinding a session after failover.
//
// Steps:
//  1. Look up the session
//  2. Check the client isn't claiming confirmations this node never gave
//  3. Record the reattach and answer with the last applied sequence
//
// The client confirms everything up to that sequence and replays the rest.
func (h *Handler) Reattach(req wire.Reattach) (*session.Sequencer, wire.SessionResponse) {
	// step 1: look up session
	seq, ok := h.store.Get(req.SessionID)
	if !ok {
		return nil, reject(ReasonSessionNotFound)
	}

	// step 2: a node behind the client's confirmations has lost applied
	// commands; resuming would silently skip them
	if last := seq.LastApplied(); req.LastConfirmed > last {
		h.logger.Warn("Reattach ahead of node state",
			zap.String("session_id", req.SessionID),
			zap.Uint64("last_confirmed", req.LastConfirmed),
			zap.Uint64("last_applied", last))
		return nil, reject(ReasonInvalidResumePoint)
	}

	// step 3: track reattach for observability
	last := seq.Reattached()
	if err := h.store.Commit(req.SessionID); err != nil {
		h.logger.Error("Failed to persist session", zap.String("session_id", req.SessionID), zap.Error(err))
		return nil, reject(ReasonStoreFailure)
	}

	return seq, accept(last)
}

// Close forgets a session the client closed.
func (h *Handler) Close(sessionID string) error {
	if _, ok := h.store.Get(sessionID); !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return h.store.Delete(sessionID)
}

func accept(lastApplied uint64) wire.SessionResponse {
	return wire.SessionResponse{Accepted: true, LastApplied: lastApplied}
}

// reject is a helper to build a clean rejection result with a reason.
func reject(reason string) wire.SessionResponse {
	return wire.SessionResponse{Accepted: false, Reason: reason}
}
