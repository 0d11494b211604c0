// Package session implements both ends of a sequenced session.
//
// On the client, Session numbers every command, keeps it in a replay log
// until the node confirms it, and retransmits what is still pending when
// the session is reattached to a new connection after failover.
//
// On the node, Sequencer records the last applied sequence per session so
// replayed commands are recognised as duplicates and never applied twice.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/risa-org/hacore/metrics"
	"github.com/risa-org/hacore/transport"
	"github.com/risa-org/hacore/wire"
)

var (
	// ErrNotConnected is returned once reconnection has given up.
	// It wraps the reason the connection could not be restored.
	ErrNotConnected = errors.New("session not connected")

	// ErrSessionClosed is returned for any call on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrDegraded is returned for new sends while failover is suppressed
	// because the client itself appears to be cut off from the network.
	ErrDegraded = errors.New("session degraded: failover suppressed")

	// ErrInvalidTransition is returned when a lifecycle change is not allowed
	// from the current state.
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// Transmitter is the narrow view a session has of its connection.
type Transmitter interface {
	Transmit(p transport.Packet) error
}

// TransmitFunc adapts a function to Transmitter.
type TransmitFunc func(p transport.Packet) error

func (f TransmitFunc) Transmit(p transport.Packet) error { return f(p) }

// Config is the per-session configuration.
type Config struct {
	ID      string // generated when empty
	Channel uint64

	AutoCommitSends bool
	AutoCommitAcks  bool

	BlockOnDurableSend    bool
	BlockOnNonDurableSend bool
	BlockOnAcknowledge    bool

	// ConfirmationWindowSize bounds the replay log. -1 (or 0) is unbounded.
	ConfirmationWindowSize int

	// ProducerWindowSize bounds the message bytes in flight. -1 (or 0) is unbounded.
	ProducerWindowSize int64

	// NonBlocking makes sends fail with ErrWindowFull instead of waiting
	// for a window slot or producer credits.
	NonBlocking bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Session) { s.logger = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithCloseHook registers fn to run after the application closes the session.
func WithCloseHook(fn func(*Session)) Option {
	return func(s *Session) { s.onClose = fn }
}

// Session is the client side of a sequenced session.
//
// Two locks: sendMu serialises sequence assignment, logging and
// transmission so commands go out in sequence order; mu guards the log and
// state. Confirmations only take mu, so they never wait behind a send.
type Session struct {
	id      string
	channel uint64
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	onClose func(*Session)

	credits     *semaphore.Weighted // nil when the producer window is unbounded
	creditLimit int64

	// lifetime is cancelled when the session reaches a terminal state.
	lifetime context.Context
	cancel   context.CancelFunc

	sendMu sync.Mutex

	mu            sync.Mutex
	state         State
	err           error
	tx            Transmitter
	nextSeq       uint64
	lastConfirmed uint64
	log           *ReplayLog
	changed       chan struct{} // closed and replaced on every change
	deliveries    []wire.Delivery
	reattachCount int
	closePending  bool
}

// New creates an Active session that transmits through tx.
func New(cfg Config, tx Transmitter, opts ...Option) *Session {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	window := cfg.ConfirmationWindowSize
	if window <= 0 {
		window = -1
	}

	s := &Session{
		id:      cfg.ID,
		channel: cfg.Channel,
		cfg:     cfg,
		logger:  zap.NewNop(),
		state:   StateActive,
		tx:      tx,
		nextSeq: 1, // sequence numbers start at 1, 0 means "nothing confirmed"
		log:     NewReplayLog(window),
		changed: make(chan struct{}),
	}
	if cfg.ProducerWindowSize > 0 {
		s.credits = semaphore.NewWeighted(cfg.ProducerWindowSize)
		s.creditLimit = cfg.ProducerWindowSize
	}
	s.lifetime, s.cancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("session_id", s.id), zap.Uint64("channel", s.channel))
	s.metrics.SessionOpened()
	return s
}

func (s *Session) ID() string      { return s.id }
func (s *Session) Channel() uint64 { return s.channel }
func (s *Session) Config() Config  { return s.cfg }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns why the session failed, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Pending returns the number of unconfirmed commands.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Len()
}

// LastConfirmed returns the highest confirmed sequence.
func (s *Session) LastConfirmed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastConfirmed
}

// NextSequence returns the sequence the next command will get.
func (s *Session) NextSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}

// ReattachCount returns how many times the session moved to a new connection.
func (s *Session) ReattachCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reattachCount
}

// Send sends a message. It waits for a free slot in the confirmation window
// and for producer credits, and, when the durability of the message calls
// for it, for the node to confirm the send.
func (s *Session) Send(ctx context.Context, body []byte, durable bool) (uint64, error) {
	credits, err := s.acquireCredits(ctx, int64(len(body)))
	if err != nil {
		return 0, err
	}

	payload := wire.Encode(&wire.Message{Durable: durable, Body: body})
	seq, err := s.submit(ctx, transport.TypeSend, payload, credits)
	if err != nil {
		s.releaseCredits(credits)
		return 0, err
	}

	block := s.cfg.BlockOnNonDurableSend
	if durable {
		block = s.cfg.BlockOnDurableSend
	}
	if block {
		return seq, s.waitConfirmed(ctx, seq)
	}
	return seq, nil
}

// Acknowledge acknowledges a delivered message.
func (s *Session) Acknowledge(ctx context.Context, consumerID, messageID uint64) (uint64, error) {
	payload := wire.Encode(&wire.Ack{ConsumerID: consumerID, MessageID: messageID})
	seq, err := s.submit(ctx, transport.TypeAcknowledge, payload, 0)
	if err != nil {
		return 0, err
	}
	if s.cfg.BlockOnAcknowledge {
		return seq, s.waitConfirmed(ctx, seq)
	}
	return seq, nil
}

// Commit commits pending sends and acknowledgements and always waits for
// the node to confirm it.
func (s *Session) Commit(ctx context.Context) (uint64, error) {
	seq, err := s.submit(ctx, transport.TypeCommit, nil, 0)
	if err != nil {
		return 0, err
	}
	return seq, s.waitConfirmed(ctx, seq)
}

// submit assigns the next sequence, logs the command and transmits it.
// A failed transmit is not an error: the command stays in the log and is
// replayed when the session is reattached.
func (s *Session) submit(ctx context.Context, typ transport.PacketType, payload []byte, credits int64) (uint64, error) {
	waited := false
	for {
		s.sendMu.Lock()
		s.mu.Lock()

		if err := s.usableLocked(); err != nil {
			s.mu.Unlock()
			s.sendMu.Unlock()
			return 0, err
		}

		if s.state == StateActive && !s.log.Full() {
			cmd := Command{Seq: s.nextSeq, Type: typ, Payload: payload, credits: credits}
			if err := s.log.Append(cmd); err != nil {
				s.mu.Unlock()
				s.sendMu.Unlock()
				return 0, err
			}
			s.nextSeq++
			tx := s.tx
			s.mu.Unlock()

			s.metrics.CommandPending()
			if err := tx.Transmit(cmd.Packet(s.channel)); err != nil {
				s.logger.Debug("Transmit failed, command kept for replay",
					zap.Uint64("seq", cmd.Seq), zap.Stringer("type", typ), zap.Error(err))
			}
			s.sendMu.Unlock()
			return cmd.Seq, nil
		}

		if s.state == StateActive && s.cfg.NonBlocking {
			s.mu.Unlock()
			s.sendMu.Unlock()
			return 0, ErrWindowFull
		}
		full := s.log.Full()
		ch := s.changed
		s.mu.Unlock()
		s.sendMu.Unlock()

		if full && !waited {
			waited = true
			s.metrics.WindowWait()
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ch:
		}
	}
}

// usableLocked returns the error new commands get in the current state.
// Suspended and reattaching sessions return nil: callers wait.
func (s *Session) usableLocked() error {
	switch s.state {
	case StateClosed:
		return ErrSessionClosed
	case StateFailed:
		return s.err
	case StateDegraded:
		return ErrDegraded
	}
	return nil
}

func (s *Session) waitConfirmed(ctx context.Context, seq uint64) error {
	for {
		s.mu.Lock()
		if s.lastConfirmed >= seq {
			s.mu.Unlock()
			return nil
		}
		switch s.state {
		case StateClosed:
			s.mu.Unlock()
			return ErrSessionClosed
		case StateFailed:
			err := s.err
			s.mu.Unlock()
			return err
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Confirm handles a cumulative confirmation: every command at or below seq
// leaves the log. Duplicate and stale confirmations are no-ops.
// It returns the number of commands removed.
func (s *Session) Confirm(seq uint64) int {
	s.mu.Lock()
	removed := s.confirmLocked(seq)
	s.mu.Unlock()

	s.settle(removed)
	return len(removed)
}

func (s *Session) confirmLocked(seq uint64) []Command {
	if highest := s.nextSeq - 1; seq > highest {
		seq = highest
	}
	if seq <= s.lastConfirmed {
		return nil
	}
	removed := s.log.Confirm(seq)
	s.lastConfirmed = seq
	s.notifyLocked()
	return removed
}

func (s *Session) settle(removed []Command) {
	var credits int64
	for _, c := range removed {
		credits += c.credits
	}
	s.releaseCredits(credits)
	s.metrics.CommandsConfirmed(len(removed))
}

// Replay returns the unconfirmed commands in ascending sequence order.
func (s *Session) Replay() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Since(0)
}

// Deliver queues a message pushed by the node for Receive.
func (s *Session) Deliver(d wire.Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.deliveries = append(s.deliveries, d)
	s.notifyLocked()
}

// Receive returns the next delivered message, waiting for one if needed.
func (s *Session) Receive(ctx context.Context) (wire.Delivery, error) {
	for {
		s.mu.Lock()
		if len(s.deliveries) > 0 {
			d := s.deliveries[0]
			s.deliveries[0] = wire.Delivery{}
			s.deliveries = s.deliveries[1:]
			s.mu.Unlock()
			return d, nil
		}
		switch s.state {
		case StateClosed:
			s.mu.Unlock()
			return wire.Delivery{}, ErrSessionClosed
		case StateFailed:
			err := s.err
			s.mu.Unlock()
			return wire.Delivery{}, err
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return wire.Delivery{}, ctx.Err()
		case <-ch:
		}
	}
}

// Suspend marks the connection as lost. New sends wait until the session
// is reattached; commands already sent stay in the log.
func (s *Session) Suspend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateSuspended {
		return nil
	}
	return s.transitionLocked(StateSuspended)
}

// Degrade marks failover as suppressed for this session.
func (s *Session) Degrade() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDegraded {
		return nil
	}
	return s.transitionLocked(StateDegraded)
}

// Resume returns a degraded session whose connection survived to Active.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActive {
		return nil
	}
	if s.state != StateDegraded {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, StateActive)
	}
	return s.transitionLocked(StateActive)
}

// Reattach binds the session to a new connection. lastApplied is the
// highest sequence the node reports applied for this session: everything
// at or below it is confirmed, everything above it is retransmitted in
// ascending order before new sends are let through.
// It returns the number of commands replayed.
func (s *Session) Reattach(tx Transmitter, lastApplied uint64) (int, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if err := s.transitionLocked(StateReattaching); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.reattachCount++
	removed := s.confirmLocked(lastApplied)
	s.tx = tx
	pending := s.log.Since(0)
	s.mu.Unlock()

	s.settle(removed)

	for i, c := range pending {
		if err := tx.Transmit(c.Packet(s.channel)); err != nil {
			s.metrics.CommandsReplayed(i)
			s.mu.Lock()
			if s.state == StateReattaching {
				_ = s.transitionLocked(StateSuspended)
			}
			s.mu.Unlock()
			return i, fmt.Errorf("replay seq %d: %w", c.Seq, err)
		}
	}
	s.metrics.CommandsReplayed(len(pending))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return len(pending), s.usableLocked()
	}
	if err := s.transitionLocked(StateActive); err != nil {
		return len(pending), err
	}

	s.logger.Info("Session reattached",
		zap.Uint64("last_applied", lastApplied),
		zap.Int("replayed", len(pending)),
		zap.Int("reattach_count", s.reattachCount))
	return len(pending), nil
}

// ClosePending reports whether the session was closed without the node
// being told.
func (s *Session) ClosePending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closePending
}

// Fail moves the session to Failed. Every waiter and every later call gets
// ErrNotConnected wrapping cause.
func (s *Session) Fail(cause error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	if cause == nil {
		s.err = ErrNotConnected
	} else {
		s.err = fmt.Errorf("%w: %w", ErrNotConnected, cause)
	}
	s.state = StateFailed
	s.notifyLocked()
	s.mu.Unlock()

	s.cancel()
	s.metrics.SessionClosed()
	s.logger.Warn("Session failed", zap.Error(cause))
}

// Close closes the session. Waiters get ErrSessionClosed. If the session
// is bound to a live connection the node is told, best effort; otherwise
// ClosePending reports true and the owner tells the node after the next
// reattach.
func (s *Session) Close() error {
	s.mu.Lock()
	prev := s.state
	if prev.Terminal() {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	tx := s.tx
	s.notifyLocked()
	s.mu.Unlock()

	s.cancel()
	s.metrics.SessionClosed()

	var err error
	if prev == StateActive {
		err = tx.Transmit(transport.Packet{Type: transport.TypeCloseSession, Channel: s.channel})
	}
	if prev != StateActive || err != nil {
		s.mu.Lock()
		s.closePending = true
		s.mu.Unlock()
	}
	if s.onClose != nil {
		s.onClose(s)
	}
	return err
}

func (s *Session) transitionLocked(next State) error {
	if !validTransition(s.state, next) {
		if s.state == StateClosed {
			return ErrSessionClosed
		}
		if s.state == StateFailed {
			return s.err
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, next)
	}
	s.logger.Debug("Session state change", zap.Stringer("from", s.state), zap.Stringer("to", next))
	s.state = next
	s.notifyLocked()
	return nil
}

func (s *Session) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) acquireCredits(ctx context.Context, n int64) (int64, error) {
	if s.credits == nil || n == 0 {
		return 0, nil
	}
	// a message larger than the whole window takes all of it
	if n > s.creditLimit {
		n = s.creditLimit
	}

	if s.cfg.NonBlocking {
		if !s.credits.TryAcquire(n) {
			return 0, ErrWindowFull
		}
		return n, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.lifetime, cancel)
	defer stop()

	if err := s.credits.Acquire(ctx, n); err != nil {
		if s.lifetime.Err() != nil {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.state == StateFailed {
				return 0, s.err
			}
			return 0, ErrSessionClosed
		}
		return 0, err
	}
	return n, nil
}

func (s *Session) releaseCredits(n int64) {
	if s.credits != nil && n > 0 {
		s.credits.Release(n)
	}
}
