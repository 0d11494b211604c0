// Package failover decides what happens when a client connection to a live
// node is lost: fail over to the node's backup, hold off because the client
// itself looks cut off from the network, or give up.
//
// Each registered connection moves through
//
//	STABLE -> DETECTING -> SUPPRESSED -> STABLE
//	STABLE -> DETECTING -> RECONNECTING -> STABLE
//	                                    -> FAILED
//
// The coordinator only knows connections by id through the Target
// interface; it never holds their sessions.
package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/risa-org/hacore/health"
	"github.com/risa-org/hacore/metrics"
	"github.com/risa-org/hacore/retry"
	"github.com/risa-org/hacore/topology"
)

var (
	// ErrNoBackup is returned when the lost node has no backup in the directory.
	ErrNoBackup = errors.New("failover: no backup registered")

	// ErrFailoverSuppressed is returned when the health monitor reports that
	// this client is isolated. No backup switch was attempted.
	ErrFailoverSuppressed = errors.New("failover: suppressed, local network isolated")

	// ErrUnknownConnection is returned for events about unregistered connections.
	ErrUnknownConnection = errors.New("failover: unknown connection")

	// ErrFailoverInProgress is returned for an event about a connection
	// whose failover is already running.
	ErrFailoverInProgress = errors.New("failover: already in progress")

	// ErrFailed is the permanent failure every session of a FAILED connection sees.
	ErrFailed = errors.New("failover: reconnect failed")
)

// State is where a connection is in the failover state machine.
type State int

const (
	StateStable State = iota
	StateDetecting
	StateSuppressed
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStable:
		return "STABLE"
	case StateDetecting:
		return "DETECTING"
	case StateSuppressed:
		return "SUPPRESSED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Cause is why a connection was declared lost.
type Cause int

const (
	CauseChannelError Cause = iota // transport reported an error or closed
	CauseHealthCheck               // pinger saw no traffic
	CauseCrashSignal               // node announced it is going away
	CauseTTLExpired                // nothing received for the connection TTL
)

func (c Cause) String() string {
	switch c {
	case CauseChannelError:
		return "channel_error"
	case CauseHealthCheck:
		return "health_check"
	case CauseCrashSignal:
		return "crash_signal"
	case CauseTTLExpired:
		return "ttl_expired"
	default:
		return "unknown"
	}
}

// Event reports the loss of one connection. It is consumed by one Handle call.
type Event struct {
	Cause        Cause
	ConnectionID string
	Err          error
}

// Target is the connection owner the coordinator acts on.
type Target interface {
	ConnectionID() string
	NodeID() string

	// Reconnect connects to c and reattaches and replays every session.
	Reconnect(ctx context.Context, c topology.Connector) error

	// Degrade marks the sessions degraded; they may recover later.
	Degrade(err error)

	// Fail fails every session permanently.
	Fail(err error)
}

// Transition is one state change, passed to observers.
type Transition struct {
	ConnectionID string
	From, To     State
	Cause        Cause
	Attempt      int // reconnect attempt, 0 outside RECONNECTING
}

type entry struct {
	target Target
	state  State
}

// Coordinator runs the failover state machine for every registered connection.
type Coordinator struct {
	// Health is consulted before failing over. Nil means never isolated.
	Health *health.Monitor

	Metrics *metrics.Metrics

	dir     *topology.Directory
	backoff retry.Backoff
	logger  *zap.Logger

	mu        sync.Mutex
	targets   map[string]*entry
	observers []func(Transition)
}

// NewCoordinator returns a coordinator that looks backups up in dir and
// paces reconnect attempts with backoff. backoff.Attempts is the
// reconnect budget: a finite R fails a connection after R failed attempts,
// retry.Unlimited retries until success or cancellation.
func NewCoordinator(dir *topology.Directory, backoff retry.Backoff) *Coordinator {
	return &Coordinator{
		dir:     dir,
		backoff: backoff,
		logger:  zap.NewNop(),
		targets: make(map[string]*entry),
	}
}

// WithLogger sets the logger.
func (c *Coordinator) WithLogger(log *zap.Logger) {
	c.logger = log.With(zap.String("service", "failover"))
}

// OnTransition registers fn to observe every transition of every connection.
// Observers run synchronously and must not call back into the coordinator.
func (c *Coordinator) OnTransition(fn func(Transition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// Register adds a connection in STABLE. Registering an id again replaces
// the target and resets it to STABLE.
func (c *Coordinator) Register(t Target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets[t.ConnectionID()] = &entry{target: t, state: StateStable}
}

// Unregister forgets a connection.
func (c *Coordinator) Unregister(connectionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.targets, connectionID)
}

// State returns the current state of a connection.
func (c *Coordinator) State(connectionID string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.targets[connectionID]
	if !ok {
		return 0, false
	}
	return e.state, true
}

// Handle runs the state machine for one lost connection and returns when
// it is STABLE again or FAILED. It returns nil after a successful failover,
// ErrFailoverSuppressed when the client looks isolated, and an error
// wrapping ErrFailed (and ErrNoBackup when that was the reason) when the
// connection is given up. An event for a connection that is already being
// handled returns ErrFailoverInProgress.
func (c *Coordinator) Handle(ctx context.Context, ev Event) error {
	c.mu.Lock()
	e, ok := c.targets[ev.ConnectionID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConnection, ev.ConnectionID)
	}
	switch e.state {
	case StateFailed:
		c.mu.Unlock()
		return ErrFailed
	case StateStable:
	default:
		c.mu.Unlock()
		c.logger.Debug("Failover already in progress",
			zap.String("conn_id", ev.ConnectionID), zap.Stringer("state", e.state))
		return ErrFailoverInProgress
	}
	t := e.target
	c.transitionLocked(e, ev, StateDetecting, 0)
	c.mu.Unlock()

	nodeID := t.NodeID()
	log := c.logger.With(
		zap.String("conn_id", ev.ConnectionID),
		zap.String("node_id", nodeID),
		zap.Stringer("cause", ev.Cause))
	log.Warn("Connection lost", zap.Error(ev.Err))
	c.Metrics.ConnectionLost(ev.Cause.String())

	if c.Health != nil && c.Health.Isolated() {
		c.transition(e, ev, StateSuppressed, 0)
		log.Warn("Failover suppressed, local network looks down")
		t.Degrade(ErrFailoverSuppressed)
		c.transition(e, ev, StateStable, 0)
		return ErrFailoverSuppressed
	}

	backup, ok := c.dir.BackupFor(nodeID)
	if !ok {
		err := fmt.Errorf("%w: %w for node %s", ErrFailed, ErrNoBackup, nodeID)
		c.fail(e, ev, t, err)
		log.Error("No backup to fail over to")
		return err
	}

	c.transition(e, ev, StateReconnecting, 0)
	err := c.backoff.Do(ctx, func(attempt int) error {
		if attempt > 1 {
			c.transition(e, ev, StateReconnecting, attempt)
		}
		err := t.Reconnect(ctx, backup)
		c.Metrics.ReconnectAttempt(err == nil)
		if err != nil {
			log.Info("Reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.String("backup", backup.String()),
				zap.Error(err))
		}
		return err
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrFailed, err)
		c.fail(e, ev, t, err)
		log.Error("Failover failed", zap.Error(err))
		return err
	}

	c.dir.Promote(nodeID)

	// the target now owns a new connection; file the entry under its id
	c.mu.Lock()
	if id := t.ConnectionID(); id != ev.ConnectionID && c.targets[ev.ConnectionID] == e {
		delete(c.targets, ev.ConnectionID)
		c.targets[id] = e
	}
	c.transitionLocked(e, ev, StateStable, 0)
	c.mu.Unlock()
	log.Info("Failed over", zap.String("live", backup.String()))
	return nil
}

func (c *Coordinator) fail(e *entry, ev Event, t Target, err error) {
	c.transition(e, ev, StateFailed, 0)
	t.Fail(err)
}

func (c *Coordinator) transition(e *entry, ev Event, to State, attempt int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitionLocked(e, ev, to, attempt)
}

func (c *Coordinator) transitionLocked(e *entry, ev Event, to State, attempt int) {
	tr := Transition{
		ConnectionID: ev.ConnectionID,
		From:         e.state,
		To:           to,
		Cause:        ev.Cause,
		Attempt:      attempt,
	}
	e.state = to
	c.Metrics.Transition(tr.From.String(), tr.To.String())
	for _, fn := range c.observers {
		fn(tr)
	}
}
