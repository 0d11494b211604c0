package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/risa-org/hacore/failover"
	"github.com/risa-org/hacore/handshake"
	"github.com/risa-org/hacore/interceptor"
	"github.com/risa-org/hacore/retry"
	"github.com/risa-org/hacore/session"
	"github.com/risa-org/hacore/topology"
	"github.com/risa-org/hacore/transport"
	"github.com/risa-org/hacore/wire"
)

// SessionConfig holds the per-session options. Blocking behaviour and
// window sizes come from the locator's configuration.
type SessionConfig struct {
	ID              string // generated when empty
	AutoCommitSends bool
	AutoCommitAcks  bool

	// NonBlocking makes a send on a full window fail with session.ErrWindowFull.
	NonBlocking bool
}

// Factory owns one connection to a node and the sessions multiplexed over
// it. When the connection is lost it suspends its sessions and hands the
// loss to the failover coordinator, which calls back into Reconnect.
type Factory struct {
	l      *Locator
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	// failMu is held for a whole reconnect and replay, and by CreateSession.
	failMu sync.Mutex

	mu          sync.Mutex
	conn        *Connection
	nodeID      string
	sessions    map[uint64]*session.Session
	nextChannel uint64
	closed      bool
	err         error

	// registered is set once the coordinator knows the factory. A loss
	// reported before that waits in pendingLoss.
	registered  bool
	pendingLoss *failover.Event

	// closing holds sessions closed while disconnected, by channel. The
	// node is told after the next reconnect.
	closing map[uint64]string
}

var _ failover.Target = (*Factory)(nil)

func newFactory(l *Locator) *Factory {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	return &Factory{
		l:        l,
		logger:   l.logger.With(zap.String("service", "session-factory")),
		ctx:      ctx,
		cancel:   cancel,
		group:    group,
		sessions: make(map[uint64]*session.Session),
		closing:  make(map[uint64]string),
	}
}

// ConnectionID returns the id of the current connection.
func (f *Factory) ConnectionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return ""
	}
	return f.conn.id
}

// NodeID returns the id of the node the factory is connected to.
func (f *Factory) NodeID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodeID
}

// Connection returns the current connection.
func (f *Factory) Connection() *Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn
}

// Sessions returns the number of open sessions.
func (f *Factory) Sessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// Err returns the permanent failure, if reconnection gave up.
func (f *Factory) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// goWorker runs fn on the factory's group unless the factory is closed.
func (f *Factory) goWorker(fn func()) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.group.Go(func() error {
		fn()
		return nil
	})
	return true
}

// Connect dials c, starts the connection's workers and exchanges hellos.
// It fails with a *ConnectionError when the transport rejects or the node
// is a passive backup.
func (f *Factory) Connect(ctx context.Context, c topology.Connector) (*Connection, error) {
	a, err := f.l.dialer(ctx, c)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Addr: c.String(), Err: err}
	}

	conn := newConnection(a, c, f.l.clock.Now())
	if !f.goWorker(func() { f.dispatch(conn) }) {
		a.Close()
		return nil, ErrFactoryClosed
	}

	resp, err := f.call(ctx, conn, transport.Packet{Type: transport.TypeHello})
	if err != nil {
		conn.close()
		return nil, &ConnectionError{Op: "hello", Addr: c.String(), Err: err}
	}
	var hello wire.Hello
	if err := wire.Decode(resp.Payload, &hello); err != nil {
		conn.close()
		return nil, &ConnectionError{Op: "hello", Addr: c.String(), Err: err}
	}
	if !hello.Active {
		conn.close()
		return nil, &ConnectionError{Op: "hello", Addr: c.String(), Err: ErrNodeInactive}
	}
	conn.nodeID = hello.NodeID

	f.goWorker(func() { f.ping(conn) })
	f.logger.Info("Connected",
		zap.String("conn_id", conn.id),
		zap.String("node_id", conn.nodeID),
		zap.String("connector", c.String()))
	return conn, nil
}

// install makes conn the factory's current connection. A connection that
// died after its hello is refused so the caller dials again.
func (f *Factory) install(conn *Connection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		conn.close()
		return ErrFactoryClosed
	}
	if !conn.Alive() {
		return &ConnectionError{Op: "hello", Addr: conn.remote.String(), Err: ErrConnectionLost}
	}
	f.conn = conn
	f.nodeID = conn.nodeID
	return nil
}

// CreateSession opens a session on the current connection.
func (f *Factory) CreateSession(ctx context.Context, sc SessionConfig) (*session.Session, error) {
	f.failMu.Lock()
	defer f.failMu.Unlock()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrFactoryClosed
	}
	if f.err != nil {
		err := f.err
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", session.ErrNotConnected, err)
	}
	conn := f.conn
	f.nextChannel++
	channel := f.nextChannel
	f.mu.Unlock()

	cfg := f.l.cfg
	s := session.New(session.Config{
		ID:                     sc.ID,
		Channel:                channel,
		AutoCommitSends:        sc.AutoCommitSends,
		AutoCommitAcks:         sc.AutoCommitAcks,
		BlockOnDurableSend:     cfg.BlockOnDurableSend,
		BlockOnNonDurableSend:  cfg.BlockOnNonDurableSend,
		BlockOnAcknowledge:     cfg.BlockOnAcknowledge,
		ConfirmationWindowSize: cfg.ConfirmationWindowSize,
		ProducerWindowSize:     int64(cfg.ProducerWindowSize),
		NonBlocking:            sc.NonBlocking,
	}, f.transmitter(conn),
		session.WithLogger(f.logger.With(zap.Uint64("channel", channel))),
		session.WithMetrics(f.l.metrics),
		session.WithCloseHook(f.forget))

	resp, err := f.create(ctx, conn, s)
	if err != nil {
		s.Fail(err)
		return nil, err
	}
	if !resp.Accepted {
		err := &ConnectionError{Op: "create-session", Addr: conn.remote.String(), Err: fmt.Errorf("%w: %s", ErrRejected, resp.Reason)}
		s.Fail(err)
		return nil, err
	}

	f.mu.Lock()
	f.sessions[channel] = s
	f.mu.Unlock()
	return s, nil
}

func (f *Factory) forget(s *session.Session) {
	f.mu.Lock()
	delete(f.sessions, s.Channel())
	if s.ClosePending() && !f.closed {
		f.closing[s.Channel()] = s.ID()
	}
	f.mu.Unlock()
}

// closeOrphans rebinds every session closed while disconnected and closes
// it on the node. Sessions the node does not know are dropped; a transport
// error keeps the rest for the next reconnect.
func (f *Factory) closeOrphans(ctx context.Context, conn *Connection) {
	f.mu.Lock()
	orphans := make(map[uint64]string, len(f.closing))
	for ch, id := range f.closing {
		orphans[ch] = id
	}
	f.mu.Unlock()

	for ch, id := range orphans {
		resp, err := f.request(ctx, conn, "reattach", transport.Packet{
			Type:    transport.TypeReattachSession,
			Channel: ch,
			Payload: wire.Encode(&wire.Reattach{SessionID: id}),
		})
		if err == nil && resp.Accepted {
			err = f.transmit(conn, transport.Packet{Type: transport.TypeCloseSession, Channel: ch})
		}
		if err != nil {
			f.logger.Debug("Deferred session close", zap.String("session_id", id), zap.Error(err))
			return
		}
		f.mu.Lock()
		delete(f.closing, ch)
		f.mu.Unlock()
	}
}

// sessionList returns the open sessions ordered by channel.
func (f *Factory) sessionList() []*session.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*session.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel() < out[j].Channel() })
	return out
}

func (f *Factory) create(ctx context.Context, conn *Connection, s *session.Session) (wire.SessionResponse, error) {
	cfg := s.Config()
	return f.request(ctx, conn, "create-session", transport.Packet{
		Type:    transport.TypeCreateSession,
		Channel: s.Channel(),
		Payload: wire.Encode(&wire.CreateSession{
			SessionID:       s.ID(),
			AutoCommitSends: cfg.AutoCommitSends,
			AutoCommitAcks:  cfg.AutoCommitAcks,
			LastConfirmed:   s.LastConfirmed(),
		}),
	})
}

// attach rebinds s on conn. A node that does not know the session gets it
// re-created, numbered on from the last confirmed sequence.
func (f *Factory) attach(ctx context.Context, conn *Connection, s *session.Session) (wire.SessionResponse, error) {
	resp, err := f.request(ctx, conn, "reattach", transport.Packet{
		Type:    transport.TypeReattachSession,
		Channel: s.Channel(),
		Payload: wire.Encode(&wire.Reattach{SessionID: s.ID(), LastConfirmed: s.LastConfirmed()}),
	})
	if err != nil {
		return resp, err
	}
	if !resp.Accepted && resp.Reason == handshake.ReasonSessionNotFound {
		f.logger.Info("Session unknown to node, re-creating", zap.String("session_id", s.ID()))
		resp, err = f.create(ctx, conn, s)
		if err != nil {
			return resp, err
		}
	}
	if !resp.Accepted {
		return resp, retry.Permanent(&ConnectionError{
			Op:   "reattach",
			Addr: conn.remote.String(),
			Err:  fmt.Errorf("%w: %s", ErrRejected, resp.Reason),
		})
	}
	return resp, nil
}

func (f *Factory) request(ctx context.Context, conn *Connection, op string, p transport.Packet) (wire.SessionResponse, error) {
	var resp wire.SessionResponse
	reply, err := f.call(ctx, conn, p)
	if err != nil {
		return resp, &ConnectionError{Op: op, Addr: conn.remote.String(), Err: err}
	}
	if err := wire.Decode(reply.Payload, &resp); err != nil {
		return resp, &ConnectionError{Op: op, Addr: conn.remote.String(), Err: err}
	}
	return resp, nil
}

// call sends a request and waits for the response carrying its correlation id.
func (f *Factory) call(ctx context.Context, conn *Connection, p transport.Packet) (transport.Packet, error) {
	id, ch := conn.register()
	defer conn.unregister(id)

	p.Seq = id
	if err := f.transmit(conn, p); err != nil {
		return transport.Packet{}, err
	}

	var timeout <-chan time.Time
	if d := f.l.cfg.CallTimeout; d > 0 {
		timer := f.l.clock.Timer(time.Duration(d))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-conn.done:
		return transport.Packet{}, ErrConnectionLost
	case <-timeout:
		return transport.Packet{}, ErrCallTimeout
	case <-ctx.Done():
		return transport.Packet{}, ctx.Err()
	case <-f.ctx.Done():
		return transport.Packet{}, ErrFactoryClosed
	}
}

func (f *Factory) transmitter(conn *Connection) session.Transmitter {
	return session.TransmitFunc(func(p transport.Packet) error {
		return f.transmit(conn, p)
	})
}

// transmit runs the outbound interceptors and writes p to conn.
func (f *Factory) transmit(conn *Connection, p transport.Packet) error {
	if !conn.Alive() {
		return ErrConnectionLost
	}
	if f.l.interceptors.Intercept(p, interceptor.Outbound, conn) == interceptor.Drop {
		f.l.metrics.InterceptorDrop(interceptor.Outbound.String(), p.Type.String())
		return nil
	}
	return conn.adapter.Send(p)
}

// dispatch is the connection's single inbound worker.
func (f *Factory) dispatch(conn *Connection) {
	for {
		select {
		case <-f.ctx.Done():
			return
		case p, ok := <-conn.adapter.Receive():
			if !ok {
				var cause error = transport.ErrTransportClosed
				select {
				case ev := <-conn.adapter.Disconnected():
					if ev.Err != nil {
						cause = ev.Err
					}
				default:
				}
				f.connectionLost(conn, failover.CauseChannelError, cause)
				return
			}
			conn.touch(f.l.clock.Now())
			if f.l.interceptors.Intercept(p, interceptor.Inbound, conn) == interceptor.Drop {
				f.l.metrics.InterceptorDrop(interceptor.Inbound.String(), p.Type.String())
				continue
			}
			f.route(conn, p)
		}
	}
}

func (f *Factory) route(conn *Connection, p transport.Packet) {
	switch p.Type {
	case transport.TypeHelloResponse, transport.TypeCreateSessionResponse,
		transport.TypeReattachResponse, transport.TypePong:
		conn.complete(p)
	case transport.TypeConfirmation:
		if s := f.session(p.Channel); s != nil {
			s.Confirm(p.Seq)
		}
	case transport.TypeDeliver:
		s := f.session(p.Channel)
		if s == nil {
			f.logger.Debug("Delivery for unknown channel", zap.Uint64("channel", p.Channel))
			return
		}
		var d wire.Delivery
		if err := wire.Decode(p.Payload, &d); err != nil {
			f.logger.Warn("Bad delivery payload", zap.Error(err))
			return
		}
		s.Deliver(d)
	case transport.TypeTopology:
		var t wire.Topology
		if err := wire.Decode(p.Payload, &t); err != nil {
			f.logger.Warn("Bad topology payload", zap.Error(err))
			return
		}
		if err := f.l.dir.Apply(t); err != nil {
			f.logger.Warn("Ignoring topology update", zap.String("node_id", t.NodeID), zap.Error(err))
		}
	case transport.TypeDisconnect:
		f.connectionLost(conn, failover.CauseCrashSignal, errors.New("node announced shutdown"))
	default:
		f.logger.Debug("Ignoring packet", zap.Stringer("type", p.Type))
	}
}

func (f *Factory) session(channel uint64) *session.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[channel]
}

// ping sends a ping every check period and declares the connection dead
// when nothing has been received for the connection TTL.
func (f *Factory) ping(conn *Connection) {
	period := time.Duration(f.l.cfg.ClientFailureCheckPeriod)
	if period <= 0 {
		return
	}
	ttl := time.Duration(f.l.cfg.ConnectionTTL)

	ticker := f.l.clock.Ticker(period)
	defer ticker.Stop()
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-conn.done:
			return
		case <-ticker.C:
			if idle := f.l.clock.Now().Sub(conn.LastActivity()); ttl > 0 && idle > ttl {
				f.connectionLost(conn, failover.CauseTTLExpired, fmt.Errorf("nothing received for %s", idle))
				return
			}
			if err := f.transmit(conn, transport.Packet{Type: transport.TypePing}); err != nil {
				f.connectionLost(conn, failover.CauseHealthCheck, err)
				return
			}
		}
	}
}

// connectionLost marks conn dead and, if it is the current connection,
// suspends every session and starts failover. Only the first report of a
// loss does anything.
func (f *Factory) connectionLost(conn *Connection, cause failover.Cause, err error) {
	if !conn.markDead() {
		return
	}
	conn.adapter.Close()

	ev := failover.Event{Cause: cause, ConnectionID: conn.id, Err: err}

	f.mu.Lock()
	current := f.conn == conn && !f.closed && f.err == nil
	registered := f.registered
	if current && !registered {
		f.pendingLoss = &ev
	}
	f.mu.Unlock()
	if !current {
		return
	}

	for _, s := range f.sessionList() {
		if serr := s.Suspend(); serr != nil {
			f.logger.Debug("Suspend", zap.String("session_id", s.ID()), zap.Error(serr))
		}
	}
	if registered {
		f.goWorker(func() { f.failover(ev) })
	}
}

// activate records that the coordinator knows the factory and raises a
// loss reported before registration.
func (f *Factory) activate() {
	f.mu.Lock()
	f.registered = true
	ev := f.pendingLoss
	f.pendingLoss = nil
	f.mu.Unlock()
	if ev != nil {
		f.logger.Info("Connection lost before registration", zap.String("conn_id", ev.ConnectionID))
		f.goWorker(func() { f.failover(*ev) })
	}
}

// failover hands the loss to the coordinator. A suppressed failover is
// raised again once the health monitor sees the network come back.
func (f *Factory) failover(ev failover.Event) {
	for {
		err := f.l.coordinator.Handle(f.ctx, ev)
		switch {
		case errors.Is(err, failover.ErrFailoverSuppressed):
			if f.l.health == nil {
				return
			}
			if werr := f.l.health.WaitUp(f.ctx); werr != nil {
				return
			}
			f.logger.Info("Network back, retrying failover", zap.String("conn_id", ev.ConnectionID))
			continue
		case errors.Is(err, failover.ErrFailoverInProgress):
			// the failover already running owns the connection
			return
		case err != nil:
			if f.ctx.Err() == nil {
				f.logger.Error("Failover ended", zap.Error(err))
			}
			return
		}

		// the new connection may have died before the coordinator settled
		conn := f.Connection()
		if conn == nil || conn.Alive() {
			return
		}
		for _, s := range f.sessionList() {
			_ = s.Suspend()
		}
		ev = failover.Event{Cause: failover.CauseChannelError, ConnectionID: conn.id}
	}
}

// Reconnect connects to c, reattaches every open session in channel order
// and replays its pending commands. On any failure the sessions are
// suspended again and the error is returned for the coordinator to retry.
func (f *Factory) Reconnect(ctx context.Context, c topology.Connector) error {
	f.failMu.Lock()
	defer f.failMu.Unlock()

	conn, err := f.Connect(ctx, c)
	if err != nil {
		return err
	}
	if err := f.install(conn); err != nil {
		if errors.Is(err, ErrFactoryClosed) {
			return retry.Permanent(err)
		}
		return err
	}

	sessions := f.sessionList()
	replayed := 0
	for _, s := range sessions {
		if s.State().Terminal() {
			continue
		}
		resp, err := f.attach(ctx, conn, s)
		if err == nil {
			var n int
			n, err = s.Reattach(f.transmitter(conn), resp.LastApplied)
			replayed += n
		}
		if errors.Is(err, session.ErrSessionClosed) {
			// closed during the reconnect; forget queued its close
			continue
		}
		if err != nil {
			for _, s := range sessions {
				_ = s.Suspend()
			}
			conn.close()
			return err
		}
	}

	f.closeOrphans(ctx, conn)

	f.logger.Info("Reconnected",
		zap.String("conn_id", conn.id),
		zap.String("connector", c.String()),
		zap.Int("sessions", len(sessions)),
		zap.Int("replayed", replayed))
	return nil
}

// Degrade marks every session degraded while failover is suppressed.
func (f *Factory) Degrade(err error) {
	for _, s := range f.sessionList() {
		if derr := s.Degrade(); derr != nil {
			f.logger.Debug("Degrade", zap.String("session_id", s.ID()), zap.Error(derr))
		}
	}
	f.logger.Warn("Sessions degraded", zap.Error(err))
}

// Fail fails every session permanently and drops the connection.
func (f *Factory) Fail(err error) {
	f.mu.Lock()
	f.err = err
	conn := f.conn
	f.mu.Unlock()

	for _, s := range f.sessionList() {
		s.Fail(err)
	}
	if conn != nil {
		conn.close()
	}
	f.logger.Error("Session factory failed", zap.Error(err))
}

// Close closes every session and the connection, cancels any reconnect in
// progress and waits for the factory's workers.
func (f *Factory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	conn := f.conn
	f.mu.Unlock()

	var err error
	for _, s := range f.sessionList() {
		err = multierr.Append(err, s.Close())
	}

	f.cancel()
	if conn != nil {
		f.l.coordinator.Unregister(conn.id)
		err = multierr.Append(err, conn.close())
	}
	err = multierr.Append(err, f.group.Wait())
	f.l.forget(f)
	return err
}
