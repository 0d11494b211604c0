// Package server is the receiving side of the protocol: a broker node that
// accepts client connections, creates and reattaches sessions, applies
// sequenced commands exactly once per session and confirms them.
//
// A node is either live or a passive backup. A passive backup refuses
// connections until Activate is called, which is what failing over to it
// means from the node's side.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/risa-org/hacore/handshake"
	"github.com/risa-org/hacore/interceptor"
	"github.com/risa-org/hacore/metrics"
	"github.com/risa-org/hacore/transport"
	"github.com/risa-org/hacore/transport/tcp"
	"github.com/risa-org/hacore/transport/websocket"
	"github.com/risa-org/hacore/wire"
)

var (
	// ErrNodeClosed is returned by Serve once the node is closed or crashed.
	ErrNodeClosed = errors.New("node closed")

	// ErrSessionNotAttached is returned by Push when no connection carries the session.
	ErrSessionNotAttached = errors.New("session not attached")
)

// Command is a sequenced command handed to the Applier.
type Command struct {
	Seq     uint64
	Type    transport.PacketType
	Payload []byte
}

// Applier applies commands to the node's state: routing a message,
// recording an acknowledgement, committing. It is called at most once per
// session and sequence, in sequence order.
type Applier interface {
	Apply(sessionID string, cmd Command) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(sessionID string, cmd Command) error

func (f ApplierFunc) Apply(sessionID string, cmd Command) error { return f(sessionID, cmd) }

// Config configures a Node.
type Config struct {
	NodeID string
	Live   string // connector URL clients use to reach this node
	Backup string // connector URL of this node's backup, empty for none
	Active bool   // false for a passive backup

	Store   handshake.SessionStore
	Applier Applier

	Interceptors *interceptor.Chain

	// ConnectionTTL closes connections silent for longer. 0 disables.
	ConnectionTTL time.Duration

	// OnAttach runs after a session is created or reattached on a connection.
	OnAttach func(sessionID string, reattached bool)

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Node is a broker node.
type Node struct {
	cfg     Config
	handler *handshake.Handler
	logger  *zap.Logger

	mu        sync.Mutex
	active    bool
	closed    bool
	conns     map[string]*conn
	listeners []net.Listener
	announced map[string]wire.Topology

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a node. Nothing is served until Serve or ServeAdapter.
func New(cfg Config) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("server: node id required")
	}
	if cfg.Store == nil {
		return nil, errors.New("server: session store required")
	}
	if cfg.Applier == nil {
		cfg.Applier = ApplierFunc(func(string, Command) error { return nil })
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	log := cfg.Logger.With(zap.String("node_id", cfg.NodeID))
	handler := handshake.NewHandler(cfg.Store)
	handler.WithLogger(log)

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:       cfg,
		handler:   handler,
		logger:    log,
		active:    cfg.Active,
		conns:     make(map[string]*conn),
		announced: make(map[string]wire.Topology),
		ctx:       ctx,
		cancel:    cancel,
	}
	return n, nil
}

// ID returns the node id.
func (n *Node) ID() string { return n.cfg.NodeID }

// Active reports whether the node accepts clients.
func (n *Node) Active() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active
}

// Activate turns a passive backup into a live node.
func (n *Node) Activate() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active {
		return
	}
	n.active = true
	n.logger.Info("Node activated", zap.Int("sessions", n.cfg.Store.Count()))
}

// Serve accepts TCP connections on ln until the node is closed.
func (n *Node) Serve(ln net.Listener) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		ln.Close()
		return ErrNodeClosed
	}
	n.listeners = append(n.listeners, ln)
	n.mu.Unlock()

	n.logger.Info("Listening", zap.String("addr", ln.Addr().String()), zap.Bool("active", n.Active()))
	for {
		c, err := ln.Accept()
		if err != nil {
			if n.ctx.Err() != nil {
				return ErrNodeClosed
			}
			return fmt.Errorf("accept: %w", err)
		}
		n.ServeAdapter(tcp.New(c))
	}
}

// WebSocketHandler serves websocket clients.
func (n *Node) WebSocketHandler() http.Handler {
	return websocket.Handler(func(a *websocket.Adapter) {
		n.ServeAdapter(a)
	})
}

// ServeAdapter starts serving one client connection in the background.
func (n *Node) ServeAdapter(a transport.Adapter) {
	c := newConn(n, a)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		a.Close()
		return
	}
	n.conns[c.id] = c
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		c.serve(n.ctx)

		n.mu.Lock()
		delete(n.conns, c.id)
		n.mu.Unlock()
	}()
}

// Connections returns the number of open client connections.
func (n *Node) Connections() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// Push delivers a message to the connection the session is attached to.
func (n *Node) Push(sessionID string, d wire.Delivery) error {
	n.mu.Lock()
	var target *conn
	var channel uint64
	for _, c := range n.conns {
		if ch, ok := c.channelOf(sessionID); ok {
			target, channel = c, ch
			break
		}
	}
	n.mu.Unlock()

	if target == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotAttached, sessionID)
	}
	return target.send(transport.Packet{
		Type:    transport.TypeDeliver,
		Channel: channel,
		Payload: wire.Encode(&d),
	})
}

// Announce records a topology entry and broadcasts it to every client.
func (n *Node) Announce(t wire.Topology) {
	n.mu.Lock()
	n.announced[t.NodeID] = t
	conns := n.connsLocked()
	n.mu.Unlock()

	p := transport.Packet{Type: transport.TypeTopology, Payload: wire.Encode(&t)}
	for _, c := range conns {
		if err := c.send(p); err != nil {
			c.logger.Debug("Topology broadcast failed", zap.Error(err))
		}
	}
}

// topology returns this node's own entry followed by every announced one.
func (n *Node) topology() []wire.Topology {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := []wire.Topology{{NodeID: n.cfg.NodeID, Live: n.cfg.Live, Backup: n.cfg.Backup}}
	for id, t := range n.announced {
		if id != n.cfg.NodeID {
			out = append(out, t)
		}
	}
	return out
}

func (n *Node) connsLocked() []*conn {
	out := make([]*conn, 0, len(n.conns))
	for _, c := range n.conns {
		out = append(out, c)
	}
	return out
}

// Crash stops the node abruptly: listeners and connections are closed
// without telling clients, the way a killed process disappears.
// Crash waits for connection goroutines, so an interceptor or applier
// must call it from a goroutine of its own.
func (n *Node) Crash() {
	n.logger.Warn("Node crashing")
	n.shutdown(false)
}

// Close stops the node gracefully: every client is told to fail over
// before its connection is closed.
func (n *Node) Close() error {
	n.logger.Info("Closing node")
	return n.shutdown(true)
}

func (n *Node) shutdown(graceful bool) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.active = false
	listeners := n.listeners
	n.listeners = nil
	conns := n.connsLocked()
	n.mu.Unlock()

	n.cancel()

	var err error
	for _, ln := range listeners {
		err = multierr.Append(err, ln.Close())
	}
	for _, c := range conns {
		if graceful {
			_ = c.send(transport.Packet{Type: transport.TypeDisconnect})
		}
		err = multierr.Append(err, c.adapter.Close())
	}
	n.wg.Wait()
	return err
}
