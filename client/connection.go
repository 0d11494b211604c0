package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/risa-org/hacore/interceptor"
	"github.com/risa-org/hacore/topology"
	"github.com/risa-org/hacore/transport"
	"github.com/risa-org/hacore/transport/tcp"
	"github.com/risa-org/hacore/transport/websocket"
)

var (
	// ErrFactoryClosed is returned by calls on a closed factory or locator.
	ErrFactoryClosed = errors.New("session factory closed")

	// ErrConnectionLost is returned for calls on a connection declared dead.
	ErrConnectionLost = errors.New("connection lost")

	// ErrCallTimeout is returned when the node does not answer within the call timeout.
	ErrCallTimeout = errors.New("call timed out")

	// ErrNodeInactive is returned when the node answering is a passive backup.
	ErrNodeInactive = errors.New("node is not active")

	// ErrRejected is returned when the node refuses a session request.
	ErrRejected = errors.New("request rejected")

	// ErrUnsupportedScheme is returned for connectors no transport can dial.
	ErrUnsupportedScheme = errors.New("unsupported connector scheme")
)

// ConnectionError describes a failed connection step against one node.
type ConnectionError struct {
	Op   string // dial, hello, create-session, reattach
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Dialer opens a transport to a connector.
type Dialer func(ctx context.Context, c topology.Connector) (transport.Adapter, error)

// DefaultDialer returns a Dialer for tcp and websocket connectors.
func DefaultDialer(timeout time.Duration) Dialer {
	return func(ctx context.Context, c topology.Connector) (transport.Adapter, error) {
		switch c.Scheme {
		case topology.SchemeTCP, "":
			a, err := tcp.Dial(ctx, c.Address, timeout)
			if err != nil {
				return nil, err
			}
			return a, nil
		case topology.SchemeWebSocket, topology.SchemeSecureWS:
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			a, err := websocket.Dial(ctx, c.String())
			if err != nil {
				return nil, err
			}
			return a, nil
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, c.Scheme)
		}
	}
}

// Connection is one transport to a node, owned by a Factory. Once it is
// declared dead it is never used again; failover replaces it.
type Connection struct {
	id      string
	adapter transport.Adapter
	remote  topology.Connector
	nodeID  string

	mu         sync.Mutex
	alive      bool
	lastActive time.Time
	nextCall   uint64
	calls      map[uint64]chan transport.Packet
	done       chan struct{}
}

var _ interceptor.Conn = (*Connection)(nil)

func newConnection(a transport.Adapter, remote topology.Connector, now time.Time) *Connection {
	return &Connection{
		id:         uuid.NewString(),
		adapter:    a,
		remote:     remote,
		alive:      true,
		lastActive: now,
		calls:      make(map[uint64]chan transport.Packet),
		done:       make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// RemoteAddr returns the transport's peer address.
func (c *Connection) RemoteAddr() string { return c.adapter.RemoteAddr() }

// Connector returns the connector this connection was dialled with.
func (c *Connection) Connector() topology.Connector { return c.remote }

// NodeID returns the id the node gave in its hello.
func (c *Connection) NodeID() string { return c.nodeID }

// Alive reports whether the connection is still in use.
func (c *Connection) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// LastActivity returns when a packet was last received.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	c.lastActive = now
	c.mu.Unlock()
}

// register reserves a correlation id for a request and returns the
// channel its response will arrive on.
func (c *Connection) register() (uint64, chan transport.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextCall++
	ch := make(chan transport.Packet, 1)
	c.calls[c.nextCall] = ch
	return c.nextCall, ch
}

func (c *Connection) unregister(id uint64) {
	c.mu.Lock()
	delete(c.calls, id)
	c.mu.Unlock()
}

// complete hands a response to the call waiting on its correlation id.
func (c *Connection) complete(p transport.Packet) bool {
	c.mu.Lock()
	ch, ok := c.calls[p.Seq]
	delete(c.calls, p.Seq)
	c.mu.Unlock()
	if ok {
		ch <- p
	}
	return ok
}

// markDead flips the liveness flag. It reports true only the first time.
func (c *Connection) markDead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive {
		return false
	}
	c.alive = false
	close(c.done)
	return true
}

func (c *Connection) close() error {
	c.markDead()
	return c.adapter.Close()
}
