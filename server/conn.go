package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tinylib/msgp/msgp"
	"go.uber.org/zap"

	"github.com/risa-org/hacore/interceptor"
	"github.com/risa-org/hacore/session"
	"github.com/risa-org/hacore/transport"
	"github.com/risa-org/hacore/wire"
)

// binding is a session attached to a channel of a connection.
type binding struct {
	id  string
	seq *session.Sequencer
}

// conn is one client connection as the node sees it.
type conn struct {
	id      string
	node    *Node
	adapter transport.Adapter
	logger  *zap.Logger

	mu       sync.Mutex
	channels map[uint64]binding
	lastSeen time.Time
}

var _ interceptor.Conn = (*conn)(nil)

func newConn(n *Node, a transport.Adapter) *conn {
	id := uuid.NewString()
	return &conn{
		id:       id,
		node:     n,
		adapter:  a,
		logger:   n.logger.With(zap.String("conn_id", id), zap.String("remote", a.RemoteAddr())),
		channels: make(map[uint64]binding),
		lastSeen: n.cfg.Clock.Now(),
	}
}

func (c *conn) ID() string         { return c.id }
func (c *conn) RemoteAddr() string { return c.adapter.RemoteAddr() }

func (c *conn) channelOf(sessionID string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch, b := range c.channels {
		if b.id == sessionID {
			return ch, true
		}
	}
	return 0, false
}

// serve handles packets in arrival order until the adapter closes.
func (c *conn) serve(ctx context.Context) {
	defer c.adapter.Close()

	var expire <-chan time.Time
	if ttl := c.node.cfg.ConnectionTTL; ttl > 0 {
		ticker := c.node.cfg.Clock.Ticker(ttl / 2)
		defer ticker.Stop()
		expire = ticker.C
	}

	c.logger.Debug("Client connected")
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-c.adapter.Receive():
			if !ok {
				c.logger.Debug("Client disconnected")
				return
			}
			c.touch()
			if c.node.cfg.Interceptors.Intercept(p, interceptor.Inbound, c) == interceptor.Drop {
				c.node.cfg.Metrics.InterceptorDrop(interceptor.Inbound.String(), p.Type.String())
				continue
			}
			c.handle(p)
		case <-expire:
			if c.expired() {
				c.logger.Warn("Connection TTL expired", zap.Duration("ttl", c.node.cfg.ConnectionTTL))
				return
			}
		}
	}
}

func (c *conn) touch() {
	c.mu.Lock()
	c.lastSeen = c.node.cfg.Clock.Now()
	c.mu.Unlock()
}

func (c *conn) expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.node.cfg.Clock.Now().Sub(c.lastSeen) > c.node.cfg.ConnectionTTL
}

func (c *conn) handle(p transport.Packet) {
	if p.Type != transport.TypeHello && p.Type != transport.TypePing && !c.node.Active() {
		c.logger.Debug("Passive node refusing packet", zap.Stringer("type", p.Type))
		c.adapter.Close()
		return
	}
	switch p.Type {
	case transport.TypeHello:
		c.hello(p)
	case transport.TypePing:
		c.reply(p, transport.TypePong, nil)
	case transport.TypeCreateSession:
		c.createSession(p)
	case transport.TypeReattachSession:
		c.reattachSession(p)
	case transport.TypeCloseSession:
		c.closeSession(p)
	case transport.TypeSend, transport.TypeAcknowledge, transport.TypeCommit:
		c.apply(p)
	default:
		c.logger.Debug("Ignoring packet", zap.Stringer("type", p.Type))
	}
}

func (c *conn) hello(p transport.Packet) {
	active := c.node.Active()
	c.reply(p, transport.TypeHelloResponse, &wire.Hello{NodeID: c.node.cfg.NodeID, Active: active})
	if !active {
		// a passive backup only says who it is
		c.adapter.Close()
		return
	}
	for _, t := range c.node.topology() {
		t := t
		_ = c.send(transport.Packet{Type: transport.TypeTopology, Payload: wire.Encode(&t)})
	}
}

func (c *conn) createSession(p transport.Packet) {
	var req wire.CreateSession
	if err := wire.Decode(p.Payload, &req); err != nil {
		c.logger.Warn("Bad create-session payload", zap.Error(err))
		c.reply(p, transport.TypeCreateSessionResponse, &wire.SessionResponse{Reason: "invalid_request"})
		return
	}
	seq, resp := c.node.handler.Create(req)
	if resp.Accepted {
		c.bind(p.Channel, req.SessionID, seq)
	}
	c.reply(p, transport.TypeCreateSessionResponse, &resp)
	if resp.Accepted && c.node.cfg.OnAttach != nil {
		c.node.cfg.OnAttach(req.SessionID, false)
	}
}

func (c *conn) reattachSession(p transport.Packet) {
	var req wire.Reattach
	if err := wire.Decode(p.Payload, &req); err != nil {
		c.logger.Warn("Bad reattach payload", zap.Error(err))
		c.reply(p, transport.TypeReattachResponse, &wire.SessionResponse{Reason: "invalid_request"})
		return
	}
	seq, resp := c.node.handler.Reattach(req)
	if resp.Accepted {
		c.bind(p.Channel, req.SessionID, seq)
		c.logger.Info("Session reattached",
			zap.String("session_id", req.SessionID),
			zap.Uint64("last_applied", resp.LastApplied))
	}
	c.reply(p, transport.TypeReattachResponse, &resp)
	if resp.Accepted && c.node.cfg.OnAttach != nil {
		c.node.cfg.OnAttach(req.SessionID, true)
	}
}

func (c *conn) closeSession(p transport.Packet) {
	c.mu.Lock()
	b, ok := c.channels[p.Channel]
	delete(c.channels, p.Channel)
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := c.node.handler.Close(b.id); err != nil {
		c.logger.Debug("Close session", zap.String("session_id", b.id), zap.Error(err))
	}
}

func (c *conn) bind(channel uint64, id string, seq *session.Sequencer) {
	c.mu.Lock()
	c.channels[channel] = binding{id: id, seq: seq}
	c.mu.Unlock()
}

// apply runs one sequenced command through the session's sequencer and
// confirms it. Duplicates are confirmed without being applied again; a
// gap is dropped and the client's replay fills it.
func (c *conn) apply(p transport.Packet) {
	c.mu.Lock()
	b, ok := c.channels[p.Channel]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("Command on unbound channel", zap.Uint64("channel", p.Channel), zap.Uint64("seq", p.Seq))
		return
	}

	verdict, err := b.seq.Apply(p.Seq, func() error {
		return c.node.cfg.Applier.Apply(b.id, Command{Seq: p.Seq, Type: p.Type, Payload: p.Payload})
	})
	if err != nil {
		// later commands would only be gaps; the client reattaches and replays
		c.logger.Error("Apply failed, closing connection",
			zap.String("session_id", b.id), zap.Uint64("seq", p.Seq), zap.Error(err))
		c.adapter.Close()
		return
	}

	switch verdict {
	case session.Apply:
		c.node.cfg.Metrics.CommandApplied(false)
		if err := c.node.cfg.Store.Commit(b.id); err != nil {
			c.logger.Error("Commit failed", zap.String("session_id", b.id), zap.Error(err))
		}
	case session.Duplicate:
		c.node.cfg.Metrics.CommandApplied(true)
		c.logger.Debug("Duplicate command confirmed", zap.String("session_id", b.id), zap.Uint64("seq", p.Seq))
	case session.Gap:
		c.logger.Warn("Sequence gap, command dropped",
			zap.String("session_id", b.id),
			zap.Uint64("seq", p.Seq),
			zap.Uint64("last_applied", b.seq.LastApplied()))
		return
	}

	_ = c.send(transport.Packet{
		Type:    transport.TypeConfirmation,
		Channel: p.Channel,
		Seq:     b.seq.LastApplied(),
	})
}

// reply answers a request on the same channel with the same correlation id.
func (c *conn) reply(req transport.Packet, typ transport.PacketType, body msgp.Marshaler) {
	p := transport.Packet{Type: typ, Channel: req.Channel, Seq: req.Seq}
	if body != nil {
		p.Payload = wire.Encode(body)
	}
	if err := c.send(p); err != nil {
		c.logger.Debug("Reply failed", zap.Stringer("type", typ), zap.Error(err))
	}
}

// send runs the outbound interceptors and writes the packet.
func (c *conn) send(p transport.Packet) error {
	if c.node.cfg.Interceptors.Intercept(p, interceptor.Outbound, c) == interceptor.Drop {
		c.node.cfg.Metrics.InterceptorDrop(interceptor.Outbound.String(), p.Type.String())
		return nil
	}
	return c.adapter.Send(p)
}
