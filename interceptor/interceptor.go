// Package interceptor runs ordered inspection hooks over every packet that
// enters or leaves a connection.
package interceptor

import (
	"sync"

	"github.com/risa-org/hacore/transport"
)

// Verdict is what an interceptor decides about a packet.
type Verdict int

const (
	Continue Verdict = iota // hand the packet to the next interceptor
	Drop                    // stop here; the packet is silently discarded
)

func (v Verdict) String() string {
	if v == Drop {
		return "drop"
	}
	return "continue"
}

// Direction tells an interceptor which way a packet is travelling.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Conn is the read-only view of a connection an interceptor gets.
type Conn interface {
	ID() string
	RemoteAddr() string
}

// Interceptor inspects a packet. It receives a copy of the packet and must
// not touch state outside its own scope.
type Interceptor interface {
	Intercept(p transport.Packet, dir Direction, conn Conn) Verdict
}

// Func adapts a plain function to Interceptor.
type Func func(p transport.Packet, dir Direction, conn Conn) Verdict

func (f Func) Intercept(p transport.Packet, dir Direction, conn Conn) Verdict {
	return f(p, dir, conn)
}

// Chain holds interceptors in registration order. Safe for concurrent use;
// registration while packets flow only affects packets that arrive after it.
type Chain struct {
	mu    sync.RWMutex
	hooks []Interceptor

	// OnDrop, when set, is told about every dropped packet.
	OnDrop func(p transport.Packet, dir Direction)
}

// NewChain returns a chain holding the given interceptors, in order.
func NewChain(hooks ...Interceptor) *Chain {
	return &Chain{hooks: append([]Interceptor(nil), hooks...)}
}

// Register appends an interceptor to the end of the chain.
func (c *Chain) Register(i Interceptor) {
	c.mu.Lock()
	c.hooks = append(c.hooks, i)
	c.mu.Unlock()
}

// Len returns the number of registered interceptors.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.hooks)
}

// Intercept runs the chain. The first Drop short-circuits the rest.
// A nil chain lets everything through.
func (c *Chain) Intercept(p transport.Packet, dir Direction, conn Conn) Verdict {
	if c == nil {
		return Continue
	}

	c.mu.RLock()
	hooks := c.hooks
	c.mu.RUnlock()

	for _, h := range hooks {
		// each hook gets its own copy of the payload slice header;
		// the backing bytes are shared and must be treated as read-only
		if h.Intercept(p, dir, conn) == Drop {
			if c.OnDrop != nil {
				c.OnDrop(p, dir)
			}
			return Drop
		}
	}
	return Continue
}
