// Package health decides whether this process can still reach the network.
//
// A lost connection to the live node may mean the node died or may mean
// this client's own network went away. Failing over in the second case
// only moves the problem, so the failover coordinator asks the Monitor
// first: if every configured target is unreachable the client is
// considered isolated and failover is suppressed.
package health

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultTimeout       = time.Second
	DefaultRetryInterval = time.Second
)

// Prober answers whether an address is reachable right now.
type Prober interface {
	Check(ctx context.Context, address string) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, address string) bool

func (f ProberFunc) Check(ctx context.Context, address string) bool { return f(ctx, address) }

// NetworkCheck probes an address with a TCP connect. A refused connection
// still counts as reachable: something on the other end answered.
type NetworkCheck struct {
	Timeout       time.Duration
	RetryInterval time.Duration
	Retries       int // extra attempts after the first failure

	Dial  func(ctx context.Context, network, address string) (net.Conn, error)
	Clock clock.Clock
}

// NewNetworkCheck creates a check with one retry.
func NewNetworkCheck(timeout, retryInterval time.Duration) *NetworkCheck {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	return &NetworkCheck{
		Timeout:       timeout,
		RetryInterval: retryInterval,
		Retries:       1,
		Dial:          (&net.Dialer{}).DialContext,
		Clock:         clock.New(),
	}
}

// Check reports whether address answered within the timeout on any attempt.
func (c *NetworkCheck) Check(ctx context.Context, address string) bool {
	for attempt := 0; attempt <= c.Retries; attempt++ {
		if attempt > 0 {
			timer := c.Clock.Timer(c.RetryInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return false
			case <-timer.C:
			}
		}
		if c.probe(ctx, address) {
			return true
		}
	}
	return false
}

func (c *NetworkCheck) probe(ctx context.Context, address string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	conn, err := c.Dial(ctx, "tcp", address)
	if err == nil {
		conn.Close()
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}
