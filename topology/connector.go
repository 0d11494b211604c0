// Package topology tracks the live/backup pairs announced by the cluster
// and resolves the first node a client connects to.
package topology

import (
	"fmt"
	"net/url"
	"strings"
)

// Connector schemes understood by the client.
const (
	SchemeTCP       = "tcp"
	SchemeWebSocket = "ws"
	SchemeSecureWS  = "wss"
)

// Connector says how to reach a node: a transport scheme and an address.
// Path is only used by websocket connectors.
type Connector struct {
	Scheme  string
	Address string
	Path    string
}

// ParseConnector parses "tcp://host:port" or "ws://host:port/path".
// A bare "host:port" is taken as tcp.
func ParseConnector(raw string) (Connector, error) {
	if !strings.Contains(raw, "://") {
		raw = SchemeTCP + "://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Connector{}, fmt.Errorf("parse connector %q: %w", raw, err)
	}
	switch u.Scheme {
	case SchemeTCP, SchemeWebSocket, SchemeSecureWS:
	default:
		return Connector{}, fmt.Errorf("connector %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" || u.Port() == "" {
		return Connector{}, fmt.Errorf("connector %q: host and port required", raw)
	}
	c := Connector{Scheme: u.Scheme, Address: u.Host}
	if u.Scheme != SchemeTCP {
		c.Path = u.Path
	}
	return c, nil
}

// ParseConnectors parses every entry of raw.
func ParseConnectors(raw []string) ([]Connector, error) {
	out := make([]Connector, 0, len(raw))
	for _, r := range raw {
		c, err := ParseConnector(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// IsZero reports whether c is unset.
func (c Connector) IsZero() bool {
	return c.Address == ""
}

// String renders c as a URL; the empty connector renders as "".
func (c Connector) String() string {
	if c.IsZero() {
		return ""
	}
	scheme := c.Scheme
	if scheme == "" {
		scheme = SchemeTCP
	}
	return scheme + "://" + c.Address + c.Path
}
