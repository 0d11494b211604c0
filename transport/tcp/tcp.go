package tcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/risa-org/hacore/transport"
)

// headerLen is type(1) + channel(8) + seq(8) + payload length(4).
const headerLen = 21

// MaxPayload bounds a single frame so a corrupt length can't allocate gigabytes.
const MaxPayload = 16 << 20

// Adapter implements transport.Adapter over a stream connection.
//
// Wire format for each packet:
//
//	[1 byte: type][8 bytes: channel][8 bytes: seq][4 bytes: payload length][N bytes: payload]
//
// All integers are big-endian. TCP has no message boundaries, so each frame
// is prefixed with a fixed header and read with io.ReadFull.
type Adapter struct {
	conn       net.Conn
	incoming   chan transport.Packet
	disconnect chan transport.DisconnectEvent
	done       chan struct{} // closed by Close, unblocks a reader nobody drains
	closeOnce  sync.Once
	writeMu    sync.Mutex // one writer at a time, a frame must not interleave
}

// New wraps an existing net.Conn in a transport Adapter.
// The conn must already be established; dialing or accepting happens outside.
// Immediately starts a read loop goroutine in the background.
func New(conn net.Conn) *Adapter {
	a := &Adapter{
		conn:       conn,
		incoming:   make(chan transport.Packet, 64),
		disconnect: make(chan transport.DisconnectEvent, 1),
		done:       make(chan struct{}),
	}
	go a.readLoop()
	return a
}

// Dial connects to addr and wraps the connection.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Adapter, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return New(conn), nil
}

// Send encodes a packet and writes it as one frame.
func (a *Adapter) Send(p transport.Packet) error {
	if len(p.Payload) > MaxPayload {
		return fmt.Errorf("payload of %d bytes exceeds frame limit", len(p.Payload))
	}

	buf := make([]byte, headerLen+len(p.Payload))
	buf[0] = byte(p.Type)
	binary.BigEndian.PutUint64(buf[1:9], p.Channel)
	binary.BigEndian.PutUint64(buf[9:17], p.Seq)
	binary.BigEndian.PutUint32(buf[17:21], uint32(len(p.Payload)))
	copy(buf[headerLen:], p.Payload)

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if _, err := a.conn.Write(buf); err != nil {
		return transport.ErrTransportClosed
	}
	return nil
}

// Receive returns the channel of incoming packets.
// The channel is closed when the connection closes.
func (a *Adapter) Receive() <-chan transport.Packet {
	return a.incoming
}

// Disconnected returns a channel that emits exactly one event when
// the connection closes, for any reason.
func (a *Adapter) Disconnected() <-chan transport.DisconnectEvent {
	return a.disconnect
}

// RemoteAddr returns the peer address.
func (a *Adapter) RemoteAddr() string {
	if addr := a.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Close shuts down the connection. Cleanup runs exactly once.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.done)
		err = a.conn.Close()
	})
	return err
}

// readLoop continuously reads frames until the connection closes,
// then signals disconnect and exits.
func (a *Adapter) readLoop() {
	defer func() {
		close(a.incoming)
		a.Close()
	}()

	var header [headerLen]byte
	for {
		if _, err := io.ReadFull(a.conn, header[:]); err != nil {
			a.signalDisconnect(err)
			return
		}

		n := binary.BigEndian.Uint32(header[17:21])
		if n > MaxPayload {
			a.signalDisconnect(fmt.Errorf("frame length %d exceeds limit", n))
			return
		}

		payload := make([]byte, n)
		if _, err := io.ReadFull(a.conn, payload); err != nil {
			a.signalDisconnect(err)
			return
		}

		p := transport.Packet{
			Type:    transport.PacketType(header[0]),
			Channel: binary.BigEndian.Uint64(header[1:9]),
			Seq:     binary.BigEndian.Uint64(header[9:17]),
			Payload: payload,
		}
		select {
		case a.incoming <- p:
		case <-a.done:
			a.signalDisconnect(nil)
			return
		}
	}
}

// signalDisconnect classifies the read error and sends exactly one event.
func (a *Adapter) signalDisconnect(err error) {
	event := transport.DisconnectEvent{}

	var netErr net.Error
	switch {
	case err == nil || err == io.EOF || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed):
		event.Reason = transport.ReasonClosedClean
	case errors.As(err, &netErr) && netErr.Timeout():
		event.Reason = transport.ReasonTimeout
		event.Err = err
	default:
		event.Reason = transport.ReasonNetworkError
		event.Err = err
	}

	// buffered(1), so this never blocks; a second signal is dropped
	select {
	case a.disconnect <- event:
	default:
	}
}
