package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/risa-org/hacore/transport"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Adapter implements transport.Adapter over a WebSocket connection.
// Uses JSON framing; WebSocket already has message boundaries built in,
// so there is no length prefix.
type Adapter struct {
	conn       *websocket.Conn
	remote     string
	incoming   chan transport.Packet
	disconnect chan transport.DisconnectEvent
	closeOnce  sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
}

type frame struct {
	Type    uint8  `json:"type"`
	Channel uint64 `json:"channel"`
	Seq     uint64 `json:"seq"`
	Payload []byte `json:"payload,omitempty"`
}

// New wraps an existing *websocket.Conn in a transport Adapter.
func New(conn *websocket.Conn, remote string) *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		conn:       conn,
		remote:     remote,
		incoming:   make(chan transport.Packet, 64),
		disconnect: make(chan transport.DisconnectEvent, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	go a.readLoop()
	return a
}

// Dial opens a websocket to url ("ws://host:port/path").
func Dial(ctx context.Context, url string) (*Adapter, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return New(conn, url), nil
}

// Handler upgrades HTTP requests and hands every adapter to accept.
func Handler(accept func(*Adapter)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		accept(New(conn, r.RemoteAddr))
	})
}

func (a *Adapter) Send(p transport.Packet) error {
	err := wsjson.Write(a.ctx, a.conn, frame{
		Type:    uint8(p.Type),
		Channel: p.Channel,
		Seq:     p.Seq,
		Payload: p.Payload,
	})
	if err != nil {
		return transport.ErrTransportClosed
	}
	return nil
}

func (a *Adapter) Receive() <-chan transport.Packet {
	return a.incoming
}

func (a *Adapter) Disconnected() <-chan transport.DisconnectEvent {
	return a.disconnect
}

func (a *Adapter) RemoteAddr() string {
	return a.remote
}

func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.cancel()
		err = a.conn.Close(websocket.StatusNormalClosure, "closed")
	})
	return err
}

func (a *Adapter) readLoop() {
	defer func() {
		close(a.incoming)
		a.Close()
	}()

	for {
		var f frame
		if err := wsjson.Read(a.ctx, a.conn, &f); err != nil {
			a.signalDisconnect(err)
			return
		}
		p := transport.Packet{
			Type:    transport.PacketType(f.Type),
			Channel: f.Channel,
			Seq:     f.Seq,
			Payload: f.Payload,
		}
		select {
		case a.incoming <- p:
		case <-a.ctx.Done():
			a.signalDisconnect(a.ctx.Err())
			return
		}
	}
}

// signalDisconnect sends exactly one disconnect event.
// StatusNormalClosure (1000) and StatusGoingAway (1001) are both clean closes;
// different implementations and shutdown timing produce either code.
// Context cancellation means we closed it ourselves, also clean.
func (a *Adapter) signalDisconnect(err error) {
	event := transport.DisconnectEvent{}

	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure,
		status == websocket.StatusGoingAway,
		a.ctx.Err() != nil:
		event.Reason = transport.ReasonClosedClean
	default:
		event.Reason = transport.ReasonNetworkError
		event.Err = err
	}

	select {
	case a.disconnect <- event:
	default:
	}
}
