package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/risa-org/hacore/transport"
)

// dialPair creates a connected client/server WebSocket pair
// using an in-process HTTP test server.
func dialPair(t *testing.T) (*Adapter, *Adapter) {
	t.Helper()

	serverCh := make(chan *Adapter, 1)
	srv := httptest.NewServer(Handler(func(a *Adapter) {
		serverCh <- a
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := Dial(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("client dial failed: %v", err)
	}

	return <-serverCh, client
}

func TestWebSocketSendAndReceive(t *testing.T) {
	server, client := dialPair(t)
	defer server.Close()
	defer client.Close()

	err := client.Send(transport.Packet{
		Type:    transport.TypeSend,
		Channel: 3,
		Seq:     1,
		Payload: []byte("hello over websocket"),
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case p := <-server.Receive():
		if p.Type != transport.TypeSend || p.Channel != 3 || p.Seq != 1 {
			t.Errorf("unexpected header %+v", p)
		}
		if string(p.Payload) != "hello over websocket" {
			t.Errorf("expected payload 'hello over websocket', got '%s'", p.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
}

func TestWebSocketMultiplePackets(t *testing.T) {
	server, client := dialPair(t)
	defer server.Close()
	defer client.Close()

	for i := uint64(1); i <= 5; i++ {
		if err := client.Send(transport.Packet{Type: transport.TypeSend, Seq: i, Payload: []byte("msg")}); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	for i := uint64(1); i <= 5; i++ {
		select {
		case p := <-server.Receive():
			if p.Seq != i {
				t.Errorf("expected Seq %d, got %d", i, p.Seq)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for packet %d", i)
		}
	}
}

func TestWebSocketDisconnectSignal(t *testing.T) {
	server, client := dialPair(t)
	defer server.Close()

	client.Close()

	select {
	case event := <-server.Disconnected():
		if event.Reason != transport.ReasonClosedClean {
			t.Errorf("expected ReasonClosedClean, got %v", event.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect signal")
	}
}

func TestWebSocketCloseIsIdempotent(t *testing.T) {
	server, client := dialPair(t)
	defer client.Close()
	defer server.Close()

	server.Close()
	server.Close()
	server.Close()
}

func TestWebSocketSendOnClosedReturnsError(t *testing.T) {
	server, client := dialPair(t)
	defer server.Close()

	client.Close()
	time.Sleep(50 * time.Millisecond)

	err := client.Send(transport.Packet{Type: transport.TypeSend, Seq: 1, Payload: []byte("test")})
	if err == nil {
		t.Error("expected error sending on closed connection, got nil")
	}
}
