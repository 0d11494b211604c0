package transport

import "errors"

// ErrTransportClosed is returned when you try to send on a closed transport.
// Named errors like this let callers check the exact cause with errors.Is()
// instead of comparing raw strings.
var ErrTransportClosed = errors.New("transport closed")

// PacketType identifies what a packet carries. The transport never looks at
// it; the client and the node dispatch on it.
type PacketType uint8

const (
	TypeHello                 PacketType = iota + 1 // client opens a connection
	TypeHelloResponse                               // node answers with its node id
	TypePing                                        // liveness probe
	TypePong                                        // liveness answer
	TypeCreateSession                               // correlated by Seq
	TypeCreateSessionResponse                       // correlated by Seq
	TypeReattachSession                             // correlated by Seq, sent after failover
	TypeReattachResponse                            // correlated by Seq
	TypeCloseSession                                // best effort, no response
	TypeSend                                        // sequenced command: producer send
	TypeAcknowledge                                 // sequenced command: consumer acknowledgement
	TypeCommit                                      // sequenced command: commit pending acks/sends
	TypeConfirmation                                // Seq is the cumulative sequence confirmed
	TypeDeliver                                     // node pushes a message to a session
	TypeTopology                                    // node-id, live and backup connectors
	TypeDisconnect                                  // node is going away, fail over now
)

var typeNames = map[PacketType]string{
	TypeHello:                 "hello",
	TypeHelloResponse:         "hello-response",
	TypePing:                  "ping",
	TypePong:                  "pong",
	TypeCreateSession:         "create-session",
	TypeCreateSessionResponse: "create-session-response",
	TypeReattachSession:       "reattach-session",
	TypeReattachResponse:      "reattach-response",
	TypeCloseSession:          "close-session",
	TypeSend:                  "send",
	TypeAcknowledge:           "acknowledge",
	TypeCommit:                "commit",
	TypeConfirmation:          "confirmation",
	TypeDeliver:               "deliver",
	TypeTopology:              "topology",
	TypeDisconnect:            "disconnect",
}

func (t PacketType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Sequenced reports whether packets of this type consume a session sequence
// number and therefore sit in the replay log until confirmed.
func (t PacketType) Sequenced() bool {
	switch t {
	case TypeSend, TypeAcknowledge, TypeCommit:
		return true
	}
	return false
}

// Packet is what flows through a transport.
// Channel 0 is the connection itself; every session gets its own channel.
// Seq is the session sequence for sequenced commands, the cumulative
// sequence for confirmations, and a correlation id for request/response pairs.
type Packet struct {
	Type    PacketType
	Channel uint64
	Seq     uint64
	Payload []byte // raw bytes, the transport doesn't care what's in here
}

// DisconnectReason tells the session layer why a transport closed.
type DisconnectReason int

const (
	ReasonUnknown      DisconnectReason = iota // catch-all, should be rare
	ReasonNetworkError                         // underlying connection failed
	ReasonTimeout                              // no activity within deadline
	ReasonClosedClean                          // graceful shutdown by either side
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNetworkError:
		return "network_error"
	case ReasonTimeout:
		return "timeout"
	case ReasonClosedClean:
		return "closed_clean"
	default:
		return "unknown"
	}
}

// DisconnectEvent is sent on the channel returned by Disconnected().
type DisconnectEvent struct {
	Reason DisconnectReason
	Err    error // nil on clean close, populated on errors
}

// Adapter is the contract every transport must satisfy.
// The client and the node only ever talk to this interface;
// they never import tcp, websocket, or anything concrete.
type Adapter interface {
	// Send delivers a packet to the remote side.
	// Returns ErrTransportClosed if the transport is no longer active.
	// The transport guarantees reliable, ordered delivery per connection.
	Send(p Packet) error

	// Receive returns a channel that emits incoming packets.
	// The channel is closed when the transport closes.
	Receive() <-chan Packet

	// Disconnected returns a channel that emits exactly one DisconnectEvent
	// when the transport closes, for any reason.
	Disconnected() <-chan DisconnectEvent

	// RemoteAddr describes the peer, for logs.
	RemoteAddr() string

	// Close shuts down the transport cleanly.
	// Safe to call multiple times; subsequent calls are no-ops.
	Close() error
}
