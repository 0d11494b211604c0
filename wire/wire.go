// Package wire encodes the structured payloads carried inside transport
// packets. Every type implements msgp.Marshaler and msgp.Unmarshaler and is
// written as a MessagePack array so fields can only be appended, never
// reordered.
package wire

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

var (
	_ msgp.Marshaler   = (*Hello)(nil)
	_ msgp.Unmarshaler = (*Hello)(nil)
	_ msgp.Marshaler   = (*Topology)(nil)
	_ msgp.Unmarshaler = (*Topology)(nil)
)

// Hello is the node's answer to a connection opening.
type Hello struct {
	NodeID string
	Active bool // false while the node is a passive backup
}

// CreateSession asks the node to create a session on the packet's channel.
// LastConfirmed is non-zero when a client re-creates a session the node
// does not know after failover; the node starts sequencing after it.
type CreateSession struct {
	SessionID       string
	AutoCommitSends bool
	AutoCommitAcks  bool
	LastConfirmed   uint64
}

// Reattach asks the node to bind an existing session to the packet's channel
// after a reconnect. LastConfirmed is the highest sequence the client saw confirmed.
type Reattach struct {
	SessionID     string
	LastConfirmed uint64
}

// SessionResponse answers both CreateSession and Reattach.
// LastApplied is the highest sequence the node has applied for the session.
type SessionResponse struct {
	Accepted    bool
	LastApplied uint64
	Reason      string
}

// Topology is a broadcast of one node's connector pair.
// Backup is empty when the node has no backup.
type Topology struct {
	NodeID string
	Live   string
	Backup string
}

// Message is the body of a send command.
type Message struct {
	Durable bool
	Body    []byte
}

// Ack is the body of an acknowledge command.
type Ack struct {
	ConsumerID uint64
	MessageID  uint64
}

// Delivery is a message pushed by the node to a consumer session.
type Delivery struct {
	ConsumerID uint64
	MessageID  uint64
	Body       []byte
}

func readHeader(b []byte, want uint32, name string) ([]byte, error) {
	sz, o, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return b, err
	}
	if sz < want {
		return b, fmt.Errorf("wire: %s has %d fields, want %d", name, sz, want)
	}
	return o, nil
}

// MarshalMsg implements msgp.Marshaler.
func (h *Hello) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 2)
	o = msgp.AppendString(o, h.NodeID)
	o = msgp.AppendBool(o, h.Active)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler.
func (h *Hello) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = readHeader(b, 2, "hello"); err != nil {
		return b, err
	}
	if h.NodeID, o, err = msgp.ReadStringBytes(o); err != nil {
		return b, err
	}
	if h.Active, o, err = msgp.ReadBoolBytes(o); err != nil {
		return b, err
	}
	return o, nil
}

// MarshalMsg implements msgp.Marshaler.
func (c *CreateSession) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 4)
	o = msgp.AppendString(o, c.SessionID)
	o = msgp.AppendBool(o, c.AutoCommitSends)
	o = msgp.AppendBool(o, c.AutoCommitAcks)
	o = msgp.AppendUint64(o, c.LastConfirmed)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler.
func (c *CreateSession) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = readHeader(b, 4, "create-session"); err != nil {
		return b, err
	}
	if c.SessionID, o, err = msgp.ReadStringBytes(o); err != nil {
		return b, err
	}
	if c.AutoCommitSends, o, err = msgp.ReadBoolBytes(o); err != nil {
		return b, err
	}
	if c.AutoCommitAcks, o, err = msgp.ReadBoolBytes(o); err != nil {
		return b, err
	}
	if c.LastConfirmed, o, err = msgp.ReadUint64Bytes(o); err != nil {
		return b, err
	}
	return o, nil
}

// MarshalMsg implements msgp.Marshaler.
func (r *Reattach) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 2)
	o = msgp.AppendString(o, r.SessionID)
	o = msgp.AppendUint64(o, r.LastConfirmed)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler.
func (r *Reattach) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = readHeader(b, 2, "reattach"); err != nil {
		return b, err
	}
	if r.SessionID, o, err = msgp.ReadStringBytes(o); err != nil {
		return b, err
	}
	if r.LastConfirmed, o, err = msgp.ReadUint64Bytes(o); err != nil {
		return b, err
	}
	return o, nil
}

// MarshalMsg implements msgp.Marshaler.
func (r *SessionResponse) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 3)
	o = msgp.AppendBool(o, r.Accepted)
	o = msgp.AppendUint64(o, r.LastApplied)
	o = msgp.AppendString(o, r.Reason)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler.
func (r *SessionResponse) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = readHeader(b, 3, "session-response"); err != nil {
		return b, err
	}
	if r.Accepted, o, err = msgp.ReadBoolBytes(o); err != nil {
		return b, err
	}
	if r.LastApplied, o, err = msgp.ReadUint64Bytes(o); err != nil {
		return b, err
	}
	if r.Reason, o, err = msgp.ReadStringBytes(o); err != nil {
		return b, err
	}
	return o, nil
}

// MarshalMsg implements msgp.Marshaler.
func (t *Topology) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 3)
	o = msgp.AppendString(o, t.NodeID)
	o = msgp.AppendString(o, t.Live)
	o = msgp.AppendString(o, t.Backup)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler.
func (t *Topology) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = readHeader(b, 3, "topology"); err != nil {
		return b, err
	}
	if t.NodeID, o, err = msgp.ReadStringBytes(o); err != nil {
		return b, err
	}
	if t.Live, o, err = msgp.ReadStringBytes(o); err != nil {
		return b, err
	}
	if t.Backup, o, err = msgp.ReadStringBytes(o); err != nil {
		return b, err
	}
	return o, nil
}

// MarshalMsg implements msgp.Marshaler.
func (m *Message) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 2)
	o = msgp.AppendBool(o, m.Durable)
	o = msgp.AppendBytes(o, m.Body)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler.
func (m *Message) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = readHeader(b, 2, "message"); err != nil {
		return b, err
	}
	if m.Durable, o, err = msgp.ReadBoolBytes(o); err != nil {
		return b, err
	}
	if m.Body, o, err = msgp.ReadBytesBytes(o, nil); err != nil {
		return b, err
	}
	return o, nil
}

// MarshalMsg implements msgp.Marshaler.
func (a *Ack) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 2)
	o = msgp.AppendUint64(o, a.ConsumerID)
	o = msgp.AppendUint64(o, a.MessageID)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler.
func (a *Ack) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = readHeader(b, 2, "ack"); err != nil {
		return b, err
	}
	if a.ConsumerID, o, err = msgp.ReadUint64Bytes(o); err != nil {
		return b, err
	}
	if a.MessageID, o, err = msgp.ReadUint64Bytes(o); err != nil {
		return b, err
	}
	return o, nil
}

// MarshalMsg implements msgp.Marshaler.
func (d *Delivery) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 3)
	o = msgp.AppendUint64(o, d.ConsumerID)
	o = msgp.AppendUint64(o, d.MessageID)
	o = msgp.AppendBytes(o, d.Body)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler.
func (d *Delivery) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = readHeader(b, 3, "delivery"); err != nil {
		return b, err
	}
	if d.ConsumerID, o, err = msgp.ReadUint64Bytes(o); err != nil {
		return b, err
	}
	if d.MessageID, o, err = msgp.ReadUint64Bytes(o); err != nil {
		return b, err
	}
	if d.Body, o, err = msgp.ReadBytesBytes(o, nil); err != nil {
		return b, err
	}
	return o, nil
}

// Encode marshals v into a fresh buffer.
func Encode(v msgp.Marshaler) []byte {
	b, _ := v.MarshalMsg(nil)
	return b
}

// Decode unmarshals b into v, ignoring trailing bytes.
func Decode(b []byte, v msgp.Unmarshaler) error {
	_, err := v.UnmarshalMsg(b)
	return err
}
