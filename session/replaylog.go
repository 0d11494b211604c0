package session

import (
	"errors"
	"fmt"

	"github.com/risa-org/hacore/transport"
)

var (
	// ErrWindowFull is returned when the confirmation window has no free slot
	// and the caller asked not to wait.
	ErrWindowFull = errors.New("confirmation window full")

	errOutOfOrder = errors.New("replay log: sequence out of order")
)

// Command is a sequenced command held until the node confirms it.
type Command struct {
	Seq     uint64
	Type    transport.PacketType
	Payload []byte

	credits int64 // producer window bytes returned on confirmation
}

// Packet builds the packet that carries c on the given channel.
func (c Command) Packet(channel uint64) transport.Packet {
	return transport.Packet{Type: c.Type, Channel: channel, Seq: c.Seq, Payload: c.Payload}
}

// ReplayLog holds sent-but-unconfirmed commands in ascending sequence order
// with no gaps. Nothing is ever evicted: entries leave only by confirmation.
// limit bounds the number of entries; -1 means unbounded.
//
// ReplayLog is not safe for concurrent use; Session guards it.
type ReplayLog struct {
	entries []Command
	limit   int
}

// NewReplayLog creates an empty log holding at most limit entries.
func NewReplayLog(limit int) *ReplayLog {
	capacity := limit
	if capacity < 0 || capacity > 1024 {
		capacity = 64
	}
	return &ReplayLog{
		entries: make([]Command, 0, capacity),
		limit:   limit,
	}
}

// Len returns the number of unconfirmed commands.
func (l *ReplayLog) Len() int {
	return len(l.entries)
}

// Full reports whether another Append would exceed the window.
func (l *ReplayLog) Full() bool {
	return l.limit >= 0 && len(l.entries) >= l.limit
}

// Append adds a command. Its sequence must directly follow the newest entry.
func (l *ReplayLog) Append(c Command) error {
	if l.Full() {
		return ErrWindowFull
	}
	if n := len(l.entries); n > 0 && c.Seq != l.entries[n-1].Seq+1 {
		return fmt.Errorf("%w: got %d after %d", errOutOfOrder, c.Seq, l.entries[n-1].Seq)
	}
	// copy payload to avoid retaining references to caller's buffer
	p := make([]byte, len(c.Payload))
	copy(p, c.Payload)
	c.Payload = p
	l.entries = append(l.entries, c)
	return nil
}

// Confirm removes every entry with a sequence at or below upTo and returns
// the removed entries. Confirming something already gone is a no-op.
func (l *ReplayLog) Confirm(upTo uint64) []Command {
	n := 0
	for n < len(l.entries) && l.entries[n].Seq <= upTo {
		n++
	}
	if n == 0 {
		return nil
	}
	removed := make([]Command, n)
	copy(removed, l.entries[:n])

	// shift down rather than reslice so the backing array doesn't grow forever
	rest := copy(l.entries, l.entries[n:])
	for i := rest; i < len(l.entries); i++ {
		l.entries[i] = Command{}
	}
	l.entries = l.entries[:rest]
	return removed
}

// Since returns a copy of every entry with a sequence above fromSeq, oldest first.
func (l *ReplayLog) Since(fromSeq uint64) []Command {
	var result []Command
	for _, c := range l.entries {
		if c.Seq > fromSeq {
			result = append(result, c)
		}
	}
	return result
}

// Oldest returns the lowest pending sequence, or 0 if the log is empty.
func (l *ReplayLog) Oldest() uint64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[0].Seq
}

// Newest returns the highest pending sequence, or 0 if the log is empty.
func (l *ReplayLog) Newest() uint64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Seq
}
