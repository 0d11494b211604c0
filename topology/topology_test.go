package topology

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/risa-org/hacore/retry"
	"github.com/risa-org/hacore/wire"
)

func mustParse(t *testing.T, raw string) Connector {
	t.Helper()
	c, err := ParseConnector(raw)
	require.NoError(t, err)
	return c
}

func TestParseConnector(t *testing.T) {
	tests := []struct {
		raw  string
		want Connector
		err  bool
	}{
		{"tcp://10.0.0.1:5445", Connector{Scheme: "tcp", Address: "10.0.0.1:5445"}, false},
		{"10.0.0.1:5445", Connector{Scheme: "tcp", Address: "10.0.0.1:5445"}, false},
		{"ws://node-a:8080/ha", Connector{Scheme: "ws", Address: "node-a:8080", Path: "/ha"}, false},
		{"udp://10.0.0.1:5445", Connector{}, true},
		{"tcp://10.0.0.1", Connector{}, true},
	}
	for _, tt := range tests {
		got, err := ParseConnector(tt.raw)
		if tt.err {
			assert.Error(t, err, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got)
	}
}

func TestConnectorStringRoundTrips(t *testing.T) {
	for _, raw := range []string{"tcp://10.0.0.1:5445", "ws://node-a:8080/ha"} {
		assert.Equal(t, raw, mustParse(t, raw).String())
	}
	assert.Equal(t, "", Connector{}.String())
}

func TestDirectoryUpdateLastWriteWins(t *testing.T) {
	d := NewDirectory()
	live := mustParse(t, "tcp://a:1")
	b1 := mustParse(t, "tcp://b:1")
	b2 := mustParse(t, "tcp://b:2")

	d.Update("n1", NodeLocator{Live: live, Backup: &b1})
	d.Update("n1", NodeLocator{Live: live, Backup: &b2})

	got, ok := d.BackupFor("n1")
	require.True(t, ok)
	assert.Equal(t, b2, got)
	assert.Equal(t, 1, d.Size())
}

func TestDirectoryBackupForUnknownOrMissing(t *testing.T) {
	d := NewDirectory()
	_, ok := d.BackupFor("nope")
	assert.False(t, ok)

	d.Update("n1", NodeLocator{Live: mustParse(t, "tcp://a:1")})
	_, ok = d.BackupFor("n1")
	assert.False(t, ok)
}

func TestDirectorySnapshotIsACopy(t *testing.T) {
	d := NewDirectory()
	b := mustParse(t, "tcp://b:1")
	d.Update("n1", NodeLocator{Live: mustParse(t, "tcp://a:1"), Backup: &b})

	snap := d.Snapshot()
	snap["n1"].Backup.Address = "tampered:1"
	delete(snap, "n1")

	got, ok := d.BackupFor("n1")
	require.True(t, ok)
	assert.Equal(t, "b:1", got.Address)
}

func TestDirectoryPromote(t *testing.T) {
	d := NewDirectory()
	b := mustParse(t, "tcp://b:1")
	d.Update("n1", NodeLocator{Live: mustParse(t, "tcp://a:1"), Backup: &b})

	loc, ok := d.Promote("n1")
	require.True(t, ok)
	assert.Equal(t, b, loc.Live)
	assert.Nil(t, loc.Backup)

	live, _ := d.Live("n1")
	assert.Equal(t, b, live)

	_, ok = d.Promote("n1")
	assert.False(t, ok, "nothing left to promote")
}

func TestDirectoryApplyBroadcast(t *testing.T) {
	d := NewDirectory()
	require.NoError(t, d.Apply(wire.Topology{NodeID: "n1", Live: "tcp://a:1", Backup: "tcp://b:1"}))
	require.NoError(t, d.Apply(wire.Topology{NodeID: "n2", Live: "tcp://c:1"}))

	id, ok := d.NodeFor(mustParse(t, "tcp://a:1"))
	require.True(t, ok)
	assert.Equal(t, "n1", id)
	assert.Len(t, d.LiveConnectors(), 2)

	assert.Error(t, d.Apply(wire.Topology{Live: "tcp://a:1"}))
	assert.Error(t, d.Apply(wire.Topology{NodeID: "n3", Live: "bogus://x:1"}))
}

func TestWaitForSize(t *testing.T) {
	d := NewDirectory()
	go func() {
		time.Sleep(10 * time.Millisecond)
		d.Update("n1", NodeLocator{Live: Connector{Scheme: "tcp", Address: "a:1"}})
		d.Update("n2", NodeLocator{Live: Connector{Scheme: "tcp", Address: "b:1"}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.WaitForSize(ctx, 2))

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	assert.ErrorIs(t, d.WaitForSize(ctx2, 3), context.DeadlineExceeded)
}

func TestStaticResolverRoundRobin(t *testing.T) {
	a, b, c := mustParse(t, "tcp://a:1"), mustParse(t, "tcp://b:1"), mustParse(t, "tcp://c:1")
	r := NewStaticResolver([]Connector{a, b, c}, retry.Backoff{Attempts: 1})

	assert.Equal(t, []Connector{a, b, c}, r.Candidates())
	assert.Equal(t, []Connector{b, c, a}, r.Candidates())
	assert.Equal(t, []Connector{c, a, b}, r.Candidates())
}

func TestResolveInitialPicksFirstReachable(t *testing.T) {
	a, b := mustParse(t, "tcp://a:1"), mustParse(t, "tcp://b:1")
	r := NewStaticResolver([]Connector{a, b}, retry.Backoff{Interval: time.Millisecond, Attempts: 1})

	got, err := r.ResolveInitial(context.Background(), func(_ context.Context, c Connector) error {
		if c == a {
			return errors.New("refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func TestResolveInitialGivesUpAfterAttempts(t *testing.T) {
	a := mustParse(t, "tcp://a:1")
	r := NewStaticResolver([]Connector{a}, retry.Backoff{Interval: time.Millisecond, Attempts: 3})

	tries := 0
	_, err := r.ResolveInitial(context.Background(), func(context.Context, Connector) error {
		tries++
		return errors.New("refused")
	})
	assert.ErrorIs(t, err, ErrDiscovery)
	assert.Contains(t, err.Error(), "refused")
	assert.Equal(t, 3, tries)
}

func TestDynamicResolverUsesLearnedLives(t *testing.T) {
	d := NewDirectory()
	boot := mustParse(t, "tcp://boot:1")
	other := mustParse(t, "tcp://other:1")
	d.Update("n1", NodeLocator{Live: boot})
	d.Update("n2", NodeLocator{Live: other})

	r := NewDynamicResolver(boot, d, retry.Backoff{Attempts: 1})
	assert.Equal(t, []Connector{boot, other}, r.Candidates())
}
