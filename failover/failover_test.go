package failover_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/risa-org/hacore/failover"
	"github.com/risa-org/hacore/health"
	"github.com/risa-org/hacore/retry"
	"github.com/risa-org/hacore/topology"
)

var errRefused = errors.New("connection refused")

// fakeTarget fails the first failures reconnects.
type fakeTarget struct {
	mu        sync.Mutex
	failures  int
	attempts  int
	connected topology.Connector
	degraded  error
	failed    error
}

func (f *fakeTarget) ConnectionID() string { return "conn-1" }
func (f *fakeTarget) NodeID() string       { return "node-1" }

func (f *fakeTarget) Reconnect(_ context.Context, c topology.Connector) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failures < 0 || f.attempts <= f.failures {
		return errRefused
	}
	f.connected = c
	return nil
}

func (f *fakeTarget) Degrade(err error) { f.mu.Lock(); f.degraded = err; f.mu.Unlock() }
func (f *fakeTarget) Fail(err error)    { f.mu.Lock(); f.failed = err; f.mu.Unlock() }

func directory(t *testing.T, withBackup bool) *topology.Directory {
	t.Helper()
	live, err := topology.ParseConnector("tcp://10.0.0.1:5445")
	require.NoError(t, err)
	loc := topology.NodeLocator{Live: live}
	if withBackup {
		backup, err := topology.ParseConnector("tcp://10.0.0.2:5445")
		require.NoError(t, err)
		loc.Backup = &backup
	}
	d := topology.NewDirectory()
	d.Update("node-1", loc)
	return d
}

func coordinator(t *testing.T, dir *topology.Directory, attempts int) (*failover.Coordinator, *[]string) {
	t.Helper()
	c := failover.NewCoordinator(dir, retry.Backoff{Attempts: attempts})
	c.WithLogger(zaptest.NewLogger(t))

	var mu sync.Mutex
	var seen []string
	c.OnTransition(func(tr failover.Transition) {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) == 0 {
			seen = append(seen, tr.From.String())
		}
		seen = append(seen, tr.To.String())
	})
	return c, &seen
}

func event() failover.Event {
	return failover.Event{Cause: failover.CauseChannelError, ConnectionID: "conn-1", Err: errRefused}
}

func TestFailoverToBackup(t *testing.T) {
	dir := directory(t, true)
	c, seen := coordinator(t, dir, 3)
	target := &fakeTarget{}
	c.Register(target)

	require.NoError(t, c.Handle(context.Background(), event()))

	assert.Equal(t, []string{"STABLE", "DETECTING", "RECONNECTING", "STABLE"}, *seen)
	assert.Equal(t, "tcp://10.0.0.2:5445", target.connected.String())

	live, _ := dir.Live("node-1")
	assert.Equal(t, "tcp://10.0.0.2:5445", live.String(), "backup promoted")
	_, hasBackup := dir.BackupFor("node-1")
	assert.False(t, hasBackup)

	state, ok := c.State("conn-1")
	require.True(t, ok)
	assert.Equal(t, failover.StateStable, state)
}

func TestFailoverRetriesUntilSuccess(t *testing.T) {
	c, seen := coordinator(t, directory(t, true), retry.Unlimited)
	target := &fakeTarget{failures: 4}
	c.Register(target)

	require.NoError(t, c.Handle(context.Background(), event()))
	assert.Equal(t, 5, target.attempts)
	assert.Nil(t, target.failed)
	assert.Equal(t, "STABLE", (*seen)[len(*seen)-1])
}

func TestFailoverFailsAfterExactlyRAttempts(t *testing.T) {
	for _, r := range []int{1, 3, 5} {
		c, seen := coordinator(t, directory(t, true), r)
		target := &fakeTarget{failures: -1}
		c.Register(target)

		err := c.Handle(context.Background(), event())
		require.Error(t, err)
		assert.ErrorIs(t, err, failover.ErrFailed)
		assert.ErrorIs(t, err, retry.ErrExhausted)
		assert.ErrorIs(t, err, errRefused)

		assert.Equal(t, r, target.attempts)
		assert.ErrorIs(t, target.failed, failover.ErrFailed)
		assert.Equal(t, "FAILED", (*seen)[len(*seen)-1])

		// terminal
		assert.ErrorIs(t, c.Handle(context.Background(), event()), failover.ErrFailed)
		assert.Equal(t, r, target.attempts)
	}
}

func TestZeroReconnectAttemptsFailsImmediately(t *testing.T) {
	c, _ := coordinator(t, directory(t, true), 0)
	target := &fakeTarget{}
	c.Register(target)

	assert.ErrorIs(t, c.Handle(context.Background(), event()), failover.ErrFailed)
	assert.Equal(t, 0, target.attempts)
}

func TestUnlimitedRetriesStopOnCancel(t *testing.T) {
	c, _ := coordinator(t, directory(t, true), retry.Unlimited)
	target := &fakeTarget{failures: -1}
	c.Register(target)

	ctx, cancel := context.WithCancel(context.Background())
	c.OnTransition(func(tr failover.Transition) {
		if tr.Attempt == 10 {
			cancel()
		}
	})

	err := c.Handle(ctx, event())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 10, target.attempts)
}

func TestNoBackupFails(t *testing.T) {
	c, seen := coordinator(t, directory(t, false), retry.Unlimited)
	target := &fakeTarget{}
	c.Register(target)

	err := c.Handle(context.Background(), event())
	assert.ErrorIs(t, err, failover.ErrNoBackup)
	assert.ErrorIs(t, target.failed, failover.ErrNoBackup)
	assert.Equal(t, []string{"STABLE", "DETECTING", "FAILED"}, *seen)
	assert.Equal(t, 0, target.attempts)
}

func TestIsolationSuppressesFailover(t *testing.T) {
	dir := directory(t, true)
	c, seen := coordinator(t, dir, 3)

	monitor := health.NewMonitor(health.ProberFunc(func(context.Context, string) bool { return false }), "10.0.0.254:53")
	monitor.Threshold = 1
	monitor.ProbeOnce(context.Background())
	require.True(t, monitor.Isolated())
	c.Health = monitor

	target := &fakeTarget{}
	c.Register(target)

	err := c.Handle(context.Background(), event())
	assert.ErrorIs(t, err, failover.ErrFailoverSuppressed)
	assert.ErrorIs(t, target.degraded, failover.ErrFailoverSuppressed)
	assert.Equal(t, 0, target.attempts, "no backup switch while isolated")
	assert.Equal(t, []string{"STABLE", "DETECTING", "SUPPRESSED", "STABLE"}, *seen)

	live, _ := dir.Live("node-1")
	assert.Equal(t, "tcp://10.0.0.1:5445", live.String())

	// connectivity back: the retried event fails over
	monitor.Record("10.0.0.254:53", true)
	require.False(t, monitor.Isolated())
	require.NoError(t, c.Handle(context.Background(), event()))
	assert.Equal(t, 1, target.attempts)
}

func TestUnknownConnection(t *testing.T) {
	c, _ := coordinator(t, directory(t, true), 1)
	err := c.Handle(context.Background(), failover.Event{ConnectionID: "nope"})
	assert.ErrorIs(t, err, failover.ErrUnknownConnection)

	c.Register(&fakeTarget{})
	c.Unregister("conn-1")
	_, ok := c.State("conn-1")
	assert.False(t, ok)
}

func TestConcurrentEventsHandledOnce(t *testing.T) {
	c, _ := coordinator(t, directory(t, true), 1)
	block := make(chan struct{})
	target := &blockingTarget{fakeTarget: &fakeTarget{}, block: block, started: make(chan struct{})}
	c.Register(target)

	done := make(chan error, 1)
	go func() { done <- c.Handle(context.Background(), event()) }()
	<-target.started

	// second signal for the same loss is absorbed
	assert.ErrorIs(t, c.Handle(context.Background(), failover.Event{Cause: failover.CauseTTLExpired, ConnectionID: "conn-1"}), failover.ErrFailoverInProgress)
	close(block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, target.attempts)
}

type blockingTarget struct {
	*fakeTarget
	block   chan struct{}
	once    sync.Once
	started chan struct{}
}

func (b *blockingTarget) Reconnect(ctx context.Context, c topology.Connector) error {
	b.once.Do(func() { close(b.started) })
	<-b.block
	return b.fakeTarget.Reconnect(ctx, c)
}
