package client_test

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/risa-org/hacore/client"
	"github.com/risa-org/hacore/config"
	"github.com/risa-org/hacore/failover"
	"github.com/risa-org/hacore/health"
	"github.com/risa-org/hacore/interceptor"
	"github.com/risa-org/hacore/server"
	"github.com/risa-org/hacore/session"
	"github.com/risa-org/hacore/store/memory"
	"github.com/risa-org/hacore/topology"
	"github.com/risa-org/hacore/transport"
	"github.com/risa-org/hacore/transport/tcp"
)

const (
	liveAddr   = "tcp://live:5445"
	backupAddr = "tcp://backup:5445"
)

// journal records the commands applied per session, in order.
type journal struct {
	mu      sync.Mutex
	applied map[string][]uint64
}

func (j *journal) Apply(sessionID string, cmd server.Command) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.applied == nil {
		j.applied = make(map[string][]uint64)
	}
	j.applied[sessionID] = append(j.applied[sessionID], cmd.Seq)
	return nil
}

func (j *journal) seqs(id string) []uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]uint64(nil), j.applied[id]...)
}

// cluster is a live node and its passive backup sharing one session store,
// reached through in-memory pipes.
type cluster struct {
	live, backup *server.Node
	store        *memory.Store
	journal      *journal
	dials        atomic.Int64
}

func newCluster(t *testing.T, withBackup bool, liveChain *interceptor.Chain) *cluster {
	t.Helper()
	c := &cluster{journal: &journal{}, store: memory.New()}
	store := c.store

	backup := ""
	if withBackup {
		backup = backupAddr
	}
	var err error
	c.live, err = server.New(server.Config{
		NodeID:       "node-1",
		Live:         liveAddr,
		Backup:       backup,
		Active:       true,
		Store:        store,
		Applier:      c.journal,
		Interceptors: liveChain,
		Logger:       zaptest.NewLogger(t).Named("live"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.live.Close() })

	if withBackup {
		c.backup, err = server.New(server.Config{
			NodeID:  "node-1",
			Live:    backupAddr,
			Active:  false,
			Store:   store,
			Applier: c.journal,
			Logger:  zaptest.NewLogger(t).Named("backup"),
		})
		require.NoError(t, err)
		t.Cleanup(func() { c.backup.Close() })
	}
	return c
}

func (c *cluster) dial(_ context.Context, conn topology.Connector) (transport.Adapter, error) {
	c.dials.Add(1)
	var n *server.Node
	switch conn.String() {
	case liveAddr:
		n = c.live
	case backupAddr:
		n = c.backup
	}
	if n == nil {
		return nil, errors.New("connection refused")
	}
	srv, cli := net.Pipe()
	n.ServeAdapter(tcp.New(srv))
	return tcp.New(cli), nil
}

// failover crashes the live and activates the backup.
func (c *cluster) failover() {
	c.live.Crash()
	c.backup.Activate()
}

func testConfig() config.Config {
	cfg := config.NewConfig()
	cfg.Connectors = []string{liveAddr}
	cfg.ReconnectAttempts = config.Unbounded
	cfg.RetryInterval = config.Duration(5 * time.Millisecond)
	cfg.MaxRetryInterval = config.Duration(20 * time.Millisecond)
	cfg.RetryIntervalMultiplier = 2
	cfg.CallTimeout = config.Duration(2 * time.Second)
	return cfg
}

type transitions struct {
	mu   sync.Mutex
	seen []failover.Transition
}

func (tr *transitions) record(t failover.Transition) {
	tr.mu.Lock()
	tr.seen = append(tr.seen, t)
	tr.mu.Unlock()
}

// states returns the distinct state path, collapsing repeated RECONNECTING.
func (tr *transitions) states() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var out []string
	for i, t := range tr.seen {
		if i == 0 {
			out = append(out, t.From.String())
		}
		if s := t.To.String(); out[len(out)-1] != s {
			out = append(out, s)
		}
	}
	return out
}

func (tr *transitions) last() (failover.Transition, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.seen) == 0 {
		return failover.Transition{}, false
	}
	return tr.seen[len(tr.seen)-1], true
}

func newLocator(t *testing.T, cfg config.Config, c *cluster, opts ...client.Option) (*client.Locator, *transitions) {
	t.Helper()
	opts = append([]client.Option{
		client.WithLogger(zaptest.NewLogger(t)),
		client.WithDialer(c.dial),
	}, opts...)
	l, err := client.NewLocator(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	tr := &transitions{}
	l.Coordinator().OnTransition(tr.record)
	return l, tr
}

func ctxTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSendIsConfirmed(t *testing.T) {
	c := newCluster(t, true, nil)
	l, _ := newLocator(t, testConfig(), c)
	ctx := ctxTimeout(t)

	f, err := l.CreateSessionFactory(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node-1", f.NodeID())

	s, err := f.CreateSession(ctx, client.SessionConfig{AutoCommitSends: true})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		seq, err := s.Send(ctx, []byte("m"), true)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, uint64(3), s.LastConfirmed())
	assert.Equal(t, []uint64{1, 2, 3}, c.journal.seqs(s.ID()))
}

func TestTopologyLearnedOnConnect(t *testing.T) {
	c := newCluster(t, true, nil)
	l, _ := newLocator(t, testConfig(), c)
	ctx := ctxTimeout(t)

	_, err := l.CreateSessionFactory(ctx)
	require.NoError(t, err)
	require.NoError(t, l.WaitForTopology(ctx, 1))

	backup, ok := l.Directory().BackupFor("node-1")
	require.True(t, ok)
	assert.Equal(t, backupAddr, backup.String())
}

func TestInitialConnectFailsWithDiscoveryError(t *testing.T) {
	c := newCluster(t, false, nil)
	cfg := testConfig()
	cfg.Connectors = []string{"tcp://nowhere:5445"}
	cfg.InitialConnectAttempts = 3
	l, _ := newLocator(t, cfg, c)

	_, err := l.CreateSessionFactory(ctxTimeout(t))
	assert.ErrorIs(t, err, topology.ErrDiscovery)
	assert.Equal(t, int64(3), c.dials.Load())
}

func TestPassiveBackupRejectedOnInitialConnect(t *testing.T) {
	c := newCluster(t, true, nil)
	cfg := testConfig()
	cfg.Connectors = []string{backupAddr}
	l, _ := newLocator(t, cfg, c)

	_, err := l.CreateSessionFactory(ctxTimeout(t))
	require.Error(t, err)
	var connErr *client.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "hello", connErr.Op)
	assert.ErrorIs(t, err, client.ErrNodeInactive)
}

func TestFailoverReplaysPendingCommands(t *testing.T) {
	// the live stops confirming after seq 5 so 6..10 stay pending
	var stall atomic.Bool
	chain := interceptor.NewChain(interceptor.Func(func(p transport.Packet, dir interceptor.Direction, _ interceptor.Conn) interceptor.Verdict {
		if dir == interceptor.Inbound && p.Type == transport.TypeSend && stall.Load() {
			return interceptor.Drop
		}
		return interceptor.Continue
	}))
	c := newCluster(t, true, chain)
	cfg := testConfig()
	cfg.BlockOnDurableSend = false
	l, tr := newLocator(t, cfg, c)
	ctx := ctxTimeout(t)

	f, err := l.CreateSessionFactory(ctx)
	require.NoError(t, err)
	require.NoError(t, l.WaitForTopology(ctx, 1))
	s, err := f.CreateSession(ctx, client.SessionConfig{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.Send(ctx, []byte("m"), true)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return s.LastConfirmed() == 5 }, 2*time.Second, time.Millisecond)

	stall.Store(true)
	for i := 0; i < 5; i++ {
		_, err := s.Send(ctx, []byte("m"), true)
		require.NoError(t, err)
	}
	require.Equal(t, 5, s.Pending())
	oldConn := f.ConnectionID()

	c.failover()

	require.Eventually(t, func() bool { return s.LastConfirmed() == 10 && s.State() == session.StateActive },
		3*time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		_, err := s.Send(ctx, []byte("m"), true)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return s.LastConfirmed() == 15 }, 2*time.Second, time.Millisecond)

	want := make([]uint64, 15)
	for i := range want {
		want[i] = uint64(i + 1)
	}
	assert.Equal(t, want, c.journal.seqs(s.ID()), "every command applied exactly once, in order")
	require.Eventually(t, func() bool { return len(tr.states()) == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"STABLE", "DETECTING", "RECONNECTING", "STABLE"}, tr.states())
	assert.Equal(t, 1, s.ReattachCount())
	assert.NotEqual(t, oldConn, f.ConnectionID())

	live, _ := l.Directory().Live("node-1")
	assert.Equal(t, backupAddr, live.String(), "backup promoted")

	state, ok := l.Coordinator().State(f.ConnectionID())
	require.True(t, ok)
	assert.Equal(t, failover.StateStable, state)
}

func TestSendsWaitDuringFailover(t *testing.T) {
	c := newCluster(t, true, nil)
	l, _ := newLocator(t, testConfig(), c)
	ctx := ctxTimeout(t)

	f, err := l.CreateSessionFactory(ctx)
	require.NoError(t, err)
	require.NoError(t, l.WaitForTopology(ctx, 1))
	s, err := f.CreateSession(ctx, client.SessionConfig{})
	require.NoError(t, err)
	_, err = s.Send(ctx, []byte("before"), true)
	require.NoError(t, err)

	// the backup comes up only after the live has been gone for a while
	c.live.Crash()
	done := make(chan error, 1)
	go func() {
		_, err := s.Send(ctx, []byte("during"), true)
		done <- err
	}()
	time.Sleep(30 * time.Millisecond)
	c.backup.Activate()

	require.NoError(t, <-done)
	assert.Equal(t, []uint64{1, 2}, c.journal.seqs(s.ID()))
}

func TestReconnectAttemptsExhausted(t *testing.T) {
	c := newCluster(t, true, nil)
	cfg := testConfig()
	cfg.ReconnectAttempts = 3
	l, tr := newLocator(t, cfg, c)
	ctx := ctxTimeout(t)

	f, err := l.CreateSessionFactory(ctx)
	require.NoError(t, err)
	require.NoError(t, l.WaitForTopology(ctx, 1))
	s, err := f.CreateSession(ctx, client.SessionConfig{})
	require.NoError(t, err)

	dialsBefore := c.dials.Load()
	c.live.Crash() // backup never activates

	require.Eventually(t, func() bool { return s.State() == session.StateFailed }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(3), c.dials.Load()-dialsBefore)

	_, err = s.Send(ctx, []byte("m"), true)
	assert.ErrorIs(t, err, session.ErrNotConnected)
	assert.ErrorIs(t, err, failover.ErrFailed)
	assert.ErrorIs(t, f.Err(), failover.ErrFailed)

	last, ok := tr.last()
	require.True(t, ok)
	assert.Equal(t, failover.StateFailed, last.To)

	_, err = f.CreateSession(ctx, client.SessionConfig{})
	assert.ErrorIs(t, err, session.ErrNotConnected)
}

func TestNoBackupFailsSessions(t *testing.T) {
	c := newCluster(t, false, nil)
	l, tr := newLocator(t, testConfig(), c)
	ctx := ctxTimeout(t)

	f, err := l.CreateSessionFactory(ctx)
	require.NoError(t, err)
	require.NoError(t, l.WaitForTopology(ctx, 1))
	s, err := f.CreateSession(ctx, client.SessionConfig{})
	require.NoError(t, err)

	c.live.Crash()

	require.Eventually(t, func() bool { return s.State() == session.StateFailed }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.Err(), failover.ErrNoBackup)
	assert.Equal(t, []string{"STABLE", "DETECTING", "FAILED"}, tr.states())
}

func TestGracefulShutdownTriggersFailover(t *testing.T) {
	c := newCluster(t, true, nil)
	l, tr := newLocator(t, testConfig(), c)
	ctx := ctxTimeout(t)

	f, err := l.CreateSessionFactory(ctx)
	require.NoError(t, err)
	require.NoError(t, l.WaitForTopology(ctx, 1))
	s, err := f.CreateSession(ctx, client.SessionConfig{})
	require.NoError(t, err)

	c.backup.Activate()
	go c.live.Close()

	require.Eventually(t, func() bool { return s.ReattachCount() == 1 && s.State() == session.StateActive },
		3*time.Second, 5*time.Millisecond)
	tr.mu.Lock()
	cause := tr.seen[0].Cause
	tr.mu.Unlock()
	assert.Contains(t, []failover.Cause{failover.CauseCrashSignal, failover.CauseChannelError}, cause)
}

func TestInboundDropHidesConfirmation(t *testing.T) {
	c := newCluster(t, true, nil)
	chain := interceptor.NewChain(interceptor.Func(func(p transport.Packet, dir interceptor.Direction, _ interceptor.Conn) interceptor.Verdict {
		if dir == interceptor.Inbound && p.Type == transport.TypeConfirmation {
			return interceptor.Drop
		}
		return interceptor.Continue
	}))
	cfg := testConfig()
	cfg.BlockOnDurableSend = false
	l, _ := newLocator(t, cfg, c, client.WithInterceptors(chain))
	ctx := ctxTimeout(t)

	f, err := l.CreateSessionFactory(ctx)
	require.NoError(t, err)
	s, err := f.CreateSession(ctx, client.SessionConfig{})
	require.NoError(t, err)

	_, err = s.Send(ctx, []byte("m"), true)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.journal.seqs(s.ID())) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, s.Pending())
	assert.Equal(t, uint64(0), s.LastConfirmed())
}

func TestWindowBlocksUntilConfirmed(t *testing.T) {
	var hold atomic.Bool
	hold.Store(true)
	chain := interceptor.NewChain(interceptor.Func(func(p transport.Packet, dir interceptor.Direction, _ interceptor.Conn) interceptor.Verdict {
		if dir == interceptor.Inbound && p.Type == transport.TypeConfirmation && hold.Load() {
			return interceptor.Drop
		}
		return interceptor.Continue
	}))
	c := newCluster(t, true, nil)
	cfg := testConfig()
	cfg.BlockOnDurableSend = false
	cfg.ConfirmationWindowSize = 2
	l, _ := newLocator(t, cfg, c, client.WithInterceptors(chain))
	ctx := ctxTimeout(t)

	f, err := l.CreateSessionFactory(ctx)
	require.NoError(t, err)
	s, err := f.CreateSession(ctx, client.SessionConfig{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := s.Send(ctx, []byte("m"), true)
		require.NoError(t, err)
	}

	done := make(chan uint64, 1)
	go func() {
		seq, _ := s.Send(ctx, []byte("third"), true)
		done <- seq
	}()

	select {
	case <-done:
		t.Fatal("third send went through a full window")
	case <-time.After(30 * time.Millisecond):
	}

	hold.Store(false)
	s.Confirm(1)
	assert.Equal(t, uint64(3), <-done)
}

func TestSuppressedWhileIsolated(t *testing.T) {
	c := newCluster(t, true, nil)
	var reachable atomic.Bool
	prober := health.ProberFunc(func(context.Context, string) bool { return reachable.Load() })

	cfg := testConfig()
	cfg.Health.Addresses = []string{"10.0.0.254:53"}
	cfg.Health.FailureThreshold = 1
	cfg.Health.Period = config.Duration(time.Hour)
	l, tr := newLocator(t, cfg, c, client.WithProber(prober))
	ctx := ctxTimeout(t)

	f, err := l.CreateSessionFactory(ctx)
	require.NoError(t, err)
	require.NoError(t, l.WaitForTopology(ctx, 1))
	s, err := f.CreateSession(ctx, client.SessionConfig{})
	require.NoError(t, err)

	l.Health().ProbeOnce(ctx)
	require.True(t, l.Health().Isolated())

	c.failover()
	require.Eventually(t, func() bool { return s.State() == session.StateDegraded }, 2*time.Second, 5*time.Millisecond)

	_, err = s.Send(ctx, []byte("m"), true)
	assert.ErrorIs(t, err, session.ErrDegraded)
	require.Eventually(t, func() bool { return len(tr.states()) == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"STABLE", "DETECTING", "SUPPRESSED", "STABLE"}, tr.states())

	reachable.Store(true)
	l.Health().ProbeOnce(ctx)

	require.Eventually(t, func() bool { return s.State() == session.StateActive }, 3*time.Second, 5*time.Millisecond)
	_, err = s.Send(ctx, []byte("m"), true)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, c.journal.seqs(s.ID()))
}

func TestCloseReleasesWaiters(t *testing.T) {
	c := newCluster(t, true, nil)
	l, _ := newLocator(t, testConfig(), c)
	ctx := ctxTimeout(t)

	f, err := l.CreateSessionFactory(ctx)
	require.NoError(t, err)
	s, err := f.CreateSession(ctx, client.SessionConfig{})
	require.NoError(t, err)

	// live gone and no backup up: the send waits in the suspended session
	c.live.Crash()
	done := make(chan error, 1)
	go func() {
		_, err := s.Send(ctx, []byte("m"), true)
		done <- err
	}()
	require.Eventually(t, func() bool { return s.State() == session.StateSuspended }, time.Second, time.Millisecond)

	require.NoError(t, l.Close())
	assert.ErrorIs(t, <-done, session.ErrSessionClosed)
	assert.Equal(t, 0, f.Sessions())

	_, err = l.CreateSessionFactory(ctx)
	assert.ErrorIs(t, err, client.ErrFactoryClosed)
}

func TestWebSocketConnector(t *testing.T) {
	n, err := server.New(server.Config{NodeID: "ws-node", Active: true, Store: memory.New(), Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	srv := httptest.NewServer(n.WebSocketHandler())
	t.Cleanup(srv.Close)

	cfg := config.NewConfig()
	cfg.Connectors = []string{"ws" + strings.TrimPrefix(srv.URL, "http") + "/"}
	l, err := client.NewLocator(cfg, client.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	ctx := ctxTimeout(t)
	f, err := l.CreateSessionFactory(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ws-node", f.NodeID())

	s, err := f.CreateSession(ctx, client.SessionConfig{})
	require.NoError(t, err)
	_, err = s.Send(ctx, []byte("over websocket"), true)
	require.NoError(t, err)
}

func TestUnsupportedScheme(t *testing.T) {
	dial := client.DefaultDialer(time.Second)
	_, err := dial(context.Background(), topology.Connector{Scheme: "udp", Address: "x:1"})
	assert.ErrorIs(t, err, client.ErrUnsupportedScheme)
}

// closeAfterHello closes the transport as soon as the hello response has
// been handed to the client.
type closeAfterHello struct {
	transport.Adapter
	out    chan transport.Packet
	closed chan struct{}
}

func newCloseAfterHello(a transport.Adapter) *closeAfterHello {
	c := &closeAfterHello{Adapter: a, out: make(chan transport.Packet), closed: make(chan struct{})}
	go func() {
		defer close(c.out)
		for p := range a.Receive() {
			c.out <- p
			if p.Type == transport.TypeHelloResponse {
				a.Close()
				close(c.closed)
			}
		}
	}()
	return c
}

func (c *closeAfterHello) Receive() <-chan transport.Packet { return c.out }

func TestConnectionLostBeforeRegistrationRecovers(t *testing.T) {
	for i := 0; i < 10; i++ {
		c := newCluster(t, true, nil)
		c.backup.Activate()

		var first atomic.Pointer[closeAfterHello]
		dial := func(ctx context.Context, conn topology.Connector) (transport.Adapter, error) {
			a, err := c.dial(ctx, conn)
			if err != nil {
				return nil, err
			}
			if first.Load() != nil {
				return a, nil
			}
			w := newCloseAfterHello(a)
			first.Store(w)
			return w, nil
		}

		cfg := testConfig()
		cfg.InitialConnectAttempts = 3
		l, _ := newLocator(t, cfg, c, client.WithDialer(dial))
		live, err := topology.ParseConnector(liveAddr)
		require.NoError(t, err)
		backup, err := topology.ParseConnector(backupAddr)
		require.NoError(t, err)
		l.Directory().Update("node-1", topology.NodeLocator{Live: live, Backup: &backup})
		ctx := ctxTimeout(t)

		f, err := l.CreateSessionFactory(ctx)
		require.NoError(t, err)
		<-first.Load().closed

		require.Eventually(t, func() bool {
			conn := f.Connection()
			return conn != nil && conn.Alive()
		}, 2*time.Second, 5*time.Millisecond)
		require.NoError(t, f.Err())

		s, err := f.CreateSession(ctx, client.SessionConfig{AutoCommitSends: true})
		require.NoError(t, err)
		_, err = s.Send(ctx, []byte("m"), true)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), s.LastConfirmed())
	}
}

func TestSessionClosedDuringFailoverIsClosedOnBackup(t *testing.T) {
	c := newCluster(t, true, nil)
	l, _ := newLocator(t, testConfig(), c)
	ctx := ctxTimeout(t)

	f, err := l.CreateSessionFactory(ctx)
	require.NoError(t, err)
	require.NoError(t, l.WaitForTopology(ctx, 1))
	kept, err := f.CreateSession(ctx, client.SessionConfig{AutoCommitSends: true})
	require.NoError(t, err)
	closed, err := f.CreateSession(ctx, client.SessionConfig{AutoCommitSends: true})
	require.NoError(t, err)
	require.Equal(t, 2, c.store.Count())

	c.live.Crash() // the backup stays passive for now
	require.Eventually(t, func() bool { return closed.State() == session.StateSuspended }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, closed.Close())
	assert.True(t, closed.ClosePending())

	c.backup.Activate()
	_, err = kept.Send(ctx, []byte("m"), true)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.store.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.Sessions())
}
