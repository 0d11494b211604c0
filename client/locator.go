// Package client is the connecting side: a Locator finds a node, and each
// Factory it creates owns one connection and the sessions multiplexed over
// it, reconnecting them to the node's backup when the connection is lost.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/risa-org/hacore/config"
	"github.com/risa-org/hacore/failover"
	"github.com/risa-org/hacore/health"
	"github.com/risa-org/hacore/interceptor"
	"github.com/risa-org/hacore/metrics"
	"github.com/risa-org/hacore/retry"
	"github.com/risa-org/hacore/topology"
)

// Option configures a Locator.
type Option func(*Locator)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Locator) { l.logger = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Locator) { l.metrics = m }
}

// WithClock sets the clock driving pings, TTL, retries and health probes.
func WithClock(c clock.Clock) Option {
	return func(l *Locator) { l.clock = c }
}

// WithInterceptors sets the chain run on every packet of every connection.
func WithInterceptors(c *interceptor.Chain) Option {
	return func(l *Locator) { l.interceptors = c }
}

// WithDialer replaces the tcp/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(l *Locator) { l.dialer = d }
}

// WithProber replaces the network reachability probe used for the
// configured health addresses.
func WithProber(p health.Prober) Option {
	return func(l *Locator) { l.prober = p }
}

// Locator is the entry point for clients. It owns the topology directory,
// the failover coordinator and the health monitor shared by its factories.
type Locator struct {
	cfg          config.Config
	logger       *zap.Logger
	metrics      *metrics.Metrics
	clock        clock.Clock
	interceptors *interceptor.Chain
	dialer       Dialer
	prober       health.Prober

	dir         *topology.Directory
	resolver    *topology.Resolver
	coordinator *failover.Coordinator
	health      *health.Monitor

	mu        sync.Mutex
	factories map[*Factory]struct{}
	closed    bool
}

// NewLocator validates cfg and builds a locator. Health probing starts
// immediately when health addresses are configured.
func NewLocator(cfg config.Config, opts ...Option) (*Locator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Locator{
		cfg:       cfg,
		logger:    zap.NewNop(),
		clock:     clock.New(),
		factories: make(map[*Factory]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.dialer == nil {
		l.dialer = DefaultDialer(time.Duration(cfg.CallTimeout))
	}

	l.dir = topology.NewDirectory()
	l.dir.WithLogger(l.logger)

	initial := retry.Backoff{
		Interval:    time.Duration(cfg.RetryInterval),
		Multiplier:  cfg.RetryIntervalMultiplier,
		MaxInterval: time.Duration(cfg.MaxRetryInterval),
		Attempts:    cfg.InitialConnectAttempts,
		Clock:       l.clock,
	}
	switch cfg.Discovery {
	case config.DiscoveryDynamic:
		bootstrap, err := topology.ParseConnector(cfg.BootstrapConnector)
		if err != nil {
			return nil, fmt.Errorf("bootstrap connector: %w", err)
		}
		l.resolver = topology.NewDynamicResolver(bootstrap, l.dir, initial)
	default:
		connectors, err := topology.ParseConnectors(cfg.Connectors)
		if err != nil {
			return nil, fmt.Errorf("connectors: %w", err)
		}
		l.resolver = topology.NewStaticResolver(connectors, initial)
	}
	l.resolver.WithLogger(l.logger)

	reconnect := initial
	reconnect.Attempts = cfg.ReconnectAttempts
	l.coordinator = failover.NewCoordinator(l.dir, reconnect)
	l.coordinator.WithLogger(l.logger)
	l.coordinator.Metrics = l.metrics

	if len(cfg.Health.Addresses) > 0 {
		prober := l.prober
		if prober == nil {
			prober = health.NewNetworkCheck(time.Duration(cfg.Health.Timeout), time.Duration(cfg.Health.RetryInterval))
		}
		m := health.NewMonitor(prober, cfg.Health.Addresses...)
		m.Period = time.Duration(cfg.Health.Period)
		m.Threshold = cfg.Health.FailureThreshold
		m.Clock = l.clock
		m.Metrics = l.metrics
		m.WithLogger(l.logger)
		m.Open()
		l.health = m
		l.coordinator.Health = m
	}
	return l, nil
}

// Directory returns the topology the locator has learned.
func (l *Locator) Directory() *topology.Directory { return l.dir }

// Coordinator returns the failover coordinator.
func (l *Locator) Coordinator() *failover.Coordinator { return l.coordinator }

// Health returns the health monitor, nil when no addresses are configured.
func (l *Locator) Health() *health.Monitor { return l.health }

// CreateSessionFactory resolves a node with the configured discovery,
// connects to it and registers the new factory for failover.
func (l *Locator) CreateSessionFactory(ctx context.Context) (*Factory, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrFactoryClosed
	}
	f := newFactory(l)
	l.factories[f] = struct{}{}
	l.mu.Unlock()

	_, err := l.resolver.ResolveInitial(ctx, func(ctx context.Context, c topology.Connector) error {
		conn, err := f.Connect(ctx, c)
		if err != nil {
			if errors.Is(err, ErrFactoryClosed) {
				return retry.Permanent(err)
			}
			return err
		}
		return f.install(conn)
	})
	if err != nil {
		f.Close()
		return nil, err
	}

	l.coordinator.Register(f)
	f.activate()
	return f, nil
}

// WaitForTopology blocks until n nodes are known.
func (l *Locator) WaitForTopology(ctx context.Context, n int) error {
	return l.dir.WaitForSize(ctx, n)
}

func (l *Locator) forget(f *Factory) {
	l.mu.Lock()
	delete(l.factories, f)
	l.mu.Unlock()
}

// Close closes every factory and stops health probing.
func (l *Locator) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	factories := make([]*Factory, 0, len(l.factories))
	for f := range l.factories {
		factories = append(factories, f)
	}
	l.mu.Unlock()

	var err error
	for _, f := range factories {
		err = multierr.Append(err, f.Close())
	}
	if l.health != nil {
		err = multierr.Append(err, l.health.Close())
	}
	return err
}
