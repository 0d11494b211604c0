package health

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/risa-org/hacore/metrics"
)

const (
	DefaultPeriod    = 5 * time.Second
	DefaultThreshold = 3
)

// Target is one address the monitor probes, with its debounced state.
type Target struct {
	Address   string
	Up        bool
	Failures  int // consecutive failed probes
	Successes int // consecutive successful probes
	LastCheck time.Time
}

// Monitor probes every target each period and debounces the results: a
// target goes down only after Threshold consecutive failures and comes back
// up only after Threshold consecutive successes. Targets start up.
type Monitor struct {
	Period    time.Duration
	Threshold int
	Clock     clock.Clock
	Logger    *zap.Logger
	Metrics   *metrics.Metrics

	prober Prober

	mu       sync.Mutex
	targets  []*Target
	onChange []func(address string, up bool)
	changed  chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor for addresses. Call Open to start probing.
func NewMonitor(prober Prober, addresses ...string) *Monitor {
	m := &Monitor{
		Period:    DefaultPeriod,
		Threshold: DefaultThreshold,
		Clock:     clock.New(),
		Logger:    zap.NewNop(),
		prober:    prober,
		changed:   make(chan struct{}),
	}
	for _, addr := range addresses {
		m.Add(addr)
	}
	return m
}

// WithLogger sets the logger used by the monitor.
func (m *Monitor) WithLogger(log *zap.Logger) {
	m.Logger = log.With(zap.String("service", "health"))
}

// Add starts monitoring address. Adding a known address does nothing.
func (m *Monitor) Add(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.targets {
		if t.Address == address {
			return
		}
	}
	m.targets = append(m.targets, &Target{Address: address, Up: true})
	m.Metrics.HealthTarget(address, true)
}

// Remove stops monitoring address.
func (m *Monitor) Remove(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.targets {
		if t.Address == address {
			m.targets = append(m.targets[:i], m.targets[i+1:]...)
			m.notifyLocked()
			return
		}
	}
}

// OnChange registers fn to be called whenever a target's debounced state flips.
func (m *Monitor) OnChange(fn func(address string, up bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Targets returns a copy of every target's state.
func (m *Monitor) Targets() []Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Target, len(m.targets))
	for i, t := range m.targets {
		out[i] = *t
	}
	return out
}

// Up returns the debounced state of address. Unknown addresses are down.
func (m *Monitor) Up(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.targets {
		if t.Address == address {
			return t.Up
		}
	}
	return false
}

// Isolated reports whether every target is down. With no targets
// configured the monitor never reports isolation.
func (m *Monitor) Isolated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isolatedLocked()
}

func (m *Monitor) isolatedLocked() bool {
	if len(m.targets) == 0 {
		return false
	}
	for _, t := range m.targets {
		if t.Up {
			return false
		}
	}
	return true
}

// WaitUp blocks until the monitor no longer reports isolation.
func (m *Monitor) WaitUp(ctx context.Context) error {
	for {
		m.mu.Lock()
		isolated, ch := m.isolatedLocked(), m.changed
		m.mu.Unlock()
		if !isolated {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// ProbeOnce probes every target once and records the results.
func (m *Monitor) ProbeOnce(ctx context.Context) {
	for _, t := range m.Targets() {
		ok := m.prober.Check(ctx, t.Address)
		if ctx.Err() != nil {
			return
		}
		m.Record(t.Address, ok)
	}
}

// Record feeds one probe result for address into the debounce counters.
func (m *Monitor) Record(address string, ok bool) {
	m.mu.Lock()
	var target *Target
	for _, t := range m.targets {
		if t.Address == address {
			target = t
			break
		}
	}
	if target == nil {
		m.mu.Unlock()
		return
	}

	target.LastCheck = m.Clock.Now()
	if ok {
		target.Successes++
		target.Failures = 0
	} else {
		target.Failures++
		target.Successes = 0
	}

	flipped := false
	switch {
	case target.Up && target.Failures >= m.threshold():
		target.Up = false
		flipped = true
	case !target.Up && target.Successes >= m.threshold():
		target.Up = true
		flipped = true
	}
	if !flipped {
		m.mu.Unlock()
		return
	}

	up := target.Up
	callbacks := append([]func(string, bool){}, m.onChange...)
	m.notifyLocked()
	m.mu.Unlock()

	m.Metrics.HealthTarget(address, up)
	if up {
		m.Logger.Info("Health target up", zap.String("address", address))
	} else {
		m.Logger.Warn("Health target down", zap.String("address", address), zap.Int("failures", m.threshold()))
	}
	for _, fn := range callbacks {
		fn(address, up)
	}
}

func (m *Monitor) threshold() int {
	if m.Threshold < 1 {
		return 1
	}
	return m.Threshold
}

// Open starts probing every Period until Close.
func (m *Monitor) Open() {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()
}

func (m *Monitor) run(ctx context.Context) {
	ticker := m.Clock.Ticker(m.Period)
	defer ticker.Stop()

	m.Logger.Info("Starting health monitor", zap.Duration("period", m.Period), zap.Int("threshold", m.threshold()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeOnce(ctx)
		}
	}
}

// Close stops probing and waits for the probe loop to exit.
func (m *Monitor) Close() error {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		m.wg.Wait()
	}
	return nil
}

func (m *Monitor) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}
