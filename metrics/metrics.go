// Package metrics holds the Prometheus collectors shared by the client,
// the failover coordinator, the health monitor and the node.
//
// Every method is safe on a nil *Metrics, so components can run without
// metrics wired.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hacore"

type Metrics struct {
	SessionsOpen       prometheus.Gauge
	PendingCommands    prometheus.Gauge
	ReplayedCommands   prometheus.Counter
	Confirmations      prometheus.Counter
	WindowWaits        prometheus.Counter
	FailoverTransition *prometheus.CounterVec
	ReconnectAttempts  *prometheus.CounterVec
	ConnectionsLost    *prometheus.CounterVec
	HealthTargetUp     *prometheus.GaugeVec
	InterceptorDrops   *prometheus.CounterVec
	DuplicateCommands  prometheus.Counter
	AppliedCommands    prometheus.Counter
}

// New creates an unregistered set of collectors.
func New() *Metrics {
	return &Metrics{
		SessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "sessions_open",
			Help:      "Number of client sessions currently open",
		}),
		PendingCommands: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "pending_commands",
			Help:      "Commands sent but not yet confirmed, across all sessions",
		}),
		ReplayedCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "replayed_commands_total",
			Help:      "Commands retransmitted after a reconnect",
		}),
		Confirmations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "confirmations_total",
			Help:      "Commands removed from replay logs by confirmation",
		}),
		WindowWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "window_waits_total",
			Help:      "Sends that had to wait for a confirmation window slot",
		}),
		FailoverTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "failover",
			Name:      "transitions_total",
			Help:      "Failover coordinator state transitions",
		}, []string{"from", "to"}),
		ReconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "failover",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts against a backup node",
		}, []string{"result"}),
		ConnectionsLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "connections_lost_total",
			Help:      "Connections presumed dead, by cause",
		}, []string{"cause"}),
		HealthTargetUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "target_up",
			Help:      "Debounced reachability of each health check target (1 up, 0 down)",
		}, []string{"address"}),
		InterceptorDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "interceptor",
			Name:      "drops_total",
			Help:      "Packets dropped by an interceptor",
		}, []string{"direction", "type"}),
		DuplicateCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "duplicate_commands_total",
			Help:      "Commands confirmed without re-applying because their sequence was already applied",
		}),
		AppliedCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "applied_commands_total",
			Help:      "Commands applied by the node",
		}),
	}
}

// PrometheusCollectors returns every collector, for registration.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	return []prometheus.Collector{
		m.SessionsOpen,
		m.PendingCommands,
		m.ReplayedCommands,
		m.Confirmations,
		m.WindowWaits,
		m.FailoverTransition,
		m.ReconnectAttempts,
		m.ConnectionsLost,
		m.HealthTargetUp,
		m.InterceptorDrops,
		m.DuplicateCommands,
		m.AppliedCommands,
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.SessionsOpen.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.SessionsOpen.Dec()
	}
}

func (m *Metrics) CommandPending() {
	if m != nil {
		m.PendingCommands.Inc()
	}
}

func (m *Metrics) CommandsConfirmed(n int) {
	if m != nil && n > 0 {
		m.PendingCommands.Sub(float64(n))
		m.Confirmations.Add(float64(n))
	}
}

func (m *Metrics) CommandsReplayed(n int) {
	if m != nil && n > 0 {
		m.ReplayedCommands.Add(float64(n))
	}
}

func (m *Metrics) WindowWait() {
	if m != nil {
		m.WindowWaits.Inc()
	}
}

func (m *Metrics) Transition(from, to string) {
	if m != nil {
		m.FailoverTransition.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) ReconnectAttempt(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.ReconnectAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) ConnectionLost(cause string) {
	if m != nil {
		m.ConnectionsLost.WithLabelValues(cause).Inc()
	}
}

func (m *Metrics) HealthTarget(address string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.HealthTargetUp.WithLabelValues(address).Set(v)
}

func (m *Metrics) InterceptorDrop(direction, typ string) {
	if m != nil {
		m.InterceptorDrops.WithLabelValues(direction, typ).Inc()
	}
}

func (m *Metrics) CommandApplied(duplicate bool) {
	if m == nil {
		return
	}
	if duplicate {
		m.DuplicateCommands.Inc()
		return
	}
	m.AppliedCommands.Inc()
}
