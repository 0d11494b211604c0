package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAll(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	for _, c := range m.PrometheusCollectors() {
		require.NoError(t, reg.Register(c))
	}
}

func TestPendingTracksConfirmations(t *testing.T) {
	m := New()
	m.CommandPending()
	m.CommandPending()
	m.CommandPending()
	m.CommandsConfirmed(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PendingCommands))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Confirmations))
}

func TestTransitionsByLabel(t *testing.T) {
	m := New()
	m.Transition("stable", "detecting")
	m.Transition("stable", "detecting")
	m.Transition("detecting", "reconnecting")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FailoverTransition.WithLabelValues("stable", "detecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FailoverTransition.WithLabelValues("detecting", "reconnecting")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionOpened()
	m.CommandsConfirmed(3)
	m.Transition("a", "b")
	m.HealthTarget("10.0.0.1:80", true)
	m.CommandApplied(true)
	assert.Nil(t, m.PrometheusCollectors())
}
