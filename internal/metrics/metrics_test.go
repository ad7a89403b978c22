package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.AlertsTriggered.WithLabelValues("critical").Inc()
	m.CooldownBlocks.Add(2)
	m.SafetyEvents.WithLabelValues("7700", "critical").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsTriggered.WithLabelValues("critical")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CooldownBlocks))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["skywarden_alerts_triggered_total"])
	assert.True(t, names["skywarden_safety_events_total"])
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
