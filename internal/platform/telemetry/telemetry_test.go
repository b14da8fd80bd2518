package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountersIncrement(t *testing.T) {
	m := New(func() int { return 3 })

	m.MutationsTotal.WithLabelValues("heartRate", "add").Inc()
	m.MutationsTotal.WithLabelValues("heartRate", "add").Inc()
	m.LedgerCommits.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MutationsTotal.WithLabelValues("heartRate", "add")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerCommits))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveSubscribers))
}

func TestMetrics_RegistryGathers(t *testing.T) {
	m := New(func() int { return 0 })
	m.BroadcastsTotal.Inc()

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "opchart_broadcasts_total" {
			found = true
		}
	}
	assert.True(t, found, "broadcast counter should be registered")
}
