package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersWithNodeLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("R1", reg)

	m.ClientWrites.WithLabelValues("ok").Inc()
	m.ClientWrites.WithLabelValues("conflict").Add(2)
	m.PendingHints.Set(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClientWrites.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ClientWrites.WithLabelValues("conflict")))

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range families {
		if mf.GetName() != "ringkv_replica_pending_hints" {
			continue
		}
		found = true
		require.Len(t, mf.GetMetric(), 1)
		assert.Equal(t, 3.0, mf.GetMetric()[0].GetGauge().GetValue())
		labels := mf.GetMetric()[0].GetLabel()
		require.Len(t, labels, 1)
		assert.Equal(t, "node_id", labels[0].GetName())
		assert.Equal(t, "R1", labels[0].GetValue())
	}
	assert.True(t, found)
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New("R1", reg)
	assert.Panics(t, func() { New("R1", reg) })
}

func TestNewNop_Independent(t *testing.T) {
	assert.NotPanics(t, func() {
		NewNop()
		NewNop()
	})
}
