package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := New("stablesync")

	m.EventDelivered("units", "UPDATE")
	m.EventDelivered("units", "UPDATE")
	m.Reconnect("bookings")
	m.StateChange("", "CONNECTING")
	m.StateChange("CONNECTING", "CONNECTED")
	m.SetConflicts(map[string]int{"double_booking": 2})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsDelivered.WithLabelValues("units", "UPDATE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects.WithLabelValues("bookings")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.subscriptions.WithLabelValues("CONNECTING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.subscriptions.WithLabelValues("CONNECTED")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.conflicts.WithLabelValues("double_booking")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.EventDelivered("units", "INSERT")
		m.StateChange("", "CONNECTED")
		m.SetConflicts(nil)
		m.Optimistic("create", "confirmed")
	})
}
