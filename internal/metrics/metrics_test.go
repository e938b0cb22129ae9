package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/swift-lang/swift-t-sub000/internal/metrics"
	"github.com/swift-lang/swift-t-sub000/internal/transport"
)

func TestDisabledMetricsAreNoOps(t *testing.T) {
	m := metrics.New(nil, false)
	require.NotPanics(t, func() {
		m.SyncSent(transport.SyncModeRequest)
		m.WorkEnqueued(0)
		m.StealProbeSent()
		m.SetQueueDepth(0, 5)
	})
}

func TestEnabledMetricsRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, true)

	m.SyncSent(transport.SyncModeRequest)
	m.SyncSent(transport.SyncModeRequest)
	m.WorkEnqueued(2)
	m.StealProbeSent()

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
