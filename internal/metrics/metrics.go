// Package metrics wires the per-sync-mode sent/accepted counters and the
// per-type work-queue put/get counters that the original keeps behind
// xlb_s.perfc_enabled (sync.c's xlb_sync_perf_counters, workqueue.c's
// counters) into prometheus, enabled or disabled wholesale by
// config.Config.PerfCounters (ADLB_PERF_COUNTERS), following
// other_examples' juju multiwatcher worker pattern of taking a
// prometheus.Registerer as a constructor argument rather than registering
// against the global default registry.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/swift-lang/swift-t-sub000/internal/transport"
)

// Metrics holds the counters and gauges a server updates as it runs. When
// disabled, every method is a no-op so callers never need to branch on
// whether perf counters are on.
type Metrics struct {
	enabled bool

	syncSent     *prometheus.CounterVec
	syncAccepted *prometheus.CounterVec
	workEnqueued *prometheus.CounterVec
	workDequeued *prometheus.CounterVec
	stealsSent   prometheus.Counter
	stealsWon    prometheus.Counter
	queueDepth   *prometheus.GaugeVec
}

// New registers (if enabled) the server's counters against reg and returns
// a Metrics handle. reg may be nil when enabled is false.
func New(reg prometheus.Registerer, enabled bool) *Metrics {
	m := &Metrics{enabled: enabled}
	if !enabled {
		return m
	}

	m.syncSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adlb",
		Name:      "sync_sent_total",
		Help:      "Sync handshakes initiated, by mode.",
	}, []string{"mode"})
	m.syncAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adlb",
		Name:      "sync_accepted_total",
		Help:      "Sync handshakes accepted, by mode.",
	}, []string{"mode"})
	m.workEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adlb",
		Name:      "work_enqueued_total",
		Help:      "Work units added to the ready queue, by work type.",
	}, []string{"type"})
	m.workDequeued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adlb",
		Name:      "work_dequeued_total",
		Help:      "Work units handed to a worker, by work type.",
	}, []string{"type"})
	m.stealsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "adlb",
		Name:      "steal_probes_sent_total",
		Help:      "Steal probes this server has sent to a peer.",
	})
	m.stealsWon = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "adlb",
		Name:      "steal_work_received_total",
		Help:      "Steal handshakes this server has completed as the stealer.",
	})
	m.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "adlb",
		Name:      "request_queue_depth",
		Help:      "Outstanding worker requests waiting in the request queue, by work type.",
	}, []string{"type"})

	reg.MustRegister(m.syncSent, m.syncAccepted, m.workEnqueued, m.workDequeued,
		m.stealsSent, m.stealsWon, m.queueDepth)
	return m
}

func (m *Metrics) SyncSent(mode transport.SyncMode) {
	if !m.enabled {
		return
	}
	m.syncSent.WithLabelValues(mode.String()).Inc()
}

func (m *Metrics) SyncAccepted(mode transport.SyncMode) {
	if !m.enabled {
		return
	}
	m.syncAccepted.WithLabelValues(mode.String()).Inc()
}

func (m *Metrics) WorkEnqueued(workType int) {
	if !m.enabled {
		return
	}
	m.workEnqueued.WithLabelValues(typeLabel(workType)).Inc()
}

func (m *Metrics) WorkDequeued(workType int) {
	if !m.enabled {
		return
	}
	m.workDequeued.WithLabelValues(typeLabel(workType)).Inc()
}

func (m *Metrics) StealProbeSent() {
	if !m.enabled {
		return
	}
	m.stealsSent.Inc()
}

func (m *Metrics) StealWorkReceived() {
	if !m.enabled {
		return
	}
	m.stealsWon.Inc()
}

func (m *Metrics) SetQueueDepth(workType, depth int) {
	if !m.enabled {
		return
	}
	m.queueDepth.WithLabelValues(typeLabel(workType)).Set(float64(depth))
}

func typeLabel(workType int) string {
	return strconv.Itoa(workType)
}
