// Package metrics holds the Prometheus collectors of a node.
// Every Record method is safe to call on a nil *Metrics, so components can
// run without instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all collectors for the control loop, the radio and the
// estimator boundary.
type Metrics struct {
	stateTransitions *prometheus.CounterVec // from, to
	stateInfo        *prometheus.GaugeVec   // state, 1 for the active one
	neighbors        prometheus.Gauge
	syncedNeighbors  prometheus.Gauge
	sendSlots        prometheus.Gauge
	clockCorrections *prometheus.CounterVec // kind: jump|average|ignored
	clockOffset      prometheus.Gauge
	clockValue       prometheus.Gauge

	framesReceived *prometheus.CounterVec // kind
	framesDropped  *prometheus.CounterVec // reason
	framesSent     *prometheus.CounterVec // kind
	radioErrors    *prometheus.CounterVec // op
	radioResets    prometheus.Counter

	updatesEmitted *prometheus.CounterVec // type
	updatesDropped prometheus.Counter

	loopDuration prometheus.Histogram
	loopOverruns prometheus.Counter
}

// New creates every collector and registers it with reg.
// A nil reg selects prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		stateTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uwb_tdma_state_transitions_total",
				Help: "Protocol state transitions",
			},
			[]string{"from", "to"},
		),
		stateInfo: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "uwb_tdma_state",
				Help: "1 for the protocol state the node is in, 0 otherwise",
			},
			[]string{"state"},
		),
		neighbors: f.NewGauge(prometheus.GaugeOpts{
			Name: "uwb_tdma_neighbors",
			Help: "Current one-hop neighbors",
		}),
		syncedNeighbors: f.NewGauge(prometheus.GaugeOpts{
			Name: "uwb_tdma_synced_neighbors",
			Help: "Neighbors that completed the synchronization handshake",
		}),
		sendSlots: f.NewGauge(prometheus.GaugeOpts{
			Name: "uwb_tdma_send_slots",
			Help: "Slots this node may transmit in",
		}),
		clockCorrections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uwb_tdma_clock_corrections_total",
				Help: "Logical clock corrections by kind",
			},
			[]string{"kind"},
		),
		clockOffset: f.NewGauge(prometheus.GaugeOpts{
			Name: "uwb_tdma_clock_offset_seconds",
			Help: "Rolling mean of received clock offsets",
		}),
		clockValue: f.NewGauge(prometheus.GaugeOpts{
			Name: "uwb_tdma_logical_clock_seconds",
			Help: "Current logical clock",
		}),
		framesReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uwb_radio_frames_received_total",
				Help: "Protocol frames received by kind",
			},
			[]string{"kind"},
		),
		framesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uwb_radio_frames_dropped_total",
				Help: "Received frames discarded by reason",
			},
			[]string{"reason"},
		),
		framesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uwb_radio_frames_sent_total",
				Help: "Protocol frames broadcast by kind",
			},
			[]string{"kind"},
		),
		radioErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uwb_radio_errors_total",
				Help: "Transceiver errors by operation",
			},
			[]string{"op"},
		),
		radioResets: f.NewCounter(prometheus.CounterOpts{
			Name: "uwb_radio_resets_total",
			Help: "Transceiver resets performed by recovery",
		}),
		updatesEmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uwb_estimator_updates_total",
				Help: "Updates pushed to the estimator queue by type",
			},
			[]string{"type"},
		),
		updatesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "uwb_estimator_updates_dropped_total",
			Help: "Updates dropped because the estimator queue was full",
		}),
		loopDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "uwb_tdma_loop_duration_seconds",
			Help:    "Control loop iteration time",
			Buckets: []float64{.001, .002, .005, .01, .0167, .025, .05, .1},
		}),
		loopOverruns: f.NewCounter(prometheus.CounterOpts{
			Name: "uwb_tdma_loop_overruns_total",
			Help: "Control loop iterations that exceeded their budget",
		}),
	}
}

// RecordTransition counts a state change and updates the state gauge.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(from, to).Inc()
	m.stateInfo.WithLabelValues(from).Set(0)
	m.stateInfo.WithLabelValues(to).Set(1)
}

// SetNeighborhood records neighbor and synced-neighbor counts.
func (m *Metrics) SetNeighborhood(neighbors, synced int) {
	if m == nil {
		return
	}
	m.neighbors.Set(float64(neighbors))
	m.syncedNeighbors.Set(float64(synced))
}

// SetSendSlots records the size of the pure send list.
func (m *Metrics) SetSendSlots(n int) {
	if m == nil {
		return
	}
	m.sendSlots.Set(float64(n))
}

// RecordClockCorrection counts a correction of the given kind.
func (m *Metrics) RecordClockCorrection(kind string) {
	if m == nil {
		return
	}
	m.clockCorrections.WithLabelValues(kind).Inc()
}

// SetClock records the logical clock and the rolling mean offset.
func (m *Metrics) SetClock(clock, meanOffset float64) {
	if m == nil {
		return
	}
	m.clockValue.Set(clock)
	m.clockOffset.Set(meanOffset)
}

// RecordFrameReceived counts a decoded frame.
func (m *Metrics) RecordFrameReceived(kind string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(kind).Inc()
}

// RecordFrameDropped counts a discarded frame.
func (m *Metrics) RecordFrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

// RecordFrameSent counts a broadcast frame.
func (m *Metrics) RecordFrameSent(kind string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(kind).Inc()
}

// RecordRadioError counts a failed transceiver operation.
func (m *Metrics) RecordRadioError(op string) {
	if m == nil {
		return
	}
	m.radioErrors.WithLabelValues(op).Inc()
}

// RecordRadioReset counts a transceiver reset.
func (m *Metrics) RecordRadioReset() {
	if m == nil {
		return
	}
	m.radioResets.Inc()
}

// RecordUpdate counts an estimator update.
func (m *Metrics) RecordUpdate(updateType string) {
	if m == nil {
		return
	}
	m.updatesEmitted.WithLabelValues(updateType).Inc()
}

// RecordUpdateDropped counts an update lost to a full queue.
func (m *Metrics) RecordUpdateDropped() {
	if m == nil {
		return
	}
	m.updatesDropped.Inc()
}

// ObserveLoop records one control loop iteration against its budget.
func (m *Metrics) ObserveLoop(took, budget time.Duration) {
	if m == nil {
		return
	}
	m.loopDuration.Observe(took.Seconds())
	if took > budget {
		m.loopOverruns.Inc()
	}
}
