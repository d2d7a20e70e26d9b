// Package metrics exposes Prometheus counters/gauges for the engine,
// served at /metrics by cmd/arbengine's HTTP handler.
//
// Grounded on the teacher's metrics.go: package-level prometheus.*Vec
// vars registered in init(), plus small helper setters. Metrics remain
// package-level here unlike the rest of the module's explicit-wiring
// convention, since that's genuinely how the Prometheus client library
// expects to be used (a single process-wide registry).
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// GateFailures counts admission-gate rejections by coin and gate
	// reason, so an operator can see which gate is filtering entries.
	GateFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_gate_failures_total",
			Help: "Entry admission gate failures by coin and reason.",
		},
		[]string{"coin", "gate", "reason"},
	)

	// EntriesOpened counts successfully opened paired positions.
	EntriesOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_entries_opened_total",
			Help: "Paired positions successfully opened.",
		},
		[]string{"coin"},
	)

	// ExitsClosed counts closed positions by coin. The monitor records
	// every close with result "closed"; closes are not split by
	// realised-PnL sign.
	ExitsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_exits_closed_total",
			Help: "Paired positions closed, by coin.",
		},
		[]string{"coin", "result"}, // result: closed
	)

	// OneLegFailures counts entries where only one leg filled and the
	// engine had to unwind it.
	OneLegFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_one_leg_failures_total",
			Help: "Entries where exactly one leg filled and required emergency unwind.",
		},
		[]string{"coin", "leg"},
	)

	// UnwindAttempts counts each widening-price retry during emergency
	// unwind, so repeated retries are visible before they exhaust.
	UnwindAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_unwind_attempts_total",
			Help: "Emergency unwind attempts by coin and outcome.",
		},
		[]string{"coin", "outcome"}, // outcome: filled|failed
	)

	// OpenPositions is the current count of open paired positions,
	// process-wide (mirrors monitor.GlobalState).
	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arb_open_positions",
			Help: "Current number of open paired positions, all coins.",
		},
	)

	// ZScore records the rolling z-score sampled on every minute close,
	// per coin, so dashboards can chart gate-4 proximity.
	ZScore = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arb_zscore",
			Help:    "Rolling spread z-score sampled at each minute close.",
			Buckets: []float64{-4, -3, -2, -1, -0.5, 0, 0.5, 1, 2, 3, 4},
		},
		[]string{"coin"},
	)

	// TicksDropped counts ticks dropped by a coin's bounded tick queue
	// under back-pressure.
	TicksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_ticks_dropped_total",
			Help: "Ticks dropped for queue overflow, by coin.",
		},
		[]string{"coin"},
	)

	// WSReconnects counts venue stream reconnect attempts.
	WSReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_ws_reconnects_total",
			Help: "Websocket stream reconnect attempts by venue.",
		},
		[]string{"venue"},
	)
)

func init() {
	prometheus.MustRegister(
		GateFailures, EntriesOpened, ExitsClosed, OneLegFailures,
		UnwindAttempts, OpenPositions, ZScore, TicksDropped, WSReconnects,
	)
}

// RecordGateFailure is a small helper so callers don't need to know the
// label order.
func RecordGateFailure(coin string, gate int, reason string) {
	GateFailures.WithLabelValues(coin, strconv.Itoa(gate), reason).Inc()
}
