// metrics.go - Prometheus instrumentation (C8, spec §4.10 "(added)").
//
// Grounded on nmxmxh-inos_v1's use of github.com/prometheus/client_golang
// for runtime gauges/counters registered against a private registry
// rather than the global default, so multiple *VM instances in the same
// process (as the test suite constructs) never collide on metric names.

package vm

import (
	"github.com/prometheus/client_golang/prometheus"
)

// counterMetric is the narrow slice of prometheus.Counter this package
// actually calls, so notifier.go doesn't need to import prometheus
// itself.
type counterMetric interface {
	Inc()
}

type metricsSet struct {
	registry *prometheus.Registry

	blockUsedBytes     *prometheus.GaugeVec
	blockCapacityBytes *prometheus.GaugeVec
	reservationActive  prometheus.Gauge
	reservationBreaks  prometheus.Counter
	waitersActive      prometheus.Gauge
	notifySweeps       prometheus.Counter
}

func newMetricsSet() *metricsSet {
	reg := prometheus.NewRegistry()

	m := &metricsSet{
		registry: reg,
		blockUsedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "guestmem_block_used_bytes",
			Help: "Bytes currently allocated within a location's block.",
		}, []string{"location"}),
		blockCapacityBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "guestmem_block_capacity_bytes",
			Help: "Total page-aligned capacity of a location's block.",
		}, []string{"location"}),
		reservationActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guestmem_reservation_active",
			Help: "1 if the single process-wide reservation slot is currently held.",
		}),
		reservationBreaks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guestmem_reservation_breaks_total",
			Help: "Number of times the reservation slot has been broken.",
		}),
		waitersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guestmem_waiters_active",
			Help: "Number of guest threads currently blocked waiting on a memory write.",
		}),
		notifySweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guestmem_waiter_notify_sweeps_total",
			Help: "Number of background notifier sweeps performed.",
		}),
	}

	reg.MustRegister(
		m.blockUsedBytes,
		m.blockCapacityBytes,
		m.reservationActive,
		m.reservationBreaks,
		m.waitersActive,
		m.notifySweeps,
	)

	return m
}

// Registry exposes the private Prometheus registry for embedding in an
// HTTP /metrics handler (spec §4.10 "(added)").
func (v *VM) Registry() *prometheus.Registry { return v.metrics.registry }
