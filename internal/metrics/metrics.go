// Package metrics holds the Prometheus collectors for pools, driver
// operations and capability detection. Collectors are registered against
// the Registerer handed to New; nothing registers itself at init.
package metrics

import (
	"time"

	"github.com/koustreak/tsgate/internal/errs"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tsgate"

// Metrics is safe for concurrent use.
type Metrics struct {
	poolInUse     *prometheus.GaugeVec
	poolIdle      *prometheus.GaugeVec
	poolCreated   *prometheus.CounterVec
	poolExpired   *prometheus.CounterVec
	poolDiscarded *prometheus.CounterVec
	acquireWait   *prometheus.HistogramVec
	ops           *prometheus.CounterVec
	opLatency     *prometheus.HistogramVec
	detections    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		poolInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "in_use",
			Help: "Connections currently checked out",
		}, []string{"connection_id"}),
		poolIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "idle",
			Help: "Connections waiting in the idle list",
		}, []string{"connection_id"}),
		poolCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "created_total",
			Help: "Driver connections opened by the pool",
		}, []string{"connection_id"}),
		poolExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "expired_total",
			Help: "Idle connections closed for idle timeout or max lifetime",
		}, []string{"connection_id"}),
		poolDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "discarded_total",
			Help: "Connections closed instead of being returned",
		}, []string{"connection_id"}),
		acquireWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pool", Name: "acquire_wait_seconds",
			Help:    "Time spent waiting for a pool slot",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 30},
		}, []string{"connection_id"}),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "driver", Name: "operations_total",
			Help: "Driver operations by outcome",
		}, []string{"driver", "op", "status"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "driver", Name: "operation_seconds",
			Help:    "Driver operation latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"driver", "op"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capability", Name: "detections_total",
			Help: "Capability detections by family and outcome",
		}, []string{"family", "outcome"}),
	}
	reg.MustRegister(
		m.poolInUse, m.poolIdle, m.poolCreated, m.poolExpired, m.poolDiscarded,
		m.acquireWait, m.ops, m.opLatency, m.detections,
	)
	return m
}

// Nop returns collectors registered nowhere.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Outcome is the status label for err: "ok" or the error kind.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return errs.KindOf(err).String()
}

func (m *Metrics) PoolCreated(id string)   { m.poolCreated.WithLabelValues(id).Inc() }
func (m *Metrics) PoolExpired(id string)   { m.poolExpired.WithLabelValues(id).Inc() }
func (m *Metrics) PoolDiscarded(id string) { m.poolDiscarded.WithLabelValues(id).Inc() }

func (m *Metrics) PoolWaited(id string, d time.Duration) {
	m.acquireWait.WithLabelValues(id).Observe(d.Seconds())
}

// PoolSize sets the in-use and idle gauges.
func (m *Metrics) PoolSize(id string, inUse, idle int) {
	m.poolInUse.WithLabelValues(id).Set(float64(inUse))
	m.poolIdle.WithLabelValues(id).Set(float64(idle))
}

// ObserveOp records one driver operation.
func (m *Metrics) ObserveOp(driver, op string, err error, d time.Duration) {
	m.ops.WithLabelValues(driver, op, Outcome(err)).Inc()
	m.opLatency.WithLabelValues(driver, op).Observe(d.Seconds())
}

// Detected records one capability detection.
func (m *Metrics) Detected(family string, err error) {
	m.detections.WithLabelValues(family, Outcome(err)).Inc()
}

// Forget drops the per-connection series of a removed connection.
func (m *Metrics) Forget(id string) {
	for _, v := range []*prometheus.GaugeVec{m.poolInUse, m.poolIdle} {
		v.DeleteLabelValues(id)
	}
	for _, v := range []*prometheus.CounterVec{m.poolCreated, m.poolExpired, m.poolDiscarded} {
		v.DeleteLabelValues(id)
	}
	m.acquireWait.DeleteLabelValues(id)
}
