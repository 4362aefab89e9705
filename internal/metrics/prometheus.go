package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all firewall integration metrics.
type Registry struct {
	// Backend operations
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	RetriesTotal      *prometheus.CounterVec

	// Rollback of partially applied changes
	RollbacksTotal *prometheus.CounterVec

	// Forwards installed while strict forward ports was on but not enforceable
	StrictBypassTotal *prometheus.CounterVec

	// Current state
	ActiveForwards *prometheus.GaugeVec
	TrustedSubnets *prometheus.GaugeVec

	// Replays of persisted state
	ReloadsTotal *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portcullis_backend_operations_total",
		Help: "Backend operations by driver, operation and result",
	}, []string{"driver", "op", "result"})

	r.OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portcullis_backend_operation_duration_seconds",
		Help:    "Latency of backend operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"driver", "op"})

	r.RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portcullis_setup_retries_total",
		Help: "Setup steps retried after the backend was unavailable",
	}, []string{"step"})

	r.RollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portcullis_rollbacks_total",
		Help: "Rollbacks of partially applied changes",
	}, []string{"driver", "result"})

	r.StrictBypassTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portcullis_strict_forward_ports_bypass_total",
		Help: "Forwards installed while strict forward ports could not be enforced",
	}, []string{"driver"})

	r.ActiveForwards = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "portcullis_active_forwards",
		Help: "Port forwarding rules currently installed",
	}, []string{"driver"})

	r.TrustedSubnets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "portcullis_trusted_subnets",
		Help: "Subnets currently in the trusted zone",
	}, []string{"driver"})

	r.ReloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portcullis_reloads_total",
		Help: "Replays of persisted firewall state",
	}, []string{"result"})

	return r
}

// ObserveOperation records one backend operation that started at start.
func (r *Registry) ObserveOperation(driver, op string, start time.Time, err error) {
	r.OperationsTotal.WithLabelValues(driver, op, resultString(err)).Inc()
	r.OperationDuration.WithLabelValues(driver, op).Observe(time.Since(start).Seconds())
}

// RecordRollback records the outcome of an undo sequence.
func (r *Registry) RecordRollback(driver string, err error) {
	r.RollbacksTotal.WithLabelValues(driver, resultString(err)).Inc()
}

// RecordReload records a replay of persisted state.
func (r *Registry) RecordReload(err error) {
	r.ReloadsTotal.WithLabelValues(resultString(err)).Inc()
}

func resultString(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
