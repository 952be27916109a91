package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cairn"

// Metrics are the supervisor's Prometheus collectors.
type Metrics struct {
	slots        prometheus.Gauge
	activeUnits  prometheus.Gauge
	unitsStarted prometheus.Counter
	unitExits    *prometheus.CounterVec
	crashMarked  prometheus.Counter
	unitDuration prometheus.Histogram
	compositions *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		slots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "slots",
			Help:      "Configured number of execution slots",
		}),
		activeUnits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "active_units",
			Help:      "Number of execution units currently alive",
		}),
		unitsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "units_started_total",
			Help:      "Total number of execution units spawned",
		}),
		unitExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "unit_exits_total",
			Help:      "Total number of execution unit exits",
		}, []string{"outcome"}), // outcome: clean, abnormal
		crashMarked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "crash_marked_total",
			Help:      "Total number of runs marked Failed after an abnormal exit",
		}),
		unitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "unit_duration_seconds",
			Help:      "Execution unit wall time in seconds",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}),
		compositions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "composition_passes_total",
			Help:      "Total composition passes over composite runs",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.slots, m.activeUnits, m.unitsStarted, m.unitExits,
			m.crashMarked, m.unitDuration, m.compositions)
	}
	return m
}
