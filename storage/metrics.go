package storage

import "github.com/prometheus/client_golang/prometheus"

// Metrics optionally instruments storage I/O with Prometheus counters,
// mirroring the teacher's nil-safe "Metrics" pattern (pager.Metrics):
// every call site holds a *Metrics that may be nil, and every method on
// it tolerates a nil receiver.
type Metrics struct {
	bytesRead    *prometheus.CounterVec
	bytesWritten *prometheus.CounterVec
}

// NewMetrics registers storage I/O counters under namespace in reg. Pass
// a nil *Metrics anywhere to disable instrumentation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		bytesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "bytes_read_total",
			Help:      "Bytes read from storage, by file kind.",
		}, []string{"kind"}),
		bytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "bytes_written_total",
			Help:      "Bytes written to storage, by file kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.bytesRead, m.bytesWritten)
	return m
}

func (m *Metrics) recordRead(kind FileKind, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesRead.WithLabelValues(kind.String()).Add(float64(n))
}

func (m *Metrics) recordWrite(kind FileKind, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesWritten.WithLabelValues(kind.String()).Add(float64(n))
}
