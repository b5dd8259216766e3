package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "demprep"

// Metrics instruments pipeline runs.
type Metrics struct {
	runs     *prometheus.CounterVec
	tiles    *prometheus.CounterVec
	padding  prometheus.Counter
	duration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "The total number of pipeline runs by result.",
		}, []string{"result"}),
		tiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_total",
			Help:      "The total number of DEM tiles requested by fetch status.",
		}, []string{"status"}),
		padding: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expanded_mosaics_total",
			Help:      "The total number of mosaics padded to cover their scene.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of successful pipeline runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.tiles, m.padding, m.duration)
	}
	return m
}

func (m *Metrics) observe(r *Report, result string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(result).Inc()
	for _, t := range r.Tiles {
		m.tiles.WithLabelValues(t.Status.String()).Inc()
	}
	if !r.Padding.IsZero() {
		m.padding.Inc()
	}
	if result == resultOK {
		m.duration.Observe(r.Finished.Sub(r.Started).Seconds())
	}
}
