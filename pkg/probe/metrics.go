package probe

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records the probe's own health. Temperatures are never exported
// here; they only go to the output stream.
type Metrics struct {
	cycles   metric.Int64Counter
	duration metric.Float64Histogram
	entries  metric.Float64Gauge

	promCycles      *prometheus.CounterVec
	promDuration    prometheus.Gauge
	promLastSuccess prometheus.Gauge
	promEntries     prometheus.Gauge
}

func NewMetrics(meter metric.Meter, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.cycles, err = meter.Int64Counter("probe.cycles",
		metric.WithDescription("Sampling cycles by outcome."),
	)
	if err != nil {
		return nil, err
	}
	m.duration, err = meter.Float64Histogram("probe.cycle.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Time spent sampling all tools in one cycle."),
	)
	if err != nil {
		return nil, err
	}
	m.entries, err = meter.Float64Gauge("probe.entries",
		metric.WithDescription("Entries in the last emitted reading."),
	)
	if err != nil {
		return nil, err
	}

	m.promCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "disk_monitor",
		Name:      "cycles_total",
		Help:      "Sampling cycles by outcome.",
	}, []string{"outcome"})
	m.promDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "disk_monitor",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of the last sampling cycle.",
	})
	m.promLastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "disk_monitor",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last successful cycle.",
	})
	m.promEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "disk_monitor",
		Name:      "entries",
		Help:      "Entries in the last emitted reading.",
	})

	if reg != nil {
		for _, c := range []prometheus.Collector{m.promCycles, m.promDuration, m.promLastSuccess, m.promEntries} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) observe(ctx context.Context, start time.Time, r *Reading, err error) {
	if m == nil {
		return
	}
	now := time.Now()
	elapsed := now.Sub(start).Seconds()
	outcome := KindName(err)

	m.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.duration.Record(ctx, elapsed)
	m.promCycles.WithLabelValues(outcome).Inc()
	m.promDuration.Set(elapsed)

	if err != nil || r == nil {
		return
	}
	m.entries.Record(ctx, float64(r.Len()))
	m.promEntries.Set(float64(r.Len()))
	m.promLastSuccess.Set(float64(now.UnixNano()) / 1e9)
}
