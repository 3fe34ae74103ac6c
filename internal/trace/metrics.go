package trace

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the subsystem's prometheus collectors.
type metrics struct {
	written   prometheus.Counter
	consumed  prometheus.Counter
	lost      prometheus.Counter
	overflows prometheus.Counter
	sessions  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		written: f.NewCounter(prometheus.CounterOpts{
			Name: "tracepipe_records_written_total",
			Help: "Records written into the per-CPU ring buffers.",
		}),
		consumed: f.NewCounter(prometheus.CounterOpts{
			Name: "tracepipe_records_consumed_total",
			Help: "Records consumed by the merged trace stream.",
		}),
		lost: f.NewCounter(prometheus.CounterOpts{
			Name: "tracepipe_events_lost_total",
			Help: "Records evicted by buffer overwrite before being read.",
		}),
		overflows: f.NewCounter(prometheus.CounterOpts{
			Name: "tracepipe_format_overflows_total",
			Help: "Formatted lines that exceeded the output buffer capacity.",
		}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "tracepipe_open_sessions",
			Help: "Currently open trace stream sessions.",
		}),
	}
}
