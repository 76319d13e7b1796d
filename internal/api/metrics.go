package api

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "snapqueue"

// registerMetrics exposes the current feed as gauges. Values are computed
// from a fresh snapshot at scrape time.
func (s *Server) registerMetrics(reg *prometheus.Registry) {
	s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests served, by method, route and status.",
	}, []string{"method", "route", "status"})

	items := func(state string, count func() int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "items",
			Help:        "Visible items per partition.",
			ConstLabels: prometheus.Labels{"state": state},
		}, func() float64 { return float64(count()) })
	}

	reg.MustRegister(
		s.requests,
		items("confirmed", func() int { return s.proj.Counts().Confirmed }),
		items("pending", func() int { return s.proj.Counts().Pending }),
		items("errored", func() int { return s.proj.Counts().Errored }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "online",
			Help:      "1 when the network is usable, 0 otherwise.",
		}, func() float64 {
			if s.proj.IsOnline() {
				return 1
			}
			return 0
		}),
	)
}
