// SPDX-License-Identifier: AGPL-3.0-only

package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

type Metrics struct {
	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer, inProgress *atomic.Int64) *Metrics {
	m := &Metrics{
		requestDuration: promauto.With(registerer).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ordergate_proxy",
			Name:      "request_duration_seconds",
			Help:      "Time (in seconds) spent serving proxied requests, queueing and retries included.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 0.75, 1, 1.5, 2, 3, 4, 5, 10, 25, 50, 100},
		}, []string{"method", "route", "status_code"}),
		requestsTotal: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Namespace: "ordergate_proxy",
			Name:      "requests_total",
			Help:      "Total number of proxied requests by assigned priority.",
		}, []string{"route", "priority"}),
	}

	promauto.With(registerer).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "ordergate_proxy",
		Name:      "inflight_requests",
		Help:      "Number of client requests currently waiting for an upstream response.",
	}, func() float64 {
		return float64(inProgress.Load())
	})

	return m
}
