// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package iorequest

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	directionOutbound = "outbound"
	directionInbound  = "inbound"
)

// Metrics collects connection metrics. Create it once per registry and share
// it between clients; a nil *Metrics records nothing.
type Metrics struct {
	requests        *prometheus.CounterVec
	responses       *prometheus.CounterVec
	timeouts        prometheus.Counter
	handlerFailures prometheus.Counter
	droppedFrames   prometheus.Counter
	workers         prometheus.Gauge
	requestDuration prometheus.Histogram
}

// NewMetrics registers the iorequest collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "iorequest",
				Name:      "requests_total",
				Help:      "Requests sent (outbound) and received (inbound).",
			},
			[]string{"direction"},
		),
		responses: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "iorequest",
				Name:      "responses_total",
				Help:      "Responses received (outbound requests) and sent (inbound requests).",
			},
			[]string{"direction"},
		),
		timeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "iorequest",
			Name:      "request_timeouts_total",
			Help:      "Requests whose caller stopped waiting before the response arrived.",
		}),
		handlerFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "iorequest",
			Name:      "handler_failures_total",
			Help:      "Handlers that returned an error or panicked.",
		}),
		droppedFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: "iorequest",
			Name:      "frames_dropped_total",
			Help:      "Responses that arrived for no pending request.",
		}),
		workers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "iorequest",
			Name:      "workers",
			Help:      "Goroutines currently tracked by connection worker registries.",
		}),
		requestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "iorequest",
			Name:      "request_duration_seconds",
			Help:      "Round trip time of answered outbound requests.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}),
	}
}

func (m *Metrics) request(direction string) {
	if m != nil {
		m.requests.WithLabelValues(direction).Inc()
	}
}

func (m *Metrics) response(direction string) {
	if m != nil {
		m.responses.WithLabelValues(direction).Inc()
	}
}

func (m *Metrics) observe(start time.Time) {
	if m != nil {
		m.requestDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) timeout() {
	if m != nil {
		m.timeouts.Inc()
	}
}

func (m *Metrics) handlerFailure() {
	if m != nil {
		m.handlerFailures.Inc()
	}
}

func (m *Metrics) droppedFrame() {
	if m != nil {
		m.droppedFrames.Inc()
	}
}

func (m *Metrics) workerDelta(delta int) {
	if m != nil {
		m.workers.Add(float64(delta))
	}
}
