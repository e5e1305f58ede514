// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package tool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the runner's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	Calls    *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewMetrics registers the tool collectors on reg. Tests pass a fresh
// prometheus.NewRegistry(); production passes prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Calls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_tool_calls_total",
			Help: "Tool calls by tool and outcome",
		}, []string{"tool", "outcome"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_tool_duration_seconds",
			Help:    "Tool call latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"tool"}),
	}
}

func (m *Metrics) observe(toolName, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(toolName, outcome).Inc()
	m.Duration.WithLabelValues(toolName).Observe(d.Seconds())
}
