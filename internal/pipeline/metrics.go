// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sigil-dev/conductor/pkg/types"
)

// Metrics are the pipeline's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	Requests      *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_pipeline_requests_total",
			Help: "Pipeline runs by outcome",
		}, []string{"outcome"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_pipeline_stage_duration_seconds",
			Help:    "Stage latency including downstream stages",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 9),
		}, []string{"stage"}),
	}
}

func (m *Metrics) observeRequest(cancelled, hadErrors bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	switch {
	case cancelled:
		outcome = "cancelled"
	case hadErrors:
		outcome = "error"
	}
	m.Requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeStage(stage types.StageName, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}
