// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package task

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sigil-dev/conductor/pkg/types"
)

// Metrics are the task manager's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	Spawned  *prometheus.CounterVec
	Finished *prometheus.CounterVec
	Running  *prometheus.GaugeVec
	Duration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Spawned: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_tasks_spawned_total",
			Help: "Tasks spawned by type",
		}, []string{"type"}),
		Finished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_tasks_finished_total",
			Help: "Tasks reaching a terminal state by type and status",
		}, []string{"type", "status"}),
		Running: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conductor_tasks_running",
			Help: "Tasks currently executing by type",
		}, []string{"type"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_task_duration_seconds",
			Help:    "Wall time from start to finish",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		}, []string{"type"}),
	}
}

func (m *Metrics) spawned(t types.TaskType) {
	if m == nil {
		return
	}
	m.Spawned.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) started(t types.TaskType) {
	if m == nil {
		return
	}
	m.Running.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) finished(t *Task) {
	if m == nil {
		return
	}
	m.Finished.WithLabelValues(string(t.Type), string(t.Status)).Inc()
	if !t.StartedAt.IsZero() {
		m.Running.WithLabelValues(string(t.Type)).Dec()
		m.Duration.WithLabelValues(string(t.Type)).Observe(t.FinishedAt.Sub(t.StartedAt).Seconds())
	}
}
