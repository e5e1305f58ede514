// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package checkpoint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the checkpoint manager's Prometheus collectors. A nil
// *Metrics records nothing.
type Metrics struct {
	Writes    *prometheus.CounterVec
	Recovered *prometheus.CounterVec
	Pending   prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Writes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_checkpoint_writes_total",
			Help: "Checkpoint writes by outcome",
		}, []string{"outcome"}),
		Recovered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_checkpoint_recovered_total",
			Help: "Checkpoints handled at startup by outcome",
		}, []string{"outcome"}),
		Pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_checkpoint_pending_decisions",
			Help: "Interrupted requests waiting for a human decision",
		}),
	}
}

func (m *Metrics) wrote(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Writes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recovered(outcome string) {
	if m == nil {
		return
	}
	m.Recovered.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.Pending.Set(float64(n))
}
