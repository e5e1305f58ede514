// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package agentloop

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the controller's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	Invocations      prometheus.Counter
	Skipped          *prometheus.CounterVec
	State            *prometheus.GaugeVec
	PendingQuestions prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Invocations: f.NewCounter(prometheus.CounterOpts{
			Name: "conductor_agentloop_invocations_total",
			Help: "Agent loop tasks spawned",
		}),
		Skipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_agentloop_ticks_skipped_total",
			Help: "Ticks that did not spawn a task, by reason",
		}, []string{"reason"}),
		State: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conductor_agentloop_state",
			Help: "1 for the current controller state, 0 otherwise",
		}, []string{"state"}),
		PendingQuestions: f.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_agentloop_pending_questions",
			Help: "Questions waiting for a human answer",
		}),
	}
}

func (m *Metrics) invoked() {
	if m == nil {
		return
	}
	m.Invocations.Inc()
}

func (m *Metrics) skipped(reason string) {
	if m == nil {
		return
	}
	m.Skipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	for _, st := range []State{StateStopped, StatePlaying, StatePaused} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.State.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.PendingQuestions.Set(float64(n))
}
