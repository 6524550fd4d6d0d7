// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package barrier

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus metrics of a GlobalBarrierManager.
type Metrics struct {
	// BarrierLatency is the time from injection to commit of a barrier.
	BarrierLatency prometheus.Histogram
	// BarrierSendLatency is the time taken to inject a barrier into every
	// node.
	BarrierSendLatency prometheus.Histogram
	// InFlightBarriers is the number of barriers being collected.
	InFlightBarriers prometheus.Gauge
	// AllBarriers is the number of barriers not yet drained.
	AllBarriers prometheus.Gauge
	// Recoveries counts recoveries.
	Recoveries prometheus.Counter
	// CommitFailures counts epochs that failed to collect or commit.
	CommitFailures prometheus.Counter
}

// NewMetrics creates the barrier metrics and registers them with reg, if not
// nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BarrierLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "meta", Name: "barrier_duration_seconds",
			Help:    "Latency from injection to commit of a barrier.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		BarrierSendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "meta", Name: "barrier_send_duration_seconds",
			Help:    "Latency of injecting a barrier into every node.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		InFlightBarriers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meta", Name: "in_flight_barrier_nums",
			Help: "Barriers being collected.",
		}),
		AllBarriers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meta", Name: "all_barrier_nums",
			Help: "Barriers injected and not yet committed.",
		}),
		Recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meta", Name: "recovery_total",
			Help: "Recoveries of the streaming cluster.",
		}),
		CommitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meta", Name: "barrier_failures_total",
			Help: "Epochs that failed to be collected or committed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.BarrierLatency, m.BarrierSendLatency, m.InFlightBarriers,
			m.AllBarriers, m.Recoveries, m.CommitFailures)
	}
	return m
}
