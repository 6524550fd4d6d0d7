// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package hummock

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics of a Store.
type Metrics struct {
	// SharedBufferSize is the number of bytes held by the shared buffers.
	SharedBufferSize prometheus.Gauge
	// UploadTaskSize is the number of write batch bytes being uploaded.
	UploadTaskSize prometheus.Gauge
	// UploadLatency is the duration of upload tasks.
	UploadLatency prometheus.Histogram
	// UploadFailures counts failed upload tasks.
	UploadFailures prometheus.Counter
	// UploadedBytes counts the bytes of uploaded tables.
	UploadedBytes prometheus.Counter
}

// NewMetrics creates the store metrics and registers them with reg, if not
// nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SharedBufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hummock", Name: "shared_buffer_size_bytes",
			Help: "Bytes of write batches held in shared buffers.",
		}),
		UploadTaskSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hummock", Name: "upload_task_size_bytes",
			Help: "Bytes of write batches being uploaded.",
		}),
		UploadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hummock", Name: "upload_latency_seconds",
			Help:    "Latency of shared buffer upload tasks.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		UploadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hummock", Name: "upload_failures_total",
			Help: "Failed shared buffer upload tasks.",
		}),
		UploadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hummock", Name: "uploaded_bytes_total",
			Help: "Bytes of tables uploaded to the object store.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.SharedBufferSize, m.UploadTaskSize, m.UploadLatency,
			m.UploadFailures, m.UploadedBytes)
	}
	return m
}
