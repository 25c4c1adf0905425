// Copyright 2026 The ChatSafe Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package metrics is ChatSafe's privacy-preserving MetricDigest (spec.md
// §3, §4.7): counters and a latency percentile digest, none of it ever
// keyed by prompt or response content.
package metrics

import (
	"math"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/everettbu/chatsafe/gatewayerr"
)

// Digest is the process-wide metrics singleton. It wraps a private
// prometheus.Registry so the only thing ever exposed to a client is the
// JSON Snapshot spec.md §6 names for GET /metrics, never the Prometheus
// exposition format or its registry internals.
type Digest struct {
	registry      *prometheus.Registry
	requestsTotal prometheus.Counter
	latency       prometheus.Summary
	errorsByKind  *prometheus.CounterVec
	finishReasons *prometheus.CounterVec
}

// New constructs a Digest with its collectors registered.
func New() *Digest {
	d := &Digest{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsafe_requests_total",
			Help: "Total chat completion requests admitted.",
		}),
		latency: prometheus.NewSummary(prometheus.SummaryOpts{
			Name:       "chatsafe_request_duration_seconds",
			Help:       "End-to-end request latency from admission to terminal frame.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
			MaxAge:     10 * time.Minute,
		}),
		errorsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsafe_errors_total",
			Help: "Errors by taxonomy kind (spec.md §7).",
		}, []string{"kind"}),
		finishReasons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsafe_finish_reasons_total",
			Help: "Terminal stream outcomes by finish reason.",
		}, []string{"reason"}),
	}
	d.registry.MustRegister(d.requestsTotal, d.latency, d.errorsByKind, d.finishReasons)
	return d
}

// RecordRequest counts one admitted request.
func (d *Digest) RecordRequest() {
	d.requestsTotal.Inc()
}

// ObserveLatency records one request's end-to-end duration, from
// admission to terminal frame.
func (d *Digest) ObserveLatency(dur time.Duration) {
	d.latency.Observe(dur.Seconds())
}

// RecordError counts one occurrence of an error kind from the taxonomy.
func (d *Digest) RecordError(kind gatewayerr.Kind) {
	d.errorsByKind.WithLabelValues(string(kind)).Inc()
}

// RecordFinish counts one terminal stream outcome (e.g. "stop", "length",
// "cancelled", "error" — the stream package's FinishReason values).
func (d *Digest) RecordFinish(reason string) {
	d.finishReasons.WithLabelValues(reason).Inc()
}

// Snapshot is the JSON shape GET /metrics returns (spec.md §6): counters
// and percentile breakdowns, never content.
type Snapshot struct {
	RequestsTotal  int64            `json:"requests_total"`
	LatencySeconds LatencyDigest    `json:"latency_seconds"`
	ErrorsByKind   map[string]int64 `json:"errors_by_kind"`
	FinishReasons  map[string]int64 `json:"finish_reasons"`
}

// LatencyDigest is the streaming quantile estimate spec.md §3 calls
// MetricDigest's "bounded reservoir or t-digest" over request latencies.
type LatencyDigest struct {
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P99   float64 `json:"p99"`
	Count uint64  `json:"count"`
}

// Snapshot gathers the current state of every collector into the wire
// shape. It never blocks generation: Gather reads the collectors'
// internal atomic/mutex-protected state directly.
func (d *Digest) Snapshot() Snapshot {
	families, err := d.registry.Gather()
	if err != nil {
		// Gather only fails on a malformed collector, which MustRegister
		// above would already have caught; treat as empty rather than
		// letting an observability failure take down a request path.
		return Snapshot{ErrorsByKind: map[string]int64{}, FinishReasons: map[string]int64{}}
	}
	snap := Snapshot{
		ErrorsByKind:  map[string]int64{},
		FinishReasons: map[string]int64{},
	}
	for _, fam := range families {
		switch fam.GetName() {
		case "chatsafe_requests_total":
			snap.RequestsTotal = int64(fam.GetMetric()[0].GetCounter().GetValue())
		case "chatsafe_request_duration_seconds":
			snap.LatencySeconds = summaryToDigest(fam.GetMetric()[0].GetSummary())
		case "chatsafe_errors_total":
			for _, m := range fam.GetMetric() {
				snap.ErrorsByKind[labelValue(m, "kind")] = int64(m.GetCounter().GetValue())
			}
		case "chatsafe_finish_reasons_total":
			for _, m := range fam.GetMetric() {
				snap.FinishReasons[labelValue(m, "reason")] = int64(m.GetCounter().GetValue())
			}
		}
	}
	return snap
}

func summaryToDigest(s *dto.Summary) LatencyDigest {
	d := LatencyDigest{Count: s.GetSampleCount()}
	for _, q := range s.GetQuantile() {
		v := q.GetValue()
		if math.IsNaN(v) {
			v = 0
		}
		switch q.GetQuantile() {
		case 0.5:
			d.P50 = v
		case 0.9:
			d.P90 = v
		case 0.99:
			d.P99 = v
		}
	}
	return d
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
