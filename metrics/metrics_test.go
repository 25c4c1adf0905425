// Copyright 2026 The ChatSafe Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package metrics

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/everettbu/chatsafe/gatewayerr"
)

func TestSnapshotCountsRequestsAndFinishReasons(t *testing.T) {
	d := New()
	d.RecordRequest()
	d.RecordRequest()
	d.RecordFinish("stop")
	d.RecordFinish("stop")
	d.RecordFinish("cancelled")

	snap := d.Snapshot()
	if snap.RequestsTotal != 2 {
		t.Fatalf("RequestsTotal = %d, want 2", snap.RequestsTotal)
	}
	if snap.FinishReasons["stop"] != 2 {
		t.Fatalf("FinishReasons[stop] = %d, want 2", snap.FinishReasons["stop"])
	}
	if snap.FinishReasons["cancelled"] != 1 {
		t.Fatalf("FinishReasons[cancelled] = %d, want 1", snap.FinishReasons["cancelled"])
	}
}

func TestSnapshotCountsErrorsByKind(t *testing.T) {
	d := New()
	d.RecordError(gatewayerr.RateLimited)
	d.RecordError(gatewayerr.RateLimited)
	d.RecordError(gatewayerr.Timeout)

	snap := d.Snapshot()
	if snap.ErrorsByKind["rate_limited"] != 2 {
		t.Fatalf("ErrorsByKind[rate_limited] = %d, want 2", snap.ErrorsByKind["rate_limited"])
	}
	if snap.ErrorsByKind["timeout"] != 1 {
		t.Fatalf("ErrorsByKind[timeout] = %d, want 1", snap.ErrorsByKind["timeout"])
	}
}

func TestSnapshotLatencyPercentiles(t *testing.T) {
	d := New()
	for _, ms := range []int{10, 20, 30, 40, 50, 60, 70, 80, 90, 100} {
		d.ObserveLatency(time.Duration(ms) * time.Millisecond)
	}
	snap := d.Snapshot()
	if snap.LatencySeconds.Count != 10 {
		t.Fatalf("latency count = %d, want 10", snap.LatencySeconds.Count)
	}
	if snap.LatencySeconds.P50 <= 0 || snap.LatencySeconds.P99 <= 0 {
		t.Fatalf("expected nonzero percentiles, got %+v", snap.LatencySeconds)
	}
	if snap.LatencySeconds.P50 > snap.LatencySeconds.P99 {
		t.Fatalf("p50 (%v) should not exceed p99 (%v)", snap.LatencySeconds.P50, snap.LatencySeconds.P99)
	}
}

func TestSnapshotWithNoObservationsHasNoNaN(t *testing.T) {
	d := New()
	snap := d.Snapshot()
	b, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal empty snapshot: %v", err)
	}
	if strings.Contains(string(b), "NaN") {
		t.Fatalf("snapshot JSON contains NaN: %s", b)
	}
}

// TestSnapshotNeverCarriesContent is the privacy property spec.md §8
// names: metric output must never contain characters from submitted
// prompts. The Digest's recorders take only request counts, latencies,
// error kinds and finish reasons, never prompt or response text, so a
// prompt sentinel has no path into a Snapshot.
func TestSnapshotNeverCarriesContent(t *testing.T) {
	d := New()
	d.RecordRequest()
	d.RecordError(gatewayerr.Internal)
	d.RecordFinish("stop")

	b, err := json.Marshal(d.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	const sentinel = "XYZZY123"
	if strings.Contains(string(b), sentinel) {
		t.Fatal("snapshot must never be able to carry prompt content")
	}
}
