// Copyright 2026 The ChatSafe Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package admission

import (
	"testing"
	"time"

	"github.com/everettbu/chatsafe/gatewayerr"
)

func smallConfig() Config {
	return Config{
		PerKeyCapacity:     3,
		PerKeyRefillPerSec: 1,
		GlobalCapacity:     100,
		GlobalRefillPerSec: 100,
		MaxConcurrency:     5,
		IdleEvictAfter:     50 * time.Millisecond,
	}
}

// TestAdmitBurstThenRejectThenRefill is the burst-admission property of
// spec.md §8: with per-key capacity C and a burst of C+N at t=0, exactly C
// are admitted and N rejected; after 1/R seconds one more is admitted.
func TestAdmitBurstThenRejectThenRefill(t *testing.T) {
	c := New(smallConfig())
	defer c.Close()

	var guards []*Guard
	for i := 0; i < 3; i++ {
		g, err := c.Admit("client-a")
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		guards = append(guards, g)
	}
	for _, g := range guards {
		g.Release()
	}

	if _, err := c.Admit("client-a"); err == nil {
		t.Fatal("4th burst admission should have been rejected")
	} else if ge := gatewayerr.Of(err); ge == nil || ge.Kind != gatewayerr.RateLimited {
		t.Fatalf("error kind = %v, want rate_limited", err)
	}

	time.Sleep(1100 * time.Millisecond)
	g, err := c.Admit("client-a")
	if err != nil {
		t.Fatalf("admission after refill should succeed: %v", err)
	}
	g.Release()
}

func TestAdmitConcurrencyCap(t *testing.T) {
	cfg := smallConfig()
	cfg.PerKeyCapacity = 100
	cfg.MaxConcurrency = 2
	c := New(cfg)
	defer c.Close()

	g1, err := c.Admit("client-b")
	if err != nil {
		t.Fatal(err)
	}
	g2, err := c.Admit("client-b")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Admit("client-b"); err == nil {
		t.Fatal("expected concurrency cap rejection")
	} else if ge := gatewayerr.Of(err); ge == nil || ge.Details != "concurrency" {
		t.Fatalf("error = %v, want concurrency-dimension rate_limited", err)
	}

	g1.Release()
	g3, err := c.Admit("client-b")
	if err != nil {
		t.Fatalf("releasing a slot should free capacity: %v", err)
	}
	g2.Release()
	g3.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	c := New(smallConfig())
	defer c.Close()

	g, err := c.Admit("client-c")
	if err != nil {
		t.Fatal(err)
	}
	g.Release()
	g.Release() // must not double-decrement or panic

	g2, err := c.Admit("client-c")
	if err != nil {
		t.Fatalf("double release should not have corrupted the slot count: %v", err)
	}
	g2.Release()
}

func TestGlobalBucketCapsAcrossKeys(t *testing.T) {
	cfg := Config{
		PerKeyCapacity:     100,
		PerKeyRefillPerSec: 100,
		GlobalCapacity:     2,
		GlobalRefillPerSec: 0.001,
		MaxConcurrency:     100,
		IdleEvictAfter:     time.Minute,
	}
	c := New(cfg)
	defer c.Close()

	if _, err := c.Admit("a"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Admit("b"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Admit("c"); err == nil {
		t.Fatal("expected global bucket exhaustion across distinct keys")
	} else if ge := gatewayerr.Of(err); ge == nil || ge.Details != "global" {
		t.Fatalf("error = %v, want global-dimension rate_limited", err)
	}
}

func TestIdleBucketEviction(t *testing.T) {
	c := New(smallConfig())
	defer c.Close()

	g, err := c.Admit("transient")
	if err != nil {
		t.Fatal(err)
	}
	g.Release()
	if c.Len() != 1 {
		t.Fatalf("bucket count = %d, want 1 before eviction", c.Len())
	}

	time.Sleep(200 * time.Millisecond)
	if c.Len() != 0 {
		t.Fatalf("bucket count = %d, want 0 after idle eviction", c.Len())
	}
}
