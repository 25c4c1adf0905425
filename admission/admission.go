// Copyright 2026 The ChatSafe Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package admission gates requests with a per-source-key token bucket, a
// global token bucket, and a per-key concurrency cap (spec.md §4.6).
package admission

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/everettbu/chatsafe/gatewayerr"
)

// Config holds the Admission Controller's tunables. The zero value is not
// valid; use DefaultConfig.
type Config struct {
	PerKeyCapacity     int
	PerKeyRefillPerSec float64
	GlobalCapacity     int
	GlobalRefillPerSec float64
	MaxConcurrency     int
	IdleEvictAfter     time.Duration
}

// DefaultConfig returns the defaults named in spec.md §4.6.
func DefaultConfig() Config {
	return Config{
		PerKeyCapacity:     60,
		PerKeyRefillPerSec: 1,
		GlobalCapacity:     600,
		GlobalRefillPerSec: 10,
		MaxConcurrency:     5,
		IdleEvictAfter:     10 * time.Minute,
	}
}

type bucketEntry struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	concurrency int
	lastUsed    time.Time
}

// Controller is the process-wide Admission Controller singleton. It is
// safe for concurrent use.
type Controller struct {
	cfg    Config
	global *rate.Limiter

	mu      sync.Mutex
	buckets map[string]*bucketEntry

	stop    chan struct{}
	sweepWG sync.WaitGroup
}

// New constructs a Controller and starts its idle-bucket sweep.
func New(cfg Config) *Controller {
	c := &Controller{
		cfg:     cfg,
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRefillPerSec), cfg.GlobalCapacity),
		buckets: make(map[string]*bucketEntry),
		stop:    make(chan struct{}),
	}
	c.sweepWG.Add(1)
	go c.sweepLoop()
	return c
}

// Close stops the idle-bucket sweep. It does not affect in-flight guards.
func (c *Controller) Close() {
	close(c.stop)
	c.sweepWG.Wait()
}

// Guard represents one admitted request's held concurrency slot. Release
// must be called exactly once, from every exit path (spec.md §4.6, §9
// "Scoped resources").
type Guard struct {
	controller *Controller
	key        string
	released   bool
	mu         sync.Mutex
}

// Release returns the concurrency slot. Calling it more than once is a
// no-op, matching BucketState's "decreased exactly once per released
// slot" invariant (spec.md §3).
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return
	}
	g.released = true
	g.controller.release(g.key)
}

// Admit attempts to admit a request under sourceKey (typically the
// caller's IP or API key). On success it returns a Guard that must be
// released by the caller. On rejection it returns a *gatewayerr.Error
// with Kind RateLimited, carrying the offending dimension in Details.
func (c *Controller) Admit(sourceKey string) (*Guard, error) {
	entry := c.bucketFor(sourceKey)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.concurrency >= c.cfg.MaxConcurrency {
		return nil, gatewayerr.Newf(gatewayerr.RateLimited, "Too many concurrent requests for this client.").WithDetails("concurrency")
	}

	keyRes := entry.limiter.Reserve()
	if !keyRes.OK() || keyRes.Delay() > 0 {
		keyRes.Cancel()
		return nil, gatewayerr.Newf(gatewayerr.RateLimited, "Per-client rate limit exceeded.").WithDetails("per_key")
	}

	globalRes := c.global.Reserve()
	if !globalRes.OK() || globalRes.Delay() > 0 {
		globalRes.Cancel()
		keyRes.Cancel()
		return nil, gatewayerr.Newf(gatewayerr.RateLimited, "Global rate limit exceeded.").WithDetails("global")
	}

	entry.concurrency++
	entry.lastUsed = time.Now()
	return &Guard{controller: c, key: sourceKey}, nil
}

func (c *Controller) release(key string) {
	c.mu.Lock()
	entry, ok := c.buckets[key]
	c.mu.Unlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.concurrency > 0 {
		entry.concurrency--
	}
	entry.lastUsed = time.Now()
}

func (c *Controller) bucketFor(key string) *bucketEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.buckets[key]
	if !ok {
		entry = &bucketEntry{
			limiter:  rate.NewLimiter(rate.Limit(c.cfg.PerKeyRefillPerSec), c.cfg.PerKeyCapacity),
			lastUsed: time.Now(),
		}
		c.buckets[key] = entry
	}
	return entry
}

// sweepLoop evicts buckets that have been idle beyond IdleEvictAfter,
// bounding the map's memory (spec.md §4.6).
func (c *Controller) sweepLoop() {
	defer c.sweepWG.Done()
	interval := c.cfg.IdleEvictAfter / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Controller) sweep() {
	cutoff := time.Now().Add(-c.cfg.IdleEvictAfter)
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.buckets {
		entry.mu.Lock()
		idle := entry.concurrency == 0 && entry.lastUsed.Before(cutoff)
		entry.mu.Unlock()
		if idle {
			delete(c.buckets, key)
		}
	}
}

// Len reports the number of tracked bucket keys, for tests and metrics.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buckets)
}
