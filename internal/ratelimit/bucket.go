// Package ratelimit implements the token bucket and rate-limited write
// filter of spec.md §4.10–§4.11, grounded on
// original_source/trunk/client/rate_limiter.c.
package ratelimit

import (
	"sync"
	"time"

	"github.com/campagnol-vpn/campagnol/internal/mclock"
)

// Bucket is a token bucket rate limiter charged in bytes. size and
// available are in bytes; rate is bytes per millisecond. overhead is added
// to every packet charge (e.g. UDP/IP header bytes) before debiting.
//
// Invariant: 0 <= available <= size at all times outside of count's
// critical section.
type Bucket struct {
	clock mclock.Clock

	size           float64
	rate           float64 // bytes per millisecond
	available      float64
	lastRefillTime mclock.AbsTime
	packetOverhead float64
	locked         bool
	mu             sync.Mutex
}

// Config parameterizes New.
type Config struct {
	Size           int64   // bucket size in bytes
	RateKBytesPerS float64 // refill rate in kB/s
	Overhead       int64   // bytes added to every packet's charge
	Locked         bool    // protect Count with a mutex (shared buckets)
	Clock          mclock.Clock
}

// New creates a Bucket per spec.md §4.11 "init": available starts full and
// last_refill_time starts now.
func New(cfg Config) *Bucket {
	clk := cfg.Clock
	if clk == nil {
		clk = mclock.System{}
	}
	b := &Bucket{
		clock:          clk,
		size:           float64(cfg.Size),
		rate:           cfg.RateKBytesPerS, // kB/s == bytes/ms
		available:      float64(cfg.Size),
		lastRefillTime: clk.Now(),
		packetOverhead: float64(cfg.Overhead),
		locked:         cfg.Locked,
	}
	return b
}

// Available returns the current token count, primarily for tests.
func (b *Bucket) Available() float64 {
	if b.locked {
		b.mu.Lock()
		defer b.mu.Unlock()
	}
	return b.available
}

// refillLocked advances available by elapsed time * rate, clamped to size,
// and updates lastRefillTime. Caller must hold b.mu if b.locked.
func (b *Bucket) refillLocked(now mclock.AbsTime) {
	elapsedMs := float64(now.Sub(b.lastRefillTime)) / 1e6
	if elapsedMs > 0 {
		b.available += elapsedMs * b.rate
		if b.available > b.size {
			b.available = b.size
		}
	}
	b.lastRefillTime = now
}

// Count charges pkt+overhead bytes against the bucket, per spec.md §4.11.
// It refills first, debits immediately if enough tokens are available, and
// otherwise sleeps the exact deficit/rate duration before refilling again
// and clamping the result to [0, size].
func (b *Bucket) Count(pkt int) {
	if b.locked {
		b.mu.Lock()
	}
	charge := float64(pkt) + b.packetOverhead

	now := b.clock.Now()
	b.refillLocked(now)

	if b.available >= charge {
		b.available -= charge
		if b.locked {
			b.mu.Unlock()
		}
		return
	}

	deficit := charge - b.available
	var sleepMs float64
	if b.rate > 0 {
		sleepMs = deficit / b.rate
	}

	if b.locked {
		b.mu.Unlock()
	}
	if sleepMs > 0 {
		b.clock.Sleep(time.Duration(sleepMs * float64(time.Millisecond)))
	}
	if b.locked {
		b.mu.Lock()
	}

	now = b.clock.Now()
	b.refillLocked(now)
	b.available -= charge
	if b.available < 0 {
		b.available = 0
	}
	if b.available > b.size {
		b.available = b.size
	}
	if b.locked {
		b.mu.Unlock()
	}
}
