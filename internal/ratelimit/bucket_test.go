package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/campagnol-vpn/campagnol/internal/mclock"
)

// fakeClock is a controllable mclock.Clock: Sleep advances the clock by
// exactly the requested duration instead of blocking the test.
type fakeClock struct {
	mu  sync.Mutex
	now mclock.AbsTime
}

func (f *fakeClock) Now() mclock.AbsTime {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Sleep(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestBucketStartsFull(t *testing.T) {
	b := New(Config{Size: 1000, RateKBytesPerS: 10, Clock: &fakeClock{}})
	require.Equal(t, float64(1000), b.Available())
}

func TestBucketDebitsImmediatelyWhenSufficient(t *testing.T) {
	clk := &fakeClock{}
	b := New(Config{Size: 1000, RateKBytesPerS: 10, Clock: clk})
	b.Count(100)
	require.Equal(t, float64(900), b.Available())
}

func TestBucketChargesOverhead(t *testing.T) {
	clk := &fakeClock{}
	b := New(Config{Size: 1000, RateKBytesPerS: 10, Overhead: 28, Clock: clk})
	b.Count(100)
	require.Equal(t, float64(1000-128), b.Available())
}

func TestBucketRefillsOverTime(t *testing.T) {
	clk := &fakeClock{}
	b := New(Config{Size: 1000, RateKBytesPerS: 10, Clock: clk})
	b.Count(1000)
	require.Equal(t, float64(0), b.Available())
	clk.Advance(50 * time.Millisecond)
	b.Count(0)
	require.InDelta(t, 500, b.Available(), 0.001)
}

func TestBucketClampsAtSize(t *testing.T) {
	clk := &fakeClock{}
	b := New(Config{Size: 1000, RateKBytesPerS: 10, Clock: clk})
	clk.Advance(10 * time.Second)
	b.Count(0)
	require.Equal(t, float64(1000), b.Available())
}

func TestBucketSleepsWhenInsufficient(t *testing.T) {
	clk := &fakeClock{}
	b := New(Config{Size: 100, RateKBytesPerS: 10, Clock: clk})
	b.Count(100) // drains the bucket fully
	before := clk.Now()
	b.Count(50) // needs to wait for 50 bytes at 10 B/ms = 5ms
	after := clk.Now()
	require.Equal(t, 5*time.Millisecond, after.Sub(before))
	require.InDelta(t, 0, b.Available(), 0.001)
}

// TestBucketConservation checks the invariant of spec.md §8: over any
// window of duration T, total bytes admitted <= size + rate*T + overhead*pkts.
func TestBucketConservation(t *testing.T) {
	clk := &fakeClock{}
	const size, rate, overhead = 2000, 20.0, 10
	b := New(Config{Size: size, RateKBytesPerS: rate, Overhead: overhead, Clock: clk})

	var admitted int
	var pkts int
	for i := 0; i < 200; i++ {
		b.Count(100)
		admitted += 100
		pkts++
		clk.Advance(2 * time.Millisecond)
	}
	elapsedMs := float64(pkts) * 2
	limit := float64(size) + rate*elapsedMs + overhead*float64(pkts)
	require.LessOrEqual(t, float64(admitted), limit)
}

// TestBucketNoStarvation verifies spec.md §8's steady-state property: with
// rate>0, a bounded stream of packets eventually all get admitted.
func TestBucketNoStarvation(t *testing.T) {
	clk := &fakeClock{}
	b := New(Config{Size: 200, RateKBytesPerS: 5, Clock: clk})
	for i := 0; i < 20; i++ {
		b.Count(100) // each call either succeeds immediately or sleeps until it can
	}
	// Reaching here without hanging demonstrates every packet was eventually admitted.
	require.GreaterOrEqual(t, b.Available(), float64(0))
}

func TestBucketLockedIsConcurrencySafe(t *testing.T) {
	clk := &fakeClock{}
	b := New(Config{Size: 100000, RateKBytesPerS: 1000, Locked: true, Clock: clk})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Count(10)
		}()
	}
	wg.Wait()
}
