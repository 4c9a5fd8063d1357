// Package fifo implements the bounded datagram queue of spec.md §4.9,
// grounded on the original implementation's OpenSSL BIO FIFO
// (original_source/trunk/client/bss_fifo.c): a fixed ring of byte slots,
// drop-tail toggle, hysteresis-based write backpressure, and a recv-timeout
// that surfaces as a retryable read rather than an error.
package fifo

import (
	"sync"
	"time"
)

// Queue is a bounded FIFO of whole datagrams. The zero value is not usable;
// construct with New.
type Queue struct {
	mu sync.Mutex

	slots       [][]byte // each slot's backing array, grown/truncated as needed
	lens        []int    // valid length currently stored in each slot
	size        int      // capacity in slots
	threshold   int      // hysteresis wakeup threshold for writers, size/10
	readIndex  int
	writeIndex int
	count      int

	dropTail bool
	closed   bool

	recvTimeout time.Duration
	timerExp    bool

	notEmpty *sync.Cond
	notFull  *sync.Cond
}

// New creates a Queue with size slots, each pre-allocated to dataSize
// bytes (slots grow on an oversize write; see Write).
func New(size, dataSize int) *Queue {
	if size <= 0 {
		size = 1
	}
	q := &Queue{
		slots:     make([][]byte, size),
		lens:      make([]int, size),
		size:      size,
		threshold: size / 10,
	}
	for i := range q.slots {
		q.slots[i] = make([]byte, dataSize)
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// SetDropTail enables or disables drop-tail behavior: when enabled, Write
// against a full queue discards the new datagram instead of blocking.
func (q *Queue) SetDropTail(v bool) {
	q.mu.Lock()
	q.dropTail = v
	q.mu.Unlock()
}

// DropTail reports the current drop-tail setting.
func (q *Queue) DropTail() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropTail
}

// SetRecvTimeout configures how long Read blocks on an empty queue before
// giving up and reporting a retryable timeout. Zero means block forever.
func (q *Queue) SetRecvTimeout(d time.Duration) {
	q.mu.Lock()
	q.recvTimeout = d
	q.mu.Unlock()
}

// RecvTimeout returns the configured receive timeout.
func (q *Queue) RecvTimeout() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.recvTimeout
}

// RecvTimerExpired reports whether the last Read timed out, and clears the
// flag — a one-shot control query mirroring BIO_CTRL_FIFO_GET_RECV_TIMER_EXP.
func (q *Queue) RecvTimerExpired() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	v := q.timerExp
	q.timerExp = false
	return v
}

// Reset empties the queue without touching configuration.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.readIndex, q.writeIndex, q.count = 0, 0, 0
	q.mu.Unlock()
}

// Eof reports whether the queue is currently empty.
func (q *Queue) Eof() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count == 0
}

// Pending returns the sum of the sizes of all currently queued datagrams.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	idx := q.readIndex
	for i := 0; i < q.count; i++ {
		total += q.lens[idx]
		idx = (idx + 1) % q.size
	}
	return total
}

// SetClose sets the close flag consulted by whatever owns this Queue when
// deciding whether to free it; the Queue itself doesn't act on it.
func (q *Queue) SetClose(v bool) {
	q.mu.Lock()
	q.closed = v
	q.mu.Unlock()
}

// Close reports the close flag.
func (q *Queue) Close() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Write enqueues a copy of buf. If the queue is full and drop-tail is
// enabled, Write reports success (len(buf)) without touching the queue. If
// full and drop-tail is disabled, Write blocks until a reader frees space.
// A slot too small for buf is replaced by one of len(buf) bytes, so a
// datagram is never truncated.
func (q *Queue) Write(buf []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == q.size {
		if q.dropTail {
			return len(buf), nil
		}
		for q.count == q.size {
			q.notFull.Wait()
		}
	}

	slot := q.slots[q.writeIndex]
	n := len(buf)
	if n > cap(slot) {
		slot = make([]byte, n)
		q.slots[q.writeIndex] = slot
	}
	copy(slot, buf)
	q.lens[q.writeIndex] = n

	q.writeIndex = (q.writeIndex + 1) % q.size
	q.count++
	q.notEmpty.Signal()
	return n, nil
}

// WriteZeroLength enqueues a zero-length datagram, used as an in-band
// wakeup to unblock a blocked reader without delivering real data (see
// spec.md §4.9, "write_zero_length").
func (q *Queue) WriteZeroLength() {
	_, _ = q.Write(nil)
}

// Read dequeues the oldest datagram into a freshly sized byte slice. If the
// queue is empty, Read waits up to the configured recv-timeout (or
// forever, if zero); on timeout it returns (nil, false) and sets the
// retry-read indicator retrievable via RecvTimerExpired.
func (q *Queue) Read() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		if q.recvTimeout <= 0 {
			for q.count == 0 {
				q.notEmpty.Wait()
			}
		} else {
			timedOut := false
			timer := time.AfterFunc(q.recvTimeout, func() {
				q.mu.Lock()
				timedOut = true
				q.mu.Unlock()
				q.notEmpty.Broadcast()
			})
			for q.count == 0 && !timedOut {
				q.notEmpty.Wait()
			}
			timer.Stop()
			if q.count == 0 {
				q.timerExp = true
				return nil, false
			}
		}
	}

	out := make([]byte, q.lens[q.readIndex])
	copy(out, q.slots[q.readIndex][:q.lens[q.readIndex]])
	q.readIndex = (q.readIndex + 1) % q.size
	q.count--
	if q.size-q.count >= q.threshold {
		q.notFull.Signal()
	}
	return out, true
}

