package fifo

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFIFOOrdering(t *testing.T) {
	q := New(4, 16)
	for i := 0; i < 3; i++ {
		_, err := q.Write([]byte{byte(i)})
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		out, ok := q.Read()
		require.True(t, ok)
		require.Equal(t, []byte{byte(i)}, out)
	}
}

func TestFIFOOrderingUnderInterleaving(t *testing.T) {
	q := New(2, 16)
	var got [][]byte
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			out, ok := q.Read()
			if !ok {
				continue
			}
			mu.Lock()
			got = append(got, out)
			mu.Unlock()
		}
	}()
	for i := 0; i < 50; i++ {
		_, err := q.Write([]byte{byte(i)})
		require.NoError(t, err)
	}
	wg.Wait()
	for i, b := range got {
		require.Equal(t, byte(i), b[0])
	}
}

func TestFIFODropTail(t *testing.T) {
	q := New(2, 16)
	q.SetDropTail(true)
	_, err := q.Write([]byte{1})
	require.NoError(t, err)
	_, err = q.Write([]byte{2})
	require.NoError(t, err)

	n, err := q.Write([]byte{3, 4, 5})
	require.NoError(t, err)
	require.Equal(t, 3, n)

	out, ok := q.Read()
	require.True(t, ok)
	require.Equal(t, []byte{1}, out)
	out, ok = q.Read()
	require.True(t, ok)
	require.Equal(t, []byte{2}, out)
}

func TestFIFOGrowsOversizeSlot(t *testing.T) {
	q := New(1, 4)
	big := make([]byte, 100)
	for i := range big {
		big[i] = byte(i)
	}
	_, err := q.Write(big)
	require.NoError(t, err)
	out, ok := q.Read()
	require.True(t, ok)
	require.Equal(t, big, out)
}

func TestFIFORecvTimeout(t *testing.T) {
	q := New(2, 16)
	q.SetRecvTimeout(20 * time.Millisecond)
	start := time.Now()
	_, ok := q.Read()
	require.False(t, ok)
	require.True(t, q.RecvTimerExpired())
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestFIFOWriteZeroLengthWakesReader(t *testing.T) {
	q := New(2, 16)
	done := make(chan struct{})
	go func() {
		out, ok := q.Read()
		require.True(t, ok)
		require.Len(t, out, 0)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	q.WriteZeroLength()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reader was not woken by zero-length write")
	}
}

func TestFIFOPending(t *testing.T) {
	q := New(4, 16)
	_, _ = q.Write([]byte{1, 2, 3})
	_, _ = q.Write([]byte{1, 2})
	require.Equal(t, 5, q.Pending())
}

func TestFIFOBlockingWriteUnblocksOnHysteresis(t *testing.T) {
	q := New(10, 16) // threshold = 1
	for i := 0; i < 10; i++ {
		_, _ = q.Write([]byte{byte(i)})
	}
	done := make(chan struct{})
	go func() {
		_, err := q.Write([]byte{99})
		require.NoError(t, err)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("writer unblocked before any space was freed")
	default:
	}
	_, _ = q.Read()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer was not woken after read freed space")
	}
}
