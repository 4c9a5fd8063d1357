package dtlstransport

import (
	"net"
	"time"

	"github.com/campagnol-vpn/campagnol/internal/fifo"
	"github.com/campagnol-vpn/campagnol/internal/ratelimit"
)

// bioConn adapts the two BIO-shaped halves of spec.md §4.9 — a readable
// fifo.Queue and a rate-limited ratelimit.Filter write sink — into a
// net.Conn, which is the shape github.com/pion/dtls/v2's Client/Server
// entry points consume. Each Read/Write moves exactly one DTLS record,
// matching the FIFO's whole-datagram semantics.
type bioConn struct {
	local, remote net.Addr
	in            *fifo.Queue
	out           *ratelimit.Filter
}

func newBioConn(in *fifo.Queue, out *ratelimit.Filter, local, remote net.Addr) *bioConn {
	return &bioConn{local: local, remote: remote, in: in, out: out}
}

// Read blocks for one datagram from in, honoring its configured
// recv-timeout. A timeout is surfaced as a net.Error so callers using
// net.Conn's usual deadline idiom see the same retryable-timeout signal
// spec.md §4.9 describes for the FIFO directly.
func (c *bioConn) Read(b []byte) (int, error) {
	buf, ok := c.in.Read()
	if !ok {
		return 0, errTimeout{}
	}
	n := copy(b, buf)
	return n, nil
}

// Write forwards one record through the rate-limited sink.
func (c *bioConn) Write(b []byte) (int, error) {
	return c.out.Write(b)
}

// Close marks the read side closed; the caller owns shutting down the
// underlying real socket and any rate limiter buckets, since those may be
// shared across peers.
func (c *bioConn) Close() error {
	c.in.SetClose(true)
	c.in.WriteZeroLength()
	return nil
}

func (c *bioConn) LocalAddr() net.Addr  { return c.local }
func (c *bioConn) RemoteAddr() net.Addr { return c.remote }

// SetDeadline and friends map onto the FIFO's recv-timeout control rather
// than a true absolute deadline, since fifo.Queue only supports a relative
// timeout (spec.md §4.9). Deadlines in the past or zero disable the
// timeout.
func (c *bioConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *bioConn) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		c.in.SetRecvTimeout(0)
		return nil
	}
	d := time.Until(t)
	if d < 0 {
		d = 0
	}
	c.in.SetRecvTimeout(d)
	return nil
}

func (c *bioConn) SetWriteDeadline(time.Time) error { return nil }

type errTimeout struct{}

func (errTimeout) Error() string   { return "dtlstransport: read timeout" }
func (errTimeout) Timeout() bool   { return true }
func (errTimeout) Temporary() bool { return true }

var _ net.Conn = (*bioConn)(nil)
var _ error = errTimeout{}
