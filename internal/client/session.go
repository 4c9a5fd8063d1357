package client

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/campagnol-vpn/campagnol/internal/dtlstransport"
	"github.com/campagnol-vpn/campagnol/internal/ratelimit"
	"github.com/campagnol-vpn/campagnol/internal/wire"
)

// udpSink adapts the client's shared UDP socket plus one peer's real
// endpoint into a ratelimit.Sink, matching spec.md §4.10's "unreliable
// datagram sink" that the rate-limited write filter delegates to.
type udpSink struct {
	conn *net.UDPConn
	addr *net.UDPAddr
}

func (s *udpSink) Write(b []byte) (int, error) {
	return s.conn.WriteToUDP(b, s.addr)
}

// Start launches the peer's state machine as a detached goroutine, per
// spec.md §4.4. p must carry exactly one reference that Start takes
// ownership of and releases once the session reaches Closed and every
// task it spawned has exited — this is the peer's invariant (iv).
func (p *Peer) Start(c *Client) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer p.Release()
		p.run(c)
	}()
}

// run drives the PeerSession state machine of spec.md §4.4 from whatever
// state the peer was constructed in through to Closed.
func (p *Peer) run(c *Client) {
	if p.IsInitiator {
		if !p.runNew(c) {
			return
		}
	}
	if !p.runPunching(c) {
		return
	}
	if !p.runLinked(c) {
		return
	}
	p.runEstablished(c)
}

// runNew implements spec.md §4.4 state New: send ASK_CONNECTION and wait up
// to NewStateTimeout for the RdvDispatcher to deliver ANS or REJ.
func (p *Peer) runNew(c *Client) bool {
	p.mu.Lock()
	p.rdvAnswer = RdvAnswerNone
	p.mu.Unlock()

	c.sendRdv(wire.Message{Type: wire.ASK_CONNECTION, IP1: p.VPNIP})

	p.waitCond(NewStateTimeout, func() bool {
		return p.rdvAnswer != RdvAnswerNone || p.state == StateClosed
	})

	p.mu.Lock()
	answer := p.rdvAnswer
	closing := p.state == StateClosed
	p.mu.Unlock()

	if closing {
		return false
	}
	if answer != RdvAnswerANS {
		p.log.Debug("client: ask_connection rejected or timed out")
		p.finishClose(c)
		return false
	}

	c.table.RegisterReal(p, p.RealAddr())
	p.setState(StatePunching)
	return true
}

// runPunching implements spec.md §4.4 state Punching: spawn the detached
// punch task and wait up to PunchingTimeout for SocketIngress to observe
// any traffic from the peer's real endpoint.
func (p *Peer) runPunching(c *Client) bool {
	p.mu.Lock()
	p.punchSignal = false
	p.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		p.sendPunches(c)
	}()

	p.waitCond(PunchingTimeout, func() bool {
		return p.punchSignal || p.state == StateClosed
	})

	p.mu.Lock()
	signalled := p.punchSignal
	closing := p.state == StateClosed
	p.mu.Unlock()

	if closing {
		return false
	}
	if !signalled {
		p.log.Debug("client: punching timed out")
		c.sendRdv(wire.Message{Type: wire.CLOSE_CONNECTION, IP1: p.VPNIP})
		p.finishClose(c)
		return false
	}

	p.setState(StateLinked)
	return true
}

// sendPunches sends PunchNumber PUNCH datagrams to the peer's real
// endpoint at PunchDelay spacing, per spec.md §4.4 "spawn a detached task".
func (p *Peer) sendPunches(c *Client) {
	addr := p.RealAddr()
	if addr == nil {
		return
	}
	msg := wire.Encode(wire.Message{Type: wire.PUNCH})
	for i := 0; i < PunchNumber; i++ {
		if p.State() != StatePunching {
			return
		}
		if _, err := c.conn.WriteToUDP(msg, addr); err != nil {
			p.log.WithError(err).Debug("client: punch send failed")
		}
		select {
		case <-c.quit:
			return
		case <-time.After(PunchDelay):
		}
	}
}

// runLinked implements spec.md §4.4 state Linked: drive the DTLS handshake
// (connect for the initiator, accept for the responder) to completion over
// the peer's FIFO/rate-limited BIO pair, then derive the session MTU.
func (p *Peer) runLinked(c *Client) bool {
	real := p.RealAddr()
	if real == nil {
		p.log.Warn("client: entered Linked with no real address")
		c.sendRdv(wire.Message{Type: wire.CLOSE_CONNECTION, IP1: p.VPNIP})
		p.finishClose(c)
		return false
	}

	var perPeer *ratelimit.Bucket
	if c.cfg.ConnectionMaxRate > 0 {
		perPeer = ratelimit.New(ratelimit.Config{
			Size:           int64(c.cfg.ConnectionMaxRate * 1024),
			RateKBytesPerS: c.cfg.ConnectionMaxRate,
			Overhead:       28,
			Clock:          c.clock,
		})
	}
	sink := &udpSink{conn: c.conn, addr: real}
	filter := ratelimit.NewFilter(sink, c.clientBucket, perPeer)

	dtlsCfg := c.dtlsCfg

	// c.ctx is cancelled by Client.Stop, so a handshake stuck on a silent
	// remote unblocks on shutdown even if HandshakeTimeout is unset, per
	// spec.md §8's teardown-liveness bound.
	var transport *dtlstransport.Transport
	var err error
	if p.IsInitiator {
		transport, err = dtlstransport.DialClient(c.ctx, dtlsCfg, p.inFifo, filter, c.conn.LocalAddr(), real, p.log)
	} else {
		transport, err = dtlstransport.AcceptServer(c.ctx, dtlsCfg, p.inFifo, filter, c.conn.LocalAddr(), real, p.log)
	}
	if err != nil {
		p.log.WithError(err).Debug("client: dtls handshake failed")
		c.sendRdv(wire.Message{Type: wire.CLOSE_CONNECTION, IP1: p.VPNIP})
		p.finishClose(c)
		return false
	}

	p.mu.Lock()
	p.transport = transport
	p.limiter = perPeer
	p.lastKeepalive = time.Now()
	p.mu.Unlock()

	transport.SetReadRecvTimeout(ReaderRecvTimeout)
	// pion/dtls exposes no way to push this MTU back into the session; the
	// enforcement point is the TUN interface's own MTU (set from
	// cfg.TunMTU at Start), so this is a consistency check, not a no-op:
	// if the DTLS overhead ever leaves less room than the interface
	// advertises, packets the kernel hands us would overflow one record.
	if mtu := transport.TunMTU(); mtu < c.cfg.TunMTU {
		p.log.WithFields(logrus.Fields{
			"derived_mtu": mtu,
			"tun_mtu":     c.cfg.TunMTU,
		}).Warn("client: dtls record overhead leaves less headroom than tun_mtu")
	} else {
		p.log.WithField("mtu", mtu).Debug("client: dtls session established")
	}
	p.setState(StateEstablished)
	c.table.Connected.Send(PeerEvent{VPNIP: p.VPNIP, State: StateEstablished})
	return true
}

// runEstablished implements spec.md §4.4 state Established: start the
// writer task, switch the out_queue to blocking semantics, and run the
// reader loop in this goroutine until the session tears down.
func (p *Peer) runEstablished(c *Client) {
	p.outQueue.SetDropTail(false)

	writerDone := make(chan struct{})
	p.mu.Lock()
	p.writerDone = writerDone
	p.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(writerDone)
		p.writerLoop(c)
	}()

	p.readerLoop(c)

	<-writerDone
}

// readerLoop is the per-peer reader task of spec.md §4.4 "Established":
// read side. It also owns the handshake's goroutine, per spec.md §4.4
// "handshake and read are in the same task".
func (p *Peer) readerLoop(c *Client) {
	buf := make([]byte, 65536)
	for {
		n, err := p.transport.Read(buf)
		if err != nil {
			if p.transport.RecvTimerExpired() {
				if !p.onReadTimeout(c) {
					return
				}
				continue
			}
			p.log.WithError(err).Debug("client: dtls read closed")
			p.finishClose(c)
			return
		}
		if n == 0 {
			p.log.Debug("client: peer sent dtls close-notify")
			p.finishClose(c)
			return
		}

		p.touchActivity(time.Now())
		pkt := buf[:n]
		if c.vpnBroadcast != nil && len(pkt) >= 20 && net.IP(pkt[16:20]).Equal(c.vpnBroadcast) {
			rewriteBroadcast(pkt, vpnIPArray(c.cfg.VPNIP))
		}
		if _, err := c.tun.Write(pkt); err != nil {
			c.log.WithError(err).Warn("client: tun write failed")
		}
	}
}

// onReadTimeout implements spec.md §4.4's per-wakeup liveness check: send a
// keepalive if due, and close the session if the peer has been silent past
// its timeout (responders get a +10s grace). Returns false if the session
// was closed.
func (p *Peer) onReadTimeout(c *Client) bool {
	now := time.Now()

	p.mu.Lock()
	lastKA := p.lastKeepalive
	lastAct := p.lastActivity
	p.mu.Unlock()

	if now.Sub(lastKA) > c.cfg.Keepalive {
		if addr := p.RealAddr(); addr != nil {
			msg := wire.Encode(wire.Message{Type: wire.PUNCH_KEEP_ALIVE})
			if _, err := c.conn.WriteToUDP(msg, addr); err != nil {
				p.log.WithError(err).Debug("client: keepalive send failed")
			}
		}
		p.mu.Lock()
		p.lastKeepalive = now
		p.mu.Unlock()
	}

	timeout := c.cfg.Timeout
	if !p.IsInitiator {
		timeout += ResponderGrace
	}
	if now.Sub(lastAct) > timeout {
		p.log.Debug("client: peer timed out")
		c.sendRdv(wire.Message{Type: wire.CLOSE_CONNECTION, IP1: p.VPNIP})
		if p.transport != nil {
			_ = p.transport.Shutdown()
		}
		p.finishClose(c)
		return false
	}
	return true
}

// writerLoop is the per-peer writer task of spec.md §4.5: drain out_queue
// into DTLS write, exiting on a zero-length dequeue (teardown signal) or a
// non-recoverable write error.
func (p *Peer) writerLoop(c *Client) {
	for {
		buf, ok := p.outQueue.Read()
		if !ok {
			continue // recv-timeout retry indicator; out_queue blocks forever by default
		}
		if len(buf) == 0 {
			return
		}
		if p.isClosed() {
			return
		}
		if _, err := p.transport.Write(buf); err != nil {
			p.log.WithError(err).Debug("client: dtls write failed")
			return
		}
	}
}

// finishClose moves the peer to Closed, unlinks it from the table's
// indices, and forces the reader/writer tasks awake so they can observe
// the new state and exit, per spec.md §4.4's Closed state.
func (p *Peer) finishClose(c *Client) {
	p.setState(StateClosed)
	c.table.Remove(p)
	c.table.Connected.Send(PeerEvent{VPNIP: p.VPNIP, State: StateClosed})

	p.inFifo.SetClose(true)
	p.inFifo.WriteZeroLength()
	p.outQueue.SetClose(true)
	p.outQueue.WriteZeroLength()
}

// vpnIPArray renders ip as a fixed 4-byte array for rewriteBroadcast.
func vpnIPArray(ip net.IP) [4]byte {
	var out [4]byte
	if v4 := ip.To4(); v4 != nil {
		copy(out[:], v4)
	}
	return out
}
