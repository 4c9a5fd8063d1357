package client

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/campagnol-vpn/campagnol/internal/config"
	"github.com/campagnol-vpn/campagnol/internal/dtlstransport"
	"github.com/campagnol-vpn/campagnol/internal/mclock"
	"github.com/campagnol-vpn/campagnol/internal/ratelimit"
	"github.com/campagnol-vpn/campagnol/internal/tundevice"
	"github.com/campagnol-vpn/campagnol/internal/wire"
)

// SelectDelay and PingInterval are the client-wide timing constants of
// spec.md §5 ("block in select with a 2s timeout") and §4.3 ("a timer
// emits PING every ~10s").
const (
	SelectDelay  = 2 * time.Second
	PingInterval = 10 * time.Second

	registerWait = 2 * time.Second

	dtlsApplicationData = 23 // DTLS content-type, spec.md §3/§6
	dtlsAlert           = 21
)

// errRegistrationFailed is returned by register once MaxRegisteringTries is
// exhausted, per spec.md §7 "RDV REJ or NOK during registration ... then
// fatal."
var errRegistrationFailed = errors.New("client: rdv registration failed after max tries")

// Client wires together the socket, TUN device, peer table and the worker
// goroutines of spec.md §5: SocketIngress, TunIngress, RdvDispatcher, the
// PING timer, and the per-peer reader/writer/punch tasks each peer starts
// for itself. It plays the role the teacher's p2p.Server plays for its own
// protocol: one struct, one Start, one Stop, everything else a goroutine
// hung off it.
type Client struct {
	cfg   *config.Client
	log   *logrus.Entry
	clock mclock.Clock

	conn    *net.UDPConn
	rdvAddr *net.UDPAddr

	tun *tundevice.Device

	table *PeerTable

	rdvQueue chan wire.Message // 11-byte datagrams from the RDV endpoint

	clientBucket *ratelimit.Bucket // optional client-wide rate limit
	dtlsCfg      dtlstransport.Config

	vpnBroadcast net.IP

	wg     sync.WaitGroup
	quit   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Client from cfg. It does not open the socket or TUN device;
// call Start for that.
func New(cfg *config.Client, dtlsCfg dtlstransport.Config, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	clock := mclock.System{}

	var clientBucket *ratelimit.Bucket
	if cfg.ClientMaxRate > 0 {
		clientBucket = ratelimit.New(ratelimit.Config{
			Size:           int64(cfg.ClientMaxRate * 1024),
			RateKBytesPerS: cfg.ClientMaxRate,
			Overhead:       28, // IPv4+UDP header, matching original_source's rate_limiter.c
			Locked:         true,
			Clock:          clock,
		})
	}

	broadcast := broadcastAddr(cfg.Network)

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		cfg:          cfg,
		log:          log,
		clock:        clock,
		table:        NewPeerTable(0, cfg.FifoSize, clock, log),
		rdvQueue:     make(chan wire.Message, 64),
		clientBucket: clientBucket,
		dtlsCfg:      dtlsCfg,
		vpnBroadcast: broadcast,
		quit:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

func broadcastAddr(n *net.IPNet) net.IP {
	if n == nil {
		return nil
	}
	ip4 := n.IP.To4()
	if ip4 == nil {
		return nil
	}
	out := make(net.IP, 4)
	for i := range out {
		out[i] = ip4[i] | ^n.Mask[i]
	}
	return out
}

// Start opens the socket and TUN device, registers with the RDV, and
// launches every worker goroutine. It blocks until registration completes
// (or fails).
func (c *Client) Start(ctx context.Context) error {
	rdvAddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(c.cfg.ServerHost, strconv.Itoa(int(c.cfg.ServerPort))))
	if err != nil {
		return err
	}
	c.rdvAddr = rdvAddr

	localAddr := &net.UDPAddr{IP: c.cfg.LocalHost, Port: int(c.cfg.LocalPort)}
	conn, err := net.ListenUDP("udp4", localAddr)
	if err != nil {
		return err
	}
	c.conn = conn

	tun, err := tundevice.Open(tundevice.Params{
		VPNIP:       c.cfg.VPNIP,
		MTU:         c.cfg.TunMTU,
		Network:     c.cfg.Network,
		LocalPort:   uint16(conn.LocalAddr().(*net.UDPAddr).Port),
		LocalIP:     c.cfg.LocalHost,
		UpCommand:   c.cfg.TunUp,
		DownCommand: c.cfg.TunDown,
	}, c.log)
	if err != nil {
		conn.Close()
		return err
	}
	c.tun = tun

	if err := c.register(ctx); err != nil {
		c.tun.Close()
		c.conn.Close()
		return err
	}

	c.wg.Add(4)
	go c.socketIngress()
	go c.tunIngress()
	go c.rdvDispatch()
	go c.pingLoop()

	return nil
}

// Stop sends BYE, signals every worker to exit, and waits for them. Stop
// cancels c.ctx first so any peer stuck inside a DTLS handshake (runLinked,
// in session.go) is unblocked immediately rather than waiting out a
// HandshakeTimeout that may not be configured, satisfying the teardown-
// liveness bound of spec.md §8.
func (c *Client) Stop() {
	select {
	case <-c.quit:
		return
	default:
		close(c.quit)
	}
	c.cancel()
	if c.conn != nil {
		c.sendRdv(wire.Message{Type: wire.BYE})
	}
	c.table.ForEach(func(p *Peer) {
		p.setState(StateClosed)
		p.inFifo.SetClose(true)
		p.inFifo.WriteZeroLength()
		p.outQueue.SetClose(true)
		p.outQueue.WriteZeroLength()
	})
	c.wg.Wait()
	if c.tun != nil {
		c.tun.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client) sendRdv(m wire.Message) {
	if _, err := c.conn.WriteToUDP(wire.Encode(m), c.rdvAddr); err != nil {
		c.log.WithError(err).Warn("client: sendto rdv failed")
	}
}

// register implements spec.md §4.3: send HELLO (with an optional LAN hint)
// up to MaxRegisteringTries times, treating OK as success, NOK as a
// rejection worth a 1s-delayed retry, and anything else as "strange" but
// still retryable. This runs before SocketIngress exists, so it reads the
// socket directly rather than via the RDV queue.
func (c *Client) register(ctx context.Context) error {
	var lanIP net.IP
	var lanPort uint16
	if c.cfg.UseLocalAddr {
		if local, ok := c.conn.LocalAddr().(*net.UDPAddr); ok {
			lanIP = c.cfg.LocalHost
			if lanIP == nil {
				lanIP = local.IP
			}
			lanPort = uint16(local.Port)
		}
	}

	for attempt := 0; attempt < MaxRegisteringTries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		hello := wire.Message{Type: wire.HELLO, IP1: c.cfg.VPNIP}
		if lanPort != 0 {
			hello.Port = lanPort
			hello.IP2 = lanIP
		}
		c.sendRdv(hello)

		msg, ok := c.waitRegisterReply()
		if !ok {
			c.log.WithField("attempt", attempt).Warn("client: registration attempt timed out")
			continue
		}

		switch msg.Type {
		case wire.OK:
			c.log.Info("client: registered with rdv")
			return nil
		case wire.NOK:
			c.log.WithField("attempt", attempt).Warn("client: rdv rejected registration")
			time.Sleep(time.Second)
		default:
			c.log.WithField("type", msg.Type).Warn("client: unexpected rdv reply during registration")
		}
	}
	return errRegistrationFailed
}

func (c *Client) waitRegisterReply() (wire.Message, bool) {
	buf := make([]byte, wire.Size)
	deadline := time.Now().Add(registerWait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return wire.Message{}, false
		}
		_ = c.conn.SetReadDeadline(deadline)
		n, from, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			return wire.Message{}, false
		}
		if !sameUDPAddr(from, c.rdvAddr) || n != wire.Size {
			continue
		}
		msg, err := wire.Decode(buf[:n])
		if err != nil {
			continue
		}
		return msg, true
	}
}

// pingLoop fires PING at PingInterval once registration succeeds, per
// spec.md §4.3, standing in for the original's SIGALRM-driven timer per
// spec.md §9's redesign note.
func (c *Client) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
			c.sendRdv(wire.Message{Type: wire.PING})
		}
	}
}

// socketIngress is spec.md §4.6's SocketIngress: the single thread that
// drains the UDP socket, classifying and dispatching each datagram.
func (c *Client) socketIngress() {
	defer c.wg.Done()
	buf := make([]byte, 65536)
	for {
		select {
		case <-c.quit:
			return
		default:
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(SelectDelay))
		n, from, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-c.quit:
				return
			default:
				c.log.WithError(err).Warn("client: recvfrom error")
				continue
			}
		}

		datagram := append([]byte(nil), buf[:n]...)
		c.handleDatagram(datagram, from)
	}
}

// handleDatagram classifies one datagram per spec.md §4.6 and routes it:
// RDV control traffic onto the RDV queue, DTLS records into the owning
// peer's read FIFO, and PUNCH/PUNCH_KEEP_ALIVE into a cond signal.
func (c *Client) handleDatagram(datagram []byte, from *net.UDPAddr) {
	if len(datagram) == 0 {
		return
	}

	if sameUDPAddr(from, c.rdvAddr) && len(datagram) == wire.Size {
		if msg, err := wire.Decode(datagram); err == nil {
			select {
			case c.rdvQueue <- msg:
			default:
				c.log.Warn("client: rdv queue full, dropping control message")
			}
			return
		}
	}

	first := datagram[0]
	if wire.IsDTLSContentType(first) {
		peer, ok := c.table.LookupReal(from)
		if !ok {
			if first == dtlsApplicationData {
				c.sendFatalAlert(datagram, from)
			}
			return
		}
		if st := peer.State(); st == StateLinked || st == StateEstablished {
			peer.touchActivity(time.Now())
			peer.inFifo.Write(datagram)
		}
		peer.signalPunched()
		peer.Release()
		return
	}

	if len(datagram) != wire.Size {
		return
	}
	msg, err := wire.Decode(datagram)
	if err != nil {
		return
	}
	if msg.Type != wire.PUNCH && msg.Type != wire.PUNCH_KEEP_ALIVE {
		return
	}
	if peer, ok := c.table.LookupReal(from); ok {
		peer.touchActivity(time.Now())
		peer.signalPunched()
		peer.Release()
	}
}

// sendFatalAlert replies to an application-data record from an unknown
// peer with a synthetic DTLS fatal alert (length 2, level fatal,
// description internal_error), reusing the incoming record's
// version/epoch/sequence fields, per spec.md §4.6.
func (c *Client) sendFatalAlert(record []byte, from *net.UDPAddr) {
	if len(record) < 11 {
		return
	}
	alert := make([]byte, 15)
	alert[0] = dtlsAlert
	copy(alert[1:11], record[1:11]) // version(2) + epoch(2) + sequence(6)
	binary.BigEndian.PutUint16(alert[11:13], 2)
	alert[13] = 2  // level: fatal
	alert[14] = 80 // description: internal_error
	if _, err := c.conn.WriteToUDP(alert, from); err != nil {
		c.log.WithError(err).Debug("client: fatal alert send failed")
	}
}

// rdvDispatch is spec.md §4.7's RdvDispatcher: consumes decoded RDV
// messages and drives the matching peer's condition or creates a new
// responder peer off FWD_CONNECTION.
func (c *Client) rdvDispatch() {
	defer c.wg.Done()
	for {
		select {
		case <-c.quit:
			return
		case msg := <-c.rdvQueue:
			c.handleRdvMessage(msg)
		}
	}
}

func (c *Client) handleRdvMessage(msg wire.Message) {
	switch msg.Type {
	case wire.REJ_CONNECTION:
		if peer, ok := c.table.LookupVPN(msg.IP1); ok {
			peer.signalConnected(RdvAnswerREJ, nil)
			peer.Release()
		}
	case wire.ANS_CONNECTION:
		if peer, ok := c.table.LookupVPN(msg.IP2); ok {
			addr := &net.UDPAddr{IP: msg.IP1, Port: int(msg.Port)}
			peer.signalConnected(RdvAnswerANS, addr)
			peer.Release()
		}
	case wire.FWD_CONNECTION:
		if peer, ok := c.table.LookupVPN(msg.IP2); ok {
			peer.Release() // duplicate FWD, per spec.md §4.7: ignore
			return
		}
		addr := &net.UDPAddr{IP: msg.IP1, Port: int(msg.Port)}
		peer := c.table.CreateResponder(msg.IP2, addr)
		if peer == nil {
			c.log.Warn("client: dropping fwd_connection, at max_clients")
			return
		}
		peer.Start(c)
	case wire.RECONNECT:
		go func() {
			if err := c.register(c.ctx); err != nil {
				c.log.WithError(err).Error("client: re-registration failed")
			}
		}()
	default:
		// PONG and anything else: no-op, per spec.md §4.7.
	}
}

// tunIngress is spec.md §4.8's TunIngress: reads L3 packets off the TUN
// device and routes them to the broadcast fan-out, the loopback path, or
// the owning peer's out_queue, creating an initiator peer on first use.
func (c *Client) tunIngress() {
	defer c.wg.Done()
	buf := make([]byte, 65536)
	for {
		select {
		case <-c.quit:
			return
		default:
		}

		n, err := c.tun.Read(buf)
		if err != nil {
			select {
			case <-c.quit:
				return
			default:
				c.log.WithError(err).Warn("client: tun read error")
				continue
			}
		}
		if n < 20 {
			continue
		}
		pkt := append([]byte(nil), buf[:n]...)
		dst := net.IP(pkt[16:20])

		switch {
		case c.vpnBroadcast != nil && dst.Equal(c.vpnBroadcast):
			c.table.ForEach(func(p *Peer) {
				if p.State() == StateEstablished {
					p.outQueue.Write(pkt)
				}
			})
		case c.cfg.VPNIP != nil && dst.Equal(c.cfg.VPNIP):
			if _, err := c.tun.Write(pkt); err != nil {
				c.log.WithError(err).Warn("client: tun loopback write failed")
			}
		default:
			peer, ok := c.table.LookupVPN(dst)
			if !ok {
				peer = c.table.CreateInitiator(append(net.IP(nil), dst...))
				peer.AddRef() // one ref for Start, one kept here to enqueue below
				peer.Start(c)
			}
			if peer.State() != StateClosed {
				peer.touchActivity(time.Now())
				peer.outQueue.Write(pkt)
			}
			peer.Release()
		}
	}
}

func sameUDPAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
