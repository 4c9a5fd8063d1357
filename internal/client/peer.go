// Package client implements the client-side peer engine of spec.md
// §4.3–§4.8: rendezvous registration, the per-peer PeerSession state
// machine, socket/TUN ingress, and the writer task, grounded throughout on
// original_source/trunk/client/{peer,communication,tunnel}.c and on the
// teacher's p2p.Server/Peer goroutine-per-role structure.
package client

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/campagnol-vpn/campagnol/internal/dtlstransport"
	"github.com/campagnol-vpn/campagnol/internal/fifo"
	"github.com/campagnol-vpn/campagnol/internal/mclock"
	"github.com/campagnol-vpn/campagnol/internal/ratelimit"
)

// State is one of the PeerSession states of spec.md §4.4.
type State int

const (
	StateNew State = iota
	StatePunching
	StateLinked
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StatePunching:
		return "Punching"
	case StateLinked:
		return "Linked"
	case StateEstablished:
		return "Established"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// RdvAnswer records what the RdvDispatcher last told a New-state peer.
type RdvAnswer int

const (
	RdvAnswerNone RdvAnswer = iota
	RdvAnswerANS
	RdvAnswerREJ
)

// Timing constants named in spec.md §4.3/§4.4/§5.
const (
	MaxRegisteringTries = 4
	PunchNumber         = 5
	PunchDelay          = time.Second
	NewStateTimeout     = 3 * time.Second
	PunchingTimeout     = 3 * time.Second
	ReaderRecvTimeout    = 250 * time.Millisecond
	ResponderGrace       = 10 * time.Second
)

// Peer is one PeerRecord + its PeerSession, per spec.md §3/§4.4. A Peer is
// reference-counted: PeerTable.Lookup* borrows a reference the caller must
// release with Release. The record is only ever destroyed by the table
// once the session has entered Closed and refcount reaches zero.
type Peer struct {
	VPNIP       net.IP
	IsInitiator bool

	mu            sync.Mutex
	cond          *sync.Cond
	state         State
	realAddr      *net.UDPAddr
	lanAddr       *net.UDPAddr
	rdvAnswer     RdvAnswer
	lastActivity  time.Time
	lastKeepalive time.Time
	refcount      int32

	outQueue  *fifo.Queue // plaintext packets awaiting the writer task
	inFifo    *fifo.Queue // raw DTLS records awaiting the reader task
	transport *dtlstransport.Transport
	limiter   *ratelimit.Bucket // per-peer rate limiter, nil if connection_max_rate disabled

	punchSignal bool               // set by signalPunched, cleared on Punching entry
	writerDone  chan struct{}      // closed when the writer task exits, set in runEstablished

	clock mclock.Clock
	log   *logrus.Entry

	table *PeerTable
}

// newPeer constructs a Peer with refcount 1 (the table's own reference).
func newPeer(vpnIP net.IP, initiator bool, table *PeerTable, clock mclock.Clock, log *logrus.Entry, fifoSize int) *Peer {
	if fifoSize <= 0 {
		fifoSize = 64
	}
	p := &Peer{
		VPNIP:        vpnIP,
		IsInitiator:  initiator,
		state:        StateNew,
		lastActivity: time.Now(),
		refcount:     1,
		outQueue:     fifo.New(fifoSize, 2048),
		inFifo:       fifo.New(fifoSize, 2048),
		clock:        clock,
		table:        table,
		log:          log.WithField("peer", vpnIP.String()),
	}
	p.cond = sync.NewCond(&p.mu)
	p.outQueue.SetDropTail(true) // §4.5: drop-tail until handshake completion
	if !initiator {
		p.state = StatePunching
	}
	return p
}

// AddRef increments the refcount. PeerTable's lookups call it under the
// table mutex to hand out a borrowed reference; a holder of a reference
// calls it to take a second, independent one.
func (p *Peer) AddRef() {
	p.mu.Lock()
	p.refcount++
	p.mu.Unlock()
}

// Release drops a reference; when it reaches zero the peer is destroyed,
// per spec.md §4.4 "the peer is destroyed exactly when its refcount
// reaches zero, which happens after Closed is entered and all tasks exit."
func (p *Peer) Release() {
	p.mu.Lock()
	p.refcount--
	dead := p.refcount <= 0
	p.mu.Unlock()
	if dead {
		p.destroy()
	}
}

func (p *Peer) destroy() {
	p.inFifo.SetClose(true)
	p.outQueue.SetClose(true)
	if p.transport != nil {
		_ = p.transport.Shutdown()
	}
}

// State returns the current state under the peer mutex.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// setState transitions state and broadcasts cond, for whoever's waiting on
// a state change (SocketIngress/RdvDispatcher signal the same condition).
func (p *Peer) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.cond.Broadcast()
	p.mu.Unlock()
}

// RealAddr returns the peer's current real endpoint, if known.
func (p *Peer) RealAddr() *net.UDPAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.realAddr
}

func (p *Peer) setRealAddr(addr *net.UDPAddr) {
	p.mu.Lock()
	p.realAddr = addr
	p.mu.Unlock()
}

func (p *Peer) touchActivity(now time.Time) {
	p.mu.Lock()
	p.lastActivity = now
	p.mu.Unlock()
}

func (p *Peer) idleFor(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Sub(p.lastActivity)
}

// isClosed reports whether the session has already entered Closed, under
// the peer mutex.
func (p *Peer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateClosed
}

// signalConnected records the RDV dispatcher's verdict and wakes whoever
// is waiting in State New, per spec.md §4.7. An endpoint is recorded only
// while the peer has none: the first real address learned is kept.
func (p *Peer) signalConnected(answer RdvAnswer, endpoint *net.UDPAddr) {
	p.mu.Lock()
	p.rdvAnswer = answer
	if endpoint != nil && p.realAddr == nil {
		p.realAddr = endpoint
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

// signalPunched wakes a Punching-state peer on arrival of any DTLS record,
// PUNCH, or PUNCH_KEEP_ALIVE from its real endpoint, per spec.md §4.4/§4.6.
func (p *Peer) signalPunched() {
	p.mu.Lock()
	p.punchSignal = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// waitCond waits on p.cond for up to timeout, evaluating pred under the
// peer mutex after every wakeup. It returns false if the wait timed out
// without pred becoming true. Go's sync.Cond has no native deadline, so a
// timer goroutine force-broadcasts at expiry — the same technique used by
// internal/fifo.Queue.Read for its recv-timeout.
func (p *Peer) waitCond(timeout time.Duration, pred func() bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pred() {
		return true
	}
	timedOut := false
	timer := time.AfterFunc(timeout, func() {
		p.mu.Lock()
		timedOut = true
		p.mu.Unlock()
		p.cond.Broadcast()
	})
	defer timer.Stop()

	for !pred() && !timedOut {
		p.cond.Wait()
	}
	return pred()
}
