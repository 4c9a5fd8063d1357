package client

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/campagnol-vpn/campagnol/internal/event"
	"github.com/campagnol-vpn/campagnol/internal/mclock"
)

// PeerTable is the client's global peer directory, indexed by VPN IP and,
// once a peer leaves New, by its real (addr,port) endpoint too — spec.md
// §5 "the peer table and its two indices are protected by one ... global
// mutex". The original's mutex is documented recursive because refcount
// drops can call back into table removal; this port instead never calls
// Release while holding tbl.mu (Peer.destroy runs outside any table lock),
// which keeps a plain sync.Mutex sufficient.
type PeerTable struct {
	mu     sync.Mutex
	byVPN  map[string]*Peer
	byReal map[string]*Peer

	maxClients int
	fifoSize   int
	clock      mclock.Clock
	log        *logrus.Entry

	// Connected fires a PeerEvent whenever a peer reaches Established or
	// Closed, the way the teacher's p2p.Server publishes to its peerFeed.
	Connected event.Feed
}

// PeerEvent is published on PeerTable.Connected.
type PeerEvent struct {
	VPNIP   net.IP
	State   State
}

// NewPeerTable creates an empty table. maxClients of 0 means unlimited
// (only meaningful for responder peers created off FWD_CONNECTION, per
// spec.md §4.7). fifoSize of 0 falls back to a sane default slot count for
// every peer's in/out FIFOs (spec.md §6 "fifo_size").
func NewPeerTable(maxClients, fifoSize int, clock mclock.Clock, log *logrus.Entry) *PeerTable {
	if clock == nil {
		clock = mclock.System{}
	}
	if fifoSize <= 0 {
		fifoSize = 64
	}
	return &PeerTable{
		byVPN:      make(map[string]*Peer),
		byReal:     make(map[string]*Peer),
		maxClients: maxClients,
		fifoSize:   fifoSize,
		clock:      clock,
		log:        log,
	}
}

// CreateInitiator creates and inserts a new initiator peer in state New,
// per spec.md §4.8 "create an initiator peer in New and start its
// session". The returned Peer carries one reference the caller must
// Release.
func (t *PeerTable) CreateInitiator(vpnIP net.IP) *Peer {
	p := newPeer(vpnIP, true, t, t.clock, t.log, t.fifoSize)
	t.mu.Lock()
	t.byVPN[vpnIP.String()] = p
	t.mu.Unlock()
	return p
}

// CreateResponder creates and inserts a new responder peer already in
// Punching with a known real address, per spec.md §4.7's FWD_CONNECTION
// handling. Returns nil if the table is at maxClients.
func (t *PeerTable) CreateResponder(vpnIP net.IP, real *net.UDPAddr) *Peer {
	t.mu.Lock()
	if t.maxClients != 0 && len(t.byVPN) >= t.maxClients {
		t.mu.Unlock()
		return nil
	}
	p := newPeer(vpnIP, false, t, t.clock, t.log, t.fifoSize)
	p.realAddr = real
	t.byVPN[vpnIP.String()] = p
	t.byReal[real.String()] = p
	t.mu.Unlock()
	return p
}

// RegisterReal indexes an already-created peer by its real endpoint, once
// that endpoint becomes known (initiator peers learn it from ANS), per
// spec.md §4.4 "register the (addr,port) index".
func (t *PeerTable) RegisterReal(p *Peer, real *net.UDPAddr) {
	p.setRealAddr(real)
	t.mu.Lock()
	t.byReal[real.String()] = p
	t.mu.Unlock()
}

// LookupVPN borrows a reference to the peer registered under vpnIP, if
// any. The caller must Release it when done.
func (t *PeerTable) LookupVPN(vpnIP net.IP) (*Peer, bool) {
	t.mu.Lock()
	p, ok := t.byVPN[vpnIP.String()]
	if ok {
		p.AddRef()
	}
	t.mu.Unlock()
	return p, ok
}

// LookupReal borrows a reference to the peer registered under real, if
// any.
func (t *PeerTable) LookupReal(real *net.UDPAddr) (*Peer, bool) {
	t.mu.Lock()
	p, ok := t.byReal[real.String()]
	if ok {
		p.AddRef()
	}
	t.mu.Unlock()
	return p, ok
}

// Remove deletes p from both indices. It does not release the table's own
// reference to p; call p.Release() separately once the session has
// finished tearing down, per spec.md §4.4's Closed state.
func (t *PeerTable) Remove(p *Peer) {
	t.mu.Lock()
	delete(t.byVPN, p.VPNIP.String())
	if real := p.RealAddr(); real != nil {
		delete(t.byReal, real.String())
	}
	t.mu.Unlock()
}

// Len reports the number of registered peers, for tests and §8's
// uniqueness invariant.
func (t *PeerTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byVPN)
}

// ForEach calls fn for every currently registered peer, each borrowed for
// the duration of the call, matching spec.md §4.8's broadcast fan-out
// ("iterate all peers; for those in Established, enqueue").
func (t *PeerTable) ForEach(fn func(*Peer)) {
	t.mu.Lock()
	peers := make([]*Peer, 0, len(t.byVPN))
	for _, p := range t.byVPN {
		p.AddRef()
		peers = append(peers, p)
	}
	t.mu.Unlock()
	for _, p := range peers {
		fn(p)
		p.Release()
	}
}
