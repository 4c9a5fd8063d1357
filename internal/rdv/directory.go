// Package rdv implements the RDV server matchmaking core: the client
// directory, session table, message dispatcher and reaper of spec.md §4.2,
// grounded on original_source/trunk/rdvserver/{peer,session,server}.c. The
// original's two splay trees (one keyed by real address, one by VPN IP)
// plus a last-lookup cache become two plain Go maps with no lock of their
// own, since only the dispatcher goroutine touches them.
package rdv

import (
	"net"
	"time"
)

// PeerTimeout and DeadTimeout are the spec.md §4.2 reaper thresholds: a
// record is "timed out" after PeerTimeout and "dead" (eligible for
// removal) after DeadTimeout.
const (
	PeerTimeout = 5 * time.Second
	DeadTimeout = 2 * PeerTimeout
)

// Endpoint is a real or LAN (IP, port) pair.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) empty() bool { return e.Port == 0 }

func (e Endpoint) key() [6]byte {
	var k [6]byte
	copy(k[:4], to4(e.IP))
	k[4] = byte(e.Port >> 8)
	k[5] = byte(e.Port)
	return k
}

func to4(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return net.IPv4zero.To4()
}

// ipKey is a comparable representation of a VPN IPv4 address usable as a
// map key.
type ipKey [4]byte

func toIPKey(ip net.IP) ipKey {
	v4 := to4(ip)
	return ipKey{v4[0], v4[1], v4[2], v4[3]}
}

// Peer is a single RDV client record (spec.md §3 "PeerRecord (server
// side)").
type Peer struct {
	VPNIP        net.IP
	Real         Endpoint
	LAN          Endpoint // zero value if the client declared no LAN hint
	LastActivity time.Time
}

// TimedOut reports whether the peer has been silent for more than
// PeerTimeout as of now.
func (p *Peer) TimedOut(now time.Time) bool {
	return now.Sub(p.LastActivity) > PeerTimeout
}

// Dead reports whether the peer has been silent for more than DeadTimeout.
func (p *Peer) Dead(now time.Time) bool {
	return now.Sub(p.LastActivity) > DeadTimeout
}

// Directory is the RDV server's client directory: a single-threaded
// structure indexed both by VPN IP and by real (addr,port), matching
// spec.md's "PeerDirectory" component. It has no internal locking — the
// server's MessageDispatcher is the only goroutine ever touching it, per
// spec.md §5 "RDV server: single-threaded. No concurrency."
type Directory struct {
	MaxClients int // 0 means unlimited

	byVPN  map[ipKey]*Peer
	byReal map[[6]byte]*Peer
}

// NewDirectory creates an empty Directory. maxClients of 0 disables the
// client-count cap.
func NewDirectory(maxClients int) *Directory {
	return &Directory{
		MaxClients: maxClients,
		byVPN:      make(map[ipKey]*Peer),
		byReal:     make(map[[6]byte]*Peer),
	}
}

// Len reports the current number of registered peers.
func (d *Directory) Len() int { return len(d.byVPN) }

// ByVPN looks up a peer by its VPN IP.
func (d *Directory) ByVPN(ip net.IP) (*Peer, bool) {
	p, ok := d.byVPN[toIPKey(ip)]
	return p, ok
}

// ByReal looks up a peer by its real (addr,port).
func (d *Directory) ByReal(ep Endpoint) (*Peer, bool) {
	p, ok := d.byReal[ep.key()]
	return p, ok
}

// Insert adds a new peer to both indices, enforcing MaxClients. It returns
// false if the directory is full.
func (d *Directory) Insert(p *Peer) bool {
	if d.MaxClients != 0 && len(d.byVPN) >= d.MaxClients {
		return false
	}
	d.byVPN[toIPKey(p.VPNIP)] = p
	d.byReal[p.Real.key()] = p
	return true
}

// Remove deletes p from both indices.
func (d *Directory) Remove(p *Peer) {
	delete(d.byVPN, toIPKey(p.VPNIP))
	delete(d.byReal, p.Real.key())
}

// ReapDead removes every peer whose LastActivity exceeds DeadTimeout and
// invokes onRemove for each (used by the server to also drop that peer's
// sessions). Matches spec.md §4.2 Reaper / original_source's
// clean_dead_clients.
func (d *Directory) ReapDead(now time.Time, onRemove func(*Peer)) int {
	var dead []*Peer
	for _, p := range d.byVPN {
		if p.Dead(now) {
			dead = append(dead, p)
		}
	}
	for _, p := range dead {
		d.Remove(p)
		if onRemove != nil {
			onRemove(p)
		}
	}
	return len(dead)
}
