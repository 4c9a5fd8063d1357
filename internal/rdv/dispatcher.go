package rdv

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/campagnol-vpn/campagnol/internal/wire"
)

// Sender is the minimal UDP send surface the Dispatcher needs. It is
// satisfied by *net.UDPConn in production and by a fake in tests.
type Sender interface {
	WriteToUDP([]byte, *net.UDPAddr) (int, error)
}

// Dispatcher is the RDV server's MessageDispatcher: it reads one decoded
// control message plus its source address at a time and mutates the
// Directory/SessionTable, emitting replies. One Dispatcher instance is
// driven by exactly one goroutine, per spec.md §4.2/§5.
type Dispatcher struct {
	Dir      *Directory
	Sessions *SessionTable
	Sock     Sender
	Log      *logrus.Entry
	Dump     bool // packet dump mode (-d twice), spec.md §10.1

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// NewDispatcher builds a Dispatcher. log may be nil, in which case an entry
// on logrus's standard logger is used.
func NewDispatcher(dir *Directory, sessions *SessionTable, sock Sender, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{Dir: dir, Sessions: sessions, Sock: sock, Log: log, Now: time.Now}
}

// Handle processes one datagram arrival: buf is the raw UDP payload, from
// is the UDP source address. Invalid-length datagrams are dropped
// silently, per spec.md §4.2 "Failure semantics".
func (d *Dispatcher) Handle(buf []byte, from *net.UDPAddr) {
	msg, err := wire.Decode(buf)
	if err != nil {
		return
	}
	if d.Dump {
		d.Log.WithFields(logrus.Fields{
			"type": msg.Type, "port": msg.Port, "ip1": msg.IP1, "ip2": msg.IP2, "from": from,
		}).Trace("rdv: received")
	}

	now := d.now()
	real := Endpoint{IP: from.IP, Port: uint16(from.Port)}
	peer, known := d.Dir.ByReal(real)

	if !known && msg.Type != wire.HELLO {
		d.send(wire.RECONNECT, 0, nil, nil, from)
		return
	}

	switch msg.Type {
	case wire.HELLO:
		d.handleHello(msg, real, peer, known, from, now)
	case wire.BYE:
		d.Sessions.RemoveAllWith(peer)
		d.Dir.Remove(peer)
	case wire.PING:
		d.send(wire.PONG, 0, nil, nil, from)
		peer.LastActivity = now
	case wire.ASK_CONNECTION:
		d.handleAsk(msg, peer, from, now)
	case wire.CLOSE_CONNECTION:
		if target, ok := d.Dir.ByVPN(msg.IP1); ok {
			d.Sessions.Remove(peer, target)
			d.Sessions.Remove(target, peer)
		}
	default:
		// PONG and anything else: no-op, per spec.md §4.2.
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) handleHello(msg wire.Message, real Endpoint, peer *Peer, known bool, from *net.UDPAddr, now time.Time) {
	lan := Endpoint{}
	if msg.Port != 0 {
		lan = Endpoint{IP: msg.IP2, Port: msg.Port}
	}

	if !known {
		if existing, ok := d.Dir.ByVPN(msg.IP1); ok {
			if existing.TimedOut(now) {
				d.Sessions.RemoveAllWith(existing)
				d.Dir.Remove(existing)
			} else {
				d.send(wire.NOK, 0, nil, nil, from)
				return
			}
		}
		if d.Dir.MaxClients != 0 && d.Dir.Len() >= d.Dir.MaxClients {
			d.Dir.ReapDead(now, func(p *Peer) { d.Sessions.RemoveAllWith(p) })
			if d.Dir.Len() >= d.Dir.MaxClients {
				d.send(wire.NOK, 0, nil, nil, from)
				return
			}
		}
		newPeer := &Peer{VPNIP: msg.IP1, Real: real, LAN: lan, LastActivity: now}
		if d.Dir.Insert(newPeer) {
			d.send(wire.OK, 0, nil, nil, from)
		}
		return
	}

	// A record already exists for this real endpoint.
	if !peer.TimedOut(now) {
		d.send(wire.NOK, 0, nil, nil, from)
		return
	}
	if sameIP(peer.VPNIP, msg.IP1) {
		peer.LastActivity = now
		d.send(wire.OK, 0, nil, nil, from)
		return
	}
	d.Sessions.RemoveAllWith(peer)
	d.Dir.Remove(peer)
	newPeer := &Peer{VPNIP: msg.IP1, Real: real, LAN: lan, LastActivity: now}
	if d.Dir.Insert(newPeer) {
		d.send(wire.OK, 0, nil, nil, from)
	}
}

func (d *Dispatcher) handleAsk(msg wire.Message, asker *Peer, from *net.UDPAddr, now time.Time) {
	target, ok := d.Dir.ByVPN(msg.IP1)
	if !ok {
		d.send(wire.REJ_CONNECTION, 0, msg.IP1, nil, from)
		return
	}
	if target.TimedOut(now) {
		d.send(wire.REJ_CONNECTION, 0, msg.IP1, nil, from)
		d.Sessions.RemoveAllWith(target)
		d.Dir.Remove(target)
		return
	}

	sendLAN := !asker.LAN.empty() && !target.LAN.empty() && sameIP(asker.Real.IP, target.Real.IP)

	sess, exists := d.Sessions.Get(asker, target)
	if !exists {
		if rev, ok := d.Sessions.Get(target, asker); ok {
			d.Sessions.Remove(rev.A, rev.B)
		}
		sess = d.Sessions.Add(asker, target, now)
	} else {
		sess.Touch(now)
	}

	d.sendAns(asker, target, sendLAN)
	d.sendFwd(target, asker, sendLAN)
}

func (d *Dispatcher) sendAns(asker, target *Peer, lan bool) {
	ep := target.Real
	if lan {
		ep = target.LAN
	}
	d.send(wire.ANS_CONNECTION, ep.Port, ep.IP, target.VPNIP, &net.UDPAddr{IP: asker.Real.IP, Port: int(asker.Real.Port)})
}

func (d *Dispatcher) sendFwd(target, asker *Peer, lan bool) {
	ep := asker.Real
	if lan {
		ep = asker.LAN
	}
	d.send(wire.FWD_CONNECTION, ep.Port, ep.IP, asker.VPNIP, &net.UDPAddr{IP: target.Real.IP, Port: int(target.Real.Port)})
}

func (d *Dispatcher) send(t wire.Type, port uint16, ip1, ip2 net.IP, to *net.UDPAddr) {
	msg := wire.Message{Type: t, Port: port, IP1: ip1, IP2: ip2}
	if d.Dump {
		d.Log.WithFields(logrus.Fields{"type": t, "to": to}).Trace("rdv: sent")
	}
	if _, err := d.Sock.WriteToUDP(wire.Encode(msg), to); err != nil {
		d.Log.WithError(err).WithField("to", to).Warn("rdv: sendto failed")
	}
}

func sameIP(a, b net.IP) bool {
	return a.Equal(b)
}
