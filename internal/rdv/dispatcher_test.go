package rdv

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/campagnol-vpn/campagnol/internal/wire"
)

// fakeSock records every message the dispatcher sends instead of putting
// bytes on the wire.
type fakeSock struct {
	sent []sentMsg
}

type sentMsg struct {
	msg wire.Message
	to  *net.UDPAddr
}

func (f *fakeSock) WriteToUDP(b []byte, to *net.UDPAddr) (int, error) {
	m, err := wire.Decode(b)
	if err != nil {
		return 0, err
	}
	f.sent = append(f.sent, sentMsg{msg: m, to: to})
	return len(b), nil
}

func newTestDispatcher(maxClients int) (*Dispatcher, *fakeSock, *Directory, *SessionTable) {
	dir := NewDirectory(maxClients)
	sessions := NewSessionTable()
	sock := &fakeSock{}
	d := NewDispatcher(dir, sessions, sock, nil)
	return d, sock, dir, sessions
}

func udpAddr(ip string, port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
}

func helloMsg(vpnIP net.IP, lanIP net.IP, lanPort uint16) []byte {
	return wire.Encode(wire.Message{Type: wire.HELLO, IP1: vpnIP, IP2: lanIP, Port: lanPort})
}

func TestScenario1_RegistrationSuccessThenNOK(t *testing.T) {
	d, sock, dir, _ := newTestDispatcher(0)
	from := udpAddr("198.51.100.1", 1111)

	d.Handle(helloMsg(net.IPv4(10, 0, 0, 2), net.IPv4(192, 168, 1, 5), 30000), from)
	require.Equal(t, 1, dir.Len())
	require.Len(t, sock.sent, 1)
	require.Equal(t, wire.OK, sock.sent[0].msg.Type)

	d.Handle(helloMsg(net.IPv4(10, 0, 0, 2), net.IPv4(192, 168, 1, 5), 30000), from)
	require.Len(t, sock.sent, 2)
	require.Equal(t, wire.NOK, sock.sent[1].msg.Type)
}

func TestScenario2_TimedOutReHelloEvicts(t *testing.T) {
	d, sock, dir, _ := newTestDispatcher(0)
	oldFrom := udpAddr("198.51.100.1", 1111)
	newFrom := udpAddr("198.51.100.2", 2222)

	base := time.Now()
	d.Now = func() time.Time { return base }
	d.Handle(helloMsg(net.IPv4(10, 0, 0, 2), nil, 0), oldFrom)
	require.Equal(t, 1, dir.Len())

	d.Now = func() time.Time { return base.Add(11 * time.Second) }
	d.Handle(helloMsg(net.IPv4(10, 0, 0, 2), nil, 0), newFrom)

	require.Equal(t, 1, dir.Len())
	p, ok := dir.ByVPN(net.IPv4(10, 0, 0, 2))
	require.True(t, ok)
	require.True(t, p.Real.IP.Equal(newFrom.IP))
	require.Equal(t, wire.OK, sock.sent[len(sock.sent)-1].msg.Type)
}

func TestScenario3_BrokeringWithLANHint(t *testing.T) {
	d, sock, _, _ := newTestDispatcher(0)
	aFrom := udpAddr("203.0.113.7", 1111)
	bFrom := udpAddr("203.0.113.7", 2222)

	d.Handle(helloMsg(net.IPv4(10, 0, 0, 2), net.IPv4(192, 168, 1, 5), 30000), aFrom)
	d.Handle(helloMsg(net.IPv4(10, 0, 0, 3), net.IPv4(192, 168, 1, 6), 30001), bFrom)

	sock.sent = nil
	ask := wire.Encode(wire.Message{Type: wire.ASK_CONNECTION, IP1: net.IPv4(10, 0, 0, 3)})
	d.Handle(ask, aFrom)

	require.Len(t, sock.sent, 2)

	ans := sock.sent[0]
	require.Equal(t, wire.ANS_CONNECTION, ans.msg.Type)
	require.True(t, ans.msg.IP1.Equal(net.IPv4(192, 168, 1, 6)))
	require.Equal(t, uint16(30001), ans.msg.Port)
	require.True(t, ans.msg.IP2.Equal(net.IPv4(10, 0, 0, 3)))
	require.True(t, ans.to.IP.Equal(aFrom.IP))

	fwd := sock.sent[1]
	require.Equal(t, wire.FWD_CONNECTION, fwd.msg.Type)
	require.True(t, fwd.msg.IP1.Equal(net.IPv4(192, 168, 1, 5)))
	require.Equal(t, uint16(30000), fwd.msg.Port)
	require.True(t, fwd.msg.IP2.Equal(net.IPv4(10, 0, 0, 2)))
	require.True(t, fwd.to.IP.Equal(bFrom.IP))
}

func TestScenario3_DifferentPublicIPsUsesPublicEndpoint(t *testing.T) {
	d, sock, _, _ := newTestDispatcher(0)
	aFrom := udpAddr("203.0.113.7", 1111)
	bFrom := udpAddr("203.0.113.8", 2222)

	d.Handle(helloMsg(net.IPv4(10, 0, 0, 2), net.IPv4(192, 168, 1, 5), 30000), aFrom)
	d.Handle(helloMsg(net.IPv4(10, 0, 0, 3), net.IPv4(192, 168, 1, 6), 30001), bFrom)

	sock.sent = nil
	ask := wire.Encode(wire.Message{Type: wire.ASK_CONNECTION, IP1: net.IPv4(10, 0, 0, 3)})
	d.Handle(ask, aFrom)

	ans := sock.sent[0]
	require.True(t, ans.msg.IP1.Equal(bFrom.IP))
	require.Equal(t, uint16(bFrom.Port), ans.msg.Port)
}

func TestAskConnectionUnknownTargetRejects(t *testing.T) {
	d, sock, _, _ := newTestDispatcher(0)
	from := udpAddr("198.51.100.1", 1111)
	d.Handle(helloMsg(net.IPv4(10, 0, 0, 2), nil, 0), from)

	sock.sent = nil
	ask := wire.Encode(wire.Message{Type: wire.ASK_CONNECTION, IP1: net.IPv4(10, 0, 0, 99)})
	d.Handle(ask, from)

	require.Len(t, sock.sent, 1)
	require.Equal(t, wire.REJ_CONNECTION, sock.sent[0].msg.Type)
	require.True(t, sock.sent[0].msg.IP1.Equal(net.IPv4(10, 0, 0, 99)))
}

func TestScenario8_SessionSymmetry(t *testing.T) {
	d, sock, _, sessions := newTestDispatcher(0)
	aFrom := udpAddr("203.0.113.7", 1111)
	bFrom := udpAddr("203.0.113.7", 2222)
	d.Handle(helloMsg(net.IPv4(10, 0, 0, 2), nil, 0), aFrom)
	d.Handle(helloMsg(net.IPv4(10, 0, 0, 3), nil, 0), bFrom)

	sock.sent = nil
	ask := wire.Encode(wire.Message{Type: wire.ASK_CONNECTION, IP1: net.IPv4(10, 0, 0, 3)})
	d.Handle(ask, aFrom)

	var ansCount, fwdCount int
	var ansIdx, fwdIdx = -1, -1
	for i, s := range sock.sent {
		switch s.msg.Type {
		case wire.ANS_CONNECTION:
			ansCount++
			ansIdx = i
		case wire.FWD_CONNECTION:
			fwdCount++
			fwdIdx = i
		}
	}
	require.Equal(t, 1, ansCount)
	require.Equal(t, 1, fwdCount)
	require.Less(t, ansIdx, fwdIdx)
	require.Equal(t, 1, len(sessions.sessions))
}

func TestCloseConnectionRemovesBothDirectedSessions(t *testing.T) {
	d, _, _, sessions := newTestDispatcher(0)
	aFrom := udpAddr("203.0.113.7", 1111)
	bFrom := udpAddr("203.0.113.7", 2222)
	d.Handle(helloMsg(net.IPv4(10, 0, 0, 2), nil, 0), aFrom)
	d.Handle(helloMsg(net.IPv4(10, 0, 0, 3), nil, 0), bFrom)
	ask := wire.Encode(wire.Message{Type: wire.ASK_CONNECTION, IP1: net.IPv4(10, 0, 0, 3)})
	d.Handle(ask, aFrom)
	require.Equal(t, 1, len(sessions.sessions))

	closeMsg := wire.Encode(wire.Message{Type: wire.CLOSE_CONNECTION, IP1: net.IPv4(10, 0, 0, 3)})
	d.Handle(closeMsg, aFrom)
	require.Equal(t, 0, len(sessions.sessions))
}

func TestUnknownSenderGetsReconnect(t *testing.T) {
	d, sock, _, _ := newTestDispatcher(0)
	from := udpAddr("198.51.100.9", 9999)
	ping := wire.Encode(wire.Message{Type: wire.PING})
	d.Handle(ping, from)
	require.Len(t, sock.sent, 1)
	require.Equal(t, wire.RECONNECT, sock.sent[0].msg.Type)
}

func TestByeRemovesClientAndSessions(t *testing.T) {
	d, _, dir, sessions := newTestDispatcher(0)
	aFrom := udpAddr("203.0.113.7", 1111)
	bFrom := udpAddr("203.0.113.7", 2222)
	d.Handle(helloMsg(net.IPv4(10, 0, 0, 2), nil, 0), aFrom)
	d.Handle(helloMsg(net.IPv4(10, 0, 0, 3), nil, 0), bFrom)
	ask := wire.Encode(wire.Message{Type: wire.ASK_CONNECTION, IP1: net.IPv4(10, 0, 0, 3)})
	d.Handle(ask, aFrom)

	bye := wire.Encode(wire.Message{Type: wire.BYE})
	d.Handle(bye, aFrom)

	_, ok := dir.ByVPN(net.IPv4(10, 0, 0, 2))
	require.False(t, ok)
	require.Equal(t, 0, len(sessions.sessions))
}

func TestInvalidLengthDatagramDropped(t *testing.T) {
	d, sock, dir, _ := newTestDispatcher(0)
	from := udpAddr("198.51.100.1", 1111)
	d.Handle([]byte{1, 2, 3}, from)
	require.Len(t, sock.sent, 0)
	require.Equal(t, 0, dir.Len())
}

func TestMaxClientsFullRejectsNewHello(t *testing.T) {
	d, sock, dir, _ := newTestDispatcher(1)
	d.Handle(helloMsg(net.IPv4(10, 0, 0, 2), nil, 0), udpAddr("198.51.100.1", 1111))
	require.Equal(t, 1, dir.Len())

	sock.sent = nil
	d.Handle(helloMsg(net.IPv4(10, 0, 0, 3), nil, 0), udpAddr("198.51.100.2", 2222))
	require.Equal(t, 1, dir.Len())
	require.Equal(t, wire.NOK, sock.sent[0].msg.Type)
}
