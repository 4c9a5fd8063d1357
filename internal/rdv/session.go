package rdv

import "time"

// sessionKey identifies an ordered (asker -> target) brokering.
type sessionKey struct {
	a, b ipKey
}

// Session tracks one ordered ASK_CONNECTION brokering between two VPN IPs,
// matching spec.md §3 "Session (server)". Sessions are directional: a
// session (A,B) is distinct from (B,A); the dispatcher collapses the
// reverse direction on demand per spec.md §4.2.
type Session struct {
	A, B         *Peer
	LastActivity time.Time
}

// SessionTable tracks every open ordered brokering, avoiding duplicate
// ANS/FWD bursts for a connection that's already been brokered, per
// spec.md §3/§4.2. Like Directory it is single-threaded: only the
// MessageDispatcher touches it.
type SessionTable struct {
	sessions map[sessionKey]*Session
}

// NewSessionTable creates an empty SessionTable.
func NewSessionTable() *SessionTable {
	return &SessionTable{sessions: make(map[sessionKey]*Session)}
}

func key(a, b *Peer) sessionKey {
	return sessionKey{toIPKey(a.VPNIP), toIPKey(b.VPNIP)}
}

// Get returns the existing (a,b) session, if any.
func (t *SessionTable) Get(a, b *Peer) (*Session, bool) {
	s, ok := t.sessions[key(a, b)]
	return s, ok
}

// Add creates and stores a new (a,b) session.
func (t *SessionTable) Add(a, b *Peer, now time.Time) *Session {
	s := &Session{A: a, B: b, LastActivity: now}
	t.sessions[key(a, b)] = s
	return s
}

// Remove deletes the (a,b) session if present.
func (t *SessionTable) Remove(a, b *Peer) {
	delete(t.sessions, key(a, b))
}

// RemoveAllWith removes every session (in either direction) referencing p,
// matching original_source's remove_sessions_with_client, invoked whenever
// a peer is evicted (timeout, BYE, or superseded HELLO).
func (t *SessionTable) RemoveAllWith(p *Peer) {
	target := toIPKey(p.VPNIP)
	for k := range t.sessions {
		if k.a == target || k.b == target {
			delete(t.sessions, k)
		}
	}
}

// Touch refreshes a session's LastActivity.
func (s *Session) Touch(now time.Time) { s.LastActivity = now }
