package rdv

import "time"

// ReapInterval is the minimum reap cadence of spec.md §4.2: "runs at
// least every 5s".
const ReapInterval = PeerTimeout

// Reaper periodically sweeps the Directory for dead entries, purging their
// sessions too. It is driven by Server.Run's select loop rather than its
// own goroutine, matching the original single-threaded rdv_server loop
// (original_source/rdvserver/server.c: "if (t - last_cleaning > 5)
// clean_dead_clients()").
type Reaper struct {
	Dir      *Directory
	Sessions *SessionTable
}

// Sweep removes every dead peer (and its sessions) as of now.
func (r *Reaper) Sweep(now time.Time) int {
	return r.Dir.ReapDead(now, func(p *Peer) {
		r.Sessions.RemoveAllWith(p)
	})
}
