// Package event provides a minimal typed pub/sub feed, used the way the
// teacher's p2p.Server uses its peerFeed field to publish PeerEvent values
// to whoever is listening (metrics, admin RPC, tests).
package event

import "sync"

// Feed delivers values of a single type to multiple subscribers. The zero
// Feed is ready to use. Send is non-blocking towards slow subscribers: a
// subscriber channel that is full simply misses the event, matching the
// teacher's fire-and-forget event feed semantics (peer connect/disconnect
// notifications are advisory, not a delivery-guaranteed log).
type Feed struct {
	mu   sync.Mutex
	subs map[chan interface{}]struct{}
}

// Subscription lets a caller stop receiving events from a Feed.
type Subscription struct {
	feed *Feed
	ch   chan interface{}
}

// Unsubscribe removes the channel from its Feed. Safe to call more than
// once.
func (s *Subscription) Unsubscribe() {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	if _, ok := s.feed.subs[s.ch]; ok {
		delete(s.feed.subs, s.ch)
		close(s.ch)
	}
}

// Subscribe registers ch to receive every value sent after this call.
func (f *Feed) Subscribe(ch chan interface{}) *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[chan interface{}]struct{})
	}
	f.subs[ch] = struct{}{}
	return &Subscription{feed: f, ch: ch}
}

// Send delivers v to every current subscriber that has room in its buffer.
func (f *Feed) Send(v interface{}) (n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- v:
			n++
		default:
		}
	}
	return n
}
