package ratelimit

// Sink is the unreliable datagram sink a Filter writes into after charging
// its buckets — typically a UDP connection bound to one peer's real
// endpoint.
type Sink interface {
	Write(b []byte) (int, error)
}

// Filter is a pass-through write filter: before forwarding bytes to the
// underlying Sink it charges zero, one, or two token buckets (a client-wide
// bucket and a per-peer bucket), per spec.md §4.10. Reads and metadata are
// not its concern; it only wraps the write path a DTLS transport uses.
type Filter struct {
	sink       Sink
	clientWide *Bucket // optional, may be nil
	perPeer    *Bucket // optional, may be nil
}

// NewFilter constructs a Filter around sink. Either bucket may be nil to
// disable that tier of limiting.
func NewFilter(sink Sink, clientWide, perPeer *Bucket) *Filter {
	return &Filter{sink: sink, clientWide: clientWide, perPeer: perPeer}
}

// Write charges the configured buckets for len(b) bytes, possibly blocking
// the calling goroutine (never busy-waiting — Bucket.Count sleeps exactly
// once for the computed deficit), then forwards b to the underlying sink.
func (f *Filter) Write(b []byte) (int, error) {
	if f.clientWide != nil {
		f.clientWide.Count(len(b))
	}
	if f.perPeer != nil {
		f.perPeer.Count(len(b))
	}
	return f.sink.Write(b)
}
