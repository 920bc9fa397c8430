package exchange

import (
	"time"

	"go.uber.org/atomic"

	"github.com/netcoap/psbroker/pkg/coapsync"
	"github.com/netcoap/psbroker/protocol"
)

// ValidSequenceNumber implements the "is this notification newer" rule of
// RFC 7641 §3.4, accounting for 24-bit wraparound and the
// ObservationSequenceTimeout fallback.
func ValidSequenceNumber(old, new uint32, lastEventOccurs, now time.Time) bool {
	const window = 1 << 23
	return (old < new && new-old < window) ||
		(old > new && old-new > window) ||
		now.Sub(lastEventOccurs) > protocol.ObservationSequenceTimeout
}

// Observer is one (peer, token) registration on a resource: the peer's
// identity, the token it used to subscribe, and the sequence state needed
// to decide whether the next notification is newer.
type Observer struct {
	Peer  string
	Token string

	seq       atomic.Uint32
	lastEvent atomic.Time
}

// NextSequence advances and returns the 24-bit Observe sequence number to
// stamp on the next notification.
func NextSequence(counter *atomic.Uint32) uint32 {
	return counter.Inc() & 0xffffff
}

// Accept reports whether a notification carrying seq is newer than the
// last one this observer received, and if so records it as the new
// baseline.
func (o *Observer) Accept(seq uint32, now time.Time) bool {
	old := o.seq.Load()
	last := o.lastEvent.Load()
	if !ValidSequenceNumber(old, seq, last, now) {
		return false
	}
	o.seq.Store(seq)
	o.lastEvent.Store(now)
	return true
}

// Registry tracks the observers of one resource, keyed by "peer|token".
type Registry struct {
	observers coapsync.Map[string, *Observer]
	sequence  atomic.Uint32
}

func NewRegistry() *Registry {
	return &Registry{}
}

func key(peer, token string) string { return peer + "|" + token }

// Subscribe adds an observer, failing if max is non-zero and already
// reached (the pub/sub extension's max-subscribers property, RFC-style
// 5.03 Service Unavailable on overflow).
func (r *Registry) Subscribe(peer, token string, max int) (*Observer, bool) {
	if max > 0 && r.observers.Length() >= max {
		if _, exists := r.observers.Load(key(peer, token)); !exists {
			return nil, false
		}
	}
	o := &Observer{Peer: peer, Token: token}
	actual, _ := r.observers.LoadOrStore(key(peer, token), o)
	return actual, true
}

// Unsubscribe removes the observer for (peer, token).
func (r *Registry) Unsubscribe(peer, token string) bool {
	return r.observers.Delete(key(peer, token))
}

// Count returns the current number of observers.
func (r *Registry) Count() int {
	return r.observers.Length()
}

// NextSequence returns the next Observe sequence number to use for a
// notification fanned out to every observer of this resource.
func (r *Registry) NextSequence() uint32 {
	return NextSequence(&r.sequence)
}

// Sequence returns the most recently issued Observe sequence number
// without advancing it, the value to stamp on a subscriber's immediate
// response to a fresh GET-with-Observe=0.
func (r *Registry) Sequence() uint32 {
	return r.sequence.Load() & 0xffffff
}
