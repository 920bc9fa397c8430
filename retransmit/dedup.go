package retransmit

import (
	"time"

	"github.com/netcoap/psbroker/pkg/cache"
	"github.com/netcoap/psbroker/protocol"
)

// Dedup caches the response datagram sent for a (peer, message ID) pair so a
// retransmitted CON request can be answered again without re-running the
// handler (RFC 7252 §4.5).
type Dedup struct {
	cache *cache.Cache[Key, []byte]
}

func NewDedup() *Dedup {
	return &Dedup{cache: cache.NewCache[Key, []byte]()}
}

// Remember records the response bytes sent for key, valid for
// protocol.CacheTimeout.
func (d *Dedup) Remember(key Key, response []byte) {
	elem := d.cache.NewElement(response, time.Now().Add(protocol.CacheTimeout), nil)
	d.cache.LoadOrStore(key, elem)
}

// Lookup returns the cached response for key, if any and unexpired.
func (d *Dedup) Lookup(key Key) ([]byte, bool) {
	elem, loaded := d.cache.Load(key)
	if elem == nil {
		return nil, false
	}
	return elem.Data(), loaded
}

// Sweep evicts expired dedup entries; call periodically from the broker's
// tick loop.
func (d *Dedup) Sweep(now time.Time) {
	d.cache.CheckExpirations(now)
}
