// Package cache provides a time-expiring cache keyed by a comparable type,
// used for deduplication entries (CACHE_TIMEOUT, retransmit.Dedup). Observe
// sequence state is kept in package exchange, not here.
package cache

import (
	"time"

	"github.com/netcoap/psbroker/pkg/coapsync"
)

type Element[T any] struct {
	validUntil time.Time
	data       T
	onExpire   func(d T)
}

func newElement[T any](data T, validUntil time.Time, onExpire func(d T)) *Element[T] {
	if onExpire == nil {
		onExpire = func(d T) {}
	}
	return &Element[T]{data: data, validUntil: validUntil, onExpire: onExpire}
}

// IsExpired reports whether the element's deadline has passed. A zero
// validUntil never expires.
func (e *Element[T]) IsExpired(now time.Time) bool {
	if e.validUntil.IsZero() {
		return false
	}
	return now.After(e.validUntil)
}

func (e *Element[T]) Data() T {
	return e.data
}

type Cache[K comparable, V any] struct {
	data coapsync.Map[K, *Element[V]]
}

func NewCache[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{
		data: *coapsync.NewMap[K, *Element[V]](),
	}
}

// NewElement creates an element that can be stored in the cache.
func (c *Cache[K, V]) NewElement(data V, validUntil time.Time, onExpire func(d V)) *Element[V] {
	return newElement(data, validUntil, onExpire)
}

// LoadOrStore loads the existing unexpired element for key, or stores e and
// returns it. loaded is true only when an existing element was returned.
func (c *Cache[K, V]) LoadOrStore(key K, e *Element[V]) (actual *Element[V], loaded bool) {
	now := time.Now()
	old, existed := c.data.Load(key)
	if existed && !old.IsExpired(now) {
		return old, true
	}
	c.data.Store(key, e)
	return e, false
}

// Load loads the unexpired element for key.
//
// If no element exists, (nil, false) is returned. If an element exists but
// is expired, (nil, true) is returned. Otherwise (*Element, true).
func (c *Cache[K, V]) Load(key K) (element *Element[V], loaded bool) {
	a, loaded := c.data.Load(key)
	if !loaded {
		return nil, false
	}
	if a.IsExpired(time.Now()) {
		return nil, true
	}
	return a, true
}

// Delete removes the element for key.
func (c *Cache[K, V]) Delete(key K) (deleted bool) {
	return c.data.Delete(key)
}

// CheckExpirations sweeps every element, deleting and firing onExpire for
// those that have passed their deadline as of now.
func (c *Cache[K, V]) CheckExpirations(now time.Time) {
	var expired []K
	c.data.Range(func(key K, value *Element[V]) bool {
		if value.IsExpired(now) {
			expired = append(expired, key)
		}
		return true
	})
	for _, k := range expired {
		if e, ok := c.data.PullOut(k); ok {
			e.onExpire(e.data)
		}
	}
}
