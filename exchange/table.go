// Package exchange tracks the two token-keyed tables a CoAP endpoint needs
// above the wire codec: the client-side request/response continuation table,
// and the server-side Observe registration table (RFC 7641).
package exchange

import (
	"time"

	"github.com/netcoap/psbroker/message"
	"github.com/netcoap/psbroker/pkg/coapsync"
	"github.com/netcoap/psbroker/protocol"
)

// Continuation is delivered a response (or an error) for a request
// previously registered under its token.
type Continuation struct {
	Response chan *message.Message
	Err      chan error
}

func newContinuation() *Continuation {
	return &Continuation{
		Response: make(chan *message.Message, 1),
		Err:      make(chan error, 1),
	}
}

// Table is the client-side token -> Continuation map: Start registers a
// token before writing the request, Resolve/Fail complete it from the
// receive loop, and entries that outlive ExchangeLifetime are swept.
type Table struct {
	pending coapsync.Map[string, *entry]
}

type entry struct {
	cont      *Continuation
	createdAt time.Time
}

func NewTable() *Table {
	return &Table{}
}

// Start registers a new continuation for tokenKey. It fails if one is
// already outstanding for the same token.
func (t *Table) Start(tokenKey string) (*Continuation, bool) {
	c := newContinuation()
	_, loaded := t.pending.LoadOrStore(tokenKey, &entry{cont: c, createdAt: time.Now()})
	if loaded {
		return nil, false
	}
	return c, true
}

// Resolve delivers resp to the continuation registered for tokenKey, if any.
func (t *Table) Resolve(tokenKey string, resp *message.Message) bool {
	e, ok := t.pending.PullOut(tokenKey)
	if !ok {
		return false
	}
	e.cont.Response <- resp
	return true
}

// Fail delivers err to the continuation registered for tokenKey, if any.
func (t *Table) Fail(tokenKey string, err error) bool {
	e, ok := t.pending.PullOut(tokenKey)
	if !ok {
		return false
	}
	e.cont.Err <- err
	return true
}

// Cancel discards the continuation for tokenKey without delivering anything,
// used when a caller abandons a request (context cancellation).
func (t *Table) Cancel(tokenKey string) {
	t.pending.Delete(tokenKey)
}

// Sweep fails every continuation older than protocol.ExchangeLifetime.
func (t *Table) Sweep(now time.Time) {
	var stale []string
	t.pending.Range(func(key string, e *entry) bool {
		if now.Sub(e.createdAt) > protocol.ExchangeLifetime {
			stale = append(stale, key)
		}
		return true
	})
	for _, key := range stale {
		t.Fail(key, errExchangeLifetimeExceeded)
	}
}
