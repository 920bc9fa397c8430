// Package retransmit implements the CoAP Confirmable-message retransmission
// strategy of RFC 7252 §4.2: a peer that sends a CON message resends it with
// exponentially backed-off timeouts until acknowledged or until
// protocol.MaxRetransmit attempts are exhausted. Each exchange is tracked
// independently: the number of outstanding CONs per peer is not limited
// (NSTART is not enforced), and Start never queues one behind another.
package retransmit

import (
	"context"
	"math/rand"
	"time"

	"github.com/netcoap/psbroker/pkg/coaperrors"
	"github.com/netcoap/psbroker/pkg/coapsync"
	"github.com/netcoap/psbroker/pkg/errcb"
	"github.com/netcoap/psbroker/protocol"
)

// Key identifies an outstanding exchange: a peer address plus the message
// ID the peer must echo back in its ACK.
type Key struct {
	Peer string
	MID  int32
}

// SendFunc (re)transmits the datagram associated with an exchange.
type SendFunc func() error

type exchange struct {
	send   SendFunc
	cancel context.CancelFunc
}

// Retransmitter tracks outstanding Confirmable exchanges and resends them
// on a jittered exponential backoff until acknowledged, cancelled, or
// MaxRetransmit is exhausted.
type Retransmitter struct {
	outstanding coapsync.Map[Key, *exchange]
	onTimeout   errcb.ErrorFunc
	errors      errcb.ErrorFunc
}

func New(onTimeout, errors errcb.ErrorFunc) *Retransmitter {
	if onTimeout == nil {
		onTimeout = errcb.Discard
	}
	if errors == nil {
		errors = errcb.Discard
	}
	return &Retransmitter{onTimeout: onTimeout, errors: errors}
}

// Start begins tracking a Confirmable exchange under key, calling send on
// the RFC 7252 §4.2 backoff schedule until Ack cancels it or
// protocol.MaxRetransmit resends are exhausted.
func (r *Retransmitter) Start(ctx context.Context, key Key, send SendFunc) {
	ctx, cancel := context.WithCancel(ctx)
	ex := &exchange{send: send, cancel: cancel}
	if old, loaded := r.outstanding.Replace(key, ex); loaded {
		old.cancel()
	}
	go r.run(ctx, key, ex)
}

// Ack cancels retransmission for key because the peer's ACK or matching
// response arrived.
func (r *Retransmitter) Ack(key Key) {
	if ex, ok := r.outstanding.PullOut(key); ok {
		ex.cancel()
	}
}

func (r *Retransmitter) run(ctx context.Context, key Key, ex *exchange) {
	initial := jitteredAckTimeout()
	attempt := 0
	for ; attempt < protocol.MaxRetransmit; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(protocol.RetransmitTimeout(initial, attempt)):
		}
		if err := ex.send(); err != nil {
			r.errors(err)
		}
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(protocol.RetransmitTimeout(initial, attempt)):
	}
	if _, ok := r.outstanding.PullOut(key); ok {
		r.onTimeout(coaperrors.ErrRetransmitTimeout)
	}
}

// jitteredAckTimeout picks a deadline uniformly from
// [AckTimeout, AckTimeout*AckRandomFactor], per RFC 7252 §4.8.
func jitteredAckTimeout() time.Duration {
	base := float64(protocol.AckTimeout)
	spread := base * (protocol.AckRandomFactor - 1)
	return time.Duration(base + rand.Float64()*spread)
}
