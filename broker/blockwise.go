package broker

import (
	"errors"
	"time"

	"github.com/netcoap/psbroker/blockwise"
	"github.com/netcoap/psbroker/message"
	"github.com/netcoap/psbroker/message/codes"
	"github.com/netcoap/psbroker/protocol"
)

// outboundBlockSZX is the block size the broker splits oversized responses
// and notifications into; RFC 7959 lets either side pick it independently,
// and SZX1024 keeps one block comfortably inside protocol.MaxDatagramSize.
const outboundBlockSZX = blockwise.SZX1024

func blockKey(peer string, token message.Token) string {
	return peer + "|" + blockwise.TokenToStr(token)
}

// beginOutboundBlock inspects resp's payload and, if it exceeds one block,
// replaces it with the first block and a Block2 option, pinning the rest of
// the representation in b.blocks under token until the peer fetches the
// remaining blocks or protocol.ExchangeLifetime elapses (spec.md §4's
// Block+Observe interaction applies the same pin whether resp is an
// ordinary response or the first push of a notification).
func (b *Broker) beginOutboundBlock(peer string, token message.Token, resp *message.Message) *message.Message {
	size := int64(len(resp.Payload))
	if size <= outboundBlockSZX.Size() {
		return resp
	}
	key := blockKey(peer, token)
	t, err := b.blocks.Begin(key, outboundBlockSZX, size)
	if err != nil {
		// a transfer is already pinned for this token; let the in-flight
		// one finish rather than clobbering it.
		return resp
	}
	if err := t.WriteBlock(0, resp.Payload); err != nil {
		b.blocks.End(key)
		b.errors(err)
		return resp
	}
	block, more, err := t.ReadBlock(0)
	if err != nil {
		b.blocks.End(key)
		b.errors(err)
		return resp
	}
	blockVal, err := blockwise.EncodeBlockOption(outboundBlockSZX, 0, more)
	if err != nil {
		b.blocks.End(key)
		b.errors(err)
		return resp
	}
	time.AfterFunc(protocol.ExchangeLifetime, func() { b.blocks.End(key) })

	resp.Payload = block
	resp.Options = resp.Options.AddUint32(message.Block2, blockVal).AddUint32(message.Size2, uint32(size))
	return resp
}

// serveNextBlock answers a follow-up GET carrying a Block2 option against a
// transfer pinned by beginOutboundBlock, keyed by the same peer and token
// the pinned response or notification used. It returns nil if no pinned
// transfer matches, leaving the caller to fall back to ordinary dispatch.
func (b *Broker) serveNextBlock(peer string, msg *message.Message, blockVal uint32) *message.Message {
	szx, num, _, err := blockwise.DecodeBlockOption(blockVal)
	if err != nil {
		return &message.Message{Code: codes.BadOption}
	}
	key := blockKey(peer, msg.Token)
	t, ok := b.blocks.Lookup(key)
	if !ok {
		return nil
	}
	block, more, err := t.ReadBlock(num)
	if err != nil {
		b.blocks.End(key)
		return &message.Message{Code: codes.BadOption}
	}
	next, err := blockwise.EncodeBlockOption(szx, num, more)
	if err != nil {
		return &message.Message{Code: codes.BadOption}
	}
	if !more {
		b.blocks.End(key)
	}
	resp := &message.Message{Code: codes.Content, Payload: block}
	resp.Options = resp.Options.AddUint32(message.Block2, next)
	return resp
}

// reassembleInbound folds one Block1-carrying request into the transfer
// pinned for its (peer, token) pair, returning the accumulated payload once
// the last block lands. ack is non-nil for an intermediate block, a 2.31
// Continue echoing the block the peer just sent (RFC 7959 §2.3), and for a
// rejected block, carrying the error response; the caller dispatches the
// request normally once body is non-nil.
//
// Blocks must arrive in order starting at 0 and keep the SZX the transfer
// was started with: a gap, repeat or reordering fails with 4.08
// RequestEntityIncomplete, and a peer claiming a larger SZX mid-transfer
// fails with 4.13 RequestEntityTooLarge (RFC 7959 §2.5, §4).
func (b *Broker) reassembleInbound(peer string, msg *message.Message) (body []byte, ack *message.Message, err error) {
	blockVal, getErr := msg.Options.GetUint32(message.Block1)
	if getErr != nil {
		return nil, nil, nil
	}
	szx, num, more, err := blockwise.DecodeBlockOption(blockVal)
	if err != nil {
		return nil, &message.Message{Code: codes.BadOption}, nil
	}
	key := blockKey(peer, msg.Token)
	t, ok := b.blocks.Lookup(key)
	if !ok {
		size, _ := msg.Options.GetUint32(message.Size1)
		t, err = b.blocks.Begin(key, szx, int64(size))
		if err != nil {
			return nil, &message.Message{Code: codes.ServiceUnavailable}, nil
		}
	} else if szx != t.SZX() {
		b.blocks.End(key)
		if szx > t.SZX() {
			return nil, &message.Message{Code: codes.RequestEntityTooLarge}, nil
		}
		return nil, &message.Message{Code: codes.BadOption}, nil
	}
	if err := t.WriteBlock(num, msg.Payload); err != nil {
		b.blocks.End(key)
		if errors.Is(err, blockwise.ErrBlockOutOfOrder) {
			return nil, &message.Message{Code: codes.RequestEntityIncomplete}, nil
		}
		return nil, &message.Message{Code: codes.RequestEntityTooLarge}, nil
	}
	if more {
		ackVal, encErr := blockwise.EncodeBlockOption(szx, num, false)
		if encErr != nil {
			b.blocks.End(key)
			return nil, &message.Message{Code: codes.BadOption}, nil
		}
		cont := &message.Message{Code: codes.Continue}
		cont.Options = cont.Options.AddUint32(message.Block1, ackVal)
		return nil, cont, nil
	}
	b.blocks.End(key)
	full, bodyErr := t.Body()
	if bodyErr != nil {
		return nil, nil, bodyErr
	}
	return full, nil, nil
}
