// Package broker implements the datagram receive/dispatch/send loop of
// spec.md §4.7: decode, deduplicate, dispatch to the resource tree, encode,
// and send, plus the periodic tick that drives dedup expiry and topic
// expiration (retransmission runs on the retransmit package's own
// per-exchange timers). DTLS session I/O is an external
// collaborator (spec.md §1 Out of Scope); Broker depends only on the
// PacketConn interface below, the way the reference implementation's
// Broker takes a UdpServerDtlsIo collaborator rather than owning the
// socket itself.
package broker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/netcoap/psbroker/blockwise"
	"github.com/netcoap/psbroker/coder/linkformat"
	"github.com/netcoap/psbroker/coder/udp"
	"github.com/netcoap/psbroker/config"
	"github.com/netcoap/psbroker/message"
	"github.com/netcoap/psbroker/message/codes"
	"github.com/netcoap/psbroker/pkg/errcb"
	"github.com/netcoap/psbroker/protocol"
	"github.com/netcoap/psbroker/pubsub"
	"github.com/netcoap/psbroker/resource"
	"github.com/netcoap/psbroker/retransmit"
)

// PacketConn is the datagram endpoint a Broker sends and receives through:
// a peer-identified, already-decrypted transport such as a DTLS session.
// Implementations live outside this package (transport/dtls).
type PacketConn interface {
	// ReadFrom blocks for the next datagram, returning its bytes and the
	// stable identity of the peer that sent it.
	ReadFrom(buf []byte) (n int, peer string, err error)
	// WriteTo sends a datagram to peer.
	WriteTo(buf []byte, peer string) (int, error)
	// Close unblocks any pending ReadFrom and releases the endpoint.
	Close() error
}

// Broker is the pub/sub server event loop: a resource tree pre-populated
// by a pubsub.Manager, a dedup cache, and a notification retransmitter, all
// driven by one PacketConn.
type Broker struct {
	conn    PacketConn
	tree    *resource.Tree
	manager *pubsub.Manager
	dedup   *retransmit.Dedup
	resend  *retransmit.Retransmitter
	blocks  *blockwise.Engine
	coder   *udp.Coder
	errors  errcb.ErrorFunc
	tick    time.Duration
}

// New creates a Broker serving conn. collectionPath is the Topic
// Collection resource's URI (spec.md §4.6). settings.MaxSubscribers only
// sizes the block-wise engine (at least 64 transfers in flight); it is not
// applied to topics, which have no subscriber limit unless their own
// max-subscribers property sets one.
func New(conn PacketConn, collectionPath string, settings config.Settings, errors errcb.ErrorFunc) *Broker {
	if errors == nil {
		errors = errcb.Discard
	}
	tree := resource.NewTree()
	b := &Broker{
		conn:    conn,
		tree:    tree,
		manager: pubsub.NewManager(tree, collectionPath, errors),
		dedup:   retransmit.NewDedup(),
		resend:  retransmit.New(errors, errors),
		blocks:  blockwise.NewEngine(int64(maxInt(settings.MaxSubscribers, 64))),
		coder:   udp.DefaultCoder,
		errors:  errors,
		tick:    time.Second,
	}
	tree.Handle("/.well-known/core", resource.Attributes{ResourceType: "core.rd"}, resource.HandlerFunc(b.serveDiscovery))
	return b
}

// Manager exposes the pub/sub manager so callers can create topics before
// or while the event loop is running.
func (b *Broker) Manager() *pubsub.Manager { return b.manager }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Run drives the receive loop and the periodic tick until ctx is
// cancelled, at which point it closes conn to unblock any pending read.
func (b *Broker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return b.conn.Close()
	})
	g.Go(func() error { return b.receiveLoop(ctx) })
	g.Go(func() error { return b.tickLoop(ctx) })
	return g.Wait()
}

func (b *Broker) receiveLoop(ctx context.Context) error {
	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, peer, err := b.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.errors(err)
			return err
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		b.handleDatagram(ctx, data, peer)
	}
}

func (b *Broker) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			b.dedup.Sweep(now)
			b.sendNotifications(b.manager.SweepExpirations(now))
		}
	}
}

func (b *Broker) handleDatagram(ctx context.Context, data []byte, peer string) {
	var msg message.Message
	if _, err := b.coder.Decode(data, &msg); err != nil {
		if !errors.Is(err, message.ErrUnknownCriticalOption) {
			b.errors(err)
			return
		}
		b.respondBadOption(&msg, peer)
		return
	}

	if msg.IsPing() {
		b.sendRaw(&message.Message{Type: message.Reset, Code: codes.Empty, MessageID: msg.MessageID}, peer)
		return
	}

	switch {
	case msg.Code.IsRequest():
		b.handleRequest(ctx, &msg, peer)
	case msg.Type == message.Acknowledgement || msg.Type == message.Reset:
		b.resend.Ack(retransmit.Key{Peer: peer, MID: msg.MessageID})
	default:
		b.errors(errors.New("broker: unexpected response code from peer"))
	}
}

func (b *Broker) respondBadOption(msg *message.Message, peer string) {
	resp := &message.Message{
		Token:     msg.Token,
		Code:      codes.BadOption,
		MessageID: msg.MessageID,
		Type:      message.Acknowledgement,
	}
	b.sendRaw(resp, peer)
}

func (b *Broker) handleRequest(ctx context.Context, msg *message.Message, peer string) {
	key := retransmit.Key{Peer: peer, MID: msg.MessageID}
	if cached, ok := b.dedup.Lookup(key); ok {
		if _, err := b.conn.WriteTo(cached, peer); err != nil {
			b.errors(err)
		}
		return
	}

	resp := b.respondWithBlockwise(msg, peer)
	resp.Token = msg.Token
	resp.MessageID = msg.MessageID
	if msg.Type == message.Confirmable {
		resp.Type = message.Acknowledgement
	} else {
		resp.Type = message.NonConfirmable
	}

	buf := make([]byte, protocol.MaxDatagramSize)
	n, err := b.coder.Encode(*resp, buf)
	if err != nil {
		b.errors(err)
		return
	}
	encoded := buf[:n]
	if _, err := b.conn.WriteTo(encoded, peer); err != nil {
		b.errors(err)
		return
	}
	b.dedup.Remember(key, encoded)
	b.sendNotifications(b.manager.DrainNotifications())
}

// respondWithBlockwise resolves msg to a response, handling RFC 7959's two
// ends of a block-wise exchange before it ever reaches the resource tree: a
// GET carrying Block2 against a pinned transfer is served straight from
// that transfer, and a PUT/POST/FETCH/iPATCH carrying Block1 is folded into
// the matching transfer until the full payload has arrived.
func (b *Broker) respondWithBlockwise(msg *message.Message, peer string) *message.Message {
	if msg.Code == codes.GET {
		if blockVal, err := msg.Options.GetUint32(message.Block2); err == nil {
			if resp := b.serveNextBlock(peer, msg, blockVal); resp != nil {
				return resp
			}
		}
	}

	body, ack, err := b.reassembleInbound(peer, msg)
	if err != nil {
		b.errors(err)
		return &message.Message{Code: codes.InternalServerError}
	}
	if ack != nil {
		return ack
	}
	if body != nil {
		msg.Payload = body
		msg.Options = msg.Options.Remove(message.Block1).Remove(message.Size1)
	}

	resp := b.dispatch(peer, msg)
	return b.beginOutboundBlock(peer, msg.Token, resp)
}

func (b *Broker) dispatch(peer string, msg *message.Message) *message.Message {
	path, err := msg.Options.Path()
	if err != nil {
		return &message.Message{Code: codes.NotFound}
	}
	handler, ok := b.tree.Match(path)
	if !ok {
		return &message.Message{Code: codes.NotFound}
	}
	return handler.ServeCOAP(peer, msg)
}

func (b *Broker) serveDiscovery(peer string, req *message.Message) *message.Message {
	filters := resource.QueryFilters(req)
	entries := b.tree.Discover(filters)
	resp := &message.Message{Code: codes.Content, Payload: linkformat.Render(entries)}
	resp.Options = resp.Options.SetContentFormat(message.AppLinkFormat)
	return resp
}

func (b *Broker) sendNotifications(notifications []pubsub.Notification) {
	for _, n := range notifications {
		b.sendNotification(n)
	}
}

func (b *Broker) sendNotification(n pubsub.Notification) {
	msg := n.Msg
	msg.MessageID = message.GetMID()
	if n.Confirmable {
		msg.Type = message.Confirmable
	} else {
		msg.Type = message.NonConfirmable
	}
	// a notification whose payload overruns one block is pinned and sent
	// as block 0 with Observe still set; the subscriber fetches the rest
	// with plain Block2 GETs against the same token (spec.md §4's
	// Block+Observe interaction).
	msg = b.beginOutboundBlock(n.Peer, msg.Token, msg)

	buf := make([]byte, protocol.MaxDatagramSize)
	size, err := b.coder.Encode(*msg, buf)
	if err != nil {
		b.errors(err)
		return
	}
	encoded := buf[:size]
	if _, err := b.conn.WriteTo(encoded, n.Peer); err != nil {
		b.errors(err)
		return
	}
	if n.Confirmable {
		key := retransmit.Key{Peer: n.Peer, MID: msg.MessageID}
		b.resend.Start(context.Background(), key, func() error {
			_, err := b.conn.WriteTo(encoded, n.Peer)
			return err
		})
	}
}

func (b *Broker) sendRaw(msg *message.Message, peer string) {
	buf := make([]byte, protocol.MaxDatagramSize)
	n, err := b.coder.Encode(*msg, buf)
	if err != nil {
		b.errors(err)
		return
	}
	if _, err := b.conn.WriteTo(buf[:n], peer); err != nil {
		b.errors(err)
	}
}
