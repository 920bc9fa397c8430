// Package client implements the broker's matching client library: the
// eleven operations of spec.md §4.8, each driven by an exchange.Table
// continuation keyed by token, so
// no call here ever busy-waits on connection state the way the original
// demo program's interruptCb does (SPEC_FULL.md §5).
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/netcoap/psbroker/blockwise"
	"github.com/netcoap/psbroker/coder/cbor"
	"github.com/netcoap/psbroker/coder/udp"
	"github.com/netcoap/psbroker/exchange"
	"github.com/netcoap/psbroker/message"
	"github.com/netcoap/psbroker/message/codes"
	"github.com/netcoap/psbroker/pkg/coaperrors"
	"github.com/netcoap/psbroker/pkg/errcb"
	"github.com/netcoap/psbroker/protocol"
	"github.com/netcoap/psbroker/retransmit"
)

// outboundBlockSZX matches the broker's split size so neither side ever
// needs to renegotiate a smaller block mid-transfer.
const outboundBlockSZX = blockwise.SZX1024

// PacketConn is the datagram endpoint a Client sends and receives through;
// the same shape broker.PacketConn uses, satisfied by *transport/dtls.Conn.
type PacketConn interface {
	ReadFrom(buf []byte) (n int, peer string, err error)
	WriteTo(buf []byte, peer string) (int, error)
	Close() error
}

// Notification is one Observe-driven update delivered to a subscription's
// callback, the shape subscribe(dataUri, cb, topicType) registers.
type Notification struct {
	Message *message.Message
	Err     error
}

// Client is a single peer's connection to the broker: one PacketConn, one
// continuation table keyed by token, and a registry of active
// subscriptions' callbacks.
type Client struct {
	conn    PacketConn
	peer    string
	pending *exchange.Table
	resend  *retransmit.Retransmitter
	coder   *udp.Coder
	errors  errcb.ErrorFunc

	subsMu    sync.RWMutex
	subs      map[string]chan Notification
	observers map[string]*exchange.Observer

	closed chan struct{}
}

// Connect wraps conn, an already-connected transport collaborator whose
// DTLS handshake has completed (for example transport/dtls.Dial), and
// starts the client's receive loop. It performs no handshake itself.
func Connect(ctx context.Context, conn PacketConn, peer string, errors errcb.ErrorFunc) *Client {
	if errors == nil {
		errors = errcb.Discard
	}
	c := &Client{
		conn:      conn,
		peer:      peer,
		pending:   exchange.NewTable(),
		resend:    retransmit.New(errors, errors),
		coder:     udp.DefaultCoder,
		errors:    errors,
		subs:      make(map[string]chan Notification),
		observers: make(map[string]*exchange.Observer),
		closed:    make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

// Disconnect cancels every outstanding exchange for this peer with
// coaperrors.ErrClientClosed and closes the underlying connection (spec.md
// §5's "a client disconnect cancels all outstanding exchanges for that
// peer").
func (c *Client) Disconnect() error {
	select {
	case <-c.closed:
		return nil
	default:
		close(c.closed)
	}
	return c.conn.Close()
}

func (c *Client) receiveLoop() {
	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, _, err := c.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
				c.errors(err)
				return
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		c.handleDatagram(data)
	}
}

func (c *Client) handleDatagram(data []byte) {
	var msg message.Message
	if _, err := c.coder.Decode(data, &msg); err != nil {
		c.errors(err)
		return
	}
	if msg.Type == message.Acknowledgement && len(msg.Token) == 0 && msg.Code == codes.Empty {
		return
	}
	key := string(msg.Token)
	if c.pending.Resolve(key, &msg) {
		// the first response to a GET-with-Observe arrives as the ACK to
		// that request and resolves its continuation; later notifications
		// for the same token carry no pending continuation and fall
		// through to dispatchNotification below.
		return
	}

	// a later push for an Observe subscription arrives as its own message
	// with a fresh Message ID, not piggybacked on a request's ACK, so the
	// broker's retransmitter (broker.sendNotification) needs this client to
	// ACK it directly; an unrecognized token gets RST instead, the RFC 7641
	// §3.6 way of telling the broker to cancel an observation it no longer
	// has a live subscriber for.
	known := c.isKnownSubscription(key)
	if msg.Type == message.Confirmable {
		if !known {
			c.sendEmpty(message.Reset, msg.MessageID)
			return
		}
		c.sendEmpty(message.Acknowledgement, msg.MessageID)
	}

	if seq, err := msg.Options.GetUint32(message.Observe); err == nil {
		c.dispatchNotification(key, &msg, seq)
		return
	}
	if known {
		// a non-Observe push to a still-subscribed token is terminal, e.g.
		// the 4.04 sent when the topic's expiration-date passes (spec.md
		// §4.6); there will be no further notifications for this token.
		c.dispatchTerminalNotification(key, &msg)
	}
}

func (c *Client) isKnownSubscription(token string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	_, ok := c.subs[token]
	return ok
}

func (c *Client) sendEmpty(t message.Type, mid int32) {
	msg := &message.Message{Type: t, Code: codes.Empty, MessageID: mid}
	buf := make([]byte, protocol.MaxDatagramSize)
	n, err := c.coder.Encode(*msg, buf)
	if err != nil {
		c.errors(err)
		return
	}
	if _, err := c.conn.WriteTo(buf[:n], c.peer); err != nil {
		c.errors(err)
	}
}

func (c *Client) dispatchTerminalNotification(token string, msg *message.Message) {
	c.subsMu.Lock()
	ch, ok := c.subs[token]
	if ok {
		delete(c.subs, token)
		delete(c.observers, token)
	}
	c.subsMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- Notification{Message: msg}:
	default:
	}
}

func (c *Client) dispatchNotification(token string, msg *message.Message, seq uint32) {
	c.subsMu.RLock()
	ch, ok := c.subs[token]
	obs := c.observers[token]
	c.subsMu.RUnlock()
	if !ok {
		return
	}
	if obs != nil && !obs.Accept(seq, time.Now()) {
		// stale or reordered relative to the last notification this
		// subscription accepted (RFC 7641 §3.4); drop it.
		return
	}
	if msg.Options.HasOption(message.Block2) {
		// the broker pinned this update and sent only its first block; the
		// rest is fetched out-of-band so the receive loop never blocks.
		go c.resolveNotificationBlockwise(msg, ch)
		return
	}
	select {
	case ch <- Notification{Message: msg}:
	default:
	}
}

func (c *Client) resolveNotificationBlockwise(msg *message.Message, ch chan Notification) {
	full, err := c.resolveBlockwise(context.Background(), msg)
	if err != nil {
		select {
		case ch <- Notification{Err: err}:
		default:
		}
		return
	}
	select {
	case ch <- Notification{Message: full}:
	default:
	}
}

// send dispatches req whole, or, when its payload overruns one block,
// splits it into a Block1 sequence (spec.md §5's CoapPublisher.cpp-sized
// publishes are the ordinary case, not a pathological one), then follows up
// with Block2 GETs if the response itself came back pinned and split.
func (c *Client) send(ctx context.Context, req *message.Message) (*message.Message, error) {
	var resp *message.Message
	var err error
	if int64(len(req.Payload)) <= outboundBlockSZX.Size() {
		resp, err = c.sendOnce(ctx, req)
	} else {
		resp, err = c.sendBlockwise(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return c.resolveBlockwise(ctx, resp)
}

// resolveBlockwise reassembles a Block2-split response or notification by
// issuing plain follow-up GETs against the same token until the broker's
// pinned transfer reports no more blocks remaining.
func (c *Client) resolveBlockwise(ctx context.Context, resp *message.Message) (*message.Message, error) {
	blockVal, err := resp.Options.GetUint32(message.Block2)
	if err != nil {
		return resp, nil
	}
	szx, num, more, err := blockwise.DecodeBlockOption(blockVal)
	if err != nil || !more {
		return resp, nil
	}
	body := append([]byte{}, resp.Payload...)
	token := resp.Token
	for more {
		num++
		nextVal, err := blockwise.EncodeBlockOption(szx, num, false)
		if err != nil {
			return nil, err
		}
		req := &message.Message{Code: codes.GET, Token: token}
		req.Options = req.Options.AddUint32(message.Block2, nextVal)
		next, err := c.sendOnce(ctx, req)
		if err != nil {
			return nil, err
		}
		body = append(body, next.Payload...)
		blockVal, err = next.Options.GetUint32(message.Block2)
		if err != nil {
			break
		}
		_, num, more, err = blockwise.DecodeBlockOption(blockVal)
		if err != nil {
			return nil, err
		}
	}
	resp.Payload = body
	resp.Options = resp.Options.Remove(message.Block2)
	return resp, nil
}

// sendBlockwise walks req's payload one block at a time, each sent as its
// own Confirmable message sharing one token; the broker acks every
// intermediate block with 2.31 Continue, and the final block's response is
// the request's real result (RFC 7959 §2.3).
func (c *Client) sendBlockwise(ctx context.Context, req *message.Message) (*message.Message, error) {
	tok, err := message.GetToken()
	if err != nil {
		return nil, err
	}
	total := req.Payload
	size := int64(len(total))
	blockSize := outboundBlockSZX.Size()

	var resp *message.Message
	for num := int64(0); num*blockSize < size; num++ {
		start := num * blockSize
		end := start + blockSize
		more := end < size
		if end > size {
			end = size
		}
		blockVal, err := blockwise.EncodeBlockOption(outboundBlockSZX, num, more)
		if err != nil {
			return nil, err
		}
		part := &message.Message{Code: req.Code, Token: tok, Payload: total[start:end]}
		part.Options = req.Options.AddUint32(message.Block1, blockVal)
		if num == 0 {
			part.Options = part.Options.AddUint32(message.Size1, uint32(size))
		}
		resp, err = c.sendOnce(ctx, part)
		if err != nil {
			return nil, err
		}
		if more && resp.Code != codes.Continue {
			return resp, statusError(resp.Code)
		}
	}
	return resp, nil
}

// sendOnce encodes and writes req as a Confirmable message, registering a
// continuation under its token and returning the response once it
// arrives, retransmitting on RFC 7252 §4.2's schedule until acknowledged.
func (c *Client) sendOnce(ctx context.Context, req *message.Message) (*message.Message, error) {
	if req.Token == nil {
		tok, err := message.GetToken()
		if err != nil {
			return nil, err
		}
		req.Token = tok
	}
	req.Type = message.Confirmable
	req.MessageID = message.GetMID()

	cont, ok := c.pending.Start(string(req.Token))
	if !ok {
		return nil, fmt.Errorf("client: token already in flight")
	}
	defer c.pending.Cancel(string(req.Token))

	buf := make([]byte, protocol.MaxDatagramSize)
	n, err := c.coder.Encode(*req, buf)
	if err != nil {
		return nil, err
	}
	encoded := buf[:n]
	if _, err := c.conn.WriteTo(encoded, c.peer); err != nil {
		return nil, err
	}

	key := retransmit.Key{Peer: c.peer, MID: req.MessageID}
	c.resend.Start(ctx, key, func() error {
		_, err := c.conn.WriteTo(encoded, c.peer)
		return err
	})
	defer c.resend.Ack(key)

	select {
	case resp := <-cont.Response:
		if !resp.Code.IsRequest() && resp.Code >= codes.BadRequest {
			return resp, statusError(resp.Code)
		}
		return resp, nil
	case err := <-cont.Err:
		return nil, err
	case <-c.closed:
		return nil, coaperrors.ErrClientClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func statusError(code codes.Code) error {
	return fmt.Errorf("client: request failed with %v", code)
}

// Publish issues PUT dataUri with payload as the pub/sub extension's
// publish operation (spec.md §4.8), Content-Format=ct and an optional
// topic-type query.
func (c *Client) Publish(ctx context.Context, dataURI string, payload []byte, ct message.MediaType, topicType string) (*message.Message, error) {
	req := &message.Message{Code: codes.PUT, Payload: payload}
	req.Options = req.Options.SetPath(dataURI).SetContentFormat(ct)
	if topicType != "" {
		req.Options = req.Options.AddString(message.URIQuery, "topic-type="+topicType)
	}
	return c.send(ctx, req)
}

// Subscribe issues GET dataUri with Observe=0 (spec.md §4.8) and returns a
// channel of notifications plus the immediate response; the caller cancels
// by calling Unsubscribe with the returned token.
func (c *Client) Subscribe(ctx context.Context, dataURI, topicType string) (string, *message.Message, <-chan Notification, error) {
	tok, err := message.GetToken()
	if err != nil {
		return "", nil, nil, err
	}
	req := &message.Message{Code: codes.GET, Token: tok}
	req.Options = req.Options.SetPath(dataURI).AddUint32(message.Observe, 0)
	if topicType != "" {
		req.Options = req.Options.AddString(message.URIQuery, "topic-type="+topicType)
	}

	ch := make(chan Notification, 8)
	obs := &exchange.Observer{Peer: c.peer, Token: string(tok)}
	c.subsMu.Lock()
	c.subs[string(tok)] = ch
	c.observers[string(tok)] = obs
	c.subsMu.Unlock()

	resp, err := c.send(ctx, req)
	if err != nil {
		c.subsMu.Lock()
		delete(c.subs, string(tok))
		delete(c.observers, string(tok))
		c.subsMu.Unlock()
		return "", nil, nil, err
	}
	// the immediate response carries the topic's current Observe sequence;
	// seed the observer with it so later notifications compare against it.
	if seq, err := resp.Options.GetUint32(message.Observe); err == nil {
		obs.Accept(seq, time.Now())
	}
	return string(tok), resp, ch, nil
}

// Unsubscribe issues GET dataUri with Observe=1 and the subscription's
// token, removing it from the broker's subscriber set (spec.md §4.6).
func (c *Client) Unsubscribe(ctx context.Context, dataURI, token string) error {
	req := &message.Message{Code: codes.GET, Token: []byte(token)}
	req.Options = req.Options.SetPath(dataURI).AddUint32(message.Observe, 1)
	_, err := c.send(ctx, req)
	c.subsMu.Lock()
	delete(c.subs, token)
	delete(c.observers, token)
	c.subsMu.Unlock()
	return err
}

// CreateTopic issues POST collectionUri with a CBOR property map (spec.md
// §4.8), returning the created topic's configuration location.
func (c *Client) CreateTopic(ctx context.Context, collectionURI, name, dataURI, topicType string, ct message.MediaType) (*message.Message, error) {
	props := cbor.PropertyBag{
		cbor.PropTopicName:      name,
		cbor.PropTopicData:      dataURI,
		cbor.PropTopicType:      topicType,
		cbor.PropTopicMediaType: uint32(ct),
	}
	payload, err := cbor.Marshal(props)
	if err != nil {
		return nil, err
	}
	req := &message.Message{Code: codes.POST, Payload: payload}
	req.Options = req.Options.SetPath(collectionURI).SetContentFormat(message.AppCBOR)
	return c.send(ctx, req)
}

// GetAllTopicCollection issues GET /.well-known/core filtered to
// rt=core.ps.coll (spec.md §4.8).
func (c *Client) GetAllTopicCollection(ctx context.Context) (*message.Message, error) {
	req := &message.Message{Code: codes.GET}
	req.Options = req.Options.SetPath("/.well-known/core").AddString(message.URIQuery, "rt=core.ps.coll")
	return c.send(ctx, req)
}

// GetAllTopicCfgFromCollection issues a plain GET on the collection URI.
func (c *Client) GetAllTopicCfgFromCollection(ctx context.Context, collectionURI string) (*message.Message, error) {
	req := &message.Message{Code: codes.GET}
	req.Options = req.Options.SetPath(collectionURI)
	return c.send(ctx, req)
}

// GetAllTopicData issues GET /.well-known/core with rt=core.ps.data and
// href=path, listing the topic data resources whose path starts with path.
// The request is sent to /.well-known/core, not to path itself.
func (c *Client) GetAllTopicData(ctx context.Context, path string) (*message.Message, error) {
	req := &message.Message{Code: codes.GET}
	req.Options = req.Options.SetPath("/.well-known/core").AddString(message.URIQuery, "rt=core.ps.data").AddString(message.URIQuery, "href="+path)
	return c.send(ctx, req)
}

// GetAllTopicCfg issues GET /.well-known/core with rt=core.ps.conf and
// href=path, listing the topic configuration resources whose path starts
// with path. The request is sent to /.well-known/core, not to path itself.
func (c *Client) GetAllTopicCfg(ctx context.Context, path string) (*message.Message, error) {
	req := &message.Message{Code: codes.GET}
	req.Options = req.Options.SetPath("/.well-known/core").AddString(message.URIQuery, "rt=core.ps.conf").AddString(message.URIQuery, "href="+path)
	return c.send(ctx, req)
}

// GetAllTopicCfgByProp issues FETCH path with a CBOR property-equality map
// (spec.md §4.8's getAllTopicCfgByProp).
func (c *Client) GetAllTopicCfgByProp(ctx context.Context, path string, props cbor.PropertyBag) (*message.Message, error) {
	payload, err := cbor.Marshal(props)
	if err != nil {
		return nil, err
	}
	req := &message.Message{Code: codes.FETCH, Payload: payload}
	req.Options = req.Options.SetPath(path).SetContentFormat(message.AppCBOR)
	return c.send(ctx, req)
}

// GetTopicCfg issues a plain GET on the topic's configuration URI.
func (c *Client) GetTopicCfg(ctx context.Context, cfgURI string) (*message.Message, error) {
	req := &message.Message{Code: codes.GET}
	req.Options = req.Options.SetPath(cfgURI)
	return c.send(ctx, req)
}

// GetTopicCfgByProp issues FETCH cfgUri with a CBOR map whose config-filter
// entry is the projection list of property names (spec.md §4.8's
// getTopicCfgByProp, e.g. {"config-filter": [topic-data, topic-type]}).
func (c *Client) GetTopicCfgByProp(ctx context.Context, cfgURI string, names []string) (*message.Message, error) {
	payload, err := cbor.Marshal(cbor.PropertyBag{cbor.PropConfigFilter: names})
	if err != nil {
		return nil, err
	}
	req := &message.Message{Code: codes.FETCH, Payload: payload}
	req.Options = req.Options.SetPath(cfgURI).SetContentFormat(message.AppCBOR)
	return c.send(ctx, req)
}

// SetTopicCfgByProp issues iPATCH cfgUri with a CBOR partial-property map
// (spec.md §4.8's setTopicCfgByProp, e.g. {"max-subscribers":100}).
func (c *Client) SetTopicCfgByProp(ctx context.Context, cfgURI string, props cbor.PropertyBag) (*message.Message, error) {
	payload, err := cbor.Marshal(props)
	if err != nil {
		return nil, err
	}
	req := &message.Message{Code: codes.IPATCH, Payload: payload}
	req.Options = req.Options.SetPath(cfgURI).SetContentFormat(message.AppCBOR)
	return c.send(ctx, req)
}
