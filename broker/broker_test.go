package broker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netcoap/psbroker/blockwise"
	"github.com/netcoap/psbroker/broker"
	"github.com/netcoap/psbroker/coder/cbor"
	"github.com/netcoap/psbroker/coder/udp"
	"github.com/netcoap/psbroker/config"
	"github.com/netcoap/psbroker/message"
	"github.com/netcoap/psbroker/message/codes"
	"github.com/netcoap/psbroker/pkg/errcb"
)

// fakeConn is an in-memory PacketConn: writes addressed to "server" land in
// inbox for the broker to read, writes to any other peer land in outbox for
// the test to inspect.
type fakeConn struct {
	mu      sync.Mutex
	inbox   chan []byte
	outbox  chan outboundDatagram
	closed  chan struct{}
	closeMu sync.Once
}

type outboundDatagram struct {
	peer string
	data []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox:  make(chan []byte, 16),
		outbox: make(chan outboundDatagram, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrom(buf []byte) (int, string, error) {
	select {
	case data := <-c.inbox:
		n := copy(buf, data)
		return n, "client1", nil
	case <-c.closed:
		return 0, "", context.Canceled
	}
}

func (c *fakeConn) WriteTo(buf []byte, peer string) (int, error) {
	out := make([]byte, len(buf))
	copy(out, buf)
	c.outbox <- outboundDatagram{peer: peer, data: out}
	return len(buf), nil
}

func (c *fakeConn) Close() error {
	c.closeMu.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) deliver(msg message.Message) {
	buf := make([]byte, 1472)
	n, err := udp.DefaultCoder.Encode(msg, buf)
	if err != nil {
		panic(err)
	}
	c.inbox <- buf[:n]
}

func decode(t *testing.T, d outboundDatagram) message.Message {
	t.Helper()
	var msg message.Message
	_, err := udp.DefaultCoder.Decode(d.data, &msg)
	require.NoError(t, err)
	return msg
}

func TestRun_CreateTopicViaCollectionPOST(t *testing.T) {
	conn := newFakeConn()
	b := broker.New(conn, "/www/topic/ps", config.Defaults(), errcb.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { b.Run(ctx); close(done) }()

	props := cbor.PropertyBag{cbor.PropTopicData: "/www/topic/ps/weather", cbor.PropTopicType: "temperature"}
	payload, err := cbor.Marshal(props)
	require.NoError(t, err)

	req := message.Message{
		Type:      message.Confirmable,
		Code:      codes.POST,
		MessageID: 1,
		Token:     []byte("tok"),
	}
	req.Options = req.Options.SetPath("/www/topic/ps").SetContentFormat(message.AppCBOR)
	req.Payload = payload
	conn.deliver(req)

	var resp outboundDatagram
	select {
	case resp = <-conn.outbox:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}

	decoded := decode(t, resp)
	require.Equal(t, codes.Created, decoded.Code)
	require.Equal(t, message.Acknowledgement, decoded.Type)
	loc, err := decoded.Options.LocationPathValue()
	require.NoError(t, err)
	require.Contains(t, loc, "/www/topic/ps/")

	cancel()
	<-done
}

func TestRun_PingGetsReset(t *testing.T) {
	conn := newFakeConn()
	b := broker.New(conn, "/www/topic/ps", config.Defaults(), errcb.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { b.Run(ctx); close(done) }()

	conn.deliver(message.Message{Type: message.Confirmable, Code: codes.Empty, MessageID: 7})

	var resp outboundDatagram
	select {
	case resp = <-conn.outbox:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reset")
	}
	decoded := decode(t, resp)
	require.Equal(t, message.Reset, decoded.Type)
	require.Equal(t, int32(7), decoded.MessageID)

	cancel()
	<-done
}

func TestRun_PublishFansOutNotificationToSubscriber(t *testing.T) {
	conn := newFakeConn()
	b := broker.New(conn, "/www/topic/ps", config.Defaults(), errcb.Discard)
	_, err := b.Manager().CreateTopic(cbor.PropertyBag{
		cbor.PropTopicData: "/www/topic/ps/weather",
		cbor.PropTopicType: "temperature",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { b.Run(ctx); close(done) }()

	sub := message.Message{Type: message.Confirmable, Code: codes.GET, MessageID: 2, Token: []byte("sub1")}
	sub.Options = sub.Options.SetPath("/www/topic/ps/weather").AddUint32(message.Observe, 0)
	conn.deliver(sub)

	subAck := decode(t, <-conn.outbox)
	require.Equal(t, codes.Content, subAck.Code)

	pub := message.Message{Type: message.Confirmable, Code: codes.PUT, MessageID: 3, Token: []byte("pub1")}
	pub.Options = pub.Options.SetPath("/www/topic/ps/weather").SetContentFormat(message.TextPlain)
	pub.Payload = []byte("71.5")
	conn.deliver(pub)

	pubAck := decode(t, <-conn.outbox)
	require.Equal(t, codes.Changed, pubAck.Code)

	notif := decode(t, <-conn.outbox)
	require.Equal(t, "sub1", string(notif.Token))
	require.Equal(t, []byte("71.5"), notif.Payload)

	cancel()
	<-done
}

// TestRun_LargePublishBlockwiseEndToEnd exercises both halves of RFC 7959:
// a publisher whose payload overruns one block reassembles it with Block1,
// and the resulting notification, too big to send whole, is pinned and
// fetched back out with Block2 (SPEC_FULL.md's Block+Observe interaction).
func TestRun_LargePublishBlockwiseEndToEnd(t *testing.T) {
	conn := newFakeConn()
	b := broker.New(conn, "/www/topic/ps", config.Defaults(), errcb.Discard)
	_, err := b.Manager().CreateTopic(cbor.PropertyBag{
		cbor.PropTopicData: "/www/topic/ps/weather",
		cbor.PropTopicType: "temperature",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { b.Run(ctx); close(done) }()

	sub := message.Message{Type: message.Confirmable, Code: codes.GET, MessageID: 20, Token: []byte("sub1")}
	sub.Options = sub.Options.SetPath("/www/topic/ps/weather").AddUint32(message.Observe, 0)
	conn.deliver(sub)
	subAck := decode(t, <-conn.outbox)
	require.Equal(t, codes.Content, subAck.Code)

	payload := make([]byte, 2500)
	for i := range payload {
		payload[i] = byte(i % 256)
	}
	blockSize := blockwise.SZX1024.Size()
	mid := int32(21)
	for num := int64(0); num*blockSize < int64(len(payload)); num++ {
		start := num * blockSize
		end := start + blockSize
		more := end < int64(len(payload))
		if end > int64(len(payload)) {
			end = int64(len(payload))
		}
		blockVal, err := blockwise.EncodeBlockOption(blockwise.SZX1024, num, more)
		require.NoError(t, err)

		pub := message.Message{Type: message.Confirmable, Code: codes.PUT, MessageID: mid, Token: []byte("pub1")}
		pub.Options = pub.Options.SetPath("/www/topic/ps/weather").SetContentFormat(message.TextPlain).AddUint32(message.Block1, blockVal)
		if num == 0 {
			pub.Options = pub.Options.AddUint32(message.Size1, uint32(len(payload)))
		}
		pub.Payload = payload[start:end]
		conn.deliver(pub)
		mid++

		ack := decode(t, <-conn.outbox)
		if more {
			require.Equal(t, codes.Continue, ack.Code)
		} else {
			require.Equal(t, codes.Changed, ack.Code)
		}
	}

	notif := decode(t, <-conn.outbox)
	require.Equal(t, "sub1", string(notif.Token))
	notifBlockVal, err := notif.Options.GetUint32(message.Block2)
	require.NoError(t, err)
	szx, num, more, err := blockwise.DecodeBlockOption(notifBlockVal)
	require.NoError(t, err)
	require.Equal(t, blockwise.SZX1024, szx)
	require.Equal(t, int64(0), num)
	require.True(t, more)
	require.True(t, notif.Options.HasOption(message.Observe))

	got := append([]byte{}, notif.Payload...)
	fetchMID := int32(100)
	for more {
		num++
		nextVal, err := blockwise.EncodeBlockOption(szx, num, false)
		require.NoError(t, err)
		fetch := message.Message{Type: message.Confirmable, Code: codes.GET, MessageID: fetchMID, Token: []byte("sub1")}
		fetch.Options = fetch.Options.AddUint32(message.Block2, nextVal)
		conn.deliver(fetch)
		fetchMID++

		block := decode(t, <-conn.outbox)
		require.Equal(t, codes.Content, block.Code)
		got = append(got, block.Payload...)
		blockVal, err := block.Options.GetUint32(message.Block2)
		require.NoError(t, err)
		_, _, more, err = blockwise.DecodeBlockOption(blockVal)
		require.NoError(t, err)
	}
	require.Equal(t, payload, got)

	cancel()
	<-done
}

// TestRun_Block1OutOfOrderRejected covers spec.md §4's "out-of-order or
// gaps cause 4.08" rule: a Block1 upload that jumps straight to NUM=1
// without ever sending NUM=0 must be rejected, not silently accepted with
// a zero-filled hole.
func TestRun_Block1OutOfOrderRejected(t *testing.T) {
	conn := newFakeConn()
	b := broker.New(conn, "/www/topic/ps", config.Defaults(), errcb.Discard)
	_, err := b.Manager().CreateTopic(cbor.PropertyBag{
		cbor.PropTopicData: "/www/topic/ps/weather",
		cbor.PropTopicType: "temperature",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { b.Run(ctx); close(done) }()

	blockVal, err := blockwise.EncodeBlockOption(blockwise.SZX1024, 1, true)
	require.NoError(t, err)

	pub := message.Message{Type: message.Confirmable, Code: codes.PUT, MessageID: 40, Token: []byte("pub2")}
	pub.Options = pub.Options.SetPath("/www/topic/ps/weather").SetContentFormat(message.TextPlain).AddUint32(message.Block1, blockVal)
	pub.Options = pub.Options.AddUint32(message.Size1, 3000)
	pub.Payload = make([]byte, 1024)
	conn.deliver(pub)

	resp := decode(t, <-conn.outbox)
	require.Equal(t, codes.RequestEntityIncomplete, resp.Code)

	cancel()
	<-done
}
