package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netcoap/psbroker/broker"
	"github.com/netcoap/psbroker/client"
	"github.com/netcoap/psbroker/config"
	"github.com/netcoap/psbroker/message"
	"github.com/netcoap/psbroker/pkg/errcb"
)

// pipeConn is a broker.PacketConn/client.PacketConn backed by a pair of
// Go channels standing in for one DTLS session between a single client
// and the broker, avoiding a real socket or handshake in tests.
type pipeConn struct {
	toPeer   chan []byte
	fromPeer chan []byte
	peerName string
	closed   chan struct{}
}

func newPipePair(clientPeerName string) (serverSide, clientSide *pipeConn) {
	c2s := make(chan []byte, 32)
	s2c := make(chan []byte, 32)
	closed := make(chan struct{})
	server := &pipeConn{toPeer: s2c, fromPeer: c2s, peerName: clientPeerName, closed: closed}
	clientEnd := &pipeConn{toPeer: c2s, fromPeer: s2c, peerName: "broker", closed: closed}
	return server, clientEnd
}

func (p *pipeConn) ReadFrom(buf []byte) (int, string, error) {
	select {
	case data := <-p.fromPeer:
		return copy(buf, data), p.peerName, nil
	case <-p.closed:
		return 0, "", context.Canceled
	}
}

func (p *pipeConn) WriteTo(buf []byte, _ string) (int, error) {
	out := make([]byte, len(buf))
	copy(out, buf)
	select {
	case p.toPeer <- out:
	case <-p.closed:
	}
	return len(buf), nil
}

func (p *pipeConn) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

func TestClientCreateTopicPublishSubscribeEndToEnd(t *testing.T) {
	serverConn, clientConn := newPipePair("client1")

	b := broker.New(serverConn, "/www/topic/ps", config.Defaults(), errcb.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	c := client.Connect(ctx, clientConn, "client1", errcb.Discard)
	defer c.Disconnect()

	resp, err := c.CreateTopic(ctx, "/www/topic/ps", "Weather", "/www/topic/ps/weather", "temperature", message.TextPlain)
	require.NoError(t, err)
	loc, err := resp.Options.LocationPathValue()
	require.NoError(t, err)
	require.Contains(t, loc, "/www/topic/ps/")

	_, subResp, notifications, err := c.Subscribe(ctx, "/www/topic/ps/weather", "temperature")
	require.NoError(t, err)
	require.NotNil(t, subResp)

	_, err = c.Publish(ctx, "/www/topic/ps/weather", []byte("71.5"), message.TextPlain, "temperature")
	require.NoError(t, err)

	select {
	case n := <-notifications:
		require.NoError(t, n.Err)
		require.Equal(t, []byte("71.5"), n.Message.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestClientLargePublishAndSubscribeRoundTripBlockwise(t *testing.T) {
	serverConn, clientConn := newPipePair("client3")

	b := broker.New(serverConn, "/www/topic/ps", config.Defaults(), errcb.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	c := client.Connect(ctx, clientConn, "client3", errcb.Discard)
	defer c.Disconnect()

	resp, err := c.CreateTopic(ctx, "/www/topic/ps", "Firmware", "/www/topic/ps/firmware", "binary", message.AppOctets)
	require.NoError(t, err)
	_, err = resp.Options.LocationPathValue()
	require.NoError(t, err)

	_, _, notifications, err := c.Subscribe(ctx, "/www/topic/ps/firmware", "binary")
	require.NoError(t, err)

	large := make([]byte, 2500)
	for i := range large {
		large[i] = byte(i % 256)
	}
	_, err = c.Publish(ctx, "/www/topic/ps/firmware", large, message.AppOctets, "binary")
	require.NoError(t, err)

	select {
	case n := <-notifications:
		require.NoError(t, n.Err)
		require.Equal(t, large, n.Message.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for blockwise notification")
	}
}

func TestClientGetTopicCfgByPropProjection(t *testing.T) {
	serverConn, clientConn := newPipePair("client2")

	b := broker.New(serverConn, "/www/topic/ps", config.Defaults(), errcb.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	c := client.Connect(ctx, clientConn, "client2", errcb.Discard)
	defer c.Disconnect()

	resp, err := c.CreateTopic(ctx, "/www/topic/ps", "Weather", "/www/topic/ps/weather", "temperature", message.TextPlain)
	require.NoError(t, err)
	cfgURI, err := resp.Options.LocationPathValue()
	require.NoError(t, err)

	projected, err := c.GetTopicCfgByProp(ctx, cfgURI, []string{"topic-data", "topic-type"})
	require.NoError(t, err)
	require.NotEmpty(t, projected.Payload)
}
