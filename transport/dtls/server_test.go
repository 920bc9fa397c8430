package dtls

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netcoap/psbroker/pkg/errcb"
)

// fakeListener hands out net.Pipe connections instead of performing a real
// DTLS handshake, so Endpoint's multiplexing can be tested without a
// certificate or PSK setup.
type fakeListener struct {
	accept chan net.Conn
	closed chan struct{}
}

func newFakeListener() (*fakeListener, func() net.Conn) {
	fl := &fakeListener{accept: make(chan net.Conn, 4), closed: make(chan struct{})}
	dial := func() net.Conn {
		server, client := net.Pipe()
		fl.accept <- server
		return client
	}
	return fl, dial
}

func (l *fakeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *fakeListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

func (l *fakeListener) Addr() net.Addr { return &net.UDPAddr{} }

func TestEndpointRoutesInboundDatagramWithPeerIdentity(t *testing.T) {
	fl, dial := newFakeListener()
	ep := NewEndpoint(fl, errcb.Discard)
	defer ep.Close()

	client := dial()
	defer client.Close()

	_, err := client.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, peer, err := ep.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
	require.NotEmpty(t, peer)
}

func TestEndpointWriteToUnknownPeerFails(t *testing.T) {
	fl, _ := newFakeListener()
	ep := NewEndpoint(fl, errcb.Discard)
	defer ep.Close()

	_, err := ep.WriteTo([]byte("x"), "nonexistent")
	require.Error(t, err)
}

func TestEndpointCloseUnblocksReadFrom(t *testing.T) {
	fl, _ := newFakeListener()
	ep := NewEndpoint(fl, errcb.Discard)

	done := make(chan error, 1)
	go func() {
		_, _, err := ep.ReadFrom(make([]byte, 32))
		done <- err
	}()

	require.NoError(t, ep.Close())

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ReadFrom did not unblock after Close")
	}
}
