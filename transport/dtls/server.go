// Package dtls is the broker's and client's DTLS transport: it owns the
// pion/dtls listener/dialer and the per-peer session bookkeeping, and
// presents a single broker.PacketConn to the core event loop so the loop
// never touches a net.Conn directly (spec.md §1's "DTLS session I/O" is an
// external collaborator). Grounded on the reference implementation's
// dtls/server package, adapted from its one-ClientConn-per-peer model to a
// single shared datagram queue since this module's core loop is
// connectionless by design (SPEC_FULL.md §4.7).
package dtls

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/pion/dtls/v2"

	"github.com/netcoap/psbroker/pkg/errcb"
)

// Listener is the subset of net.Listener a DTLS endpoint accepts
// connections from; satisfied by *dtls.Listener.
type Listener interface {
	Accept() (net.Conn, error)
	Close() error
	Addr() net.Addr
}

type inboundDatagram struct {
	peer string
	data []byte
}

// Endpoint multiplexes every accepted DTLS session into one inbound queue
// and routes outbound writes back to the originating session by peer
// address, implementing broker.PacketConn.
type Endpoint struct {
	listener Listener
	errors   errcb.ErrorFunc

	mu    sync.RWMutex
	peers map[string]net.Conn

	inbound chan inboundDatagram
	closed  chan struct{}
	closeMu sync.Once
}

// Listen starts a DTLS listener at addr with the given pion config and
// returns an Endpoint that accepts connections from it as they arrive.
func Listen(addr string, cfg *dtls.Config, errors errcb.ErrorFunc) (*Endpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	l, err := dtls.Listen("udp", udpAddr, cfg)
	if err != nil {
		return nil, err
	}
	return NewEndpoint(l, errors), nil
}

// NewEndpoint wraps an already-listening Listener.
func NewEndpoint(l Listener, errors errcb.ErrorFunc) *Endpoint {
	if errors == nil {
		errors = errcb.Discard
	}
	e := &Endpoint{
		listener: l,
		errors:   errors,
		peers:    make(map[string]net.Conn),
		inbound:  make(chan inboundDatagram, 64),
		closed:   make(chan struct{}),
	}
	go e.acceptLoop()
	return e
}

func (e *Endpoint) acceptLoop() {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.closed:
				return
			default:
			}
			e.errors(fmt.Errorf("dtls: accept: %w", err))
			return
		}
		peer := conn.RemoteAddr().String()
		e.mu.Lock()
		e.peers[peer] = conn
		e.mu.Unlock()
		go e.readLoop(peer, conn)
	}
}

func (e *Endpoint) readLoop(peer string, conn net.Conn) {
	buf := make([]byte, 1472)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			e.mu.Lock()
			delete(e.peers, peer)
			e.mu.Unlock()
			if !errors.Is(err, net.ErrClosed) {
				e.errors(fmt.Errorf("dtls: %s: %w", peer, err))
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case e.inbound <- inboundDatagram{peer: peer, data: data}:
		case <-e.closed:
			return
		}
	}
}

// ReadFrom implements broker.PacketConn: it blocks for the next datagram
// from any accepted peer session.
func (e *Endpoint) ReadFrom(buf []byte) (int, string, error) {
	select {
	case dg := <-e.inbound:
		n := copy(buf, dg.data)
		return n, dg.peer, nil
	case <-e.closed:
		return 0, "", context.Canceled
	}
}

// WriteTo implements broker.PacketConn: it writes to the DTLS session
// identified by peer, failing if that peer has no live session.
func (e *Endpoint) WriteTo(buf []byte, peer string) (int, error) {
	e.mu.RLock()
	conn, ok := e.peers[peer]
	e.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("dtls: no session for peer %q", peer)
	}
	return conn.Write(buf)
}

// Close closes the listener and every accepted session, unblocking
// ReadFrom.
func (e *Endpoint) Close() error {
	e.closeMu.Do(func() { close(e.closed) })
	e.mu.Lock()
	for _, conn := range e.peers {
		_ = conn.Close()
	}
	e.peers = nil
	e.mu.Unlock()
	return e.listener.Close()
}
