package dtls

import (
	"net"

	"github.com/pion/dtls/v2"
)

// Dial opens a DTLS session to target and wraps it as a single-peer
// Conn, the client side's counterpart to Listen. The client library
// (client package) uses this to get a broker.PacketConn-shaped connection
// without depending on pion/dtls directly.
func Dial(target string, cfg *dtls.Config) (*Conn, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, err
	}
	conn, err := dtls.Dial("udp", addr, cfg)
	if err != nil {
		return nil, err
	}
	return &Conn{conn: conn}, nil
}

// Conn is a client-side DTLS session to one peer: the broker. It satisfies
// a PacketConn-shaped interface trivially since it has exactly one peer.
type Conn struct {
	conn net.Conn
}

// ReadFrom reads the next datagram from the broker; peer is always the
// broker's address since a client dials exactly one.
func (c *Conn) ReadFrom(buf []byte) (int, string, error) {
	n, err := c.conn.Read(buf)
	return n, c.conn.RemoteAddr().String(), err
}

// WriteTo ignores peer (there is only one) and writes to the broker.
func (c *Conn) WriteTo(buf []byte, _ string) (int, error) {
	return c.conn.Write(buf)
}

// Close closes the underlying DTLS session.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// LocalPeer is the identity this session's datagrams arrive under, the
// value ReadFrom reports as peer.
func (c *Conn) LocalPeer() string {
	return c.conn.RemoteAddr().String()
}
