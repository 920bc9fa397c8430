// Package udp implements the CoAP-over-UDP/DTLS wire format (RFC 7252 §3):
// a fixed 4-byte header, an optional token, TLV-encoded options, and an
// optional payload separated by a 0xff marker.
package udp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/netcoap/psbroker/message"
	"github.com/netcoap/psbroker/message/codes"
)

// DefaultCoder is the stateless Coder shared by the broker and client; it
// holds no per-message state so a single instance serves every exchange.
var DefaultCoder = new(Coder)

type Coder struct{}

// Size returns the number of bytes Encode would write for m.
func (c *Coder) Size(m message.Message) (int, error) {
	if len(m.Token) > message.MaxTokenSize {
		return -1, message.ErrInvalidTokenLen
	}
	size := 4 + len(m.Token)
	payloadLen := len(m.Payload)
	optionsLen, err := m.Options.Marshal(nil)
	if err != nil {
		return -1, err
	}
	if payloadLen > 0 {
		payloadLen++ // 0xff separator
	}
	size += payloadLen + optionsLen
	return size, nil
}

// Encode writes m's wire representation to buf, returning the number of
// bytes written, or, if buf is too short, the required size together with
// ErrTooSmall.
func (c *Coder) Encode(m message.Message, buf []byte) (int, error) {
	/*
	     0                   1                   2                   3
	    0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |Ver| T |  TKL  |      Code     |          Message ID           |
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |   Token (if any, TKL bytes) ...
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |   Options (if any) ...
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |1 1 1 1 1 1 1 1|    Payload (if any) ...
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	*/
	if !message.ValidateMID(m.MessageID) {
		return -1, fmt.Errorf("invalid MessageID(%v)", m.MessageID)
	}
	if !message.ValidateType(m.Type) {
		return -1, fmt.Errorf("invalid Type(%v)", m.Type)
	}
	size, err := c.Size(m)
	if err != nil {
		return -1, err
	}
	if len(buf) < size {
		return size, message.ErrTooSmall
	}

	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(m.MessageID))

	buf[0] = (1 << 6) | byte(m.Type)<<4 | byte(0xf&len(m.Token))
	buf[1] = byte(m.Code)
	buf[2] = tmp[0]
	buf[3] = tmp[1]
	buf = buf[4:]

	copy(buf, m.Token)
	buf = buf[len(m.Token):]

	optionsLen, err := m.Options.Marshal(buf)
	if err != nil {
		return size, err
	}
	buf = buf[optionsLen:]

	if len(m.Payload) > 0 {
		buf[0] = 0xff
		buf = buf[1:]
	}
	copy(buf, m.Payload)
	return size, nil
}

// Decode parses a wire message from data into m, returning the number of
// bytes consumed (always len(data): CoAP/UDP messages are one datagram).
func (c *Coder) Decode(data []byte, m *message.Message) (int, error) {
	size := len(data)
	if size < 4 {
		return -1, message.ErrMessageTruncated
	}
	if data[0]>>6 != 1 {
		return -1, message.ErrMessageInvalidVersion
	}

	typ := message.Type((data[0] >> 4) & 0x3)
	tokenLen := int(data[0] & 0xf)
	if tokenLen > message.MaxTokenSize {
		return -1, message.ErrInvalidTokenLen
	}

	code := codes.Code(data[1])
	messageID := binary.BigEndian.Uint16(data[2:4])
	data = data[4:]
	if len(data) < tokenLen {
		return -1, message.ErrMessageTruncated
	}
	var token message.Token
	if tokenLen > 0 {
		token = message.Token(data[:tokenLen])
	}
	data = data[tokenLen:]

	opts, proc, err := m.Options.Unmarshal(data, message.CoapOptionDefs)
	if err != nil && !errors.Is(err, message.ErrUnknownCriticalOption) {
		return -1, err
	}
	m.Options = opts
	data = data[proc:]
	if len(data) > 0 && data[0] == 0xff {
		data = data[1:]
	}
	if len(data) == 0 {
		data = nil
	}

	m.Payload = data
	m.Code = code
	m.Token = token
	m.Type = typ
	m.MessageID = int32(messageID)

	if err != nil {
		return size, err
	}
	return size, nil
}
