package message

import (
	"fmt"

	"github.com/netcoap/psbroker/message/codes"
)

// Message is a decoded CoAP message: a request, response, or empty
// ACK/RST, carried over UDP or DTLS.
type Message struct {
	Token   Token
	Options Options
	Code    codes.Code
	Payload []byte

	MessageID int32 // uint16 is valid; -1 means unset
	Type      Type  // uint8 is valid; -1 means unset
}

// IsPing reports whether m is an empty Confirmable message (RFC 7252 §4.3):
// a keepalive probe that expects only a Reset in reply.
func (m *Message) IsPing() bool {
	return m.Code == codes.Empty && m.Type == Confirmable && len(m.Token) == 0 && len(m.Payload) == 0
}

func (m *Message) String() string {
	if m == nil {
		return "nil"
	}
	buf := fmt.Sprintf("Code: %v, Token: %v", m.Code, m.Token)
	if path, err := m.Options.Path(); err == nil {
		buf = fmt.Sprintf("%s, Path: %v", buf, path)
	}
	if cf, err := m.Options.GetUint32(ContentFormat); err == nil {
		buf = fmt.Sprintf("%s, ContentFormat: %v", buf, MediaType(cf))
	}
	if queries := m.Options.Queries(); len(queries) > 0 {
		buf = fmt.Sprintf("%s, Queries: %+v", buf, queries)
	}
	if ValidateType(m.Type) {
		buf = fmt.Sprintf("%s, Type: %v", buf, m.Type)
	}
	if ValidateMID(m.MessageID) {
		buf = fmt.Sprintf("%s, MessageID: %v", buf, m.MessageID)
	}
	if len(m.Payload) > 0 {
		buf = fmt.Sprintf("%s, PayloadLen: %v", buf, len(m.Payload))
	}
	return buf
}
