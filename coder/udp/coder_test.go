package udp_test

import (
	"testing"

	"github.com/netcoap/psbroker/message"
	"github.com/netcoap/psbroker/message/codes"
	udp "github.com/netcoap/psbroker/coder/udp"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := message.Message{
		Code:      codes.GET,
		Type:      message.Confirmable,
		Token:     message.Token{0xab, 0xcd},
		MessageID: 42,
		Options:   message.Options{}.SetPath("/www/topic/ps/weather").AddUint32(message.Observe, 0),
		Payload:   []byte("hello"),
	}

	size, err := udp.DefaultCoder.Size(m)
	require.NoError(t, err)

	buf := make([]byte, size)
	n, err := udp.DefaultCoder.Encode(m, buf)
	require.NoError(t, err)
	require.Equal(t, size, n)

	var got message.Message
	consumed, err := udp.DefaultCoder.Decode(buf[:n], &got)
	require.NoError(t, err)
	require.Equal(t, n, consumed)

	require.Equal(t, m.Code, got.Code)
	require.Equal(t, m.Type, got.Type)
	require.Equal(t, m.Token, got.Token)
	require.Equal(t, m.MessageID, got.MessageID)
	require.Equal(t, m.Payload, got.Payload)

	path, err := got.Options.Path()
	require.NoError(t, err)
	require.Equal(t, "/www/topic/ps/weather", path)
}

func TestEncodeTooSmallBuffer(t *testing.T) {
	m := message.Message{
		Code:      codes.Content,
		Type:      message.NonConfirmable,
		MessageID: 1,
		Payload:   []byte("x"),
	}
	size, err := udp.DefaultCoder.Size(m)
	require.NoError(t, err)

	_, err = udp.DefaultCoder.Encode(m, make([]byte, size-1))
	require.ErrorIs(t, err, message.ErrTooSmall)
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	buf := []byte{0x00, byte(codes.GET), 0, 1}
	var got message.Message
	_, err := udp.DefaultCoder.Decode(buf, &got)
	require.ErrorIs(t, err, message.ErrMessageInvalidVersion)
}
