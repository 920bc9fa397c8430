package message

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptionMarshalUnmarshal(t *testing.T) {
	opts := Options{}.
		AddUint32(Observe, 12).
		SetPath("www/topic/ps/weather")

	need, err := opts.Marshal(nil)
	require.NoError(t, err)

	buf := make([]byte, need)
	n, err := opts.Marshal(buf)
	require.NoError(t, err)
	require.Equal(t, need, n)

	var got Options
	got, consumed, err := got.Unmarshal(buf, CoapOptionDefs)
	require.NoError(t, err)
	require.Equal(t, n, consumed)

	path, err := got.Path()
	require.NoError(t, err)
	require.Equal(t, "/www/topic/ps/weather", path)

	observe, err := got.GetUint32(Observe)
	require.NoError(t, err)
	require.Equal(t, uint32(12), observe)
}

func TestOptionUnknownCriticalRejected(t *testing.T) {
	// option 9 is unassigned and critical (odd).
	opt := Option{ID: 9, Value: []byte("x")}
	buf := make([]byte, 16)
	n, err := opt.Marshal(buf, 0)
	require.NoError(t, err)

	var got Options
	_, _, err = got.Unmarshal(buf[:n], CoapOptionDefs)
	require.ErrorIs(t, err, ErrUnknownCriticalOption)
}

func TestOptionUnknownElectiveIgnored(t *testing.T) {
	// option 10 is unassigned and elective (even).
	opt := Option{ID: 10, Value: []byte("x")}
	buf := make([]byte, 16)
	n, err := opt.Marshal(buf, 0)
	require.NoError(t, err)

	var got Options
	got, _, err = got.Unmarshal(buf[:n], CoapOptionDefs)
	require.NoError(t, err)
	require.Empty(t, got)
}
