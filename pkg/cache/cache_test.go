package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadOrStore(t *testing.T) {
	c := NewCache[string, string]()

	elem := c.NewElement("elem", time.Now().Add(time.Minute), nil)
	got, loaded := c.LoadOrStore("abcd", elem)
	require.False(t, loaded)
	require.Equal(t, "elem", got.Data())

	elem2 := c.NewElement("elem2", time.Now().Add(time.Minute), nil)
	got2, loaded2 := c.LoadOrStore("abcd", elem2)
	require.True(t, loaded2)
	require.Equal(t, "elem", got2.Data())
}

func TestLoadMissingAndDelete(t *testing.T) {
	c := NewCache[string, string]()

	_, loaded := c.Load("abcd")
	require.False(t, loaded)

	elem := c.NewElement("elem", time.Now().Add(time.Minute), nil)
	c.LoadOrStore("abcd", elem)

	got, loaded := c.Load("abcd")
	require.True(t, loaded)
	require.Equal(t, "elem", got.Data())

	require.True(t, c.Delete("abcd"))
	_, loaded = c.Load("abcd")
	require.False(t, loaded)
}

func TestCheckExpirationsFiresOnExpire(t *testing.T) {
	c := NewCache[string, string]()

	var expired bool
	elem := c.NewElement("elem", time.Now().Add(time.Second), func(string) { expired = true })
	c.LoadOrStore("abcd", elem)

	c.CheckExpirations(time.Now())
	require.False(t, expired)

	c.CheckExpirations(time.Now().Add(2 * time.Second))
	require.True(t, expired)

	_, loaded := c.Load("abcd")
	require.False(t, loaded)
}

func TestZeroValidUntilNeverExpires(t *testing.T) {
	c := NewCache[string, string]()
	elem := c.NewElement("elem", time.Time{}, nil)
	c.LoadOrStore("abcd", elem)

	c.CheckExpirations(time.Now().Add(time.Hour))
	_, loaded := c.Load("abcd")
	require.True(t, loaded)
}
