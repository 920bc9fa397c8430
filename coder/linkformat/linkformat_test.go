package linkformat_test

import (
	"testing"

	"github.com/netcoap/psbroker/coder/linkformat"
	"github.com/netcoap/psbroker/message"
	"github.com/netcoap/psbroker/resource"
	"github.com/stretchr/testify/require"
)

func TestRenderEncodesPathAndAttributes(t *testing.T) {
	entries := []resource.LinkEntry{
		{Path: "/www/topic/ps/weather", Attributes: resource.Attributes{ResourceType: "core.ps.data", ContentType: message.AppCBOR, ObsAllowed: true}},
	}
	got := string(linkformat.Render(entries))
	require.Contains(t, got, "</www/topic/ps/weather>")
	require.Contains(t, got, `rt="core.ps.data"`)
	require.Contains(t, got, "ct=60")
	require.Contains(t, got, ";obs")
}

func TestRenderJoinsMultipleEntriesWithComma(t *testing.T) {
	entries := []resource.LinkEntry{
		{Path: "/a", Attributes: resource.Attributes{}},
		{Path: "/b", Attributes: resource.Attributes{}},
	}
	got := string(linkformat.Render(entries))
	require.Equal(t, "</a>;ct=0,</b>;ct=0", got)
}
