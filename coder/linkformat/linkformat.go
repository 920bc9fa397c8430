// Package linkformat renders the RFC 6690 link-format document served from
// /.well-known/core: a comma-separated list of <path>;attr=val entries.
package linkformat

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/netcoap/psbroker/resource"
)

// Render encodes entries as a link-format document.
func Render(entries []resource.LinkEntry) []byte {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "<%s>", e.Path)
		if e.Attributes.ResourceType != "" {
			fmt.Fprintf(&b, ";rt=%q", e.Attributes.ResourceType)
		}
		b.WriteString(";ct=")
		b.WriteString(strconv.Itoa(int(e.Attributes.ContentType)))
		if e.Attributes.ObsAllowed {
			b.WriteString(";obs")
		}
		if e.Attributes.Title != "" {
			fmt.Fprintf(&b, ";title=%q", e.Attributes.Title)
		}
	}
	return []byte(b.String())
}
