// Package resource implements the broker's URI-Path dispatch: a trie keyed
// by path segment (rather than mux's regex-per-pattern matching, since every
// registered path here is a literal segment sequence with no wildcards) and
// the /.well-known/core discovery endpoint of RFC 6690.
package resource

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/netcoap/psbroker/message"
)

// Handler serves one CoAP request already routed to a resource. peer is
// the requester's transport-layer identity (the DTLS session's peer id),
// needed by resources that track per-peer state such as subscriptions.
type Handler interface {
	ServeCOAP(peer string, req *message.Message) *message.Message
}

type HandlerFunc func(peer string, req *message.Message) *message.Message

func (f HandlerFunc) ServeCOAP(peer string, req *message.Message) *message.Message {
	return f(peer, req)
}

// Attributes are a resource's link-format attributes (RFC 6690 §3), used
// both to render /.well-known/core and to filter discovery queries.
type Attributes struct {
	ResourceType string // rt=
	ContentType  message.MediaType
	Title        string
	ObsAllowed   bool
}

type node struct {
	children map[string]*node
	handler  Handler
	attrs    *Attributes
	path     string
}

// Tree is a path-segment trie mapping URI-Path to a registered Handler.
type Tree struct {
	mu   sync.RWMutex
	root *node
}

func NewTree() *Tree {
	return &Tree{root: &node{children: make(map[string]*node)}}
}

func segments(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Handle registers handler for the exact path, along with its discovery
// attributes.
func (t *Tree) Handle(path string, attrs Attributes, handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.root
	for _, seg := range segments(path) {
		child, ok := n.children[seg]
		if !ok {
			child = &node{children: make(map[string]*node)}
			n.children[seg] = child
		}
		n = child
	}
	n.handler = handler
	n.attrs = &attrs
	n.path = path
}

// Remove deregisters the resource at path, if any.
func (t *Tree) Remove(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.root
	for _, seg := range segments(path) {
		child, ok := n.children[seg]
		if !ok {
			return
		}
		n = child
	}
	n.handler = nil
	n.attrs = nil
}

// Match finds the handler registered for the exact path.
func (t *Tree) Match(path string) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.root
	for _, seg := range segments(path) {
		child, ok := n.children[seg]
		if !ok {
			return nil, false
		}
		n = child
	}
	if n.handler == nil {
		return nil, false
	}
	return n.handler, true
}

// Discover returns every registered resource whose attributes satisfy every
// given filter, AND-combined (RFC 6690 §4.1). Supported filter keys: "rt",
// "ct", "href".
func (t *Tree) Discover(filters map[string]string) []LinkEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []LinkEntry
	var walk func(n *node)
	walk = func(n *node) {
		if n.attrs != nil && matchesFilters(n.path, *n.attrs, filters) {
			out = append(out, LinkEntry{Path: n.path, Attributes: *n.attrs})
		}
		for _, child := range n.children {
			walk(child)
		}
	}
	walk(t.root)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func matchesFilters(path string, attrs Attributes, filters map[string]string) bool {
	for k, v := range filters {
		switch k {
		case "rt":
			if attrs.ResourceType != v {
				return false
			}
		case "ct":
			if strconv.Itoa(int(attrs.ContentType)) != v {
				return false
			}
		case "href":
			if !strings.HasPrefix(path, v) {
				return false
			}
		}
	}
	return true
}

// LinkEntry pairs a discovered resource's path with its attributes.
type LinkEntry struct {
	Path       string
	Attributes Attributes
}

// QueryFilters parses a request's URI-Query options into the key=value
// filter map Discover expects (RFC 6690 §4.1).
func QueryFilters(req *message.Message) map[string]string {
	filters := map[string]string{}
	for _, q := range req.Options.Queries() {
		if idx := strings.IndexByte(q, '='); idx > 0 {
			filters[q[:idx]] = q[idx+1:]
		}
	}
	return filters
}
