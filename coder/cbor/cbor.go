// Package cbor encodes and decodes the property bags exchanged with topic
// configuration resources. The reference implementation's JsonPropTree
// carries these same property bags over the wire as CBOR
// (JsonPropTree::fromCborStr) while keeping a JSON-shaped in-memory model:
// a flat object of named properties such as topic-data, topic-media-type,
// topic-type, expiration-date, max-subscribers and, for filter requests, a
// "resource-type" query, a "config-filter" array of wanted property names,
// or an update object carrying only the properties to change.
package cbor

import (
	"github.com/fxamacker/cbor/v2"
)

// PropertyBag is a flat, named property set, the wire shape of a topic's
// configuration and of the filter/update payloads FETCH and iPATCH carry.
type PropertyBag map[string]interface{}

// Property name constants mirror the reference implementation's
// TopicCfgResource/TopicCfgDataResource field names.
const (
	PropTopicName      = "topic-name"
	PropTopicData      = "topic-data"
	PropTopicMediaType = "topic-media-type"
	PropTopicType      = "topic-type"
	PropExpirationDate = "expiration-date"
	PropMaxSubscribers = "max-subscribers"
	PropObserverCheck  = "observer-check"
	PropResourceType   = "resource-type"
	PropConfigFilter   = "config-filter"
)

// Marshal encodes v (a PropertyBag, or a slice of them for a collection
// listing) as CBOR.
func Marshal(v interface{}) ([]byte, error) {
	return cbor.Marshal(v)
}

// Unmarshal decodes a CBOR-encoded property bag.
func Unmarshal(data []byte) (PropertyBag, error) {
	var bag PropertyBag
	if err := cbor.Unmarshal(data, &bag); err != nil {
		return nil, err
	}
	return bag, nil
}

// Project returns a new bag containing only the named properties of src,
// the way getTopicCfgByProp's "config-filter" array selects a subset of a
// topic's configuration to return.
func Project(src PropertyBag, names []string) PropertyBag {
	out := make(PropertyBag, len(names))
	for _, name := range names {
		if v, ok := src[name]; ok {
			out[name] = v
		}
	}
	return out
}

// Matches reports whether src satisfies every key/value pair in filter, the
// way getAllTopicCfgByProp selects topics whose configuration matches a set
// of property equality constraints (e.g. resource-type and topic-type).
func Matches(src, filter PropertyBag) bool {
	for k, want := range filter {
		if k == PropConfigFilter {
			continue
		}
		got, ok := src[k]
		if !ok || !equalProperty(got, want) {
			return false
		}
	}
	return true
}

func equalProperty(a, b interface{}) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
