package message

import (
	"sort"
	"strings"
)

// Options is a message's option list, always kept sorted by OptionID so that
// Marshal can emit delta-encoded TLVs in one pass.
type Options []Option

// Find returns the index of the first option with the given id, or -1.
func (o Options) Find(id OptionID) int {
	for i := range o {
		if o[i].ID == id {
			return i
		}
	}
	return -1
}

// GetBytes returns the raw value of the first option with the given id.
func (o Options) GetBytes(id OptionID) ([]byte, error) {
	i := o.Find(id)
	if i < 0 {
		return nil, ErrOptionNotFound
	}
	return o[i].Value, nil
}

// GetString returns the first option with the given id decoded as a string.
func (o Options) GetString(id OptionID) (string, error) {
	v, err := o.GetBytes(id)
	if err != nil {
		return "", err
	}
	return DecodeString(v), nil
}

// GetUint32 returns the first option with the given id decoded as an integer.
func (o Options) GetUint32(id OptionID) (uint32, error) {
	v, err := o.GetBytes(id)
	if err != nil {
		return 0, err
	}
	return DecodeUint32(v)
}

// Values returns the values of every option with the given id, in order.
func (o Options) Values(id OptionID) [][]byte {
	var out [][]byte
	for i := range o {
		if o[i].ID == id {
			out = append(out, o[i].Value)
		}
	}
	return out
}

// HasOption reports whether any option with the given id is present.
func (o Options) HasOption(id OptionID) bool {
	return o.Find(id) >= 0
}

// Add appends an option and keeps the slice sorted by id, returning the
// updated slice (like append, Add may reallocate).
func (o Options) Add(opt Option) Options {
	o = append(o, opt)
	sort.SliceStable(o, func(i, j int) bool { return o[i].ID < o[j].ID })
	return o
}

// AddString appends a string-valued option.
func (o Options) AddString(id OptionID, s string) Options {
	return o.Add(Option{ID: id, Value: EncodeString(s)})
}

// AddUint32 appends an integer-valued option.
func (o Options) AddUint32(id OptionID, v uint32) Options {
	return o.Add(Option{ID: id, Value: EncodeUint32(v)})
}

// Remove deletes every option with the given id.
func (o Options) Remove(id OptionID) Options {
	out := o[:0]
	for _, opt := range o {
		if opt.ID != id {
			out = append(out, opt)
		}
	}
	return out
}

// Set replaces every option with the given id with a single new value.
func (o Options) Set(opt Option) Options {
	return o.Remove(opt.ID).Add(opt)
}

// SetContentFormat sets the Content-Format option.
func (o Options) SetContentFormat(mt MediaType) Options {
	return o.Set(Option{ID: ContentFormat, Value: EncodeUint32(uint32(mt))})
}

// Path joins the message's URI-Path options with "/", mirroring how the
// resource tree keys a request.
func (o Options) Path() (string, error) {
	var b strings.Builder
	for i := range o {
		if o[i].ID != URIPath {
			continue
		}
		b.WriteByte('/')
		b.Write(o[i].Value)
	}
	if b.Len() == 0 {
		return "", ErrOptionNotFound
	}
	return b.String(), nil
}

// SetPath replaces any URI-Path options with one per "/"-separated segment
// of p.
func (o Options) SetPath(p string) Options {
	o = o.Remove(URIPath)
	for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
		if seg == "" {
			continue
		}
		o = o.Add(Option{ID: URIPath, Value: EncodeString(seg)})
	}
	return o
}

// LocationPathValue joins the message's Location-Path options with "/",
// the URI a POST response advertises for the resource it just created
// (RFC 7252 §5.8.2).
func (o Options) LocationPathValue() (string, error) {
	var b strings.Builder
	for i := range o {
		if o[i].ID != LocationPath {
			continue
		}
		b.WriteByte('/')
		b.Write(o[i].Value)
	}
	if b.Len() == 0 {
		return "", ErrOptionNotFound
	}
	return b.String(), nil
}

// SetLocationPath replaces any Location-Path options with one per
// "/"-separated segment of p.
func (o Options) SetLocationPath(p string) Options {
	o = o.Remove(LocationPath)
	for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
		if seg == "" {
			continue
		}
		o = o.Add(Option{ID: LocationPath, Value: EncodeString(seg)})
	}
	return o
}

// Queries returns the values of every URI-Query option.
func (o Options) Queries() []string {
	var out []string
	for i := range o {
		if o[i].ID == URIQuery {
			out = append(out, DecodeString(o[i].Value))
		}
	}
	return out
}

// Marshal writes the TLV-encoded option list to buf, or only computes the
// required length when buf is nil. Options must already be sorted by id.
func (o Options) Marshal(buf []byte) (int, error) {
	var prev OptionID
	total := 0
	for _, opt := range o {
		if buf == nil {
			n, _ := opt.Marshal(nil, prev)
			total += n
			prev = opt.ID
			continue
		}
		if total > len(buf) {
			return total, ErrTooSmall
		}
		n, err := opt.Marshal(buf[total:], prev)
		if err != nil {
			return total + n, err
		}
		total += n
		prev = opt.ID
	}
	return total, nil
}

// Unmarshal decodes a TLV-encoded option sequence from data. Unrecognized
// elective options are dropped silently; an unrecognized critical option
// yields ErrUnknownCriticalOption. It returns the updated option list and
// the number of bytes consumed.
func (o Options) Unmarshal(data []byte, defs map[OptionID]OptionDef) (Options, int, error) {
	var prev OptionID
	consumed := 0
	for consumed < len(data) {
		if data[consumed] == 0xff {
			break
		}
		n, opt, err := unmarshalOption(data[consumed:], prev, defs)
		switch err {
		case nil:
			o = append(o, opt)
		case errIgnoredOption:
			// out of range: an elective option is dropped, a critical one is
			// treated as unrecognized (RFC 7252 §5.4.3).
			if opt.ID.Critical() {
				return o, consumed, ErrUnknownCriticalOption
			}
		case errUnrecognizedOption:
			if opt.ID.Critical() {
				return o, consumed, ErrUnknownCriticalOption
			}
		default:
			return o, consumed, err
		}
		consumed += n
		prev = opt.ID
	}
	return o, consumed, nil
}
