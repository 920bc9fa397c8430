package message

import "strconv"

// MediaType is a CoAP Content-Format identifier (RFC 7252 §12.3).
type MediaType uint16

const (
	TextPlain     MediaType = 0
	AppLinkFormat MediaType = 40
	AppXML        MediaType = 41
	AppOctets     MediaType = 42
	AppJSON       MediaType = 50
	AppCBOR       MediaType = 60
)

var mediaTypeToString = map[MediaType]string{
	TextPlain:     "text/plain; charset=utf-8",
	AppLinkFormat: "application/link-format",
	AppXML:        "application/xml",
	AppOctets:     "application/octet-stream",
	AppJSON:       "application/json",
	AppCBOR:       "application/cbor",
}

func (m MediaType) String() string {
	if s, ok := mediaTypeToString[m]; ok {
		return s
	}
	return "MediaType(" + strconv.FormatInt(int64(m), 10) + ")"
}
