// Package tlv implements BER-TLV encoding and decoding as used by
// GlobalPlatform handshakes, key blobs, and data objects: multi-byte
// tags (continuation bit 0x1F), multi-byte lengths (0x81/0x82 prefix
// forms), and zero-copy decoding.
package tlv

import (
	"github.com/vaultkeys/scp-go/scperr"
)

// Tag is a BER-TLV tag, widened to hold multi-byte tags in their natural
// big-endian byte order (e.g. tag 0x5F49 is represented as 0x5F49).
type Tag uint32

// Object is one decoded TLV entry. Value aliases the input slice passed
// to Decode — callers that need to retain it past the input's lifetime
// must copy it themselves.
type Object struct {
	Tag         Tag
	Constructed bool
	Value       []byte
}

const (
	classMask       = 0xC0
	constructedBit  = 0x20
	tagNumberMask   = 0x1F
	tagContinueBit  = 0x80
	lengthLongForm  = 0x80
	lengthByteCount = 0x7F
)

// Encode produces the BER-TLV encoding of tag and value: the tag's own
// bytes (as given, most-significant byte first), a length field (short
// form for len(value) <= 127, 0x81/0x82 long form above that), then
// value itself.
func Encode(tag Tag, value []byte) []byte {
	tagBytes := tagToBytes(tag)
	lenBytes := encodeLength(len(value))

	out := make([]byte, 0, len(tagBytes)+len(lenBytes)+len(value))
	out = append(out, tagBytes...)
	out = append(out, lenBytes...)
	out = append(out, value...)
	return out
}

func tagToBytes(tag Tag) []byte {
	switch {
	case tag <= 0xFF:
		return []byte{byte(tag)}
	case tag <= 0xFFFF:
		return []byte{byte(tag >> 8), byte(tag)}
	case tag <= 0xFFFFFF:
		return []byte{byte(tag >> 16), byte(tag >> 8), byte(tag)}
	default:
		return []byte{byte(tag >> 24), byte(tag >> 16), byte(tag >> 8), byte(tag)}
	}
}

func encodeLength(n int) []byte {
	switch {
	case n <= 127:
		return []byte{byte(n)}
	case n <= 0xFF:
		return []byte{0x81, byte(n)}
	default:
		return []byte{0x82, byte(n >> 8), byte(n)}
	}
}

// Decode parses a flat sequence of BER-TLV objects from data, returning
// slices that alias data (zero-copy). It does not recurse into
// constructed values; callers call Decode again on Object.Value for
// nested templates.
func Decode(data []byte) ([]Object, error) {
	var objs []Object
	rest := data
	for len(rest) > 0 {
		tag, constructed, tagLen, err := decodeTag(rest)
		if err != nil {
			return nil, err
		}
		rest = rest[tagLen:]

		length, lenLen, err := decodeLength(rest)
		if err != nil {
			return nil, err
		}
		rest = rest[lenLen:]

		if length > len(rest) {
			return nil, &scperr.MalformedTlv{Reason: "length exceeds remaining buffer"}
		}

		objs = append(objs, Object{Tag: tag, Constructed: constructed, Value: rest[:length]})
		rest = rest[length:]
	}
	return objs, nil
}

func decodeTag(data []byte) (tag Tag, constructed bool, consumed int, err error) {
	if len(data) == 0 {
		return 0, false, 0, &scperr.MalformedTlv{Reason: "truncated tag"}
	}

	first := data[0]
	constructed = first&constructedBit != 0
	tag = Tag(first)
	consumed = 1

	if first&tagNumberMask != tagNumberMask {
		return tag, constructed, consumed, nil
	}

	// Multi-byte tag: continuation bit 0x80 set on all but the last byte.
	for {
		if consumed >= len(data) {
			return 0, false, 0, &scperr.MalformedTlv{Reason: "truncated multi-byte tag"}
		}
		b := data[consumed]
		tag = tag<<8 | Tag(b)
		consumed++
		if b&tagContinueBit == 0 {
			break
		}
	}
	return tag, constructed, consumed, nil
}

func decodeLength(data []byte) (length int, consumed int, err error) {
	if len(data) == 0 {
		return 0, 0, &scperr.MalformedTlv{Reason: "truncated length"}
	}

	first := data[0]
	if first&lengthLongForm == 0 {
		return int(first), 1, nil
	}

	numBytes := int(first & lengthByteCount)
	if numBytes == 0 {
		return 0, 0, &scperr.MalformedTlv{Reason: "reserved long-form length 0x80"}
	}
	if numBytes > len(data)-1 {
		return 0, 0, &scperr.MalformedTlv{Reason: "truncated long-form length"}
	}

	length = 0
	for i := 0; i < numBytes; i++ {
		length = length<<8 | int(data[1+i])
	}
	return length, 1 + numBytes, nil
}

// Find returns the value of the first top-level object matching tag, or
// ok=false if no such object is present.
func Find(data []byte, tag Tag) (value []byte, ok bool) {
	objs, err := Decode(data)
	if err != nil {
		return nil, false
	}
	for _, o := range objs {
		if o.Tag == tag {
			return o.Value, true
		}
	}
	return nil, false
}

// FindAll returns the values of every top-level object matching tag, in
// order.
func FindAll(data []byte, tag Tag) [][]byte {
	objs, err := Decode(data)
	if err != nil {
		return nil
	}
	var out [][]byte
	for _, o := range objs {
		if o.Tag == tag {
			out = append(out, o.Value)
		}
	}
	return out
}

// Builder accumulates nested constructed TLVs, used for the SCP11
// handshake request body and Security Domain STORE DATA/DELETE payloads.
type Builder struct {
	buf []byte
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder { return &Builder{} }

// Add appends the TLV encoding of tag/value to the builder and returns
// it, for chaining.
func (b *Builder) Add(tag Tag, value []byte) *Builder {
	b.buf = append(b.buf, Encode(tag, value)...)
	return b
}

// AddRaw appends already-encoded TLV bytes verbatim (for embedding a
// nested Builder's output).
func (b *Builder) AddRaw(raw []byte) *Builder {
	b.buf = append(b.buf, raw...)
	return b
}

// Bytes returns the accumulated encoding.
func (b *Builder) Bytes() []byte { return b.buf }
