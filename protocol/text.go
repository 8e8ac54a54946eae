package protocol

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// TextCodec converts strings to and from the negotiated text encoding.
type TextCodec struct {
	enc  OperationalEncoding
	impl encoding.Encoding
}

// NewTextCodec returns the codec for a negotiated encoding selector.
func NewTextCodec(enc OperationalEncoding) TextCodec {
	var impl encoding.Encoding

	switch enc {
	case EncodingBigEndianUnicode:
		impl = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)
	case EncodingUTF8:
		impl = unicode.UTF8
	case EncodingANSI:
		impl = charmap.Windows1252
	default:
		enc = EncodingUnicode
		impl = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	}

	return TextCodec{enc: enc, impl: impl}
}

func (c TextCodec) Encoding() OperationalEncoding {
	return c.enc
}

func (c TextCodec) Encode(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}

	b, err := c.impl.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("Failed to encode text as %s: %w", c.enc, err)
	}

	return b, nil
}

func (c TextCodec) Decode(b []byte) (string, error) {
	if len(b) == 0 {
		return "", nil
	}

	s, err := c.impl.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("Failed to decode text as %s: %w", c.enc, err)
	}

	return string(s), nil
}

// AppendString appends `[u32 length][encoded text]` to dst.
func (c TextCodec) AppendString(dst []byte, s string) ([]byte, error) {
	b, err := c.Encode(s)
	if err != nil {
		return nil, err
	}

	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))

	dst = append(dst, n[:]...)
	return append(dst, b...), nil
}

// ReadString reads a `[u32 length][encoded text]` field from the front of
// data and returns the remainder.
func (c TextCodec) ReadString(data []byte) (string, []byte, error) {
	if len(data) < 4 {
		return "", nil, ErrPayloadTruncated
	}

	n := binary.BigEndian.Uint32(data)
	data = data[4:]

	if uint64(len(data)) < uint64(n) {
		return "", nil, ErrPayloadTruncated
	}

	s, err := c.Decode(data[:n])
	if err != nil {
		return "", nil, err
	}

	return s, data[n:], nil
}
