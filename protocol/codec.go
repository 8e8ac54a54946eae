package protocol

import (
	"fmt"

	"github.com/luma/gep/measurement"
)

// Codec applies the negotiated operational modes to the payloads whose
// representation they govern: text, metadata, the signal index cache and
// DataPacket bodies.
type Codec struct {
	Modes  OperationalModes
	Text   TextCodec
	Limits Limits
}

func NewCodec(modes OperationalModes, limits Limits) Codec {
	return Codec{
		Modes:  modes,
		Text:   NewTextCodec(modes.Encoding()),
		Limits: limits,
	}
}

func (c Codec) compression(flag OperationalModes) CompressionMode {
	if flag != NoModeFlags && !c.Modes.Has(flag) {
		return CompressionNone
	}

	return c.Modes.Compression()
}

func (c Codec) PackSignalIndexCache(entries map[uint32]measurement.Key) ([]byte, error) {
	b, err := EncodeSignalIndexCache(c.Text, entries)
	if err != nil {
		return nil, err
	}

	return Compress(c.compression(CompressSignalIndexCache), b)
}

func (c Codec) UnpackSignalIndexCache(payload []byte) (map[uint32]measurement.Key, error) {
	b, err := Decompress(c.compression(CompressSignalIndexCache), payload, c.Limits.MaxPayloadBytes)
	if err != nil {
		return nil, fmt.Errorf("Failed to unpack signal index cache: %w", err)
	}

	return DecodeSignalIndexCache(c.Text, b)
}

// PackMetadata encodes a metadata document in the negotiated text encoding
// and compresses it when CompressMetadata is set.
func (c Codec) PackMetadata(doc []byte) ([]byte, error) {
	b, err := c.Text.Encode(string(doc))
	if err != nil {
		return nil, err
	}

	return Compress(c.compression(CompressMetadata), b)
}

func (c Codec) UnpackMetadata(payload []byte) ([]byte, error) {
	b, err := Decompress(c.compression(CompressMetadata), payload, c.Limits.MaxPayloadBytes)
	if err != nil {
		return nil, fmt.Errorf("Failed to unpack metadata: %w", err)
	}

	s, err := c.Text.Decode(b)
	if err != nil {
		return nil, err
	}

	return []byte(s), nil
}

// PackDataBody compresses a DataPacket body when GZip was negotiated.
func (c Codec) PackDataBody(body []byte) ([]byte, error) {
	return Compress(c.compression(NoModeFlags), body)
}

func (c Codec) UnpackDataBody(body []byte) ([]byte, error) {
	return Decompress(c.compression(NoModeFlags), body, c.Limits.MaxPayloadBytes)
}
