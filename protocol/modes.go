package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// OperationalModes is the 32-bit mode word a subscriber proposes with
// DefineOperationalModes.
//
//	bits  0-4   protocol version
//	bits  5-7   compression mode
//	bits  8-9   text encoding
//	bits 24-31  feature flags
type OperationalModes uint32

const (
	VersionMask                  OperationalModes = 0x0000001F
	CompressionModeMask          OperationalModes = 0x000000E0
	EncodingMask                 OperationalModes = 0x00000300
	UseCommonSerializationFormat OperationalModes = 0x01000000
	ReceiveExternalMetadata      OperationalModes = 0x02000000
	ReceiveInternalMetadata      OperationalModes = 0x04000000
	CompressSignalIndexCache     OperationalModes = 0x40000000
	CompressMetadata             OperationalModes = 0x80000000
	NoModeFlags                  OperationalModes = 0x00000000

	featureMask = UseCommonSerializationFormat | ReceiveExternalMetadata | ReceiveInternalMetadata |
		CompressSignalIndexCache | CompressMetadata
)

const (
	MinProtocolVersion     = 1
	MaxProtocolVersion     = 2
	DefaultProtocolVersion = 1
)

// CompressionMode is the selector stored in CompressionModeMask.
type CompressionMode uint32

const (
	CompressionNone CompressionMode = 0x00
	CompressionGZip CompressionMode = 0x20
	CompressionTSSC CompressionMode = 0x40
)

func (c CompressionMode) String() string {
	switch c {
	case CompressionNone:
		return "None"
	case CompressionGZip:
		return "GZip"
	case CompressionTSSC:
		return "TSSC"
	default:
		return fmt.Sprintf("Compression(0x%02X)", uint32(c))
	}
}

// OperationalEncoding is the selector stored in EncodingMask.
type OperationalEncoding uint32

const (
	EncodingUnicode          OperationalEncoding = 0x00000000
	EncodingBigEndianUnicode OperationalEncoding = 0x00000100
	EncodingUTF8             OperationalEncoding = 0x00000200
	EncodingANSI             OperationalEncoding = 0x00000300
)

func (e OperationalEncoding) String() string {
	switch e {
	case EncodingUnicode:
		return "Unicode"
	case EncodingBigEndianUnicode:
		return "BigEndianUnicode"
	case EncodingUTF8:
		return "UTF8"
	case EncodingANSI:
		return "ANSI"
	default:
		return fmt.Sprintf("Encoding(0x%03X)", uint32(e))
	}
}

var (
	ErrUnsupportedVersion     = errors.New("Operational modes request an unsupported protocol version")
	ErrUnsupportedCompression = errors.New("Operational modes request an unsupported compression mode")
	ErrModesPayloadLength     = errors.New("DefineOperationalModes payload must be exactly 4 bytes")
)

// NegotiationError is returned when two peers cannot agree on operational
// modes. It is fatal for a connection that has not yet subscribed.
type NegotiationError struct {
	Modes OperationalModes
	Err   error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("Failed to negotiate operational modes %s: %s", e.Modes, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

// NewOperationalModes packs the individual fields into a mode word.
func NewOperationalModes(version uint32, compression CompressionMode, encoding OperationalEncoding, flags OperationalModes) OperationalModes {
	return OperationalModes(version)&VersionMask |
		OperationalModes(compression)&CompressionModeMask |
		OperationalModes(encoding)&EncodingMask |
		flags&featureMask
}

// DefaultOperationalModes is what a publisher assumes when a subscriber never
// sends DefineOperationalModes.
func DefaultOperationalModes() OperationalModes {
	return NewOperationalModes(DefaultProtocolVersion, CompressionNone, EncodingUnicode, NoModeFlags)
}

func (m OperationalModes) Version() uint32 {
	return uint32(m & VersionMask)
}

func (m OperationalModes) Compression() CompressionMode {
	return CompressionMode(m & CompressionModeMask)
}

func (m OperationalModes) Encoding() OperationalEncoding {
	return OperationalEncoding(m & EncodingMask)
}

func (m OperationalModes) Has(flag OperationalModes) bool {
	return m&flag == flag
}

func (m OperationalModes) String() string {
	return fmt.Sprintf("v%d/%s/%s/0x%08X", m.Version(), m.Compression(), m.Encoding(), uint32(m&featureMask))
}

// Negotiate validates a proposed mode word and fills unset fields with the
// defaults. Compression and encoding are independent selectors.
func Negotiate(proposed OperationalModes) (OperationalModes, error) {
	agreed := proposed

	if agreed.Version() == 0 {
		agreed = agreed&^VersionMask | OperationalModes(DefaultProtocolVersion)
	}

	if v := agreed.Version(); v < MinProtocolVersion || v > MaxProtocolVersion {
		return proposed, &NegotiationError{Modes: proposed, Err: ErrUnsupportedVersion}
	}

	switch agreed.Compression() {
	case CompressionNone, CompressionGZip:
	default:
		return proposed, &NegotiationError{Modes: proposed, Err: ErrUnsupportedCompression}
	}

	return agreed, nil
}

// EncodeModes is the DefineOperationalModes payload.
func EncodeModes(m OperationalModes) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(m))
	return b
}

func DecodeModes(payload []byte) (OperationalModes, error) {
	if len(payload) != 4 {
		return 0, ErrModesPayloadLength
	}

	return OperationalModes(binary.BigEndian.Uint32(payload)), nil
}
