package protocol

import "strings"

// DataPacketFlags describes how the body of a DataPacket (or the samples
// requested by a Subscribe) are laid out.
type DataPacketFlags byte

const (
	NoFlags      DataPacketFlags = 0x00
	Synchronized DataPacketFlags = 0x01
	Compact      DataPacketFlags = 0x02

	// CipherIndex is the width mask of the 2-bit cipher slot field. Where the
	// field sits inside the flags byte is chosen by the caller, see
	// CipherIndexAt and WithCipherIndex.
	CipherIndex DataPacketFlags = 0x03

	// DefaultCipherIndexShift places the cipher slot field just above
	// Synchronized and Compact (bits 0x0C).
	DefaultCipherIndexShift uint = 2
)

func (f DataPacketFlags) Has(flag DataPacketFlags) bool {
	return f&flag == flag
}

// CipherIndexAt extracts the cipher slot field stored at shift.
func (f DataPacketFlags) CipherIndexAt(shift uint) int {
	return int((f >> shift) & CipherIndex)
}

// WithCipherIndex returns f with the cipher slot field at shift set to index.
func (f DataPacketFlags) WithCipherIndex(shift uint, index int) DataPacketFlags {
	f &^= CipherIndex << shift
	return f | (DataPacketFlags(index)&CipherIndex)<<shift
}

func (f DataPacketFlags) String() string {
	if f == NoFlags {
		return "NoFlags"
	}

	var parts []string
	if f.Has(Synchronized) {
		parts = append(parts, "Synchronized")
	}
	if f.Has(Compact) {
		parts = append(parts, "Compact")
	}
	if rest := f &^ (Synchronized | Compact); rest != 0 {
		parts = append(parts, "0x"+strings.ToUpper(hexByte(byte(rest))))
	}

	return strings.Join(parts, "|")
}

func hexByte(b byte) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[b>>4], digits[b&0x0F]})
}
