package measurement

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMalformedKey = errors.New("Measurement key is malformed, expected <source>:<id>")
)

// Key is the canonical identifier of a measurement. It is stable across
// connections, unlike the compact IDs that stand in for it on the wire.
type Key struct {
	SignalID uuid.UUID
	Source   string
	ID       uint64
}

// String returns the `<source>:<id>` form, e.g. `PPA:1`.
func (k Key) String() string {
	return k.Source + ":" + strconv.FormatUint(k.ID, 10)
}

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool {
	return k.SignalID == uuid.Nil && k.Source == "" && k.ID == 0
}

// ParseKey parses the `<source>:<id>` form. The returned key has no SignalID,
// callers that need one should resolve it against metadata.
func ParseKey(s string) (Key, error) {
	idx := strings.LastIndexByte(s, ':')
	if idx < 1 || idx == len(s)-1 {
		return Key{}, fmt.Errorf("Failed to parse '%s': %w", s, ErrMalformedKey)
	}

	id, err := strconv.ParseUint(s[idx+1:], 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("Failed to parse '%s': %w", s, ErrMalformedKey)
	}

	return Key{Source: strings.TrimSpace(s[:idx]), ID: id}, nil
}

// NewKey builds a key with a SignalID derived from its string form, so both
// ends of a connection agree on the ID without exchanging metadata first.
func NewKey(source string, id uint64) Key {
	k := Key{Source: source, ID: id}
	k.SignalID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(k.String()))
	return k
}

// Quality holds the state flags of a single sample.
type Quality uint32

const (
	QualityNormal Quality = 0

	QualityBadData     Quality = 1 << 0
	QualitySuspectData Quality = 1 << 1
	QualityBadTime     Quality = 1 << 16
	QualitySuspectTime Quality = 1 << 17
	QualityCalculated  Quality = 1 << 20
)

func (q Quality) Has(flag Quality) bool {
	return q&flag == flag
}

// Sample is one decoded measurement value.
type Sample struct {
	Key       Key
	Timestamp time.Time
	Value     float64
	Quality   Quality
}
