package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/luma/gep/measurement"
)

const (
	fullSampleSize    = 24 // id(4) + time(8) + value(8) + quality(4)
	compactSampleSize = 17 // id(4) + time index(1) + offset(4) + value(4) + quality(4)
	compactSyncSize   = 12 // id(4) + value(4) + quality(4)
	fullSyncSize      = 16 // id(4) + value(8) + quality(4)
)

// WireSample is a sample as it travels inside a DataPacket, identified by
// its compact signal index rather than its full key.
type WireSample struct {
	ID        uint32
	Timestamp time.Time
	Value     float64
	Quality   measurement.Quality
}

// EncodeSamples serialises the body of a DataPacket or a
// PublishCommandMeasurements command.
//
//	[i64 timestamp]   only when Synchronized
//	[u32 count]
//	samples           full or compact, times omitted when Synchronized
//
// Compact samples without a shared timestamp are stored relative to
// bt.Times[bt.Index]; bt may be nil otherwise.
func EncodeSamples(flags DataPacketFlags, timestamp time.Time, samples []WireSample, bt *BaseTimes) ([]byte, error) {
	sync := flags.Has(Synchronized)
	compact := flags.Has(Compact)

	if compact && !sync {
		if bt == nil {
			return nil, fmt.Errorf("Compact samples need base times: %w", ErrTimeOutOfRange)
		}
		if bt.Index != 0 && bt.Index != 1 {
			return nil, fmt.Errorf("Base time index %d: %w", bt.Index, ErrPayloadMalformed)
		}
	}

	size := 4 + len(samples)*sampleSize(sync, compact)
	if sync {
		size += 8
	}

	b := make([]byte, 0, size)
	var scratch [8]byte

	if sync {
		binary.BigEndian.PutUint64(scratch[:], uint64(timestamp.UnixNano()))
		b = append(b, scratch[:8]...)
	}

	binary.BigEndian.PutUint32(scratch[:4], uint32(len(samples)))
	b = append(b, scratch[:4]...)

	for _, s := range samples {
		binary.BigEndian.PutUint32(scratch[:4], s.ID)
		b = append(b, scratch[:4]...)

		switch {
		case compact:
			if !sync {
				offset := s.Timestamp.Sub(bt.Times[bt.Index]) / time.Millisecond
				if offset < 0 || offset > math.MaxUint32 {
					return nil, fmt.Errorf("Sample %d at %s: %w", s.ID, s.Timestamp, ErrTimeOutOfRange)
				}

				b = append(b, byte(bt.Index))
				binary.BigEndian.PutUint32(scratch[:4], uint32(offset))
				b = append(b, scratch[:4]...)
			}

			binary.BigEndian.PutUint32(scratch[:4], math.Float32bits(float32(s.Value)))
			b = append(b, scratch[:4]...)

		default:
			if !sync {
				binary.BigEndian.PutUint64(scratch[:], uint64(s.Timestamp.UnixNano()))
				b = append(b, scratch[:8]...)
			}

			binary.BigEndian.PutUint64(scratch[:], math.Float64bits(s.Value))
			b = append(b, scratch[:8]...)
		}

		binary.BigEndian.PutUint32(scratch[:4], uint32(s.Quality))
		b = append(b, scratch[:4]...)
	}

	return b, nil
}

// DecodeSamples parses a body written by EncodeSamples. Synchronized samples
// all carry the shared timestamp.
func DecodeSamples(flags DataPacketFlags, body []byte, bt *BaseTimes) ([]WireSample, error) {
	sync := flags.Has(Synchronized)
	compact := flags.Has(Compact)

	var shared time.Time
	if sync {
		if len(body) < 8 {
			return nil, ErrPayloadTruncated
		}
		shared = time.Unix(0, int64(binary.BigEndian.Uint64(body))).UTC()
		body = body[8:]
	}

	if len(body) < 4 {
		return nil, ErrPayloadTruncated
	}

	count := binary.BigEndian.Uint32(body)
	body = body[4:]

	size := sampleSize(sync, compact)
	if uint64(len(body)) < uint64(count)*uint64(size) {
		return nil, fmt.Errorf("%d samples declared, %d bytes available: %w", count, len(body), ErrPayloadTruncated)
	}

	samples := make([]WireSample, 0, count)

	for i := uint32(0); i < count; i++ {
		s := WireSample{ID: binary.BigEndian.Uint32(body), Timestamp: shared}
		p := body[4:size]

		switch {
		case compact:
			if !sync {
				if bt == nil {
					return nil, fmt.Errorf("Compact samples received before base times: %w", ErrTimeOutOfRange)
				}

				idx := p[0]
				if idx > 1 {
					return nil, fmt.Errorf("Base time index %d: %w", idx, ErrPayloadMalformed)
				}

				offset := time.Duration(binary.BigEndian.Uint32(p[1:5])) * time.Millisecond
				s.Timestamp = bt.Times[idx].Add(offset)
				p = p[5:]
			}

			s.Value = float64(math.Float32frombits(binary.BigEndian.Uint32(p)))
			p = p[4:]

		default:
			if !sync {
				s.Timestamp = time.Unix(0, int64(binary.BigEndian.Uint64(p))).UTC()
				p = p[8:]
			}

			s.Value = math.Float64frombits(binary.BigEndian.Uint64(p))
			p = p[8:]
		}

		s.Quality = measurement.Quality(binary.BigEndian.Uint32(p))
		samples = append(samples, s)
		body = body[size:]
	}

	return samples, nil
}

func sampleSize(sync, compact bool) int {
	switch {
	case compact && sync:
		return compactSyncSize
	case compact:
		return compactSampleSize
	case sync:
		return fullSyncSize
	default:
		return fullSampleSize
	}
}
