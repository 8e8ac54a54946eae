package protocol

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/luma/gep/measurement"
)

// EncodeSignalIndexCache serialises a compact ID mapping as
//
//	[u32 count] then per entry [u32 id][16 byte signal id][u32 len][source][u64 point id]
//
// Entries are written in ID order.
func EncodeSignalIndexCache(codec TextCodec, entries map[uint32]measurement.Key) ([]byte, error) {
	ids := make([]uint32, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	b := EncodeUint32(uint32(len(ids)))

	var err error
	for _, id := range ids {
		key := entries[id]

		b = append(b, EncodeUint32(id)...)
		b = append(b, key.SignalID[:]...)

		if b, err = codec.AppendString(b, key.Source); err != nil {
			return nil, err
		}

		var point [8]byte
		binary.BigEndian.PutUint64(point[:], key.ID)
		b = append(b, point[:]...)
	}

	return b, nil
}

func DecodeSignalIndexCache(codec TextCodec, payload []byte) (map[uint32]measurement.Key, error) {
	count, err := DecodeUint32(payload)
	if err != nil {
		return nil, err
	}
	payload = payload[4:]

	// Each entry is at least 32 bytes, which bounds the allocation below.
	if uint64(count)*32 > uint64(len(payload)) {
		return nil, fmt.Errorf("%d signal index entries declared: %w", count, ErrPayloadTruncated)
	}

	entries := make(map[uint32]measurement.Key, count)

	for i := uint32(0); i < count; i++ {
		if len(payload) < 20 {
			return nil, ErrPayloadTruncated
		}

		id := binary.BigEndian.Uint32(payload)

		var key measurement.Key
		key.SignalID, err = uuid.FromBytes(payload[4:20])
		if err != nil {
			return nil, fmt.Errorf("Signal index entry %d: %w", id, ErrPayloadMalformed)
		}

		if key.Source, payload, err = codec.ReadString(payload[20:]); err != nil {
			return nil, err
		}

		if len(payload) < 8 {
			return nil, ErrPayloadTruncated
		}
		key.ID = binary.BigEndian.Uint64(payload)
		payload = payload[8:]

		if _, dup := entries[id]; dup {
			return nil, fmt.Errorf("Signal index %d appears twice: %w", id, ErrPayloadMalformed)
		}
		entries[id] = key
	}

	return entries, nil
}
