// Package bufferblock restores the order of BufferBlock responses.
//
// Blocks carry a sequence number and may arrive out of order or more than
// once. The reassembler releases them strictly in sequence, holding back
// everything after a gap until the missing block arrives or the baseline is
// reset.
package bufferblock

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrTooManyPending = errors.New("Too many buffer blocks are waiting behind a gap")
)

// Block is one delivered buffer block.
type Block struct {
	Sequence uint32
	Payload  []byte
}

// Reassembler is not safe for concurrent use, it belongs to a single
// session's sequential path.
type Reassembler struct {
	lastDelivered uint32
	pending       map[uint32][]byte
	duplicates    uint64

	// MaxPending bounds the blocks held behind a gap. Zero means unbounded.
	MaxPending int
}

// New returns a reassembler that next expects baseline+1.
func New(baseline uint32) *Reassembler {
	return &Reassembler{
		lastDelivered: baseline,
		pending:       make(map[uint32][]byte),
	}
}

// behind reports whether sequence is at or before the last delivered one.
// Sequences compare as serial numbers, so they wrap from math.MaxUint32 to 0
// and a block counts as newer when it is less than 2^31 ahead.
func (r *Reassembler) behind(sequence uint32) bool {
	return int32(sequence-r.lastDelivered) <= 0
}

// Accept takes one block and returns the blocks that are now deliverable, in
// sequence order. Blocks at or before the last delivered sequence, or already
// waiting, are duplicates: they are counted and dropped.
func (r *Reassembler) Accept(sequence uint32, payload []byte) ([]Block, bool, error) {
	if r.behind(sequence) {
		r.duplicates++
		return nil, true, nil
	}

	if _, waiting := r.pending[sequence]; waiting {
		r.duplicates++
		return nil, true, nil
	}

	if sequence != r.lastDelivered+1 && r.MaxPending > 0 && len(r.pending) >= r.MaxPending {
		return nil, false, fmt.Errorf("Sequence %d with %d blocks waiting for %d: %w",
			sequence, len(r.pending), r.lastDelivered+1, ErrTooManyPending)
	}

	r.pending[sequence] = payload

	var delivered []Block
	for {
		next := r.lastDelivered + 1

		data, ok := r.pending[next]
		if !ok {
			break
		}

		delete(r.pending, next)
		r.lastDelivered = next
		delivered = append(delivered, Block{Sequence: next, Payload: data})
	}

	return delivered, false, nil
}

// Reset drops every waiting block and sets a new baseline, used when a
// subscription is renewed.
func (r *Reassembler) Reset(baseline uint32) {
	r.lastDelivered = baseline
	r.pending = make(map[uint32][]byte)
}

func (r *Reassembler) LastDelivered() uint32 {
	return r.lastDelivered
}

func (r *Reassembler) Duplicates() uint64 {
	return r.duplicates
}

// Pending returns the sequence numbers waiting behind a gap, in delivery
// order.
func (r *Reassembler) Pending() []uint32 {
	out := make([]uint32, 0, len(r.pending))
	for seq := range r.pending {
		out = append(out, seq)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i]-r.lastDelivered < out[j]-r.lastDelivered
	})

	return out
}
