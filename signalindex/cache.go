// Package signalindex maps the compact IDs used inside DataPackets to full
// measurement keys.
package signalindex

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/luma/gep/measurement"
)

var (
	ErrNotFound     = errors.New("Compact signal ID is not in the signal index cache")
	ErrDuplicateKey = errors.New("Measurement key is mapped by more than one compact ID")
)

type table struct {
	byID  map[uint32]measurement.Key
	byKey map[measurement.Key]uint32
}

var emptyTable = &table{
	byID:  map[uint32]measurement.Key{},
	byKey: map[measurement.Key]uint32{},
}

// Cache is replaced wholesale on every rebuild and never patched. Readers
// always observe either the complete old table or the complete new one.
type Cache struct {
	v atomic.Value
}

func New() *Cache {
	c := &Cache{}
	c.v.Store(emptyTable)
	return c
}

func (c *Cache) load() *table {
	return c.v.Load().(*table)
}

// Rebuild atomically replaces the mapping. The input is copied, and rejected
// as a whole when two IDs share a key.
func (c *Cache) Rebuild(entries map[uint32]measurement.Key) error {
	t := &table{
		byID:  make(map[uint32]measurement.Key, len(entries)),
		byKey: make(map[measurement.Key]uint32, len(entries)),
	}

	for id, key := range entries {
		if other, dup := t.byKey[key]; dup {
			return fmt.Errorf("%s mapped by %d and %d: %w", key, other, id, ErrDuplicateKey)
		}

		t.byID[id] = key
		t.byKey[key] = id
	}

	c.v.Store(t)
	return nil
}

// Resolve returns the key for a compact ID. It never blocks.
func (c *Cache) Resolve(id uint32) (measurement.Key, error) {
	key, ok := c.load().byID[id]
	if !ok {
		return measurement.Key{}, fmt.Errorf("Compact ID %d: %w", id, ErrNotFound)
	}

	return key, nil
}

// Lookup is the reverse of Resolve.
func (c *Cache) Lookup(key measurement.Key) (uint32, bool) {
	id, ok := c.load().byKey[key]
	return id, ok
}

func (c *Cache) Clear() {
	c.v.Store(emptyTable)
}

func (c *Cache) Len() int {
	return len(c.load().byID)
}

// Snapshot returns a copy of the current mapping.
func (c *Cache) Snapshot() map[uint32]measurement.Key {
	t := c.load()

	out := make(map[uint32]measurement.Key, len(t.byID))
	for id, key := range t.byID {
		out[id] = key
	}

	return out
}

// IDs returns the compact IDs in ascending order.
func (c *Cache) IDs() []uint32 {
	t := c.load()

	ids := make([]uint32, 0, len(t.byID))
	for id := range t.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// Assign builds a mapping that numbers keys from 1 in the given order,
// skipping duplicates. Publishers use it to create the table they send with
// UpdateSignalIndexCache.
func Assign(keys []measurement.Key) map[uint32]measurement.Key {
	out := make(map[uint32]measurement.Key, len(keys))
	seen := make(map[measurement.Key]struct{}, len(keys))

	next := uint32(1)
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}

		out[next] = k
		next++
	}

	return out
}
