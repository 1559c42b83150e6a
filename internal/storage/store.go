// Package storage defines the contracts shared by the redo log cache and the
// backing stores it spills into.
package storage

import "github.com/devrev/pairdb/backlog/internal/model"

// BackingStore is durable, possibly slower storage for packets evicted from
// the in-memory cache. Implementations are not safe for concurrent use; the
// owning cache serializes every call.
type BackingStore interface {
	// Append adds a packet at the tail. A saturated store returns
	// *errors.StorageFullError listing the packets it refused.
	Append(p model.Packet) error
	// AppendBatch adds packets at the tail in order. On saturation the
	// accepted prefix stays stored and the rest is reported as denied.
	AppendBatch(packets []model.Packet) error

	Size() uint64
	IsEmpty() bool
	Weight() uint64
	MemoryPacketsWeight() uint64
	ExternalStoragePacketsWeight() uint64
	DiscardedPacketsCount() uint64
	SpaceUsed() uint64
	MemoryPacketsCount() uint64
	ExternalPacketsCount() uint64

	// ReadOnlyIterator iterates from the packet at logical position fromIndex
	ReadOnlyIterator(fromIndex uint64) (Iterator, error)
	RemoveFirstBatch(capacity, lastCompactionRangeEndKey uint64) (model.WeightedBatch, error)
	DeleteOldestPackets(n uint64) error
	PerformCompaction(fromKey, toKey uint64) (model.CompactionResult, error)
	ValidateIntegrity() error
	Close() error
}

// Iterator is a single pass, finite sequence of packets
type Iterator interface {
	Next() bool
	Packet() model.Packet
	Err() error
}

// MutableIterator allows the current packet to be replaced in place
type MutableIterator interface {
	Iterator
	Set(p model.Packet)
}

// Compactor discards packets of a bounded range in place
type Compactor interface {
	Compact(it MutableIterator, fromKey, toKey uint64) (model.CompactionResult, error)
}

// Collect drains an iterator into a slice
func Collect(it Iterator) ([]model.Packet, error) {
	var packets []model.Packet
	for it.Next() {
		packets = append(packets, it.Packet())
	}
	return packets, it.Err()
}

// SliceIterator iterates over an in-memory slice of packets
type SliceIterator struct {
	packets []model.Packet
	pos     int
}

// NewSliceIterator creates an iterator over packets starting at from
func NewSliceIterator(packets []model.Packet, from int) *SliceIterator {
	return &SliceIterator{packets: packets, pos: from - 1}
}

func (it *SliceIterator) Next() bool {
	if it.pos+1 >= len(it.packets) {
		it.pos = len(it.packets)
		return false
	}
	it.pos++
	return true
}

func (it *SliceIterator) Packet() model.Packet {
	return it.packets[it.pos]
}

func (it *SliceIterator) Err() error {
	return nil
}

// Set replaces the current packet in the underlying slice
func (it *SliceIterator) Set(p model.Packet) {
	it.packets[it.pos] = p
}
