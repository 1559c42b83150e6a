package storage

import "github.com/devrev/pairdb/backlog/internal/model"

// BatchBuilder accumulates packets from the head of the log into a
// WeightedBatch while honouring the removal bound: the summed weight never
// exceeds capacity unless the batch holds a single oversized packet, and the
// number of counted packets never exceeds capacity.
//
// Tombstones that end at or before lastCompactionRangeEndKey are settled:
// they compress away on the wire, so they do not count against the item
// limit.
type BatchBuilder struct {
	batch    model.WeightedBatch
	capacity uint64
	settled  uint64
	counted  uint64
}

// NewBatchBuilder starts an empty batch
func NewBatchBuilder(capacity, lastCompactionRangeEndKey uint64) *BatchBuilder {
	return &BatchBuilder{
		capacity: capacity,
		settled:  lastCompactionRangeEndKey,
	}
}

// ResumeBatchBuilder continues filling a batch produced by another layer
func ResumeBatchBuilder(batch model.WeightedBatch, capacity, lastCompactionRangeEndKey uint64) *BatchBuilder {
	b := NewBatchBuilder(capacity, lastCompactionRangeEndKey)
	b.batch = batch
	for _, p := range batch.Packets {
		if b.counts(p) {
			b.counted++
		}
	}
	return b
}

func (b *BatchBuilder) counts(p model.Packet) bool {
	return !(p.Discarded && p.EndKey <= b.settled)
}

// Fits reports whether p can be added without breaking the bound. When it
// cannot, the batch is flagged as limit reached.
func (b *BatchBuilder) Fits(p model.Packet) bool {
	if b.batch.LimitReached {
		return false
	}
	if b.counts(p) && b.counted >= b.capacity {
		b.batch.LimitReached = true
		return false
	}
	if b.batch.Len() > 0 && b.batch.Weight+p.AccountedWeight() > b.capacity {
		b.batch.LimitReached = true
		return false
	}
	return true
}

// Add appends a packet previously accepted by Fits
func (b *BatchBuilder) Add(p model.Packet) {
	b.batch.Add(p)
	if b.counts(p) {
		b.counted++
	}
	if b.counted >= b.capacity {
		b.batch.LimitReached = true
	}
}

// LimitReached reports whether no further packet may be added
func (b *BatchBuilder) LimitReached() bool {
	return b.batch.LimitReached
}

// Batch returns the accumulated batch
func (b *BatchBuilder) Batch() model.WeightedBatch {
	return b.batch
}
