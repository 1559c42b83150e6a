package model

import "bytes"

// Packet is one entry of the replication redo log.
//
// Ordinary packets cover exactly one key (EndKey == Key) and carry a payload.
// Discarded packets are tombstones standing in for the contiguous key range
// [Key, EndKey] whose payload was dropped by compaction or trimming.
type Packet struct {
	Key       uint64 // Sequence number, strictly increasing across the log
	EndKey    uint64 // Last key covered by this packet
	Weight    uint64 // Accounting cost, zero for discarded packets
	Discarded bool
	Payload   []byte
}

// NewPacket creates an ordinary single-key packet
func NewPacket(key, weight uint64, payload []byte) Packet {
	return Packet{
		Key:     key,
		EndKey:  key,
		Weight:  weight,
		Payload: payload,
	}
}

// NewDiscardedRange creates a tombstone covering [from, to]
func NewDiscardedRange(from, to uint64) Packet {
	return Packet{
		Key:       from,
		EndKey:    to,
		Discarded: true,
	}
}

// Span returns the number of keys covered by the packet
func (p Packet) Span() uint64 {
	return p.EndKey - p.Key + 1
}

// Overlaps reports whether the packet intersects [from, to]
func (p Packet) Overlaps(from, to uint64) bool {
	return p.Key <= to && p.EndKey >= from
}

// Within reports whether the packet lies entirely inside [from, to]
func (p Packet) Within(from, to uint64) bool {
	return p.Key >= from && p.EndKey <= to
}

// AccountedWeight is the weight the packet contributes to weight budgets.
// Discarded packets are excluded from weight accounting.
func (p Packet) AccountedWeight() uint64 {
	if p.Discarded {
		return 0
	}
	return p.Weight
}

// Discard turns the packet into a tombstone over its own key range
func (p Packet) Discard() Packet {
	return NewDiscardedRange(p.Key, p.EndKey)
}

// Equal compares all fields including the payload bytes
func (p Packet) Equal(other Packet) bool {
	return p.Key == other.Key &&
		p.EndKey == other.EndKey &&
		p.Weight == other.Weight &&
		p.Discarded == other.Discarded &&
		bytes.Equal(p.Payload, other.Payload)
}

// WeightedBatch is a run of packets removed from the head of the log
type WeightedBatch struct {
	Packets []Packet
	// Weight is the summed accounted weight of Packets
	Weight uint64
	// LimitReached is set when the producer stopped because the next packet
	// would not fit
	LimitReached      bool
	ContainsDiscarded bool
}

// Add appends a packet and updates the batch totals
func (b *WeightedBatch) Add(p Packet) {
	b.Packets = append(b.Packets, p)
	b.Weight += p.AccountedWeight()
	if p.Discarded {
		b.ContainsDiscarded = true
	}
}

// Len returns the number of packets in the batch
func (b *WeightedBatch) Len() int {
	return len(b.Packets)
}

// DiscardedCount returns how many packets in the batch are tombstones
func (b *WeightedBatch) DiscardedCount() uint64 {
	var n uint64
	for _, p := range b.Packets {
		if p.Discarded {
			n++
		}
	}
	return n
}

// CompactionResult reports what a compaction pass changed
type CompactionResult struct {
	// DiscardedCount is the number of packets newly turned into tombstones
	DiscardedCount uint64
	// DeletedFromTransactionCount is the subset of DiscardedCount that
	// belonged to a transaction, as decided by the compactor's filter
	DeletedFromTransactionCount uint64
	// ReleasedWeight is the weight no longer accounted after discarding
	ReleasedWeight uint64
}

// Add accumulates another result into r
func (r *CompactionResult) Add(other CompactionResult) {
	r.DiscardedCount += other.DiscardedCount
	r.DeletedFromTransactionCount += other.DeletedFromTransactionCount
	r.ReleasedWeight += other.ReleasedWeight
}
