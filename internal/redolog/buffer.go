package redolog

import (
	"fmt"

	"github.com/devrev/pairdb/backlog/internal/model"
)

const minBufferCapacity = 16

// bufferState is the in-memory FIFO of the cache. Every counter update goes
// through its methods so weight, discarded count and payload bytes always
// match the packets held.
type bufferState struct {
	ring      []model.Packet
	head      int
	count     int
	weight    uint64
	discarded uint64
	bytes     uint64
}

func (b *bufferState) len() int {
	return b.count
}

func (b *bufferState) index(i int) int {
	return (b.head + i) % len(b.ring)
}

// at returns the i-th packet counted from the head
func (b *bufferState) at(i int) model.Packet {
	if i < 0 || i >= b.count {
		panic(fmt.Sprintf("redolog: buffer index %d out of range [0,%d)", i, b.count))
	}
	return b.ring[b.index(i)]
}

// replace overwrites the i-th packet without touching the counters; callers
// settle the counters through applyCompaction
func (b *bufferState) replace(i int, p model.Packet) {
	if i < 0 || i >= b.count {
		panic(fmt.Sprintf("redolog: buffer index %d out of range [0,%d)", i, b.count))
	}
	b.ring[b.index(i)] = p
}

func (b *bufferState) grow() {
	if b.count < len(b.ring) {
		return
	}
	size := len(b.ring) * 2
	if size < minBufferCapacity {
		size = minBufferCapacity
	}
	ring := make([]model.Packet, size)
	for i := 0; i < b.count; i++ {
		ring[i] = b.ring[b.index(i)]
	}
	b.ring = ring
	b.head = 0
}

func (b *bufferState) account(p model.Packet) {
	b.weight += p.AccountedWeight()
	b.bytes += uint64(len(p.Payload))
	if p.Discarded {
		b.discarded++
	}
}

func (b *bufferState) unaccount(p model.Packet) {
	w := p.AccountedWeight()
	if w > b.weight || uint64(len(p.Payload)) > b.bytes || (p.Discarded && b.discarded == 0) {
		panic(fmt.Sprintf("redolog: buffer counters underflow removing packet %d", p.Key))
	}
	b.weight -= w
	b.bytes -= uint64(len(p.Payload))
	if p.Discarded {
		b.discarded--
	}
}

// push appends p at the tail
func (b *bufferState) push(p model.Packet) {
	b.grow()
	b.ring[b.index(b.count)] = p
	b.count++
	b.account(p)
}

// pushFront inserts p at the head
func (b *bufferState) pushFront(p model.Packet) {
	b.grow()
	b.head = (b.head - 1 + len(b.ring)) % len(b.ring)
	b.ring[b.head] = p
	b.count++
	b.account(p)
}

// pop removes the head
func (b *bufferState) pop() model.Packet {
	if b.count == 0 {
		panic("redolog: pop from empty buffer")
	}
	p := b.ring[b.head]
	b.ring[b.head] = model.Packet{}
	b.head = (b.head + 1) % len(b.ring)
	b.count--
	b.unaccount(p)
	return p
}

// popBack removes the tail
func (b *bufferState) popBack() model.Packet {
	if b.count == 0 {
		panic("redolog: popBack from empty buffer")
	}
	i := b.index(b.count - 1)
	p := b.ring[i]
	b.ring[i] = model.Packet{}
	b.count--
	b.unaccount(p)
	return p
}

// applyCompaction settles the counters after packets were discarded in place
// through replace
func (b *bufferState) applyCompaction(result model.CompactionResult, releasedBytes uint64) {
	if result.ReleasedWeight > b.weight || releasedBytes > b.bytes {
		panic(fmt.Sprintf("redolog: compaction released %d weight from a buffer of %d",
			result.ReleasedWeight, b.weight))
	}
	b.weight -= result.ReleasedWeight
	b.bytes -= releasedBytes
	b.discarded += result.DiscardedCount
}

// firstOverlapping returns the index of the first packet ending at or after key
func (b *bufferState) firstOverlapping(key uint64) int {
	lo, hi := 0, b.count
	for lo < hi {
		mid := (lo + hi) / 2
		if b.at(mid).EndKey < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (b *bufferState) reset() {
	*b = bufferState{}
}

// reshuffleDenied handles a backing store refusing packets popped from the
// head. Walking denied from newest to oldest, each denied packet goes back to
// the head and one packet is evicted from the tail. The evicted packets,
// oldest first, are the new denied set: the cache keeps what was queued for
// flushing and hands back the most recently appended packets instead.
func reshuffleDenied(b *bufferState, denied []model.Packet) []model.Packet {
	evicted := make([]model.Packet, len(denied))
	for i := len(denied) - 1; i >= 0; i-- {
		b.pushFront(denied[i])
		evicted[i] = b.popBack()
	}
	return evicted
}
