package codec

import (
	"github.com/devrev/pairdb/backlog/internal/model"
)

// Compress drops every discarded packet from a filled envelope, recording
// the key span of the whole batch so Decompress can restore the gaps. It is
// a no-op when containsDiscarded is false. Compressing twice panics.
func Compress(e *Envelope, containsDiscarded bool) {
	if e.state != stateFilled {
		panic("codec: Compress on an idle envelope")
	}
	if e.compressed {
		panic("codec: envelope is already compressed")
	}
	if !containsDiscarded || len(e.packets) == 0 {
		return
	}

	var span uint64
	kept := e.packets[:0]
	for _, p := range e.packets {
		span += p.Span()
		if !p.Discarded {
			kept = append(kept, p)
		}
	}
	for i := len(kept); i < len(e.packets); i++ {
		e.packets[i] = model.Packet{}
	}

	if len(kept) == 0 {
		kept = append(kept, model.NewDiscardedRange(e.startKey, e.startKey+span-1))
	}
	e.packets = kept
	e.totalKeySpan = span
	e.compressed = true
}

// Decompress returns the batch with every gap left by Compress filled by a
// discarded packet. Adjacent discarded packets of the original batch come
// back merged into one range.
func Decompress(e *Envelope) []model.Packet {
	if !e.compressed {
		return e.packets
	}

	out := make([]model.Packet, 0, 2*len(e.packets)+1)
	current := e.startKey
	for _, p := range e.packets {
		if current < p.Key {
			out = append(out, model.NewDiscardedRange(current, p.Key-1))
		}
		out = append(out, p)
		current = p.EndKey + 1
	}

	// A one key tail gap still has to be restored, hence the inclusive bound.
	if last := e.startKey + e.totalKeySpan - 1; current <= last {
		out = append(out, model.NewDiscardedRange(current, last))
	}
	return out
}
