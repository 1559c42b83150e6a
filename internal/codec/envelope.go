// Package codec turns batches removed from the redo log into wire frames.
//
// Runs of discarded packets are collapsed before a batch is shipped and
// expanded again on the receiving side, so a sparse batch costs only its
// live packets plus a few bytes of bookkeeping.
package codec

import (
	"sync"

	"github.com/devrev/pairdb/backlog/internal/model"
)

type envelopeState int

const (
	stateIdle envelopeState = iota
	stateFilled
)

// Envelope is the unit shipped to a backup. It is either idle or filled;
// filling a filled envelope panics. Clean returns it to idle.
type Envelope struct {
	state        envelopeState
	packets      []model.Packet
	startKey     uint64
	totalKeySpan uint64
	compressed   bool
}

// NewEnvelope returns an idle envelope
func NewEnvelope() *Envelope {
	return &Envelope{}
}

// SetBatch fills an idle envelope with packets in log order
func (e *Envelope) SetBatch(packets []model.Packet) {
	if e.state != stateIdle {
		panic("codec: SetBatch on an envelope that was not cleaned")
	}
	e.state = stateFilled
	e.packets = append(e.packets[:0], packets...)
	if len(packets) > 0 {
		e.startKey = packets[0].Key
	}
}

// Clean resets the envelope for reuse
func (e *Envelope) Clean() {
	for i := range e.packets {
		e.packets[i] = model.Packet{}
	}
	e.packets = e.packets[:0]
	e.startKey = 0
	e.totalKeySpan = 0
	e.compressed = false
	e.state = stateIdle
}

// IsIdle reports whether the envelope can be filled
func (e *Envelope) IsIdle() bool {
	return e.state == stateIdle
}

// Packets returns the packets as they stand, compressed or not
func (e *Envelope) Packets() []model.Packet {
	return e.packets
}

func (e *Envelope) Len() int {
	return len(e.packets)
}

// StartKey is the key of the first packet before compression
func (e *Envelope) StartKey() uint64 {
	return e.startKey
}

// TotalKeySpan is the number of keys covered by the uncompressed batch.
// It is only known once the envelope is compressed.
func (e *Envelope) TotalKeySpan() uint64 {
	return e.totalKeySpan
}

func (e *Envelope) Compressed() bool {
	return e.compressed
}

// EnvelopePool recycles envelopes between sends
type EnvelopePool struct {
	pool sync.Pool
}

// NewEnvelopePool creates an empty pool
func NewEnvelopePool() *EnvelopePool {
	return &EnvelopePool{
		pool: sync.Pool{
			New: func() interface{} { return NewEnvelope() },
		},
	}
}

// Get returns an idle envelope
func (p *EnvelopePool) Get() *Envelope {
	return p.pool.Get().(*Envelope)
}

// Put cleans e and returns it to the pool
func (p *EnvelopePool) Put(e *Envelope) {
	e.Clean()
	p.pool.Put(e)
}
