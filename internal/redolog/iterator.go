package redolog

import (
	"github.com/devrev/pairdb/backlog/internal/model"
	"github.com/devrev/pairdb/backlog/internal/storage"
)

type iteratorPhase int

const (
	phaseExternal iteratorPhase = iota
	phaseBuffer
	phaseDone
)

// twoPhaseIterator reads the backing store until it is exhausted and then
// continues with the in-memory buffer
type twoPhaseIterator struct {
	phase     iteratorPhase
	external  storage.Iterator
	buffer    *bufferState
	bufferPos int
	current   model.Packet
	err       error
}

func newExternalPhaseIterator(external storage.Iterator, buffer *bufferState) *twoPhaseIterator {
	return &twoPhaseIterator{
		phase:     phaseExternal,
		external:  external,
		buffer:    buffer,
		bufferPos: -1,
	}
}

func newBufferPhaseIterator(buffer *bufferState, from int) *twoPhaseIterator {
	return &twoPhaseIterator{
		phase:     phaseBuffer,
		buffer:    buffer,
		bufferPos: from - 1,
	}
}

func (it *twoPhaseIterator) Next() bool {
	if it.phase == phaseExternal {
		if it.external.Next() {
			it.current = it.external.Packet()
			return true
		}
		if err := it.external.Err(); err != nil {
			it.err = err
			it.phase = phaseDone
			return false
		}
		it.phase = phaseBuffer
	}

	if it.phase == phaseBuffer {
		if it.bufferPos+1 < it.buffer.len() {
			it.bufferPos++
			it.current = it.buffer.at(it.bufferPos)
			return true
		}
		it.phase = phaseDone
	}
	return false
}

func (it *twoPhaseIterator) Packet() model.Packet {
	return it.current
}

func (it *twoPhaseIterator) Err() error {
	return it.err
}

// bufferIterator hands the buffer to a Compactor. Replacements are written
// in place; the caller settles the counters from the compaction result.
type bufferIterator struct {
	buffer        *bufferState
	pos           int
	releasedBytes uint64
}

func (it *bufferIterator) Next() bool {
	if it.pos+1 >= it.buffer.len() {
		return false
	}
	it.pos++
	return true
}

func (it *bufferIterator) Packet() model.Packet {
	return it.buffer.at(it.pos)
}

func (it *bufferIterator) Err() error {
	return nil
}

func (it *bufferIterator) Set(p model.Packet) {
	old := it.buffer.at(it.pos)
	if len(p.Payload) > len(old.Payload) {
		panic("redolog: compaction may not grow a buffered payload")
	}
	it.releasedBytes += uint64(len(old.Payload) - len(p.Payload))
	it.buffer.replace(it.pos, p)
}
