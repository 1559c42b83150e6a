package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/devrev/pairdb/backlog/internal/errors"
	"github.com/devrev/pairdb/backlog/internal/model"
	"github.com/devrev/pairdb/backlog/internal/util"
)

// Frame layout, little endian, followed by a crc32 of everything before it:
//
//	start_key u64 | compressed u8 | [total_key_span u64] | count u32 | packets
//
// and per packet:
//
//	flags u8 | key u64 | [end_key u64] | weight u64 | [len u32 | payload]
//
// end_key is present only when it differs from key; the payload only for
// packets that are not discarded.
const (
	flagDiscarded = 1 << 0
	flagEndKey    = 1 << 1

	frameHeaderSize  = 8 + 1 + 4
	packetHeaderSize = 1 + 8 + 8
)

// MarshalBinary encodes a filled envelope as a checksummed frame
func (e *Envelope) MarshalBinary() ([]byte, error) {
	if e.state != stateFilled {
		panic("codec: MarshalBinary on an idle envelope")
	}
	if uint64(len(e.packets)) > math.MaxUint32 {
		return nil, errors.InvalidArgument(fmt.Sprintf("batch of %d packets is too large", len(e.packets)), nil)
	}

	size := frameHeaderSize
	if e.compressed {
		size += 8
	}
	for _, p := range e.packets {
		size += packetHeaderSize
		if p.EndKey != p.Key {
			size += 8
		}
		if !p.Discarded {
			size += 4 + len(p.Payload)
		}
	}

	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint64(buf, e.startKey)
	if e.compressed {
		buf = append(buf, 1)
		buf = binary.LittleEndian.AppendUint64(buf, e.totalKeySpan)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.packets)))

	for _, p := range e.packets {
		var flags byte
		if p.Discarded {
			flags |= flagDiscarded
		}
		if p.EndKey != p.Key {
			flags |= flagEndKey
		}
		buf = append(buf, flags)
		buf = binary.LittleEndian.AppendUint64(buf, p.Key)
		if p.EndKey != p.Key {
			buf = binary.LittleEndian.AppendUint64(buf, p.EndKey)
		}
		buf = binary.LittleEndian.AppendUint64(buf, p.AccountedWeight())
		if !p.Discarded {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.Payload)))
			buf = append(buf, p.Payload...)
		}
	}
	return util.AppendChecksum(buf), nil
}

// UnmarshalBinary fills an idle envelope from a frame
func (e *Envelope) UnmarshalBinary(frame []byte) error {
	if e.state != stateIdle {
		panic("codec: UnmarshalBinary into an envelope that was not cleaned")
	}
	if len(frame) < util.ChecksumSize {
		return errors.MalformedFrame(fmt.Sprintf("frame of %d bytes is too short", len(frame)), nil)
	}
	data, ok := util.ValidateAndStripChecksum(frame)
	if !ok {
		expected := binary.LittleEndian.Uint32(frame[len(frame)-util.ChecksumSize:])
		return errors.ChecksumFailed(expected, util.ComputeChecksum(data))
	}

	r := &reader{data: data}
	startKey := r.readUint64()
	compressed := r.readByte()
	var span uint64
	if compressed == 1 {
		span = r.readUint64()
	} else if compressed != 0 && r.err == nil {
		return errors.MalformedFrame(fmt.Sprintf("invalid compressed flag %d", compressed), nil)
	}
	count := r.readUint32()
	if r.err != nil {
		return r.err
	}
	if uint64(count)*packetHeaderSize > uint64(len(data)) {
		return errors.MalformedFrame(fmt.Sprintf("packet count %d exceeds frame size", count), nil)
	}

	packets := make([]model.Packet, 0, count)
	for i := uint32(0); i < count && r.err == nil; i++ {
		flags := r.readByte()
		p := model.Packet{Key: r.readUint64()}
		p.EndKey = p.Key
		if flags&flagEndKey != 0 {
			p.EndKey = r.readUint64()
		}
		p.Weight = r.readUint64()
		p.Discarded = flags&flagDiscarded != 0
		if !p.Discarded {
			p.Payload = r.readBytes(r.readUint32())
		}
		if r.err == nil && p.EndKey < p.Key {
			return errors.MalformedFrame(fmt.Sprintf("packet %d ends at %d", p.Key, p.EndKey), nil)
		}
		packets = append(packets, p)
	}
	if r.err != nil {
		return r.err
	}
	if r.off != len(data) {
		return errors.MalformedFrame(fmt.Sprintf("%d trailing bytes", len(data)-r.off), nil)
	}

	e.state = stateFilled
	e.packets = append(e.packets[:0], packets...)
	e.startKey = startKey
	e.totalKeySpan = span
	e.compressed = compressed == 1
	return nil
}

// reader decodes little endian fields and latches the first error
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = errors.MalformedFrame(fmt.Sprintf("truncated frame at offset %d", r.off), nil)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) readByte() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) readUint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) readUint64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// readBytes copies n bytes so the payload does not alias the frame
func (r *reader) readBytes(n uint32) []byte {
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
