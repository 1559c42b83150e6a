package codec

import (
	"math/rand"
	"testing"

	"github.com/devrev/pairdb/backlog/internal/errors"
	"github.com/devrev/pairdb/backlog/internal/model"
	"github.com/devrev/pairdb/backlog/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func live(key uint64, payload string) model.Packet {
	return model.NewPacket(key, uint64(len(payload)), []byte(payload))
}

func filled(packets ...model.Packet) *Envelope {
	e := NewEnvelope()
	e.SetBatch(packets)
	return e
}

func containsDiscarded(packets []model.Packet) bool {
	for _, p := range packets {
		if p.Discarded {
			return true
		}
	}
	return false
}

// assertCoverage checks decompressed covers exactly the keys of original,
// keeps every live packet and leaves no live key inside a discarded range
func assertCoverage(t *testing.T, original, decompressed []model.Packet) {
	t.Helper()
	require.NotEmpty(t, decompressed)
	assert.Equal(t, original[0].Key, decompressed[0].Key)
	assert.Equal(t, original[len(original)-1].EndKey, decompressed[len(decompressed)-1].EndKey)

	for i := 1; i < len(decompressed); i++ {
		assert.Equal(t, decompressed[i-1].EndKey+1, decompressed[i].Key, "gap or overlap at %d", i)
	}

	var want, got []model.Packet
	for _, p := range original {
		if !p.Discarded {
			want = append(want, p)
		}
	}
	for _, p := range decompressed {
		if !p.Discarded {
			got = append(got, p)
		}
	}
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Equal(got[i]), "live packet %d differs", want[i].Key)
	}
}

func TestCompress_NoDiscarded(t *testing.T) {
	packets := []model.Packet{live(1, "a"), live(2, "b")}
	e := filled(packets...)

	Compress(e, false)
	assert.False(t, e.Compressed())
	assert.Equal(t, packets, e.Packets())
	assert.Equal(t, packets, Decompress(e))
}

func TestCompressDecompress(t *testing.T) {
	tests := []struct {
		name         string
		packets      []model.Packet
		wantKept     []uint64
		wantSpan     uint64
		decompressed []model.Packet
	}{
		{
			name:     "gap in the middle",
			packets:  []model.Packet{live(1, "a"), model.NewDiscardedRange(2, 4), live(5, "b")},
			wantKept: []uint64{1, 5},
			wantSpan: 5,
			decompressed: []model.Packet{
				live(1, "a"), model.NewDiscardedRange(2, 4), live(5, "b"),
			},
		},
		{
			name:     "leading gap",
			packets:  []model.Packet{model.NewDiscardedRange(10, 11), live(12, "x")},
			wantKept: []uint64{12},
			wantSpan: 3,
			decompressed: []model.Packet{
				model.NewDiscardedRange(10, 11), live(12, "x"),
			},
		},
		{
			name:     "one key trailing gap",
			packets:  []model.Packet{live(1, "a"), model.NewDiscardedRange(2, 2)},
			wantKept: []uint64{1},
			wantSpan: 2,
			decompressed: []model.Packet{
				live(1, "a"), model.NewDiscardedRange(2, 2),
			},
		},
		{
			name:     "adjacent discarded runs merge",
			packets:  []model.Packet{live(1, "a"), model.NewDiscardedRange(2, 3), model.NewDiscardedRange(4, 4), live(5, "b")},
			wantKept: []uint64{1, 5},
			wantSpan: 5,
			decompressed: []model.Packet{
				live(1, "a"), model.NewDiscardedRange(2, 4), live(5, "b"),
			},
		},
		{
			name:     "all discarded",
			packets:  []model.Packet{model.NewDiscardedRange(7, 9), model.NewDiscardedRange(10, 10)},
			wantKept: []uint64{7},
			wantSpan: 4,
			decompressed: []model.Packet{
				model.NewDiscardedRange(7, 10),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := append([]model.Packet(nil), tt.packets...)
			e := filled(tt.packets...)

			Compress(e, true)
			require.True(t, e.Compressed())
			assert.Equal(t, tt.wantSpan, e.TotalKeySpan())
			assert.Equal(t, original[0].Key, e.StartKey())
			var kept []uint64
			for _, p := range e.Packets() {
				kept = append(kept, p.Key)
			}
			assert.Equal(t, tt.wantKept, kept)

			out := Decompress(e)
			assert.Equal(t, tt.decompressed, out)
			assertCoverage(t, original, out)
		})
	}
}

func TestCompress_RandomRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		var packets []model.Packet
		key := uint64(rng.Intn(1000) + 1)
		for n := rng.Intn(20) + 1; n > 0; n-- {
			if rng.Intn(3) == 0 {
				end := key + uint64(rng.Intn(4))
				packets = append(packets, model.NewDiscardedRange(key, end))
				key = end + 1
				continue
			}
			packets = append(packets, live(key, "payload"))
			key++
		}
		original := append([]model.Packet(nil), packets...)

		e := filled(packets...)
		Compress(e, containsDiscarded(packets))
		frame, err := e.MarshalBinary()
		require.NoError(t, err)

		received := NewEnvelope()
		require.NoError(t, received.UnmarshalBinary(frame))
		assertCoverage(t, original, Decompress(received))
	}
}

func TestEnvelope_Typestate(t *testing.T) {
	e := filled(live(1, "a"))
	assert.False(t, e.IsIdle())
	assert.Panics(t, func() { e.SetBatch([]model.Packet{live(2, "b")}) })

	e.Clean()
	assert.True(t, e.IsIdle())
	assert.Equal(t, 0, e.Len())
	assert.False(t, e.Compressed())
	assert.NotPanics(t, func() { e.SetBatch([]model.Packet{live(2, "b")}) })
	assert.Equal(t, uint64(2), e.StartKey())
}

func TestCompress_Twice(t *testing.T) {
	e := filled(live(1, "a"), model.NewDiscardedRange(2, 3))
	Compress(e, true)
	assert.Panics(t, func() { Compress(e, true) })
	assert.Panics(t, func() { Compress(NewEnvelope(), true) })
}

func TestMarshal_RoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		packets  []model.Packet
		compress bool
	}{
		{name: "plain", packets: []model.Packet{live(1, "a"), live(2, ""), live(3, "ccc")}},
		{name: "uncompressed tombstones", packets: []model.Packet{live(1, "a"), model.NewDiscardedRange(2, 9)}},
		{name: "compressed", packets: []model.Packet{live(1, "a"), model.NewDiscardedRange(2, 9), live(10, "z")}, compress: true},
		{name: "empty", packets: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := filled(tt.packets...)
			Compress(e, tt.compress)
			frame, err := e.MarshalBinary()
			require.NoError(t, err)

			got := NewEnvelope()
			require.NoError(t, got.UnmarshalBinary(frame))
			assert.Equal(t, e.StartKey(), got.StartKey())
			assert.Equal(t, e.TotalKeySpan(), got.TotalKeySpan())
			assert.Equal(t, e.Compressed(), got.Compressed())
			require.Equal(t, e.Len(), got.Len())
			for i := range e.Packets() {
				assert.True(t, e.Packets()[i].Equal(got.Packets()[i]), "packet %d", i)
			}
		})
	}
}

func TestUnmarshal_Errors(t *testing.T) {
	e := filled(live(1, "hello"), model.NewDiscardedRange(2, 4))
	frame, err := e.MarshalBinary()
	require.NoError(t, err)

	corrupt := append([]byte(nil), frame...)
	corrupt[len(corrupt)-6] ^= 0xFF
	err = NewEnvelope().UnmarshalBinary(corrupt)
	assert.Equal(t, errors.ErrCodeChecksumFailed, errors.GetCode(err))

	err = NewEnvelope().UnmarshalBinary([]byte{1, 2})
	assert.Equal(t, errors.ErrCodeMalformedFrame, errors.GetCode(err))

	// A frame truncated before its checksum is re-sealed to reach the decoder.
	truncated := frame[:20]
	err = NewEnvelope().UnmarshalBinary(util.AppendChecksum(truncated))
	assert.Equal(t, errors.ErrCodeMalformedFrame, errors.GetCode(err))

	assert.Panics(t, func() { _ = e.UnmarshalBinary(frame) })
}

func TestEnvelopePool(t *testing.T) {
	pool := NewEnvelopePool()
	e := pool.Get()
	require.True(t, e.IsIdle())
	e.SetBatch([]model.Packet{live(1, "a")})

	pool.Put(e)
	again := pool.Get()
	assert.True(t, again.IsIdle())
}
