package compaction

import (
	"testing"

	"github.com/devrev/pairdb/backlog/internal/model"
	"github.com/devrev/pairdb/backlog/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packets() []model.Packet {
	return []model.Packet{
		model.NewPacket(1, 10, []byte("a")),
		model.NewPacket(2, 20, []byte("b")),
		model.NewDiscardedRange(3, 5),
		model.NewPacket(6, 30, []byte("c")),
		model.NewPacket(7, 40, []byte("d")),
	}
}

func TestRangeCompactor_Compact(t *testing.T) {
	tests := []struct {
		name          string
		from, to      uint64
		wantDiscarded uint64
		wantReleased  uint64
		wantKeys      []uint64
	}{
		{name: "single packet", from: 2, to: 2, wantDiscarded: 1, wantReleased: 20, wantKeys: []uint64{2}},
		{name: "range across tombstone", from: 2, to: 6, wantDiscarded: 2, wantReleased: 50, wantKeys: []uint64{2, 6}},
		{name: "whole log", from: 0, to: 100, wantDiscarded: 4, wantReleased: 100, wantKeys: []uint64{1, 2, 6, 7}},
		{name: "only tombstone", from: 3, to: 5, wantDiscarded: 0, wantReleased: 0},
		{name: "empty range", from: 9, to: 4, wantDiscarded: 0, wantReleased: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := packets()
			c := NewRangeCompactor(nil, nil)

			result, err := c.Compact(storage.NewSliceIterator(data, 0), tt.from, tt.to)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDiscarded, result.DiscardedCount)
			assert.Equal(t, tt.wantReleased, result.ReleasedWeight)

			for _, key := range tt.wantKeys {
				for _, p := range data {
					if p.Key == key {
						assert.True(t, p.Discarded, "key %d should be discarded", key)
						assert.Nil(t, p.Payload)
						assert.Zero(t, p.Weight)
					}
				}
			}
		})
	}
}

func TestRangeCompactor_PartialOverlapIsKept(t *testing.T) {
	data := []model.Packet{
		{Key: 1, EndKey: 4, Weight: 8, Payload: []byte("range")},
	}

	result, err := NewRangeCompactor(nil, nil).Compact(storage.NewSliceIterator(data, 0), 2, 10)
	require.NoError(t, err)
	assert.Zero(t, result.DiscardedCount)
	assert.False(t, data[0].Discarded)
}

func TestRangeCompactor_TransactionFilter(t *testing.T) {
	data := packets()
	filter := func(p model.Packet) bool { return p.Key%2 == 0 }

	result, err := NewRangeCompactor(filter, nil).Compact(storage.NewSliceIterator(data, 0), 1, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), result.DiscardedCount)
	assert.Equal(t, uint64(2), result.DeletedFromTransactionCount)
}
