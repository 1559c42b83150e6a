package storage

import (
	"testing"

	"github.com/devrev/pairdb/backlog/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(b *BatchBuilder, packets []model.Packet) int {
	n := 0
	for _, p := range packets {
		if !b.Fits(p) {
			break
		}
		b.Add(p)
		n++
	}
	return n
}

func TestBatchBuilder_WeightBound(t *testing.T) {
	packets := []model.Packet{
		model.NewPacket(1, 10, nil),
		model.NewPacket(2, 10, nil),
		model.NewPacket(3, 10, nil),
	}

	b := NewBatchBuilder(25, 0)
	n := fill(b, packets)

	assert.Equal(t, 2, n)
	batch := b.Batch()
	assert.Equal(t, uint64(20), batch.Weight)
	assert.True(t, batch.LimitReached)
}

func TestBatchBuilder_SingleItemOverflow(t *testing.T) {
	packets := []model.Packet{
		model.NewPacket(1, 100, nil),
		model.NewPacket(2, 1, nil),
	}

	b := NewBatchBuilder(50, 0)
	n := fill(b, packets)

	require.Equal(t, 1, n)
	assert.Equal(t, uint64(100), b.Batch().Weight)
	assert.True(t, b.LimitReached())
}

func TestBatchBuilder_CountBound(t *testing.T) {
	packets := []model.Packet{
		model.NewPacket(1, 0, nil),
		model.NewPacket(2, 0, nil),
		model.NewPacket(3, 0, nil),
	}

	b := NewBatchBuilder(2, 0)
	n := fill(b, packets)

	assert.Equal(t, 2, n)
	assert.True(t, b.LimitReached())
}

func TestBatchBuilder_SettledTombstonesDoNotCount(t *testing.T) {
	packets := []model.Packet{
		model.NewDiscardedRange(1, 10),
		model.NewDiscardedRange(11, 20),
		model.NewPacket(21, 1, nil),
		model.NewPacket(22, 1, nil),
	}

	b := NewBatchBuilder(2, 20)
	n := fill(b, packets)

	assert.Equal(t, 4, n)
	batch := b.Batch()
	assert.True(t, batch.ContainsDiscarded)
	assert.Equal(t, uint64(2), batch.Weight)
}

func TestResumeBatchBuilder(t *testing.T) {
	first := NewBatchBuilder(30, 0)
	fill(first, []model.Packet{model.NewPacket(1, 10, nil)})

	resumed := ResumeBatchBuilder(first.Batch(), 30, 0)
	n := fill(resumed, []model.Packet{
		model.NewPacket(2, 10, nil),
		model.NewPacket(3, 10, nil),
		model.NewPacket(4, 10, nil),
	})

	assert.Equal(t, 2, n)
	assert.Equal(t, uint64(30), resumed.Batch().Weight)
	assert.Len(t, resumed.Batch().Packets, 3)
}

func TestSliceIterator(t *testing.T) {
	packets := []model.Packet{
		model.NewPacket(1, 1, nil),
		model.NewPacket(2, 1, nil),
		model.NewPacket(3, 1, nil),
	}

	got, err := Collect(NewSliceIterator(packets, 1))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[0].Key)

	it := NewSliceIterator(packets, 0)
	require.True(t, it.Next())
	it.Set(packets[0].Discard())
	assert.True(t, packets[0].Discarded)

	empty, err := Collect(NewSliceIterator(packets, 5))
	require.NoError(t, err)
	assert.Empty(t, empty)
}
