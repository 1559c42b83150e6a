// Package storetest holds the behaviour every BackingStore implementation
// must share.
package storetest

import (
	"fmt"
	"testing"

	"github.com/devrev/pairdb/backlog/internal/errors"
	"github.com/devrev/pairdb/backlog/internal/model"
	"github.com/devrev/pairdb/backlog/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory creates an empty store wired with a range compactor. maxWeight
// bounds the accounted weight the store accepts; zero means unbounded.
type Factory func(t *testing.T, maxWeight uint64) storage.BackingStore

// Packets builds ordinary packets for keys [from, to], each of the given weight
func Packets(from, to, weight uint64) []model.Packet {
	var packets []model.Packet
	for k := from; k <= to; k++ {
		packets = append(packets, model.NewPacket(k, weight, []byte(fmt.Sprintf("payload-%d", k))))
	}
	return packets
}

// Keys returns the first key of each packet
func Keys(packets []model.Packet) []uint64 {
	keys := make([]uint64, 0, len(packets))
	for _, p := range packets {
		keys = append(keys, p.Key)
	}
	return keys
}

func collectFrom(t *testing.T, s storage.BackingStore, from uint64) []model.Packet {
	t.Helper()
	it, err := s.ReadOnlyIterator(from)
	require.NoError(t, err)
	packets, err := storage.Collect(it)
	require.NoError(t, err)
	return packets
}

// RunSuite exercises a store implementation
func RunSuite(t *testing.T, newStore Factory) {
	t.Run("AppendPreservesOrder", func(t *testing.T) {
		s := newStore(t, 0)
		in := Packets(1, 5, 10)
		require.NoError(t, s.Append(in[0]))
		require.NoError(t, s.AppendBatch(in[1:]))

		assert.Equal(t, uint64(5), s.Size())
		assert.False(t, s.IsEmpty())
		assert.Equal(t, uint64(50), s.Weight())
		assert.Equal(t, s.Weight(), s.MemoryPacketsWeight()+s.ExternalStoragePacketsWeight())
		assert.Equal(t, s.Size(), s.MemoryPacketsCount()+s.ExternalPacketsCount())

		out := collectFrom(t, s, 0)
		require.Len(t, out, 5)
		for i := range in {
			assert.True(t, in[i].Equal(out[i]), "packet %d differs", i)
		}
		require.NoError(t, s.ValidateIntegrity())
	})

	t.Run("IteratorFromIndex", func(t *testing.T) {
		s := newStore(t, 0)
		require.NoError(t, s.AppendBatch(Packets(1, 5, 1)))

		assert.Equal(t, []uint64{4, 5}, Keys(collectFrom(t, s, 3)))
		assert.Empty(t, collectFrom(t, s, 5))
		assert.Empty(t, collectFrom(t, s, 42))
	})

	t.Run("SaturationDeniesSuffix", func(t *testing.T) {
		s := newStore(t, 25)
		err := s.AppendBatch(Packets(1, 4, 10))
		require.Error(t, err)

		full, ok := errors.AsStorageFull(err)
		require.True(t, ok)
		assert.Equal(t, []uint64{3, 4}, Keys(full.Denied))
		assert.Equal(t, uint64(2), s.Size())
		assert.Equal(t, uint64(20), s.Weight())
		assert.Equal(t, []uint64{1, 2}, Keys(collectFrom(t, s, 0)))
	})

	t.Run("DiscardedPacketsCarryNoWeight", func(t *testing.T) {
		s := newStore(t, 0)
		require.NoError(t, s.Append(model.NewPacket(1, 10, []byte("a"))))
		require.NoError(t, s.Append(model.NewDiscardedRange(2, 6)))
		require.NoError(t, s.Append(model.NewPacket(7, 10, []byte("b"))))

		assert.Equal(t, uint64(3), s.Size())
		assert.Equal(t, uint64(20), s.Weight())
		assert.Equal(t, uint64(1), s.DiscardedPacketsCount())

		out := collectFrom(t, s, 1)
		require.Len(t, out, 2)
		assert.True(t, out[0].Discarded)
		assert.Equal(t, uint64(6), out[0].EndKey)
		require.NoError(t, s.ValidateIntegrity())
	})

	t.Run("RemoveFirstBatchHonoursBound", func(t *testing.T) {
		s := newStore(t, 0)
		require.NoError(t, s.AppendBatch(Packets(1, 6, 10)))

		batch, err := s.RemoveFirstBatch(25, 0)
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 2}, Keys(batch.Packets))
		assert.Equal(t, uint64(20), batch.Weight)
		assert.True(t, batch.LimitReached)

		assert.Equal(t, uint64(4), s.Size())
		assert.Equal(t, uint64(40), s.Weight())
		assert.Equal(t, []uint64{3, 4, 5, 6}, Keys(collectFrom(t, s, 0)))

		batch, err = s.RemoveFirstBatch(1000, 0)
		require.NoError(t, err)
		assert.Len(t, batch.Packets, 4)
		assert.False(t, batch.LimitReached)
		assert.True(t, s.IsEmpty())
		assert.Equal(t, uint64(0), s.Weight())
		require.NoError(t, s.ValidateIntegrity())
	})

	t.Run("RemoveFirstBatchOversizedHead", func(t *testing.T) {
		s := newStore(t, 0)
		require.NoError(t, s.AppendBatch(Packets(1, 2, 100)))

		batch, err := s.RemoveFirstBatch(10, 0)
		require.NoError(t, err)
		assert.Equal(t, []uint64{1}, Keys(batch.Packets))
		assert.True(t, batch.LimitReached)
	})

	t.Run("DeleteOldestPackets", func(t *testing.T) {
		s := newStore(t, 0)
		require.NoError(t, s.AppendBatch(Packets(1, 5, 10)))

		require.NoError(t, s.DeleteOldestPackets(2))
		assert.Equal(t, uint64(3), s.Size())
		assert.Equal(t, uint64(30), s.Weight())
		assert.Equal(t, []uint64{3, 4, 5}, Keys(collectFrom(t, s, 0)))

		require.NoError(t, s.DeleteOldestPackets(10))
		assert.True(t, s.IsEmpty())
		require.NoError(t, s.ValidateIntegrity())
	})

	t.Run("PerformCompaction", func(t *testing.T) {
		s := newStore(t, 0)
		require.NoError(t, s.AppendBatch(Packets(1, 6, 10)))

		result, err := s.PerformCompaction(2, 4)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), result.DiscardedCount)
		assert.Equal(t, uint64(30), result.ReleasedWeight)

		assert.Equal(t, uint64(6), s.Size())
		assert.Equal(t, uint64(30), s.Weight())
		assert.Equal(t, uint64(3), s.DiscardedPacketsCount())

		out := collectFrom(t, s, 0)
		require.Len(t, out, 6)
		for _, p := range out {
			assert.Equal(t, p.Key >= 2 && p.Key <= 4, p.Discarded, "key %d", p.Key)
		}

		result, err = s.PerformCompaction(2, 4)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), result.DiscardedCount)
		require.NoError(t, s.ValidateIntegrity())
	})

	t.Run("CompactionOutsideRange", func(t *testing.T) {
		s := newStore(t, 0)
		require.NoError(t, s.AppendBatch(Packets(10, 12, 5)))

		result, err := s.PerformCompaction(20, 30)
		require.NoError(t, err)
		assert.Equal(t, model.CompactionResult{}, result)
		assert.Equal(t, uint64(15), s.Weight())
	})

	t.Run("ClosedStoreRejectsOperations", func(t *testing.T) {
		s := newStore(t, 0)
		require.NoError(t, s.AppendBatch(Packets(1, 2, 1)))
		require.NoError(t, s.Close())

		assert.Equal(t, errors.ErrCodeClosed, errors.GetCode(s.Append(model.NewPacket(3, 1, nil))))
		_, err := s.RemoveFirstBatch(10, 0)
		assert.Equal(t, errors.ErrCodeClosed, errors.GetCode(err))
		_, err = s.ReadOnlyIterator(0)
		assert.Equal(t, errors.ErrCodeClosed, errors.GetCode(err))
	})
}
