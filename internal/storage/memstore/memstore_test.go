package memstore

import (
	"testing"

	"github.com/devrev/pairdb/backlog/internal/compaction"
	"github.com/devrev/pairdb/backlog/internal/errors"
	"github.com/devrev/pairdb/backlog/internal/model"
	"github.com/devrev/pairdb/backlog/internal/storage"
	"github.com/devrev/pairdb/backlog/internal/storage/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	storetest.RunSuite(t, func(t *testing.T, maxWeight uint64) storage.BackingStore {
		return New(Config{MaxWeight: maxWeight}, compaction.NewRangeCompactor(nil, nil), nil)
	})
}

func TestStore_MaxPackets(t *testing.T) {
	s := New(Config{MaxPackets: 2}, nil, nil)

	err := s.AppendBatch(storetest.Packets(1, 3, 1))
	full, ok := errors.AsStorageFull(err)
	require.True(t, ok)
	assert.Equal(t, []uint64{3}, storetest.Keys(full.Denied))
	assert.Equal(t, uint64(2), s.Size())
}

func TestStore_ValidateIntegrityDetectsOverlap(t *testing.T) {
	s := New(Config{}, nil, nil)
	require.NoError(t, s.AppendBatch([]model.Packet{
		model.NewDiscardedRange(1, 5),
		model.NewPacket(6, 1, nil),
	}))
	require.NoError(t, s.ValidateIntegrity())

	s.packets[1].Key = 4
	assert.True(t, errors.IsCorrupted(s.ValidateIntegrity()))
}

func TestStore_SpaceUsed(t *testing.T) {
	s := New(Config{}, nil, nil)
	require.NoError(t, s.Append(model.NewPacket(1, 1, []byte("abcd"))))
	require.NoError(t, s.Append(model.NewDiscardedRange(2, 3)))
	assert.Equal(t, uint64(4), s.SpaceUsed())
}

func TestStore_DrainReusesBackingArray(t *testing.T) {
	s := New(Config{}, nil, nil)
	require.NoError(t, s.AppendBatch(storetest.Packets(1, 100, 1)))
	capBefore := cap(s.packets)

	batch, err := s.RemoveFirstBatch(10, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, storetest.Keys(batch.Packets))
	require.NoError(t, s.DeleteOldestPackets(5))

	assert.Equal(t, capBefore-15, cap(s.packets))
	assert.Equal(t, uint64(85), s.Size())
	assert.Equal(t, uint64(85), s.Weight())

	it, err := s.ReadOnlyIterator(0)
	require.NoError(t, err)
	backlog, err := storage.Collect(it)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), backlog[0].Key)
	assert.NoError(t, s.ValidateIntegrity())
}
