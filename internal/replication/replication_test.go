package replication

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/devrev/pairdb/backlog/internal/codec"
	"github.com/devrev/pairdb/backlog/internal/compaction"
	"github.com/devrev/pairdb/backlog/internal/errors"
	"github.com/devrev/pairdb/backlog/internal/metrics"
	"github.com/devrev/pairdb/backlog/internal/model"
	"github.com/devrev/pairdb/backlog/internal/redolog"
	"github.com/devrev/pairdb/backlog/internal/storage/memstore"
	"github.com/devrev/pairdb/backlog/internal/storage/storetest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingTarget struct {
	mu      sync.Mutex
	packets []model.Packet
	err     error
}

func (t *recordingTarget) Apply(_ context.Context, _ string, packets []model.Packet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.packets = append(t.packets, packets...)
	return nil
}

func (t *recordingTarget) applied() []model.Packet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.Packet(nil), t.packets...)
}

// loopbackSender hands frames straight to a receiver
type loopbackSender struct {
	mu       sync.Mutex
	receiver *Receiver
	failures int
	down     bool
	dropAck  bool
	sent     int
}

func (s *loopbackSender) Send(ctx context.Context, _ string, frame []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sent++
	if s.down {
		return 0, errors.Unavailable("backup is down", nil)
	}
	if s.failures > 0 {
		s.failures--
		return 0, errors.Unavailable("backup is down", nil)
	}
	key, err := s.receiver.Apply(ctx, frame)
	if err == nil && s.dropAck {
		s.dropAck = false
		return 0, errors.Unavailable("acknowledgement lost", nil)
	}
	return key, err
}

type fixture struct {
	channel  *Channel
	target   *recordingTarget
	sender   *loopbackSender
	receiver *Receiver
}

func newFixture(t *testing.T, name string, capacity, storeMaxWeight uint64, m *metrics.Metrics) *fixture {
	t.Helper()

	compactor := compaction.NewRangeCompactor(nil, zap.NewNop())
	store := memstore.New(memstore.Config{MaxWeight: storeMaxWeight}, compactor, zap.NewNop())
	cache, err := redolog.New(redolog.Options{
		Capacity:  capacity,
		Store:     store,
		Compactor: compactor,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	target := &recordingTarget{}
	receiver, err := NewReceiver(name, target, m, zap.NewNop())
	require.NoError(t, err)
	sender := &loopbackSender{receiver: receiver}

	ch, err := NewChannel(ChannelConfig{
		Name: name,
		Retry: RetryConfig{
			MaxRetries:      2,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
		},
	}, cache, sender, m, zap.NewNop())
	require.NoError(t, err)

	return &fixture{channel: ch, target: target, sender: sender, receiver: receiver}
}

func shipAll(t *testing.T, ch *Channel) {
	t.Helper()
	for {
		n, err := ch.Ship(context.Background())
		require.NoError(t, err)
		if n == 0 {
			return
		}
	}
}

func encode(t *testing.T, packets []model.Packet, containsDiscarded bool) []byte {
	t.Helper()
	env := codec.NewEnvelope()
	env.SetBatch(packets)
	codec.Compress(env, containsDiscarded)
	frame, err := env.MarshalBinary()
	require.NoError(t, err)
	return frame
}

func TestChannel_ShipDeliversInOrder(t *testing.T) {
	f := newFixture(t, "backup-1", 25, 0, nil)
	ctx := context.Background()

	sent := storetest.Packets(1, 10, 10)
	for _, p := range sent {
		require.NoError(t, f.channel.Append(ctx, p))
	}
	shipAll(t, f.channel)

	applied := f.target.applied()
	require.Len(t, applied, len(sent))
	for i := range sent {
		assert.True(t, sent[i].Equal(applied[i]), "packet %d differs", sent[i].Key)
	}

	status, err := f.channel.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), status.Size)
	assert.Equal(t, uint64(10), status.LastAckedKey)
	assert.False(t, status.PendingFrame)
}

func TestChannel_CompactedRangeArrivesAsTombstone(t *testing.T) {
	f := newFixture(t, "backup-1", 25, 0, nil)
	ctx := context.Background()

	require.NoError(t, f.channel.Append(ctx, storetest.Packets(1, 6, 10)...))
	result, err := f.channel.Compact(2, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), result.DiscardedCount)
	assert.Equal(t, uint64(30), result.ReleasedWeight)

	shipAll(t, f.channel)

	applied := f.target.applied()
	var keys []uint64
	for _, p := range applied {
		keys = append(keys, p.Key)
	}
	assert.Equal(t, uint64(6), applied[len(applied)-1].EndKey)
	for _, p := range applied {
		if p.Discarded {
			assert.True(t, p.Within(2, 4), "tombstone %d-%d outside the compacted range", p.Key, p.EndKey)
		} else {
			assert.False(t, p.Overlaps(2, 4), "live packet %d inside the compacted range", p.Key)
		}
	}
	assert.Contains(t, keys, uint64(1))
	assert.Contains(t, keys, uint64(5))
	assert.Contains(t, keys, uint64(6))
}

func TestChannel_FailedShipIsResent(t *testing.T) {
	f := newFixture(t, "backup-1", 100, 0, nil)
	ctx := context.Background()

	require.NoError(t, f.channel.Append(ctx, storetest.Packets(1, 3, 10)...))
	f.sender.failures = 1

	_, err := f.channel.Ship(ctx)
	require.Error(t, err)
	status, err := f.channel.Stats()
	require.NoError(t, err)
	assert.True(t, status.PendingFrame)
	assert.Empty(t, f.target.applied())

	shipAll(t, f.channel)
	assert.Equal(t, []uint64{1, 2, 3}, storetest.Keys(f.target.applied()))
}

func TestChannel_LostAcknowledgementIsNotReapplied(t *testing.T) {
	f := newFixture(t, "backup-1", 100, 0, nil)
	ctx := context.Background()

	require.NoError(t, f.channel.Append(ctx, storetest.Packets(1, 3, 10)...))
	f.sender.dropAck = true

	_, err := f.channel.Ship(ctx)
	require.Error(t, err)
	shipAll(t, f.channel)
	require.NoError(t, f.channel.Append(ctx, storetest.Packets(4, 4, 10)...))
	shipAll(t, f.channel)

	assert.Equal(t, []uint64{1, 2, 3, 4}, storetest.Keys(f.target.applied()))
	last, ok := f.receiver.LastAppliedKey()
	assert.True(t, ok)
	assert.Equal(t, uint64(4), last)
}

func TestChannel_AppendShipsToMakeRoom(t *testing.T) {
	f := newFixture(t, "backup-1", 25, 10, nil)
	ctx := context.Background()

	for _, p := range storetest.Packets(1, 4, 10) {
		require.NoError(t, f.channel.Append(ctx, p))
	}
	shipAll(t, f.channel)

	assert.Equal(t, []uint64{1, 2, 3, 4}, storetest.Keys(f.target.applied()))
}

func TestChannel_AppendHandsBackDeniedPackets(t *testing.T) {
	f := newFixture(t, "backup-1", 25, 10, nil)
	ctx := context.Background()
	f.sender.down = true

	for _, p := range storetest.Packets(1, 5, 10) {
		require.NoError(t, f.channel.Append(ctx, p))
	}

	err := f.channel.Append(ctx, storetest.Packets(6, 6, 10)...)
	full, ok := errors.AsStorageFull(err)
	require.True(t, ok, "expected StorageFullError, got %v", err)
	assert.Equal(t, []uint64{6}, storetest.Keys(full.Denied))

	backlog, err := f.channel.Backlog(0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4, 5}, storetest.Keys(backlog))

	status, err := f.channel.Stats()
	require.NoError(t, err)
	assert.True(t, status.PendingFrame)

	// The backup comes back and the denied packet is accepted again
	f.sender.mu.Lock()
	f.sender.down = false
	f.sender.mu.Unlock()
	shipAll(t, f.channel)
	require.NoError(t, f.channel.Append(ctx, full.Denied...))
	shipAll(t, f.channel)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, storetest.Keys(f.target.applied()))
}

func TestChannel_AppendValidation(t *testing.T) {
	f := newFixture(t, "backup-1", 100, 0, nil)
	ctx := context.Background()
	require.NoError(t, f.channel.Append(ctx, storetest.Packets(1, 3, 1)...))

	tests := []struct {
		name     string
		packets  []model.Packet
		wantCode errors.ErrorCode
	}{
		{name: "replayed key", packets: []model.Packet{model.NewPacket(2, 1, nil)}, wantCode: errors.ErrCodeOutOfOrder},
		{name: "last key", packets: []model.Packet{model.NewPacket(3, 1, nil)}, wantCode: errors.ErrCodeOutOfOrder},
		{name: "unordered batch", packets: []model.Packet{model.NewPacket(9, 1, nil), model.NewPacket(8, 1, nil)}, wantCode: errors.ErrCodeOutOfOrder},
		{name: "live range", packets: []model.Packet{{Key: 10, EndKey: 12, Weight: 1}}, wantCode: errors.ErrCodeInvalidArgument},
		{name: "tombstone", packets: []model.Packet{model.NewDiscardedRange(4, 7)}, wantCode: errors.ErrCodeOK},
		{name: "gap after the log", packets: []model.Packet{model.NewPacket(9, 1, nil)}, wantCode: errors.ErrCodeSequenceGap},
		{name: "gap inside the batch", packets: []model.Packet{model.NewPacket(8, 1, nil), model.NewPacket(10, 1, nil)}, wantCode: errors.ErrCodeSequenceGap},
		{name: "continues the log", packets: storetest.Packets(8, 9, 1), wantCode: errors.ErrCodeOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantCode, errors.GetCode(f.channel.Append(ctx, tt.packets...)))
		})
	}
}

func TestChannel_GapIsRejectedBeforeShipping(t *testing.T) {
	f := newFixture(t, "backup-1", 100, 0, nil)
	ctx := context.Background()

	require.NoError(t, f.channel.Append(ctx, storetest.Packets(1, 1, 10)...))
	shipAll(t, f.channel)

	err := f.channel.Append(ctx, storetest.Packets(3, 3, 10)...)
	assert.Equal(t, errors.ErrCodeSequenceGap, errors.GetCode(err))

	backlog, err := f.channel.Backlog(0)
	require.NoError(t, err)
	assert.Empty(t, backlog)

	// Shipping carries on once the missing key arrives
	require.NoError(t, f.channel.Append(ctx, storetest.Packets(2, 3, 10)...))
	shipAll(t, f.channel)

	status, err := f.channel.Stats()
	require.NoError(t, err)
	assert.False(t, status.PendingFrame)
	assert.Equal(t, uint64(3), status.LastAckedKey)
	assert.Equal(t, []uint64{1, 2, 3}, storetest.Keys(f.target.applied()))
}

// failingStore fails every flush while err is set
type failingStore struct {
	*memstore.Store
	err error
}

func (s *failingStore) Append(p model.Packet) error {
	if s.err != nil {
		return s.err
	}
	return s.Store.Append(p)
}

func TestChannel_FlushErrorKeepsPacketsBuffered(t *testing.T) {
	compactor := compaction.NewRangeCompactor(nil, zap.NewNop())
	store := &failingStore{
		Store: memstore.New(memstore.Config{}, compactor, zap.NewNop()),
		err:   errors.StorageIO("disk error", nil),
	}
	cache, err := redolog.New(redolog.Options{Capacity: 15, Store: store, Compactor: compactor})
	require.NoError(t, err)
	ch, err := NewChannel(ChannelConfig{Name: "backup-1"}, cache, &loopbackSender{down: true}, nil, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	err = ch.Append(ctx, storetest.Packets(1, 2, 10)...)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeStorageIO, errors.GetCode(err))
	_, ok := errors.AsStorageFull(err)
	assert.False(t, ok)

	backlog, err := ch.Backlog(0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, storetest.Keys(backlog))

	store.err = nil
	assert.Equal(t, errors.ErrCodeOutOfOrder, errors.GetCode(ch.Append(ctx, storetest.Packets(1, 2, 10)...)))
	require.NoError(t, ch.Append(ctx, storetest.Packets(3, 3, 10)...))

	backlog, err = ch.Backlog(0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, storetest.Keys(backlog))
	assert.NoError(t, ch.ValidateIntegrity())
}

func TestChannel_Trim(t *testing.T) {
	f := newFixture(t, "backup-1", 25, 0, nil)
	ctx := context.Background()

	require.NoError(t, f.channel.Append(ctx, storetest.Packets(1, 5, 10)...))
	require.NoError(t, f.channel.Trim(2))

	backlog, err := f.channel.Backlog(0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4, 5}, storetest.Keys(backlog))
	assert.NoError(t, f.channel.ValidateIntegrity())
}

func TestChannel_Closed(t *testing.T) {
	f := newFixture(t, "backup-1", 25, 0, nil)
	ctx := context.Background()

	require.NoError(t, f.channel.Append(ctx, storetest.Packets(1, 2, 10)...))
	require.NoError(t, f.channel.Close())
	require.NoError(t, f.channel.Close())

	assert.Equal(t, errors.ErrCodeClosed, errors.GetCode(f.channel.Append(ctx, model.NewPacket(3, 1, nil))))
	_, err := f.channel.Ship(ctx)
	assert.Equal(t, errors.ErrCodeClosed, errors.GetCode(err))
	_, err = f.channel.Stats()
	assert.Equal(t, errors.ErrCodeClosed, errors.GetCode(err))
}

func TestChannel_Metrics(t *testing.T) {
	m := metrics.NewMetrics("node-1", prometheus.NewRegistry())
	f := newFixture(t, "backup-1", 25, 0, m)
	ctx := context.Background()

	require.NoError(t, f.channel.Append(ctx, storetest.Packets(1, 4, 10)...))
	_, err := f.channel.Compact(1, 1)
	require.NoError(t, err)
	shipAll(t, f.channel)
	_, err = f.channel.Stats()
	require.NoError(t, err)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.AppendedPacketsTotal.WithLabelValues("backup-1")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ShippedPacketsTotal.WithLabelValues("backup-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CompactedPacketsTotal.WithLabelValues("backup-1")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.AppliedPacketsTotal.WithLabelValues("backup-1")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.MemoryWeight.WithLabelValues("backup-1")))
}

func TestReceiver_Apply(t *testing.T) {
	ctx := context.Background()

	t.Run("restores compressed gaps", func(t *testing.T) {
		target := &recordingTarget{}
		r, err := NewReceiver("backup-1", target, nil, nil)
		require.NoError(t, err)

		batch := []model.Packet{
			model.NewPacket(10, 1, []byte("a")),
			model.NewDiscardedRange(11, 11),
			model.NewDiscardedRange(12, 14),
			model.NewPacket(15, 1, []byte("b")),
			model.NewDiscardedRange(16, 16),
		}
		last, err := r.Apply(ctx, encode(t, batch, true))
		require.NoError(t, err)
		assert.Equal(t, uint64(16), last)

		want := []model.Packet{
			model.NewPacket(10, 1, []byte("a")),
			model.NewDiscardedRange(11, 14),
			model.NewPacket(15, 1, []byte("b")),
			model.NewDiscardedRange(16, 16),
		}
		applied := target.applied()
		require.Len(t, applied, len(want))
		for i := range want {
			assert.True(t, want[i].Equal(applied[i]), "packet %d: got %+v", i, applied[i])
		}
	})

	t.Run("rejects gaps", func(t *testing.T) {
		m := metrics.NewMetrics("node-1", prometheus.NewRegistry())
		r, err := NewReceiver("backup-1", &recordingTarget{}, m, nil)
		require.NoError(t, err)

		_, err = r.Apply(ctx, encode(t, storetest.Packets(1, 3, 1), false))
		require.NoError(t, err)

		last, err := r.Apply(ctx, encode(t, storetest.Packets(5, 6, 1), false))
		assert.Equal(t, errors.ErrCodeSequenceGap, errors.GetCode(err))
		assert.Equal(t, uint64(3), last)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.RejectedFramesTotal.WithLabelValues("backup-1")))
	})

	t.Run("rejects partial replays", func(t *testing.T) {
		r, err := NewReceiver("backup-1", &recordingTarget{}, nil, nil)
		require.NoError(t, err)

		_, err = r.Apply(ctx, encode(t, storetest.Packets(1, 3, 1), false))
		require.NoError(t, err)
		_, err = r.Apply(ctx, encode(t, storetest.Packets(3, 4, 1), false))
		assert.Equal(t, errors.ErrCodeOutOfOrder, errors.GetCode(err))
	})

	t.Run("rejects corrupt frames", func(t *testing.T) {
		target := &recordingTarget{}
		r, err := NewReceiver("backup-1", target, nil, nil)
		require.NoError(t, err)

		frame := encode(t, storetest.Packets(1, 2, 1), false)
		frame[3] ^= 0xFF
		_, err = r.Apply(ctx, frame)
		assert.True(t, errors.IsCorrupted(err))
		_, ok := r.LastAppliedKey()
		assert.False(t, ok)
		assert.Empty(t, target.applied())
	})

	t.Run("does not advance when the target fails", func(t *testing.T) {
		target := &recordingTarget{err: fmt.Errorf("disk on fire")}
		r, err := NewReceiver("backup-1", target, nil, nil)
		require.NoError(t, err)

		_, err = r.Apply(ctx, encode(t, storetest.Packets(1, 2, 1), false))
		assert.Error(t, err)
		_, ok := r.LastAppliedKey()
		assert.False(t, ok)
	})
}
