// Package redolog implements the weighted write-back cache that fronts a
// replication channel's backing store.
//
// The newest packets stay in memory until their summed weight exceeds the
// configured capacity; the oldest are then flushed to the backing store.
// The cache is not safe for concurrent use. The owning channel serializes
// every call.
package redolog

import (
	"fmt"

	"github.com/devrev/pairdb/backlog/internal/errors"
	"github.com/devrev/pairdb/backlog/internal/model"
	"github.com/devrev/pairdb/backlog/internal/storage"
	"go.uber.org/zap"
)

// WeightPolicy blends the accounted weight and the number of discarded
// packets into the effective weight reported by CacheWeight
type WeightPolicy func(weight, discarded uint64) uint64

// LinearWeightPolicy charges every discarded packet a fixed weight
func LinearWeightPolicy(perDiscarded uint64) WeightPolicy {
	return func(weight, discarded uint64) uint64 {
		return weight + discarded*perDiscarded
	}
}

// MirrorNotifier is told about every change of the discarded packet count.
// It is only wired when a secondary mirror target replicates the same log.
type MirrorNotifier interface {
	IncreaseMirrorDiscardedCount(n uint64)
	DecreaseMirrorDiscardedCount(n uint64)
}

// Options configures a WeightedCache
type Options struct {
	// Capacity is the weight budget of the in-memory buffer
	Capacity uint64
	// Store receives flushed packets and is owned by the cache from now on
	Store storage.BackingStore
	// Compactor discards packets of the in-memory buffer
	Compactor storage.Compactor
	// Mirror is optional
	Mirror MirrorNotifier
	// WeightPolicy defaults to LinearWeightPolicy(1)
	WeightPolicy WeightPolicy
	Logger       *zap.Logger
}

// WeightedCache is the weighted redo log cache of one replication channel
type WeightedCache struct {
	capacity  uint64
	store     storage.BackingStore
	compactor storage.Compactor
	mirror    MirrorNotifier
	policy    WeightPolicy
	logger    *zap.Logger
	buffer    bufferState
	closed    bool
}

// New creates a cache over opts.Store
func New(opts Options) (*WeightedCache, error) {
	if opts.Store == nil {
		return nil, errors.InvalidArgument("backing store is required", nil)
	}
	if opts.Capacity == 0 {
		return nil, errors.InvalidArgument("capacity must be positive", nil)
	}
	if opts.WeightPolicy == nil {
		opts.WeightPolicy = LinearWeightPolicy(1)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &WeightedCache{
		capacity:  opts.Capacity,
		store:     opts.Store,
		compactor: opts.Compactor,
		mirror:    opts.Mirror,
		policy:    opts.WeightPolicy,
		logger:    opts.Logger,
	}, nil
}

func (c *WeightedCache) checkOpen() {
	if c.closed {
		panic("redolog: use of closed cache")
	}
}

// notifyMirror reports the change of the discarded count since before
func (c *WeightedCache) notifyMirror(before uint64) {
	if c.mirror == nil {
		return
	}
	after := c.DiscardedPacketsCount()
	switch {
	case after > before:
		c.mirror.IncreaseMirrorDiscardedCount(after - before)
	case after < before:
		c.mirror.DecreaseMirrorDiscardedCount(before - after)
	}
}

// Append pushes p to the tail and flushes the head while over capacity.
// A *errors.StorageFullError lists the newest packets the cache handed back
// because the backing store is saturated; they are no longer held.
func (c *WeightedCache) Append(p model.Packet) error {
	return c.AppendBatch([]model.Packet{p})
}

// AppendBatch pushes packets to the tail in order, then flushes
func (c *WeightedCache) AppendBatch(packets []model.Packet) error {
	c.checkOpen()
	before := c.DiscardedPacketsCount()
	defer c.notifyMirror(before)

	for _, p := range packets {
		c.buffer.push(p)
	}
	return c.flush()
}

func (c *WeightedCache) flush() error {
	flushed := 0
	for c.buffer.weight > c.capacity && c.buffer.len() > 1 {
		p := c.buffer.pop()
		err := c.store.Append(p)
		if err == nil {
			flushed++
			continue
		}

		full, ok := errors.AsStorageFull(err)
		if !ok {
			c.buffer.pushFront(p)
			return fmt.Errorf("failed to flush packet %d: %w", p.Key, err)
		}

		refused := full.Denied
		if len(refused) == 0 {
			refused = []model.Packet{p}
		}
		denied := reshuffleDenied(&c.buffer, refused)
		c.logger.Warn("Backing store full, handing back newest packets",
			zap.Int("flushed", flushed),
			zap.Int("denied", len(denied)),
			zap.Uint64("first_denied_key", denied[0].Key),
			zap.Uint64("buffer_weight", c.buffer.weight),
			zap.Uint64("store_weight", c.store.Weight()))
		return errors.StorageFull(denied, full.Cause)
	}

	if flushed > 0 {
		c.logger.Debug("Flushed packets to backing store",
			zap.Int("flushed", flushed),
			zap.Uint64("buffer_weight", c.buffer.weight),
			zap.Int("buffer_packets", c.buffer.len()))
	}
	return nil
}

// RemoveFirstBatch drains the backing store first and tops the batch up from
// the buffer head while it stays within capacity
func (c *WeightedCache) RemoveFirstBatch(capacity, lastCompactionRangeEndKey uint64) (model.WeightedBatch, error) {
	c.checkOpen()
	before := c.DiscardedPacketsCount()
	defer c.notifyMirror(before)

	batch, err := c.store.RemoveFirstBatch(capacity, lastCompactionRangeEndKey)
	if err != nil {
		return batch, fmt.Errorf("failed to remove batch from backing store: %w", err)
	}
	if batch.LimitReached || c.buffer.len() == 0 {
		return batch, nil
	}

	b := storage.ResumeBatchBuilder(batch, capacity, lastCompactionRangeEndKey)
	for c.buffer.len() > 0 && b.Fits(c.buffer.at(0)) {
		b.Add(c.buffer.pop())
	}
	return b.Batch(), nil
}

// PerformCompaction discards packets of [fromKey, toKey] in the backing
// store and in the buffer
func (c *WeightedCache) PerformCompaction(fromKey, toKey uint64) (model.CompactionResult, error) {
	c.checkOpen()
	before := c.DiscardedPacketsCount()
	defer c.notifyMirror(before)

	result, err := c.store.PerformCompaction(fromKey, toKey)
	if err != nil {
		return result, fmt.Errorf("failed to compact backing store: %w", err)
	}
	if c.compactor == nil || c.buffer.len() == 0 {
		return result, nil
	}

	it := &bufferIterator{buffer: &c.buffer, pos: c.buffer.firstOverlapping(fromKey) - 1}
	buffered, err := c.compactor.Compact(it, fromKey, toKey)
	c.buffer.applyCompaction(buffered, it.releasedBytes)
	result.Add(buffered)
	if err != nil {
		return result, fmt.Errorf("failed to compact buffer: %w", err)
	}

	c.logger.Debug("Compacted redo log range",
		zap.Uint64("from_key", fromKey),
		zap.Uint64("to_key", toKey),
		zap.Uint64("discarded", result.DiscardedCount),
		zap.Uint64("released_weight", result.ReleasedWeight))
	return result, nil
}

// DeleteOldestPackets deletes n packets, from the backing store first and
// then from the buffer head
func (c *WeightedCache) DeleteOldestPackets(n uint64) error {
	c.checkOpen()
	before := c.DiscardedPacketsCount()
	defer c.notifyMirror(before)

	fromStore := n
	if size := c.store.Size(); fromStore > size {
		fromStore = size
	}
	if fromStore > 0 {
		if err := c.store.DeleteOldestPackets(fromStore); err != nil {
			return fmt.Errorf("failed to delete from backing store: %w", err)
		}
	}
	for rest := n - fromStore; rest > 0 && c.buffer.len() > 0; rest-- {
		c.buffer.pop()
	}
	return nil
}

// ReadOnlyIterator walks the log from logical position fromIndex, through
// the backing store and then the buffer. It is invalidated by any mutation.
func (c *WeightedCache) ReadOnlyIterator(fromIndex uint64) (storage.Iterator, error) {
	c.checkOpen()
	storeSize := c.store.Size()
	if fromIndex >= storeSize {
		return newBufferPhaseIterator(&c.buffer, int(fromIndex-storeSize)), nil
	}
	external, err := c.store.ReadOnlyIterator(fromIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to open backing store iterator: %w", err)
	}
	return newExternalPhaseIterator(external, &c.buffer), nil
}

// Capacity returns the weight budget of the buffer
func (c *WeightedCache) Capacity() uint64 {
	return c.capacity
}

// Weight is the accounted weight of every packet held
func (c *WeightedCache) Weight() uint64 {
	c.checkOpen()
	return c.buffer.weight + c.store.Weight()
}

// CacheWeight is Weight blended with the discarded count by the policy
func (c *WeightedCache) CacheWeight() uint64 {
	c.checkOpen()
	return c.policy(c.Weight(), c.DiscardedPacketsCount())
}

func (c *WeightedCache) MemoryPacketsWeight() uint64 {
	c.checkOpen()
	return c.buffer.weight + c.store.MemoryPacketsWeight()
}

func (c *WeightedCache) ExternalStoragePacketsWeight() uint64 {
	c.checkOpen()
	return c.store.ExternalStoragePacketsWeight()
}

func (c *WeightedCache) DiscardedPacketsCount() uint64 {
	c.checkOpen()
	return c.buffer.discarded + c.store.DiscardedPacketsCount()
}

func (c *WeightedCache) Size() uint64 {
	c.checkOpen()
	return uint64(c.buffer.len()) + c.store.Size()
}

func (c *WeightedCache) IsEmpty() bool {
	c.checkOpen()
	return c.buffer.len() == 0 && c.store.IsEmpty()
}

// SpaceUsed adds the buffered payload bytes to the store's usage
func (c *WeightedCache) SpaceUsed() uint64 {
	c.checkOpen()
	return c.buffer.bytes + c.store.SpaceUsed()
}

func (c *WeightedCache) MemoryPacketsCount() uint64 {
	c.checkOpen()
	return uint64(c.buffer.len()) + c.store.MemoryPacketsCount()
}

func (c *WeightedCache) ExternalPacketsCount() uint64 {
	c.checkOpen()
	return c.store.ExternalPacketsCount()
}

// BufferedPacketsCount returns the number of packets held in memory by the
// cache itself
func (c *WeightedCache) BufferedPacketsCount() int {
	c.checkOpen()
	return c.buffer.len()
}

// ValidateIntegrity checks the backing store; the buffer is trusted
func (c *WeightedCache) ValidateIntegrity() error {
	c.checkOpen()
	return c.store.ValidateIntegrity()
}

// Close clears the buffer and closes the backing store. Any later call
// panics.
func (c *WeightedCache) Close() error {
	c.checkOpen()
	dropped := c.buffer.len()
	c.buffer.reset()
	c.closed = true
	if err := c.store.Close(); err != nil {
		return fmt.Errorf("failed to close backing store: %w", err)
	}
	c.logger.Debug("Redo log cache closed", zap.Int("dropped_buffered", dropped))
	return nil
}
