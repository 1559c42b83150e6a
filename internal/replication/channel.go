// Package replication ships the redo log of a primary to its backups.
//
// A Channel owns the weighted redo log of one backup target and is the only
// place that touches it, so every cache call happens under the channel lock.
// A Receiver applies the frames a Channel ships on the backup side.
package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/devrev/pairdb/backlog/internal/codec"
	"github.com/devrev/pairdb/backlog/internal/errors"
	"github.com/devrev/pairdb/backlog/internal/metrics"
	"github.com/devrev/pairdb/backlog/internal/model"
	"github.com/devrev/pairdb/backlog/internal/redolog"
	"github.com/devrev/pairdb/backlog/internal/storage"
	"github.com/devrev/pairdb/backlog/internal/validation"
	"go.uber.org/zap"
)

// Sender delivers an encoded frame to the backup of a channel and returns
// the last key the backup has applied
type Sender interface {
	Send(ctx context.Context, channel string, frame []byte) (uint64, error)
}

// RetryConfig bounds the retries of packets denied by a full backing store
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// ChannelConfig configures a Channel
type ChannelConfig struct {
	Name string
	// BatchWeight is the weight bound of a shipped batch
	BatchWeight uint64
	Retry       RetryConfig
}

// ChannelStatus is a point in time view of a channel
type ChannelStatus struct {
	metrics.ChannelStats
	Name         string
	Size         uint64
	Weight       uint64
	CacheWeight  uint64
	LastAckedKey uint64
	PendingFrame bool
}

type pendingFrame struct {
	frame        []byte
	packets      int
	lastKey      uint64
	removedRatio float64
}

// Channel is the primary side of one replication target
type Channel struct {
	name        string
	batchWeight uint64
	retry       RetryConfig
	cache       *redolog.WeightedCache
	sender      Sender
	envelopes   *codec.EnvelopePool
	validator   *validation.Validator
	metrics     *metrics.Metrics
	logger      *zap.Logger

	mu                sync.Mutex
	lastKey           uint64
	hasLast           bool
	lastCompactionEnd uint64
	lastAckedKey      uint64
	pending           *pendingFrame
	closed            bool
}

// NewChannel creates a channel over cache. The channel owns the cache from
// now on. m may be nil.
func NewChannel(cfg ChannelConfig, cache *redolog.WeightedCache, sender Sender, m *metrics.Metrics, logger *zap.Logger) (*Channel, error) {
	if err := validation.ValidateChannelName(cfg.Name); err != nil {
		return nil, err
	}
	if cache == nil {
		return nil, errors.InvalidArgument("redo log cache is required", nil)
	}
	if sender == nil {
		return nil, errors.InvalidArgument("sender is required", nil)
	}
	if cfg.BatchWeight == 0 {
		cfg.BatchWeight = cache.Capacity()
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry.InitialInterval = 50 * time.Millisecond
	}
	if cfg.Retry.MaxInterval <= 0 {
		cfg.Retry.MaxInterval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Channel{
		name:        cfg.Name,
		batchWeight: cfg.BatchWeight,
		retry:       cfg.Retry,
		cache:       cache,
		sender:      sender,
		envelopes:   codec.NewEnvelopePool(),
		validator:   validation.NewValidator(),
		metrics:     m,
		logger:      logger.With(zap.String("channel", cfg.Name)),
	}, nil
}

// Name returns the channel name
func (c *Channel) Name() string {
	return c.name
}

func (c *Channel) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retry.InitialInterval
	eb.MaxInterval = c.retry.MaxInterval
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.retry.MaxRetries)), ctx)
}

// Append adds packets to the redo log. Keys must continue the log without a
// gap, as the backup only applies contiguous batches. When the backing store
// is full the channel ships a batch to make room and retries the denied
// packets. If room never appears the returned *errors.StorageFullError lists
// the packets that are not held; the caller owns them again. Any other error
// leaves every packet held by the redo log.
func (c *Channel) Append(ctx context.Context, packets ...model.Packet) error {
	if len(packets) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.Closed("channel " + c.name)
	}
	if err := c.validator.ValidateSequence(packets); err != nil {
		return err
	}
	next := packets[0].Key
	if c.hasLast {
		next = c.lastKey + 1
	}
	if err := validation.ValidateContiguous(next, packets); err != nil {
		return err
	}

	pending := packets
	var lastFull *errors.StorageFullError
	err := backoff.Retry(func() error {
		err := c.cache.AppendBatch(pending)
		if err == nil {
			lastFull = nil
			return nil
		}
		full, ok := errors.AsStorageFull(err)
		if !ok {
			// pending was pushed to the buffer before the flush failed
			lastFull = nil
			return backoff.Permanent(err)
		}

		lastFull = full
		pending = full.Denied
		c.logger.Debug("Packets denied by backing store, shipping to make room",
			zap.Int("denied", len(full.Denied)),
			zap.Uint64("first_denied_key", full.Denied[0].Key))
		if _, shipErr := c.shipLocked(ctx); shipErr != nil {
			c.logger.Warn("Failed to ship batch while making room", zap.Error(shipErr))
		}
		return full
	}, c.newBackOff(ctx))

	if lastFull != nil {
		denied := len(lastFull.Denied)
		appended := len(packets) - denied
		if appended < 0 {
			appended = 0
		}
		c.recordAppend(appended, denied)

		// Everything still held lies before the first denied key
		first := lastFull.Denied[0].Key
		c.lastKey, c.hasLast = first-1, first > 0
		c.logger.Warn("Backing store stayed full, handing packets back",
			zap.Int("denied", denied),
			zap.Uint64("first_denied_key", first))
		return lastFull
	}
	c.recordAppend(len(packets), 0)
	c.lastKey, c.hasLast = packets[len(packets)-1].EndKey, true
	if err != nil {
		c.logger.Error("Failed to flush redo log, packets stay buffered",
			zap.Uint64("last_key", c.lastKey),
			zap.Error(err))
		return fmt.Errorf("failed to append to channel %s: %w", c.name, err)
	}
	return nil
}

func (c *Channel) recordAppend(appended, denied int) {
	if c.metrics != nil {
		c.metrics.RecordAppend(c.name, appended, denied)
	}
}

// Ship sends the next batch to the backup and returns the number of packets
// acknowledged. A frame that was not acknowledged is sent again before any
// new batch is taken from the redo log.
func (c *Channel) Ship(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, errors.Closed("channel " + c.name)
	}
	return c.shipLocked(ctx)
}

func (c *Channel) shipLocked(ctx context.Context) (int, error) {
	if c.pending == nil {
		frame, err := c.nextFrame()
		if err != nil || frame == nil {
			return 0, err
		}
		c.pending = frame
	}

	start := time.Now()
	applied, err := c.sender.Send(ctx, c.name, c.pending.frame)
	if err == nil && applied < c.pending.lastKey {
		err = errors.InternalError(
			fmt.Sprintf("backup acknowledged key %d before the end of the batch at %d", applied, c.pending.lastKey), nil)
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordShipFailure(c.name)
		}
		return 0, fmt.Errorf("failed to ship batch of channel %s: %w", c.name, err)
	}

	shipped := c.pending
	c.pending = nil
	c.lastAckedKey = applied
	if c.metrics != nil {
		c.metrics.RecordShip(c.name, shipped.packets, len(shipped.frame), shipped.removedRatio, time.Since(start).Seconds())
	}
	c.logger.Debug("Shipped batch",
		zap.Int("packets", shipped.packets),
		zap.Int("frame_bytes", len(shipped.frame)),
		zap.Uint64("acked_key", applied))
	return shipped.packets, nil
}

// nextFrame removes the next batch from the redo log and encodes it. It
// returns nil when the log is empty.
func (c *Channel) nextFrame() (*pendingFrame, error) {
	if c.cache.IsEmpty() {
		return nil, nil
	}
	batch, err := c.cache.RemoveFirstBatch(c.batchWeight, c.lastCompactionEnd)
	if err != nil {
		return nil, err
	}
	if batch.Len() == 0 {
		return nil, nil
	}

	env := c.envelopes.Get()
	defer c.envelopes.Put(env)

	env.SetBatch(batch.Packets)
	codec.Compress(env, batch.ContainsDiscarded)
	frame, err := env.MarshalBinary()
	if err != nil {
		c.logger.Error("Dropping batch that cannot be encoded",
			zap.Int("packets", batch.Len()),
			zap.Uint64("first_key", batch.Packets[0].Key),
			zap.Error(err))
		return nil, err
	}

	return &pendingFrame{
		frame:        frame,
		packets:      batch.Len(),
		lastKey:      batch.Packets[batch.Len()-1].EndKey,
		removedRatio: float64(batch.Len()-env.Len()) / float64(batch.Len()),
	}, nil
}

// Compact discards the ordinary packets of [fromKey, toKey]
func (c *Channel) Compact(fromKey, toKey uint64) (model.CompactionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return model.CompactionResult{}, errors.Closed("channel " + c.name)
	}
	result, err := c.cache.PerformCompaction(fromKey, toKey)
	if c.metrics != nil && result.DiscardedCount > 0 {
		c.metrics.RecordCompaction(c.name, result.DiscardedCount)
	}
	if err != nil {
		return result, err
	}
	if toKey > c.lastCompactionEnd {
		c.lastCompactionEnd = toKey
	}
	return result, nil
}

// Trim deletes the n oldest packets without shipping them
func (c *Channel) Trim(n uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.Closed("channel " + c.name)
	}
	return c.cache.DeleteOldestPackets(n)
}

// Backlog returns the packets not yet shipped, from logical position
// fromIndex
func (c *Channel) Backlog(fromIndex uint64) ([]model.Packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.Closed("channel " + c.name)
	}
	it, err := c.cache.ReadOnlyIterator(fromIndex)
	if err != nil {
		return nil, err
	}
	return storage.Collect(it)
}

// Stats reads the redo log counters and publishes them
func (c *Channel) Stats() (ChannelStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ChannelStatus{}, errors.Closed("channel " + c.name)
	}
	status := ChannelStatus{
		ChannelStats: metrics.ChannelStats{
			MemoryWeight:     c.cache.MemoryPacketsWeight(),
			ExternalWeight:   c.cache.ExternalStoragePacketsWeight(),
			DiscardedPackets: c.cache.DiscardedPacketsCount(),
			MemoryPackets:    c.cache.MemoryPacketsCount(),
			ExternalPackets:  c.cache.ExternalPacketsCount(),
			SpaceUsed:        c.cache.SpaceUsed(),
		},
		Name:         c.name,
		Size:         c.cache.Size(),
		Weight:       c.cache.Weight(),
		CacheWeight:  c.cache.CacheWeight(),
		LastAckedKey: c.lastAckedKey,
		PendingFrame: c.pending != nil,
	}
	if c.metrics != nil {
		c.metrics.UpdateChannelStats(c.name, status.ChannelStats)
	}
	return status, nil
}

// ValidateIntegrity checks the redo log's backing store
func (c *Channel) ValidateIntegrity() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.Closed("channel " + c.name)
	}
	return c.cache.ValidateIntegrity()
}

// Close releases the redo log. Packets not yet acknowledged are lost.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.pending != nil {
		c.logger.Warn("Closing channel with an unacknowledged batch", zap.Int("packets", c.pending.packets))
		c.pending = nil
	}
	if c.metrics != nil {
		c.metrics.RemoveChannel(c.name)
	}
	if err := c.cache.Close(); err != nil {
		return fmt.Errorf("failed to close channel %s: %w", c.name, err)
	}
	c.logger.Info("Channel closed")
	return nil
}
