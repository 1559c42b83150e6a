// Package memstore is an in-memory BackingStore with an optional weight
// budget.
package memstore

import (
	"fmt"

	"github.com/devrev/pairdb/backlog/internal/errors"
	"github.com/devrev/pairdb/backlog/internal/model"
	"github.com/devrev/pairdb/backlog/internal/storage"
	"go.uber.org/zap"
)

// Config holds in-memory store configuration
type Config struct {
	// MaxWeight bounds the accounted weight; zero means unbounded
	MaxWeight uint64
	// MaxPackets bounds the packet count; zero means unbounded
	MaxPackets uint64
}

// Store keeps evicted packets on the heap
type Store struct {
	config    Config
	compactor storage.Compactor
	logger    *zap.Logger
	packets   []model.Packet
	weight    uint64
	discarded uint64
	closed    bool
}

var _ storage.BackingStore = (*Store)(nil)

// New creates an in-memory store
func New(cfg Config, compactor storage.Compactor, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		config:    cfg,
		compactor: compactor,
		logger:    logger,
	}
}

func (s *Store) fits(p model.Packet) bool {
	if s.config.MaxPackets > 0 && uint64(len(s.packets)) >= s.config.MaxPackets {
		return false
	}
	if s.config.MaxWeight > 0 && s.weight+p.AccountedWeight() > s.config.MaxWeight {
		return false
	}
	return true
}

func (s *Store) push(p model.Packet) {
	s.packets = append(s.packets, p)
	s.weight += p.AccountedWeight()
	if p.Discarded {
		s.discarded++
	}
}

// Append adds a packet at the tail
func (s *Store) Append(p model.Packet) error {
	return s.AppendBatch([]model.Packet{p})
}

// AppendBatch stores the prefix of packets that fits and denies the rest
func (s *Store) AppendBatch(packets []model.Packet) error {
	if s.closed {
		return errors.Closed("memory store")
	}
	for i, p := range packets {
		if !s.fits(p) {
			denied := make([]model.Packet, len(packets)-i)
			copy(denied, packets[i:])
			s.logger.Debug("Memory store full",
				zap.Uint64("weight", s.weight),
				zap.Uint64("max_weight", s.config.MaxWeight),
				zap.Int("denied", len(denied)))
			return errors.StorageFull(denied, nil)
		}
		s.push(p)
	}
	return nil
}

func (s *Store) Size() uint64 {
	return uint64(len(s.packets))
}

func (s *Store) IsEmpty() bool {
	return len(s.packets) == 0
}

func (s *Store) Weight() uint64 {
	return s.weight
}

func (s *Store) MemoryPacketsWeight() uint64 {
	return s.weight
}

func (s *Store) ExternalStoragePacketsWeight() uint64 {
	return 0
}

func (s *Store) DiscardedPacketsCount() uint64 {
	return s.discarded
}

// SpaceUsed approximates heap usage by the payload bytes held
func (s *Store) SpaceUsed() uint64 {
	var used uint64
	for _, p := range s.packets {
		used += uint64(len(p.Payload))
	}
	return used
}

func (s *Store) MemoryPacketsCount() uint64 {
	return uint64(len(s.packets))
}

func (s *Store) ExternalPacketsCount() uint64 {
	return 0
}

// ReadOnlyIterator iterates over a snapshot of the stored packets
func (s *Store) ReadOnlyIterator(fromIndex uint64) (storage.Iterator, error) {
	if s.closed {
		return nil, errors.Closed("memory store")
	}
	snapshot := make([]model.Packet, len(s.packets))
	copy(snapshot, s.packets)
	if fromIndex > uint64(len(snapshot)) {
		fromIndex = uint64(len(snapshot))
	}
	return storage.NewSliceIterator(snapshot, int(fromIndex)), nil
}

// RemoveFirstBatch removes packets from the head under the batch bound
func (s *Store) RemoveFirstBatch(capacity, lastCompactionRangeEndKey uint64) (model.WeightedBatch, error) {
	if s.closed {
		return model.WeightedBatch{}, errors.Closed("memory store")
	}
	b := storage.NewBatchBuilder(capacity, lastCompactionRangeEndKey)
	n := 0
	for _, p := range s.packets {
		if !b.Fits(p) {
			break
		}
		b.Add(p)
		n++
	}
	s.dropHead(n)
	return b.Batch(), nil
}

// DeleteOldestPackets drops up to n packets from the head
func (s *Store) DeleteOldestPackets(n uint64) error {
	if s.closed {
		return errors.Closed("memory store")
	}
	if n > uint64(len(s.packets)) {
		n = uint64(len(s.packets))
	}
	s.dropHead(int(n))
	return nil
}

func (s *Store) dropHead(n int) {
	for _, p := range s.packets[:n] {
		s.weight -= p.AccountedWeight()
		if p.Discarded {
			s.discarded--
		}
	}
	clear(s.packets[:n])
	s.packets = s.packets[n:]
}

// PerformCompaction discards packets of [fromKey, toKey] in place
func (s *Store) PerformCompaction(fromKey, toKey uint64) (model.CompactionResult, error) {
	if s.closed {
		return model.CompactionResult{}, errors.Closed("memory store")
	}
	if s.compactor == nil || len(s.packets) == 0 {
		return model.CompactionResult{}, nil
	}
	start := s.firstOverlapping(fromKey)
	result, err := s.compactor.Compact(storage.NewSliceIterator(s.packets, start), fromKey, toKey)
	if err != nil {
		return result, fmt.Errorf("failed to compact memory store: %w", err)
	}
	s.weight -= result.ReleasedWeight
	s.discarded += result.DiscardedCount
	return result, nil
}

// firstOverlapping returns the index of the first packet ending at or after key
func (s *Store) firstOverlapping(key uint64) int {
	lo, hi := 0, len(s.packets)
	for lo < hi {
		mid := (lo + hi) / 2
		if s.packets[mid].EndKey < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// ValidateIntegrity recomputes the counters from the stored packets
func (s *Store) ValidateIntegrity() error {
	var weight, discarded uint64
	var prev *model.Packet
	for i := range s.packets {
		p := s.packets[i]
		if prev != nil && p.Key <= prev.EndKey {
			return errors.CorruptedData(fmt.Sprintf("packet %d overlaps packet %d", p.Key, prev.Key), nil)
		}
		weight += p.AccountedWeight()
		if p.Discarded {
			discarded++
		}
		prev = &s.packets[i]
	}
	if weight != s.weight || discarded != s.discarded {
		return errors.CorruptedData(
			fmt.Sprintf("counter mismatch: weight %d/%d, discarded %d/%d", s.weight, weight, s.discarded, discarded), nil)
	}
	return nil
}

// Close drops every stored packet
func (s *Store) Close() error {
	s.packets = nil
	s.weight = 0
	s.discarded = 0
	s.closed = true
	return nil
}
