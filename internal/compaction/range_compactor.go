package compaction

import (
	"github.com/devrev/pairdb/backlog/internal/model"
	"github.com/devrev/pairdb/backlog/internal/storage"
	"go.uber.org/zap"
)

// TransactionFilter reports whether a packet belongs to a transaction. The
// decision depends on the payload format of the surrounding product.
type TransactionFilter func(p model.Packet) bool

// RangeCompactor discards every ordinary packet that lies entirely inside
// the compaction range. Discarded packets keep their key range so the log
// sequence stays contiguous.
type RangeCompactor struct {
	filter TransactionFilter
	logger *zap.Logger
}

// NewRangeCompactor creates a compactor. filter may be nil.
func NewRangeCompactor(filter TransactionFilter, logger *zap.Logger) *RangeCompactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RangeCompactor{
		filter: filter,
		logger: logger,
	}
}

// Compact walks it and discards matching packets in place
func (c *RangeCompactor) Compact(it storage.MutableIterator, fromKey, toKey uint64) (model.CompactionResult, error) {
	var result model.CompactionResult
	if fromKey > toKey {
		return result, nil
	}

	for it.Next() {
		p := it.Packet()
		if p.Key > toKey {
			break
		}
		if p.Discarded || !p.Within(fromKey, toKey) {
			continue
		}

		if c.filter != nil && c.filter(p) {
			result.DeletedFromTransactionCount++
		}
		result.DiscardedCount++
		result.ReleasedWeight += p.Weight
		it.Set(p.Discard())
	}
	if err := it.Err(); err != nil {
		return result, err
	}

	if result.DiscardedCount > 0 {
		c.logger.Debug("Compacted packet range",
			zap.Uint64("from_key", fromKey),
			zap.Uint64("to_key", toKey),
			zap.Uint64("discarded", result.DiscardedCount),
			zap.Uint64("released_weight", result.ReleasedWeight))
	}

	return result, nil
}
