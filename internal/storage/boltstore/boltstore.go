// Package boltstore persists evicted packets in a bbolt database keyed by
// the big-endian packet key, so cursor order is log order.
package boltstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/devrev/pairdb/backlog/internal/errors"
	"github.com/devrev/pairdb/backlog/internal/model"
	"github.com/devrev/pairdb/backlog/internal/storage"
	"github.com/devrev/pairdb/backlog/internal/util"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var packetsBucket = []byte("packets")

const (
	valueHeaderSize = 17
	flagDiscarded   = 1 << 0
	iteratorPage    = 256
)

// Config holds bbolt store configuration
type Config struct {
	// Dir holds the database file; a unique file name is generated
	Dir string
	// MaxWeight bounds the accounted weight; zero means unbounded
	MaxWeight uint64
	// SyncWrites fsyncs every committed transaction
	SyncWrites bool
	// KeepFile leaves the database file in place on Close
	KeepFile bool
}

// Store is a BackingStore over a bbolt bucket. Counters are kept in memory
// and re-derived by ValidateIntegrity.
type Store struct {
	config    Config
	path      string
	db        *bolt.DB
	compactor storage.Compactor
	logger    *zap.Logger

	size      uint64
	weight    uint64
	discarded uint64
	closed    bool
}

var _ storage.BackingStore = (*Store)(nil)

// New opens a fresh database under cfg.Dir
func New(cfg Config, compactor storage.Compactor, logger *zap.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.InvalidArgument("bolt directory is required", nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, errors.StorageIO("failed to create bolt directory", err)
	}

	path := filepath.Join(cfg.Dir, "backlog-"+uuid.NewString()+".db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: time.Second,
		NoSync:  !cfg.SyncWrites,
	})
	if err != nil {
		return nil, errors.StorageIO(fmt.Sprintf("failed to open %q", path), err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(packetsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.StorageIO("failed to create packets bucket", err)
	}

	s := &Store{
		config:    cfg,
		path:      path,
		db:        db,
		compactor: compactor,
		logger:    logger.With(zap.String("bolt_path", path)),
	}
	s.logger.Info("Bolt store opened")
	return s, nil
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

func encodeKey(key uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, key)
	return buf
}

// encodeValue lays out [end_key u64][weight u64][flags u8][payload][crc u32]
func encodeValue(p model.Packet) []byte {
	payload := p.Payload
	if p.Discarded {
		payload = nil
	}
	buf := make([]byte, valueHeaderSize+len(payload))
	binary.LittleEndian.PutUint64(buf[0:8], p.EndKey)
	binary.LittleEndian.PutUint64(buf[8:16], p.AccountedWeight())
	if p.Discarded {
		buf[16] = flagDiscarded
	}
	copy(buf[valueHeaderSize:], payload)
	return util.AppendChecksum(buf)
}

func decodePacket(k, v []byte) (model.Packet, error) {
	if len(k) != 8 {
		return model.Packet{}, errors.CorruptedData(fmt.Sprintf("bolt key of length %d", len(k)), nil)
	}
	data, ok := util.ValidateAndStripChecksum(v)
	if !ok || len(data) < valueHeaderSize {
		return model.Packet{}, errors.CorruptedData(
			fmt.Sprintf("bolt record %d is corrupt", binary.BigEndian.Uint64(k)), nil)
	}

	p := model.Packet{
		Key:       binary.BigEndian.Uint64(k),
		EndKey:    binary.LittleEndian.Uint64(data[0:8]),
		Weight:    binary.LittleEndian.Uint64(data[8:16]),
		Discarded: data[16]&flagDiscarded != 0,
	}
	// Values are only valid for the life of the transaction.
	if len(data) > valueHeaderSize {
		p.Payload = append([]byte(nil), data[valueHeaderSize:]...)
	}
	return p, nil
}

// Append adds a packet at the tail
func (s *Store) Append(p model.Packet) error {
	return s.AppendBatch([]model.Packet{p})
}

// AppendBatch commits the prefix of packets within the weight budget in one
// transaction and denies the rest
func (s *Store) AppendBatch(packets []model.Packet) error {
	if s.closed {
		return errors.Closed("bolt store")
	}

	accepted := len(packets)
	weight := s.weight
	for i, p := range packets {
		if s.config.MaxWeight > 0 && weight+p.AccountedWeight() > s.config.MaxWeight {
			accepted = i
			break
		}
		weight += p.AccountedWeight()
	}

	if accepted > 0 {
		err := s.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(packetsBucket)
			for _, p := range packets[:accepted] {
				if err := b.Put(encodeKey(p.Key), encodeValue(p)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return errors.StorageIO("failed to append packets", err)
		}
		for _, p := range packets[:accepted] {
			s.size++
			s.weight += p.AccountedWeight()
			if p.Discarded {
				s.discarded++
			}
		}
	}

	if accepted < len(packets) {
		denied := make([]model.Packet, len(packets)-accepted)
		copy(denied, packets[accepted:])
		s.logger.Debug("Bolt store full",
			zap.Uint64("weight", s.weight),
			zap.Uint64("max_weight", s.config.MaxWeight),
			zap.Int("denied", len(denied)))
		return errors.StorageFull(denied, fmt.Errorf("weight budget %d exhausted", s.config.MaxWeight))
	}
	return nil
}

func (s *Store) Size() uint64 {
	return s.size
}

func (s *Store) IsEmpty() bool {
	return s.size == 0
}

func (s *Store) Weight() uint64 {
	return s.weight
}

func (s *Store) MemoryPacketsWeight() uint64 {
	return 0
}

func (s *Store) ExternalStoragePacketsWeight() uint64 {
	return s.weight
}

func (s *Store) DiscardedPacketsCount() uint64 {
	return s.discarded
}

// SpaceUsed reports the database file size
func (s *Store) SpaceUsed() uint64 {
	if s.closed {
		return 0
	}
	var size int64
	s.db.View(func(tx *bolt.Tx) error {
		size = tx.Size()
		return nil
	})
	return uint64(size)
}

func (s *Store) MemoryPacketsCount() uint64 {
	return 0
}

func (s *Store) ExternalPacketsCount() uint64 {
	return s.size
}

// ReadOnlyIterator pages through the bucket, one read transaction per page
func (s *Store) ReadOnlyIterator(fromIndex uint64) (storage.Iterator, error) {
	if s.closed {
		return nil, errors.Closed("bolt store")
	}
	it := &iterator{db: s.db, pos: -1}
	if fromIndex >= s.size {
		it.done = true
		return it, nil
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(packetsBucket).Cursor()
		k, _ := c.First()
		for i := uint64(0); i < fromIndex && k != nil; i++ {
			k, _ = c.Next()
		}
		if k == nil {
			it.done = true
			return nil
		}
		it.next = append([]byte(nil), k...)
		return nil
	})
	if err != nil {
		return nil, errors.StorageIO("failed to position bolt iterator", err)
	}
	return it, nil
}

// RemoveFirstBatch removes packets from the head under the batch bound
func (s *Store) RemoveFirstBatch(capacity, lastCompactionRangeEndKey uint64) (model.WeightedBatch, error) {
	if s.closed {
		return model.WeightedBatch{}, errors.Closed("bolt store")
	}
	b := storage.NewBatchBuilder(capacity, lastCompactionRangeEndKey)
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(packetsBucket)
		var keys [][]byte
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			p, err := decodePacket(k, v)
			if err != nil {
				return err
			}
			if !b.Fits(p) {
				break
			}
			b.Add(p)
			keys = append(keys, append([]byte(nil), k...))
		}
		// Deleting behind a live cursor can skip entries.
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.WeightedBatch{}, wrapTxError("failed to remove batch", err)
	}

	batch := b.Batch()
	s.size -= uint64(batch.Len())
	s.weight -= batch.Weight
	s.discarded -= batch.DiscardedCount()
	return batch, nil
}

// DeleteOldestPackets drops up to n packets from the head
func (s *Store) DeleteOldestPackets(n uint64) error {
	if s.closed {
		return errors.Closed("bolt store")
	}
	var removed []model.Packet
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(packetsBucket)
		c := bucket.Cursor()
		var keys [][]byte
		for k, v := c.First(); k != nil && uint64(len(keys)) < n; k, v = c.Next() {
			p, err := decodePacket(k, v)
			if err != nil {
				return err
			}
			removed = append(removed, p)
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrapTxError("failed to delete oldest packets", err)
	}

	for _, p := range removed {
		s.size--
		s.weight -= p.AccountedWeight()
		if p.Discarded {
			s.discarded--
		}
	}
	return nil
}

// PerformCompaction discards packets of [fromKey, toKey] and rewrites them
// as tombstones in one transaction
func (s *Store) PerformCompaction(fromKey, toKey uint64) (model.CompactionResult, error) {
	if s.closed {
		return model.CompactionResult{}, errors.Closed("bolt store")
	}
	var result model.CompactionResult
	if s.compactor == nil || s.size == 0 || fromKey > toKey {
		return result, nil
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(packetsBucket)
		var candidates []model.Packet
		c := bucket.Cursor()
		for k, v := c.Seek(encodeKey(fromKey)); k != nil; k, v = c.Next() {
			p, err := decodePacket(k, v)
			if err != nil {
				return err
			}
			if p.Key > toKey {
				break
			}
			candidates = append(candidates, p)
		}

		compacted := make([]model.Packet, len(candidates))
		copy(compacted, candidates)
		var err error
		result, err = s.compactor.Compact(storage.NewSliceIterator(compacted, 0), fromKey, toKey)
		if err != nil {
			return err
		}

		for i, p := range compacted {
			if p.Discarded == candidates[i].Discarded {
				continue
			}
			if err := bucket.Put(encodeKey(p.Key), encodeValue(p)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.CompactionResult{}, wrapTxError("failed to compact bolt store", err)
	}

	s.weight -= result.ReleasedWeight
	s.discarded += result.DiscardedCount
	return result, nil
}

// ValidateIntegrity scans the bucket and re-derives the counters
func (s *Store) ValidateIntegrity() error {
	if s.closed {
		return errors.Closed("bolt store")
	}
	var size, weight, discarded uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		var prev *model.Packet
		return tx.Bucket(packetsBucket).ForEach(func(k, v []byte) error {
			p, err := decodePacket(k, v)
			if err != nil {
				return err
			}
			if p.EndKey < p.Key {
				return errors.CorruptedData(fmt.Sprintf("packet %d ends before it starts", p.Key), nil)
			}
			if prev != nil && p.Key <= prev.EndKey {
				return errors.CorruptedData(fmt.Sprintf("packet %d overlaps packet %d", p.Key, prev.Key), nil)
			}
			size++
			weight += p.AccountedWeight()
			if p.Discarded {
				discarded++
			}
			prev = &p
			return nil
		})
	})
	if err != nil {
		return wrapTxError("bolt integrity check failed", err)
	}

	if size != s.size || weight != s.weight || discarded != s.discarded {
		return errors.CorruptedData(fmt.Sprintf(
			"counter mismatch: size %d/%d, weight %d/%d, discarded %d/%d",
			s.size, size, s.weight, weight, s.discarded, discarded), nil)
	}
	return nil
}

// Close closes the database and removes its file unless KeepFile is set
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.size, s.weight, s.discarded = 0, 0, 0

	var result *multierror.Error
	if err := s.db.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if !s.config.KeepFile {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return errors.StorageIO("failed to close bolt store", err)
	}
	s.logger.Info("Bolt store closed")
	return nil
}

// wrapTxError keeps structured errors raised inside a transaction
func wrapTxError(message string, err error) error {
	if errors.IsStorageError(err) {
		return err
	}
	return errors.StorageIO(message, err)
}

type iterator struct {
	db      *bolt.DB
	page    []model.Packet
	pos     int
	next    []byte
	done    bool
	current model.Packet
	err     error
}

func (it *iterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.pos+1 >= len(it.page) {
		if it.done || !it.fill() {
			return false
		}
	}
	it.pos++
	it.current = it.page[it.pos]
	return true
}

func (it *iterator) fill() bool {
	it.page = it.page[:0]
	it.pos = -1
	err := it.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(packetsBucket).Cursor()
		k, v := c.Seek(it.next)
		for ; k != nil && len(it.page) < iteratorPage; k, v = c.Next() {
			p, err := decodePacket(k, v)
			if err != nil {
				return err
			}
			it.page = append(it.page, p)
		}
		if k == nil {
			it.done = true
		} else {
			it.next = append(it.next[:0], k...)
		}
		return nil
	})
	if err != nil {
		it.err = wrapTxError("failed to read bolt page", err)
		return false
	}
	return len(it.page) > 0
}

func (it *iterator) Packet() model.Packet {
	return it.current
}

func (it *iterator) Err() error {
	return it.err
}
