// Package filestore spills evicted packets to append-only segment files.
//
// Payloads live on disk framed as [size u32][crc u32][payload]; the packet
// index (keys, weights, record locations) stays in memory. Discarded packets
// have no record. A segment file is deleted as soon as no indexed packet
// references it and it is no longer the active segment.
package filestore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/devrev/pairdb/backlog/internal/errors"
	"github.com/devrev/pairdb/backlog/internal/model"
	"github.com/devrev/pairdb/backlog/internal/storage"
	"github.com/devrev/pairdb/backlog/internal/util"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

const defaultSegmentSize = 16 * 1024 * 1024

// SpaceGuard vetoes writes that would overrun the spill budget
type SpaceGuard interface {
	CheckBeforeWrite(estimatedBytes, usedBytes uint64) error
}

// Config holds spill file configuration
type Config struct {
	// Dir is the parent directory; each store creates its own subdirectory
	Dir string
	// SegmentSize is the size at which the active segment is rotated
	SegmentSize int64
	// MaxWeight bounds the accounted weight; zero means unbounded
	MaxWeight uint64
	// SyncWrites fsyncs the active segment after every append
	SyncWrites bool
	// Guard is consulted before every write; nil disables the check
	Guard SpaceGuard
}

type entry struct {
	key       uint64
	endKey    uint64
	weight    uint64
	discarded bool
	hasRecord bool
	segment   uint64
	offset    int64
}

func (e entry) packet() model.Packet {
	return model.Packet{
		Key:       e.key,
		EndKey:    e.endKey,
		Weight:    e.weight,
		Discarded: e.discarded,
	}
}

type segment struct {
	id   uint64
	path string
	file *os.File
	size int64
	refs int
}

// Store is a BackingStore over segment files
type Store struct {
	config    Config
	dir       string
	compactor storage.Compactor
	logger    *zap.Logger

	entries  []entry
	segments map[uint64]*segment
	active   *segment
	nextID   uint64

	weight    uint64
	discarded uint64
	spaceUsed uint64
	closed    bool
}

var _ storage.BackingStore = (*Store)(nil)

// New creates a store in a fresh subdirectory of cfg.Dir
func New(cfg Config, compactor storage.Compactor, logger *zap.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.InvalidArgument("spill directory is required", nil)
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = defaultSegmentSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dir := filepath.Join(cfg.Dir, "backlog-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.StorageIO("failed to create spill directory", err)
	}

	s := &Store{
		config:    cfg,
		dir:       dir,
		compactor: compactor,
		logger:    logger.With(zap.String("spill_dir", dir)),
		segments:  make(map[uint64]*segment),
	}
	if err := s.rotate(); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	s.logger.Info("Spill store opened", zap.Int64("segment_size", cfg.SegmentSize))
	return s, nil
}

// Dir returns the directory holding this store's segments
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) rotate() error {
	id := s.nextID
	s.nextID++

	path := filepath.Join(s.dir, fmt.Sprintf("%020d.seg", id))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return errors.StorageIO("failed to open spill segment", err)
	}

	previous := s.active
	s.active = &segment{id: id, path: path, file: file}
	s.segments[id] = s.active

	if previous != nil {
		s.logger.Debug("Rotated spill segment",
			zap.Uint64("previous", previous.id),
			zap.Uint64("active", id))
		if previous.refs == 0 {
			return s.removeSegment(previous)
		}
	}
	return nil
}

func (s *Store) removeSegment(seg *segment) error {
	delete(s.segments, seg.id)
	s.spaceUsed -= uint64(seg.size)

	var result *multierror.Error
	if err := seg.file.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := os.Remove(seg.path); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		return errors.StorageIO("failed to remove spill segment", err)
	}

	s.logger.Debug("Removed spill segment", zap.Uint64("segment", seg.id))
	return nil
}

// release drops one reference to the record's segment
func (s *Store) release(e entry) error {
	if !e.hasRecord {
		return nil
	}
	seg := s.segments[e.segment]
	seg.refs--
	if seg.refs == 0 && seg != s.active {
		return s.removeSegment(seg)
	}
	return nil
}

func (s *Store) write(p model.Packet) (entry, error) {
	e := entry{
		key:       p.Key,
		endKey:    p.EndKey,
		weight:    p.AccountedWeight(),
		discarded: p.Discarded,
	}
	if p.Discarded {
		return e, nil
	}

	record := util.EncodeRecord(p.Payload)
	if s.config.Guard != nil {
		if err := s.config.Guard.CheckBeforeWrite(uint64(len(record)), s.spaceUsed); err != nil {
			return e, err
		}
	}
	if s.active.size > 0 && s.active.size+int64(len(record)) > s.config.SegmentSize {
		if err := s.rotate(); err != nil {
			return e, err
		}
	}

	if _, err := s.active.file.Write(record); err != nil {
		return e, errors.StorageIO("failed to write spill record", err)
	}
	if s.config.SyncWrites {
		if err := s.active.file.Sync(); err != nil {
			return e, errors.StorageIO("failed to sync spill segment", err)
		}
	}

	e.hasRecord = true
	e.segment = s.active.id
	e.offset = s.active.size
	s.active.size += int64(len(record))
	s.active.refs++
	s.spaceUsed += uint64(len(record))
	return e, nil
}

// Append adds a packet at the tail
func (s *Store) Append(p model.Packet) error {
	return s.AppendBatch([]model.Packet{p})
}

// AppendBatch writes the prefix of packets that fits and denies the rest
func (s *Store) AppendBatch(packets []model.Packet) error {
	if s.closed {
		return errors.Closed("spill store")
	}
	for i, p := range packets {
		var cause error
		if s.config.MaxWeight > 0 && s.weight+p.AccountedWeight() > s.config.MaxWeight {
			cause = fmt.Errorf("weight budget %d exhausted", s.config.MaxWeight)
		}

		var e entry
		if cause == nil {
			var err error
			e, err = s.write(p)
			if err != nil && errors.IsStorageError(err) {
				return err
			}
			cause = err
		}

		if cause != nil {
			denied := make([]model.Packet, len(packets)-i)
			copy(denied, packets[i:])
			s.logger.Debug("Spill store full",
				zap.Uint64("weight", s.weight),
				zap.Uint64("space_used", s.spaceUsed),
				zap.Int("denied", len(denied)),
				zap.Error(cause))
			return errors.StorageFull(denied, cause)
		}

		s.entries = append(s.entries, e)
		s.weight += e.weight
		if e.discarded {
			s.discarded++
		}
	}
	return nil
}

func (s *Store) readPayload(e entry) ([]byte, error) {
	if !e.hasRecord {
		return nil, nil
	}
	seg, ok := s.segments[e.segment]
	if !ok {
		return nil, errors.CorruptedData(fmt.Sprintf("segment %d of packet %d is missing", e.segment, e.key), nil)
	}

	header := make([]byte, util.RecordHeaderSize)
	if _, err := seg.file.ReadAt(header, e.offset); err != nil {
		return nil, errors.StorageIO("failed to read spill record header", err)
	}
	size, checksum, _ := util.DecodeRecordHeader(header)
	if e.offset+util.RecordHeaderSize+int64(size) > seg.size {
		return nil, errors.CorruptedData(fmt.Sprintf("record of packet %d exceeds its segment", e.key), nil)
	}

	payload := make([]byte, size)
	if _, err := seg.file.ReadAt(payload, e.offset+util.RecordHeaderSize); err != nil && err != io.EOF {
		return nil, errors.StorageIO("failed to read spill record", err)
	}
	if !util.ValidateChecksum(payload, checksum) {
		return nil, errors.ChecksumFailed(checksum, util.ComputeChecksum(payload)).
			WithDetail("key", e.key)
	}
	return payload, nil
}

func (s *Store) load(e entry) (model.Packet, error) {
	p := e.packet()
	payload, err := s.readPayload(e)
	if err != nil {
		return p, err
	}
	p.Payload = payload
	return p, nil
}

func (s *Store) Size() uint64 {
	return uint64(len(s.entries))
}

func (s *Store) IsEmpty() bool {
	return len(s.entries) == 0
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

// SpaceUsed returns the bytes held by live segment files
func (s *Store) SpaceUsed() uint64 {
	return s.spaceUsed
}

func (s *Store) MemoryPacketsCount() uint64 {
	return 0
}

func (s *Store) ExternalPacketsCount() uint64 {
	return uint64(len(s.entries))
}

// ReadOnlyIterator reads payloads lazily. It is invalidated by any mutation
// of the store.
func (s *Store) ReadOnlyIterator(fromIndex uint64) (storage.Iterator, error) {
	if s.closed {
		return nil, errors.Closed("spill store")
	}
	if fromIndex > uint64(len(s.entries)) {
		fromIndex = uint64(len(s.entries))
	}
	return &iterator{store: s, pos: int(fromIndex) - 1}, nil
}

// RemoveFirstBatch removes packets from the head under the batch bound
func (s *Store) RemoveFirstBatch(capacity, lastCompactionRangeEndKey uint64) (model.WeightedBatch, error) {
	if s.closed {
		return model.WeightedBatch{}, errors.Closed("spill store")
	}
	b := storage.NewBatchBuilder(capacity, lastCompactionRangeEndKey)
	n := 0
	for _, e := range s.entries {
		if !b.Fits(e.packet()) {
			break
		}
		p, err := s.load(e)
		if err != nil {
			return model.WeightedBatch{}, err
		}
		b.Add(p)
		n++
	}
	if err := s.dropHead(n); err != nil {
		return b.Batch(), err
	}
	return b.Batch(), nil
}

// DeleteOldestPackets drops up to n packets from the head
func (s *Store) DeleteOldestPackets(n uint64) error {
	if s.closed {
		return errors.Closed("spill store")
	}
	if n > uint64(len(s.entries)) {
		n = uint64(len(s.entries))
	}
	return s.dropHead(int(n))
}

func (s *Store) dropHead(n int) error {
	var result *multierror.Error
	for _, e := range s.entries[:n] {
		s.weight -= e.weight
		if e.discarded {
			s.discarded--
		}
		if err := s.release(e); err != nil {
			result = multierror.Append(result, err)
		}
	}
	clear(s.entries[:n])
	s.entries = s.entries[n:]
	return result.ErrorOrNil()
}

// PerformCompaction discards packets of [fromKey, toKey] in the index and
// releases their records
func (s *Store) PerformCompaction(fromKey, toKey uint64) (model.CompactionResult, error) {
	if s.closed {
		return model.CompactionResult{}, errors.Closed("spill store")
	}
	if s.compactor == nil || len(s.entries) == 0 {
		return model.CompactionResult{}, nil
	}

	it := &iterator{store: s, pos: s.firstOverlapping(fromKey) - 1, mutable: true}
	result, err := s.compactor.Compact(it, fromKey, toKey)
	if err == nil {
		err = it.releaseErr
	}
	if err != nil {
		return result, fmt.Errorf("failed to compact spill store: %w", err)
	}
	return result, nil
}

func (s *Store) firstOverlapping(key uint64) int {
	lo, hi := 0, len(s.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if s.entries[mid].endKey < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// ValidateIntegrity re-reads every record and recomputes the counters
func (s *Store) ValidateIntegrity() error {
	if s.closed {
		return errors.Closed("spill store")
	}
	var weight, discarded uint64
	refs := make(map[uint64]int)
	for i, e := range s.entries {
		if i > 0 && e.key <= s.entries[i-1].endKey {
			return errors.CorruptedData(fmt.Sprintf("packet %d overlaps packet %d", e.key, s.entries[i-1].key), nil)
		}
		if _, err := s.readPayload(e); err != nil {
			if errors.GetCode(err) == errors.ErrCodeChecksumFailed {
				return errors.CorruptedData(fmt.Sprintf("spill record of packet %d is corrupt", e.key), err)
			}
			return err
		}
		weight += e.weight
		if e.discarded {
			discarded++
		}
		if e.hasRecord {
			refs[e.segment]++
		}
	}

	if weight != s.weight || discarded != s.discarded {
		return errors.CorruptedData(
			fmt.Sprintf("counter mismatch: weight %d/%d, discarded %d/%d", s.weight, weight, s.discarded, discarded), nil)
	}
	for id, seg := range s.segments {
		if seg.refs != refs[id] {
			return errors.CorruptedData(fmt.Sprintf("segment %d reference count %d, expected %d", id, seg.refs, refs[id]), nil)
		}
	}
	return nil
}

// Close closes every segment and removes the spill directory
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var result *multierror.Error
	for _, seg := range s.segments {
		if err := seg.file.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := os.RemoveAll(s.dir); err != nil {
		result = multierror.Append(result, err)
	}

	s.entries = nil
	s.segments = nil
	s.active = nil
	s.weight = 0
	s.discarded = 0
	s.spaceUsed = 0

	if err := result.ErrorOrNil(); err != nil {
		return errors.StorageIO("failed to close spill store", err)
	}
	s.logger.Info("Spill store closed")
	return nil
}

// iterator walks the index, loading payloads on demand
type iterator struct {
	store      *Store
	pos        int
	current    model.Packet
	err        error
	mutable    bool
	releaseErr error
}

func (it *iterator) Next() bool {
	if it.err != nil || it.pos+1 >= len(it.store.entries) {
		return false
	}
	it.pos++
	p, err := it.store.load(it.store.entries[it.pos])
	if err != nil {
		it.err = err
		return false
	}
	it.current = p
	return true
}

func (it *iterator) Packet() model.Packet {
	return it.current
}

func (it *iterator) Err() error {
	return it.err
}

// Set accepts only tombstones covering the current packet's key range
func (it *iterator) Set(p model.Packet) {
	if !it.mutable {
		panic("filestore: Set on a read-only iterator")
	}
	e := it.store.entries[it.pos]
	if !p.Discarded || p.Key != e.key || p.EndKey != e.endKey {
		panic(fmt.Sprintf("filestore: packet %d can only be replaced by its own tombstone", e.key))
	}
	if e.discarded {
		return
	}

	if err := it.store.release(e); err != nil && it.releaseErr == nil {
		it.releaseErr = err
	}
	it.store.weight -= e.weight
	it.store.discarded++
	it.store.entries[it.pos] = entry{
		key:       e.key,
		endKey:    e.endKey,
		discarded: true,
	}
	it.current = p
}
