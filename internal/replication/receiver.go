package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/backlog/internal/codec"
	"github.com/devrev/pairdb/backlog/internal/errors"
	"github.com/devrev/pairdb/backlog/internal/metrics"
	"github.com/devrev/pairdb/backlog/internal/model"
	"github.com/devrev/pairdb/backlog/internal/validation"
	"go.uber.org/zap"
)

// TargetGroup applies replicated packets on a backup. Discarded packets
// only advance the sequence.
type TargetGroup interface {
	Apply(ctx context.Context, channel string, packets []model.Packet) error
}

// Receiver is the backup side of one replication channel. It applies frames
// strictly in sequence and acknowledges frames it has already applied, so a
// primary may resend a frame whose acknowledgement was lost.
type Receiver struct {
	name      string
	target    TargetGroup
	envelopes *codec.EnvelopePool
	validator *validation.Validator
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu      sync.Mutex
	next    uint64
	started bool
}

// NewReceiver creates a receiver for channel name. m may be nil.
func NewReceiver(name string, target TargetGroup, m *metrics.Metrics, logger *zap.Logger) (*Receiver, error) {
	if err := validation.ValidateChannelName(name); err != nil {
		return nil, err
	}
	if target == nil {
		return nil, errors.InvalidArgument("target group is required", nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{
		name:      name,
		target:    target,
		envelopes: codec.NewEnvelopePool(),
		validator: validation.NewValidator(),
		metrics:   m,
		logger:    logger.With(zap.String("channel", name)),
	}, nil
}

// Name returns the channel name
func (r *Receiver) Name() string {
	return r.name
}

// LastAppliedKey returns the last key applied, if any
func (r *Receiver) LastAppliedKey() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastApplied(), r.started
}

// Apply decodes frame, restores the discarded gaps and applies the batch.
// It returns the last applied key.
func (r *Receiver) Apply(ctx context.Context, frame []byte) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	env := r.envelopes.Get()
	defer r.envelopes.Put(env)

	if err := env.UnmarshalBinary(frame); err != nil {
		return r.reject(err)
	}
	packets := codec.Decompress(env)
	if !env.Compressed() {
		packets = append([]model.Packet(nil), packets...)
	}
	if len(packets) == 0 {
		return r.lastApplied(), nil
	}
	if err := r.validator.ValidateSequence(packets); err != nil {
		return r.reject(err)
	}

	last := packets[len(packets)-1].EndKey
	if r.started && last < r.next {
		r.logger.Debug("Acknowledging replayed batch",
			zap.Uint64("first_key", packets[0].Key),
			zap.Uint64("last_key", last))
		return r.lastApplied(), nil
	}

	expected := packets[0].Key
	if r.started {
		expected = r.next
	}
	if err := validation.ValidateContiguous(expected, packets); err != nil {
		return r.reject(err)
	}

	if err := r.target.Apply(ctx, r.name, packets); err != nil {
		return r.lastApplied(), fmt.Errorf("failed to apply batch on channel %s: %w", r.name, err)
	}

	r.next, r.started = last+1, true
	if r.metrics != nil {
		r.metrics.RecordApply(r.name, len(packets), time.Since(start).Seconds())
	}
	r.logger.Debug("Applied batch",
		zap.Int("packets", len(packets)),
		zap.Uint64("last_key", last))
	return last, nil
}

func (r *Receiver) reject(err error) (uint64, error) {
	if r.metrics != nil {
		r.metrics.RecordRejectedFrame(r.name)
	}
	r.logger.Warn("Rejected frame", zap.Error(err))
	return r.lastApplied(), err
}

func (r *Receiver) lastApplied() uint64 {
	if !r.started {
		return 0
	}
	return r.next - 1
}
