package replication

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/backlog/internal/errors"
	"github.com/devrev/pairdb/backlog/internal/util/workerpool"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// maxBatchesPerTick bounds the batches one channel ships per tick so a busy
// channel cannot hold a worker forever
const maxBatchesPerTick = 64

// ManagerConfig configures the shipping loop
type ManagerConfig struct {
	ShipInterval time.Duration
	// ShipTimeout bounds a single send
	ShipTimeout time.Duration
}

// Manager owns the channels and receivers of a node and ships every channel
// periodically on a worker pool, at most one task per channel at a time
type Manager struct {
	config ManagerConfig
	pool   *workerpool.WorkerPool
	logger *zap.Logger

	mu        sync.RWMutex
	channels  map[string]*Channel
	receivers map[string]*Receiver

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	running  int32
}

// NewManager creates a manager shipping on pool
func NewManager(cfg ManagerConfig, pool *workerpool.WorkerPool, logger *zap.Logger) *Manager {
	if cfg.ShipInterval <= 0 {
		cfg.ShipInterval = 100 * time.Millisecond
	}
	if cfg.ShipTimeout <= 0 {
		cfg.ShipTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		config:    cfg,
		pool:      pool,
		logger:    logger,
		channels:  make(map[string]*Channel),
		receivers: make(map[string]*Receiver),
		stopCh:    make(chan struct{}),
	}
}

// AddChannel registers a primary side channel
func (m *Manager) AddChannel(ch *Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.channels[ch.Name()]; exists {
		return errors.InvalidArgument(fmt.Sprintf("channel %s already registered", ch.Name()), nil)
	}
	m.channels[ch.Name()] = ch
	m.logger.Info("Channel registered", zap.String("channel", ch.Name()))
	return nil
}

// Channel returns the channel called name
func (m *Manager) Channel(name string) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ch, ok := m.channels[name]
	if !ok {
		return nil, errors.UnknownChannel(name)
	}
	return ch, nil
}

// Channels returns every channel ordered by name
func (m *Manager) Channels() []*Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// AddReceiver registers a backup side receiver
func (m *Manager) AddReceiver(r *Receiver) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.receivers[r.Name()]; exists {
		return errors.InvalidArgument(fmt.Sprintf("receiver %s already registered", r.Name()), nil)
	}
	m.receivers[r.Name()] = r
	return nil
}

// Receiver returns the receiver of channel name
func (m *Manager) Receiver(name string) (*Receiver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.receivers[name]
	if !ok {
		return nil, errors.UnknownChannel(name)
	}
	return r, nil
}

// Start runs the shipping loop until ctx is done or Stop is called
func (m *Manager) Start(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.config.ShipInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.scheduleShipping(ctx)
			}
		}
	}()

	m.logger.Info("Replication manager started",
		zap.Duration("ship_interval", m.config.ShipInterval))
}

func (m *Manager) scheduleShipping(ctx context.Context) {
	for _, ch := range m.Channels() {
		ch := ch
		err := m.pool.SubmitKeyed(ch.Name(), workerpool.Task{
			Context: ctx,
			Fn: func(ctx context.Context) error {
				return m.drain(ctx, ch)
			},
		})
		if err != nil && !stderrors.Is(err, workerpool.ErrKeyBusy) {
			m.logger.Warn("Failed to schedule shipping",
				zap.String("channel", ch.Name()),
				zap.Error(err))
		}
	}
}

// drain ships batches of ch until its log is empty or the tick budget is
// spent, then publishes its stats
func (m *Manager) drain(ctx context.Context, ch *Channel) error {
	defer func() {
		if _, err := ch.Stats(); err != nil && errors.GetCode(err) != errors.ErrCodeClosed {
			m.logger.Warn("Failed to read channel stats", zap.String("channel", ch.Name()), zap.Error(err))
		}
	}()

	for i := 0; i < maxBatchesPerTick; i++ {
		shipCtx, cancel := context.WithTimeout(ctx, m.config.ShipTimeout)
		shipped, err := ch.Ship(shipCtx)
		cancel()
		if err != nil {
			return err
		}
		if shipped == 0 {
			return nil
		}
	}
	return nil
}

// Stop ends the shipping loop, stops the pool and closes every channel
func (m *Manager) Stop(timeout time.Duration) error {
	var result *multierror.Error
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()

		if err := m.pool.Stop(timeout); err != nil {
			result = multierror.Append(result, err)
		}
		for _, ch := range m.Channels() {
			if err := ch.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		m.logger.Info("Replication manager stopped")
	})
	return result.ErrorOrNil()
}
