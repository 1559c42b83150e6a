package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/devrev/pairdb/backlog/internal/compaction"
	"github.com/devrev/pairdb/backlog/internal/config"
	"github.com/devrev/pairdb/backlog/internal/health"
	"github.com/devrev/pairdb/backlog/internal/metrics"
	"github.com/devrev/pairdb/backlog/internal/model"
	"github.com/devrev/pairdb/backlog/internal/redolog"
	"github.com/devrev/pairdb/backlog/internal/replication"
	"github.com/devrev/pairdb/backlog/internal/server"
	"github.com/devrev/pairdb/backlog/internal/storage"
	"github.com/devrev/pairdb/backlog/internal/storage/boltstore"
	"github.com/devrev/pairdb/backlog/internal/storage/diskmanager"
	"github.com/devrev/pairdb/backlog/internal/storage/filestore"
	"github.com/devrev/pairdb/backlog/internal/storage/memstore"
	"github.com/devrev/pairdb/backlog/internal/transport"
	"github.com/devrev/pairdb/backlog/internal/util/workerpool"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Type),
		zap.Int("channels", len(cfg.Channels)),
		zap.Int("receivers", len(cfg.Receivers)))

	m := metrics.NewMetrics(cfg.Server.NodeID, prometheus.DefaultRegisterer)

	// Create spill directory
	var disk *diskmanager.DiskManager
	if cfg.Store.Type != config.StoreMemory {
		if err := os.MkdirAll(cfg.Store.Dir, 0755); err != nil {
			logger.Fatal("Failed to create store directory", zap.Error(err))
		}
		disk, err = diskmanager.NewDiskManager(diskConfig(cfg.Store), logger)
		if err != nil {
			logger.Fatal("Failed to initialize disk manager", zap.Error(err))
		}
	}

	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "shipper",
		MaxWorkers: cfg.Workers.MaxWorkers,
		QueueSize:  cfg.Workers.QueueSize,
		Logger:     logger,
	})
	manager := replication.NewManager(replication.ManagerConfig{
		ShipInterval: cfg.Backlog.ShipInterval,
		ShipTimeout:  cfg.Backlog.ShipTimeout,
	}, pool, logger)

	// Initialize outgoing channels
	var clients []*transport.Client
	for _, chCfg := range cfg.Channels {
		client, err := transport.NewClient(chCfg.Target, logger)
		if err != nil {
			logger.Fatal("Failed to create replication client", zap.String("target", chCfg.Target), zap.Error(err))
		}
		clients = append(clients, client)

		ch, err := newChannel(cfg, chCfg.Name, client, disk, m, logger)
		if err != nil {
			logger.Fatal("Failed to initialize channel", zap.String("channel", chCfg.Name), zap.Error(err))
		}
		if err := manager.AddChannel(ch); err != nil {
			logger.Fatal("Failed to register channel", zap.String("channel", chCfg.Name), zap.Error(err))
		}
	}

	// Initialize incoming channels
	for _, name := range cfg.Receivers {
		r, err := replication.NewReceiver(name, &logTarget{logger: logger}, m, logger)
		if err != nil {
			logger.Fatal("Failed to initialize receiver", zap.String("channel", name), zap.Error(err))
		}
		if err := manager.AddReceiver(r); err != nil {
			logger.Fatal("Failed to register receiver", zap.String("channel", name), zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthChecker := health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:        cfg.Server.NodeID,
		DataDir:       healthDir(cfg.Store),
		CheckInterval: cfg.Health.CheckInterval,
	}, manager, disk, logger)
	go healthChecker.Start(ctx)

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(&server.MetricsServerConfig{
			Port: cfg.Metrics.Port,
			Path: cfg.Metrics.Path,
		}, m, healthChecker, disk, logger)
		if err := metricsServer.Start(); err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}

	// Start replication server
	address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	grpcServer := transport.NewServer(address, manager, logger)
	if err := grpcServer.Open(); err != nil {
		logger.Fatal("Failed to start replication server", zap.Error(err))
	}

	manager.Start(ctx)

	logger.Info("Backlog node started", zap.String("address", address))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down backlog node...")
	healthChecker.SetReadiness(false)
	cancel()

	grpcServer.Close()

	var result *multierror.Error
	if err := manager.Stop(cfg.Server.ShutdownTimeout); err != nil {
		result = multierror.Append(result, err)
	}
	for _, client := range clients {
		if err := client.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		logger.Error("Shutdown completed with errors", zap.Error(err))
		return
	}

	logger.Info("Backlog node stopped")
}

// newChannel builds the redo log of one outgoing channel over the configured store
func newChannel(cfg *config.Config, name string, sender replication.Sender, disk *diskmanager.DiskManager, m *metrics.Metrics, logger *zap.Logger) (*replication.Channel, error) {
	compactor := compaction.NewRangeCompactor(nil, logger)

	store, err := newStore(cfg.Store, filepath.Join(cfg.Store.Dir, name), compactor, disk, logger)
	if err != nil {
		return nil, err
	}

	cache, err := redolog.New(redolog.Options{
		Capacity:     cfg.Backlog.Capacity,
		Store:        store,
		Compactor:    compactor,
		WeightPolicy: redolog.LinearWeightPolicy(cfg.Backlog.DiscardedPacketWeight),
		Logger:       logger.With(zap.String("channel", name)),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	ch, err := replication.NewChannel(replication.ChannelConfig{
		Name:        name,
		BatchWeight: cfg.Backlog.BatchWeight,
		Retry: replication.RetryConfig{
			MaxRetries:      cfg.Retry.MaxRetries,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		},
	}, cache, sender, m, logger)
	if err != nil {
		_ = cache.Close()
		return nil, err
	}
	return ch, nil
}

func newStore(cfg config.StoreConfig, dir string, compactor storage.Compactor, disk *diskmanager.DiskManager, logger *zap.Logger) (storage.BackingStore, error) {
	switch cfg.Type {
	case config.StoreMemory:
		return memstore.New(memstore.Config{MaxWeight: cfg.MaxWeight}, compactor, logger), nil
	case config.StoreBolt:
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		return boltstore.New(boltstore.Config{
			Dir:        dir,
			MaxWeight:  cfg.MaxWeight,
			SyncWrites: cfg.SyncWrites,
		}, compactor, logger)
	default:
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		return filestore.New(filestore.Config{
			Dir:         dir,
			SegmentSize: cfg.SegmentSize,
			MaxWeight:   cfg.MaxWeight,
			SyncWrites:  cfg.SyncWrites,
			Guard:       disk,
		}, compactor, logger)
	}
}

// diskConfig derives the disk manager thresholds from the usage limit
func diskConfig(cfg config.StoreConfig) *diskmanager.DiskManagerConfig {
	dmCfg := diskmanager.DefaultConfig(cfg.Dir)
	dmCfg.QuotaBytes = cfg.QuotaBytes
	dmCfg.CircuitBreakerThreshold = cfg.MaxDiskUsage * 100
	dmCfg.ThrottleThreshold = dmCfg.CircuitBreakerThreshold - 5
	dmCfg.WarningThreshold = dmCfg.CircuitBreakerThreshold - 10
	return dmCfg
}

func healthDir(cfg config.StoreConfig) string {
	if cfg.Type == config.StoreMemory {
		return ""
	}
	return cfg.Dir
}

// logTarget is the target group of a receiver that only records what it applies
type logTarget struct {
	logger *zap.Logger
}

func (t *logTarget) Apply(ctx context.Context, channel string, packets []model.Packet) error {
	var discarded int
	for _, p := range packets {
		if p.Discarded {
			discarded++
		}
	}
	t.logger.Debug("Applied replicated batch",
		zap.String("channel", channel),
		zap.Int("packets", len(packets)),
		zap.Int("discarded", discarded),
		zap.Uint64("first_key", packets[0].Key),
		zap.Uint64("last_key", packets[len(packets)-1].EndKey))
	return nil
}

func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
