package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/devrev/pairdb/backlog/internal/errors"
	"github.com/devrev/pairdb/backlog/internal/model"
	"github.com/devrev/pairdb/backlog/internal/replication"
	"github.com/devrev/pairdb/backlog/internal/storage/diskmanager"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Check statuses
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// ChannelSource lists the channels whose redo logs are checked
type ChannelSource interface {
	Channels() []*replication.Channel
}

// HealthChecker performs health checks for the backlog node
type HealthChecker struct {
	nodeID        string
	dataDir       string
	checkInterval time.Duration
	channels      ChannelSource
	disk          *diskmanager.DiskManager
	logger        *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	metrics     model.HealthMetrics
	checks      map[string]CheckResult
	readinessOK bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string
	Status    string
	Message   string
	Timestamp time.Time
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID        string
	DataDir       string
	CheckInterval time.Duration
}

// NewHealthChecker creates a health checker. disk may be nil when no spill
// directory is in use.
func NewHealthChecker(cfg *HealthCheckConfig, channels ChannelSource, disk *diskmanager.DiskManager, logger *zap.Logger) *HealthChecker {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{
		nodeID:        cfg.NodeID,
		dataDir:       cfg.DataDir,
		checkInterval: cfg.CheckInterval,
		channels:      channels,
		disk:          disk,
		logger:        logger,
		checks:        make(map[string]CheckResult),
		readinessOK:   true,
		status:        model.NodeStatusHealthy,
	}
}

// Start runs the checks periodically until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	h.RunChecks(ctx)

	for {
		select {
		case <-ticker.C:
			h.RunChecks(ctx)
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs every check once and returns the resulting status
func (h *HealthChecker) RunChecks(ctx context.Context) model.HealthStatus {
	var results []CheckResult
	var metrics model.HealthMetrics

	if h.dataDir != "" {
		results = append(results, h.checkDataDirAccessible())
	}
	if h.disk != nil {
		result, usage := h.checkDiskSpace()
		results = append(results, result)
		metrics.DiskUsage = usage
	}
	if h.channels != nil {
		channelResults, channelMetrics := h.checkChannels(ctx)
		results = append(results, channelResults...)
		channelMetrics.DiskUsage = metrics.DiskUsage
		metrics = channelMetrics
	}

	allHealthy, allReady := true, true
	for _, result := range results {
		if result.Status != StatusHealthy {
			allHealthy = false
			if result.Status == StatusCritical {
				allReady = false
			}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	h.checks = make(map[string]CheckResult, len(results))
	for _, result := range results {
		h.checks[result.Name] = result
	}
	h.metrics = metrics

	switch {
	case allHealthy:
		h.status = model.NodeStatusHealthy
	case allReady:
		h.status = model.NodeStatusDegraded
	default:
		h.status = model.NodeStatusUnhealthy
	}
	h.readinessOK = allReady

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("readiness", h.readinessOK),
		zap.Int("corrupt_channels", metrics.CorruptChannels))

	return h.statusLocked()
}

// checkChannels validates every channel's redo log in parallel
func (h *HealthChecker) checkChannels(ctx context.Context) ([]CheckResult, model.HealthMetrics) {
	channels := h.channels.Channels()
	results := make([]CheckResult, len(channels))
	statuses := make([]replication.ChannelStatus, len(channels))

	// The group bounds how many logs are scanned at once; a cancelled ctx
	// skips the checks that have not started yet
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, ch := range channels {
		i, ch := i, ch
		g.Go(func() error {
			results[i] = h.checkChannel(gctx, ch)
			if status, err := ch.Stats(); err == nil {
				statuses[i] = status
			}
			return nil
		})
	}
	_ = g.Wait()

	metrics := model.HealthMetrics{Channels: len(channels)}
	for i := range channels {
		if results[i].Status == StatusCritical {
			metrics.CorruptChannels++
		}
		metrics.BacklogWeight += statuses[i].Weight
		metrics.BacklogPackets += statuses[i].Size
		metrics.DiscardedPackets += statuses[i].DiscardedPackets
	}
	return results, metrics
}

func (h *HealthChecker) checkChannel(ctx context.Context, ch *replication.Channel) CheckResult {
	name := "channel_" + ch.Name()
	if err := ctx.Err(); err != nil {
		return CheckResult{Name: name, Status: StatusWarning, Message: fmt.Sprintf("Integrity check skipped: %v", err), Timestamp: time.Now()}
	}
	err := ch.ValidateIntegrity()
	switch {
	case err == nil:
		return CheckResult{Name: name, Status: StatusHealthy, Message: "Redo log is consistent", Timestamp: time.Now()}
	case errors.GetCode(err) == errors.ErrCodeClosed:
		return CheckResult{Name: name, Status: StatusWarning, Message: "Channel is closed", Timestamp: time.Now()}
	case errors.IsCorrupted(err):
		h.logger.Error("Redo log corruption detected", zap.String("channel", ch.Name()), zap.Error(err))
		return CheckResult{Name: name, Status: StatusCritical, Message: fmt.Sprintf("Redo log corrupted: %v", err), Timestamp: time.Now()}
	default:
		return CheckResult{Name: name, Status: StatusWarning, Message: fmt.Sprintf("Integrity check failed: %v", err), Timestamp: time.Now()}
	}
}

// checkDiskSpace reports the spill filesystem state
func (h *HealthChecker) checkDiskSpace() (CheckResult, float64) {
	result := CheckResult{Name: "disk_space", Timestamp: time.Now()}
	if err := h.disk.ForceCheck(); err != nil {
		h.logger.Warn("Disk space check failed", zap.Error(err))
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Disk space check failed: %v", err)
		return result, h.disk.GetDiskUsage().UsagePercent
	}
	usage := h.disk.GetDiskUsage()

	switch {
	case usage.IsCircuitBroken:
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("Disk usage critical: %.2f%%", usage.UsagePercent)
	case usage.IsThrottled:
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Disk usage high: %.2f%%", usage.UsagePercent)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Disk usage: %.2f%%, available: %.2f GB",
			usage.UsagePercent, float64(usage.AvailableBytes)/1024/1024/1024)
	}
	return result, usage.UsagePercent
}

// checkDataDirAccessible checks that the spill directory is writable
func (h *HealthChecker) checkDataDirAccessible() CheckResult {
	result := CheckResult{Name: "data_dir_accessible", Timestamp: time.Now()}

	info, err := os.Stat(h.dataDir)
	if err != nil {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("Data directory not accessible: %v", err)
		return result
	}
	if !info.IsDir() {
		result.Status = StatusCritical
		result.Message = "Data path is not a directory"
		return result
	}

	f, err := os.CreateTemp(h.dataDir, ".health_check_*")
	if err != nil {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("Cannot write to data directory: %v", err)
		return result
	}
	f.Close()
	os.Remove(f.Name())

	result.Status = StatusHealthy
	result.Message = "Data directory is accessible and writable"
	return result
}

// IsReady returns whether the node is ready (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// SetReadiness manually sets readiness status (for graceful shutdown)
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statusLocked()
}

func (h *HealthChecker) statusLocked() model.HealthStatus {
	return model.HealthStatus{
		NodeID:    h.nodeID,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
		Metrics:   h.metrics,
	}
}

// GetChecks returns a copy of the last check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	status := h.GetStatus()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy": true,
		"status":  status.Status,
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()
	status := h.GetStatus()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":              ready,
		"status":             status.Status,
		"corrupt_channels":   status.Metrics.CorruptChannels,
		"backlog_weight":     status.Metrics.BacklogWeight,
		"backlog_packets":    status.Metrics.BacklogPackets,
		"disk_usage_percent": status.Metrics.DiskUsage,
	})
}
