package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// StatFunc reports total and available bytes of the filesystem holding dir
type StatFunc func(dir string) (totalBytes, availableBytes uint64, err error)

// DiskManager guards spill writes: it enforces an optional byte quota for the
// spill directory and refuses writes once the filesystem crosses its usage
// thresholds.
type DiskManager struct {
	dataDir              string
	logger               *zap.Logger
	stat                 StatFunc
	mu                   sync.Mutex
	lastCheck            time.Time
	cachedUsagePercent   float64
	cachedAvailableBytes uint64
	cachedTotalBytes     uint64
	checkInterval        time.Duration
	quotaBytes           uint64

	// Thresholds
	warningThreshold        float64 // Start warning at this percentage (e.g., 80%)
	throttleThreshold       float64 // Refuse large writes at this percentage (e.g., 90%)
	circuitBreakerThreshold float64 // Refuse all writes at this percentage (e.g., 95%)

	// State
	isThrottled     bool
	isCircuitBroken bool
}

// DiskManagerConfig holds configuration for disk manager
type DiskManagerConfig struct {
	DataDir                 string
	CheckInterval           time.Duration
	QuotaBytes              uint64
	WarningThreshold        float64
	ThrottleThreshold       float64
	CircuitBreakerThreshold float64
	// Stat overrides the statfs call, used by tests
	Stat StatFunc
}

// NewDiskManager creates a new disk manager with specified thresholds
func NewDiskManager(cfg *DiskManagerConfig, logger *zap.Logger) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	stat := cfg.Stat
	if stat == nil {
		stat = statfs
	}

	dm := &DiskManager{
		dataDir:                 cfg.DataDir,
		logger:                  logger,
		stat:                    stat,
		checkInterval:           cfg.CheckInterval,
		quotaBytes:              cfg.QuotaBytes,
		warningThreshold:        cfg.WarningThreshold,
		throttleThreshold:       cfg.ThrottleThreshold,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
	}

	if err := dm.checkDiskSpace(); err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}

	return dm, nil
}

// DefaultConfig returns default disk manager configuration
func DefaultConfig(dataDir string) *DiskManagerConfig {
	return &DiskManagerConfig{
		DataDir:                 dataDir,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        80.0,
		ThrottleThreshold:       90.0,
		CircuitBreakerThreshold: 95.0,
	}
}

func statfs(dir string) (uint64, uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return stat.Blocks * uint64(stat.Bsize), stat.Bavail * uint64(stat.Bsize), nil
}

// CheckBeforeWrite checks if a write of estimatedBytes can proceed while the
// spill directory already holds usedBytes. Returns a *DiskSpaceError if the
// write should be refused.
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes, usedBytes uint64) error {
	if dm.quotaBytes > 0 && usedBytes+estimatedBytes > dm.quotaBytes {
		return &DiskSpaceError{
			Code:           ErrCodeQuotaExceeded,
			Message:        fmt.Sprintf("spill quota exceeded: %d + %d > %d bytes", usedBytes, estimatedBytes, dm.quotaBytes),
			AvailableBytes: dm.quotaBytes - minUint64(usedBytes, dm.quotaBytes),
		}
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkDiskSpace(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	if dm.isCircuitBroken {
		return &DiskSpaceError{
			Code:            ErrCodeDiskFull,
			Message:         fmt.Sprintf("disk usage at %.2f%%, circuit breaker engaged", dm.cachedUsagePercent),
			UsagePercent:    dm.cachedUsagePercent,
			AvailableBytes:  dm.cachedAvailableBytes,
			IsCircuitBroken: true,
		}
	}

	// Allow small writes during throttling, reject large ones
	if dm.isThrottled && estimatedBytes > dm.cachedAvailableBytes/10 {
		return &DiskSpaceError{
			Code:           ErrCodeDiskThrottled,
			Message:        fmt.Sprintf("disk usage at %.2f%%, write throttled", dm.cachedUsagePercent),
			UsagePercent:   dm.cachedUsagePercent,
			AvailableBytes: dm.cachedAvailableBytes,
			IsThrottled:    true,
		}
	}

	if estimatedBytes > dm.cachedAvailableBytes {
		return &DiskSpaceError{
			Code:           ErrCodeInsufficientSpace,
			Message:        fmt.Sprintf("insufficient space: need %d bytes, have %d bytes", estimatedBytes, dm.cachedAvailableBytes),
			UsagePercent:   dm.cachedUsagePercent,
			AvailableBytes: dm.cachedAvailableBytes,
		}
	}

	return nil
}

// checkDiskSpace checks current disk usage and updates state.
// Must be called with dm.mu held or before dm is shared.
func (dm *DiskManager) checkDiskSpace() error {
	totalBytes, availableBytes, err := dm.stat(dm.dataDir)
	if err != nil {
		return err
	}
	if totalBytes == 0 {
		return fmt.Errorf("filesystem of %s reports zero size", dm.dataDir)
	}

	usagePercent := float64(totalBytes-availableBytes) / float64(totalBytes) * 100.0

	dm.cachedUsagePercent = usagePercent
	dm.cachedAvailableBytes = availableBytes
	dm.cachedTotalBytes = totalBytes
	dm.lastCheck = time.Now()

	previouslyThrottled := dm.isThrottled
	previouslyBroken := dm.isCircuitBroken

	dm.isCircuitBroken = usagePercent >= dm.circuitBreakerThreshold
	dm.isThrottled = usagePercent >= dm.throttleThreshold && !dm.isCircuitBroken

	if dm.isCircuitBroken && !previouslyBroken {
		dm.logger.Error("Disk circuit breaker ENGAGED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes),
			zap.Float64("threshold", dm.circuitBreakerThreshold))
	} else if !dm.isCircuitBroken && previouslyBroken {
		dm.logger.Info("Disk circuit breaker DISENGAGED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes))
	}

	if dm.isThrottled && !previouslyThrottled {
		dm.logger.Warn("Disk write throttling ENABLED",
			zap.Float64("usage_percent", usagePercent),
			zap.Float64("threshold", dm.throttleThreshold))
	} else if !dm.isThrottled && previouslyThrottled {
		dm.logger.Info("Disk write throttling DISABLED",
			zap.Float64("usage_percent", usagePercent))
	}

	if usagePercent >= dm.warningThreshold && !dm.isThrottled && !dm.isCircuitBroken {
		dm.logger.Warn("Disk usage warning",
			zap.Float64("usage_percent", usagePercent),
			zap.Float64("warning_threshold", dm.warningThreshold))
	}

	return nil
}

// GetDiskUsage returns current disk usage statistics
func (dm *DiskManager) GetDiskUsage() DiskUsageStats {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkDiskSpace(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	return DiskUsageStats{
		UsagePercent:    dm.cachedUsagePercent,
		AvailableBytes:  dm.cachedAvailableBytes,
		TotalBytes:      dm.cachedTotalBytes,
		QuotaBytes:      dm.quotaBytes,
		IsThrottled:     dm.isThrottled,
		IsCircuitBroken: dm.isCircuitBroken,
		LastCheck:       dm.lastCheck,
	}
}

// ForceCheck forces an immediate disk space check
func (dm *DiskManager) ForceCheck() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.checkDiskSpace()
}

// DiskUsageStats contains disk usage statistics
type DiskUsageStats struct {
	UsagePercent    float64
	AvailableBytes  uint64
	TotalBytes      uint64
	QuotaBytes      uint64
	IsThrottled     bool
	IsCircuitBroken bool
	LastCheck       time.Time
}

// Error codes for disk space errors
type ErrorCode int

const (
	ErrCodeDiskFull ErrorCode = iota + 1
	ErrCodeDiskThrottled
	ErrCodeInsufficientSpace
	ErrCodeQuotaExceeded
)

// DiskSpaceError represents a disk space related error
type DiskSpaceError struct {
	Code            ErrorCode
	Message         string
	UsagePercent    float64
	AvailableBytes  uint64
	IsThrottled     bool
	IsCircuitBroken bool
}

func (e *DiskSpaceError) Error() string {
	return e.Message
}

// IsDiskSpaceError checks if an error is a disk space error
func IsDiskSpaceError(err error) bool {
	_, ok := err.(*DiskSpaceError)
	return ok
}

// IsCircuitBroken checks if the error indicates circuit breaker is engaged
func IsCircuitBroken(err error) bool {
	if dse, ok := err.(*DiskSpaceError); ok {
		return dse.IsCircuitBroken
	}
	return false
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
