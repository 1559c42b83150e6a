package diskmanager

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedStat(total, available uint64) StatFunc {
	return func(string) (uint64, uint64, error) {
		return total, available, nil
	}
}

func newManager(t *testing.T, stat StatFunc, quota uint64) *DiskManager {
	cfg := DefaultConfig(t.TempDir())
	cfg.Stat = stat
	cfg.QuotaBytes = quota
	cfg.CheckInterval = time.Hour
	dm, err := NewDiskManager(cfg, nil)
	require.NoError(t, err)
	return dm
}

func TestNewDiskManager_RequiresDir(t *testing.T) {
	_, err := NewDiskManager(&DiskManagerConfig{}, nil)
	assert.Error(t, err)
}

func TestCheckBeforeWrite(t *testing.T) {
	tests := []struct {
		name      string
		total     uint64
		available uint64
		quota     uint64
		used      uint64
		write     uint64
		wantCode  ErrorCode
	}{
		{name: "plenty of space", total: 1000, available: 900, write: 10},
		{name: "quota exceeded", total: 1000, available: 900, quota: 100, used: 95, write: 10, wantCode: ErrCodeQuotaExceeded},
		{name: "circuit broken", total: 1000, available: 10, write: 1, wantCode: ErrCodeDiskFull},
		{name: "throttled large write", total: 1000, available: 80, write: 50, wantCode: ErrCodeDiskThrottled},
		{name: "throttled small write", total: 1000, available: 80, write: 5},
		{name: "insufficient space", total: 1000, available: 300, write: 400, wantCode: ErrCodeInsufficientSpace},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dm := newManager(t, fixedStat(tt.total, tt.available), tt.quota)

			err := dm.CheckBeforeWrite(tt.write, tt.used)
			if tt.wantCode == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.True(t, IsDiskSpaceError(err))
			assert.Equal(t, tt.wantCode, err.(*DiskSpaceError).Code)
		})
	}
}

func TestGetDiskUsage(t *testing.T) {
	dm := newManager(t, fixedStat(1000, 40), 0)

	stats := dm.GetDiskUsage()
	assert.InDelta(t, 96.0, stats.UsagePercent, 0.001)
	assert.True(t, stats.IsCircuitBroken)
	assert.False(t, stats.IsThrottled)
	assert.True(t, IsCircuitBroken(dm.CheckBeforeWrite(1, 0)))
}

func TestForceCheck(t *testing.T) {
	available := uint64(500)
	var statErr error
	dm := newManager(t, func(string) (uint64, uint64, error) {
		return 1000, available, statErr
	}, 0)
	assert.InDelta(t, 50.0, dm.GetDiskUsage().UsagePercent, 0.001)

	// The cached figures are only refreshed once the check interval passes
	available = 20
	assert.InDelta(t, 50.0, dm.GetDiskUsage().UsagePercent, 0.001)

	require.NoError(t, dm.ForceCheck())
	stats := dm.GetDiskUsage()
	assert.InDelta(t, 98.0, stats.UsagePercent, 0.001)
	assert.True(t, stats.IsCircuitBroken)

	statErr = fmt.Errorf("statfs failed")
	assert.Error(t, dm.ForceCheck())
	assert.True(t, dm.GetDiskUsage().IsCircuitBroken)
}
