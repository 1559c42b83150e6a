package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/devrev/pairdb/backlog/internal/health"
	"github.com/devrev/pairdb/backlog/internal/metrics"
	"github.com/devrev/pairdb/backlog/internal/storage/diskmanager"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMetricsServer_Routes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("node-1", reg)
	m.RecordAppend("backup-1", 3, 0)

	hc := health.NewHealthChecker(&health.HealthCheckConfig{NodeID: "node-1", DataDir: t.TempDir()}, nil, nil, zap.NewNop())
	hc.RunChecks(context.Background())

	ms := NewMetricsServer(&MetricsServerConfig{Port: 0, Path: "/metrics", Gatherer: reg}, m, hc, nil, zap.NewNop())
	srv := httptest.NewServer(ms.Handler())
	defer srv.Close()

	tests := []struct {
		path string
		code int
	}{
		{path: "/metrics", code: http.StatusOK},
		{path: "/health", code: http.StatusOK},
		{path: "/ready", code: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}

	hc.SetReadiness(false)
	resp, err := http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsServer_SystemMetrics(t *testing.T) {
	m := metrics.NewMetrics("node-1", prometheus.NewRegistry())
	cfg := diskmanager.DefaultConfig(t.TempDir())
	cfg.Stat = func(string) (uint64, uint64, error) { return 1000, 250, nil }
	dm, err := diskmanager.NewDiskManager(cfg, zap.NewNop())
	require.NoError(t, err)

	ms := NewMetricsServer(&MetricsServerConfig{}, m, nil, dm, zap.NewNop())
	ms.updateSystemMetrics()

	assert.Equal(t, 750.0, testutil.ToFloat64(m.DiskUsageBytes))
	assert.Equal(t, 250.0, testutil.ToFloat64(m.DiskAvailableBytes))
	assert.Equal(t, 75.0, testutil.ToFloat64(m.DiskUsagePercent))
}
