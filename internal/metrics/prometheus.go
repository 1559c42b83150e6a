package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "pairdb"
	subsystem = "backlog"
)

// Metrics holds all Prometheus metrics for the replication backlog
type Metrics struct {
	// Redo log state, per channel
	MemoryWeight     *prometheus.GaugeVec
	ExternalWeight   *prometheus.GaugeVec
	DiscardedPackets *prometheus.GaugeVec
	MemoryPackets    *prometheus.GaugeVec
	ExternalPackets  *prometheus.GaugeVec
	SpaceUsedBytes   *prometheus.GaugeVec

	// Primary side
	AppendedPacketsTotal  *prometheus.CounterVec
	DeniedPacketsTotal    *prometheus.CounterVec
	ShippedBatchesTotal   *prometheus.CounterVec
	ShippedPacketsTotal   *prometheus.CounterVec
	ShipFailuresTotal     *prometheus.CounterVec
	CompactedPacketsTotal *prometheus.CounterVec
	ShipDuration          *prometheus.HistogramVec
	FrameBytes            *prometheus.HistogramVec
	CompressionRatio      *prometheus.HistogramVec

	// Backup side
	AppliedPacketsTotal *prometheus.CounterVec
	RejectedFramesTotal *prometheus.CounterVec
	ApplyDuration       *prometheus.HistogramVec

	// System metrics
	DiskUsageBytes     prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
	DiskUsagePercent   prometheus.Gauge
	MemoryUsageBytes   prometheus.Gauge
	GoroutinesTotal    prometheus.Gauge
}

// ChannelStats is a point in time view of one channel's redo log
type ChannelStats struct {
	MemoryWeight     uint64
	ExternalWeight   uint64
	DiscardedPackets uint64
	MemoryPackets    uint64
	ExternalPackets  uint64
	SpaceUsed        uint64
}

// NewMetrics creates and registers all metrics with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	f := promauto.With(reg)
	channel := []string{"channel"}

	gauge := func(name, help string) *prometheus.GaugeVec {
		return f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, channel)
	}
	counter := func(name, help string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, channel)
	}
	histogram := func(name, help string, buckets []float64) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
			Buckets:     buckets,
		}, channel)
	}
	system := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	return &Metrics{
		MemoryWeight:     gauge("memory_weight", "Weight of packets held in memory"),
		ExternalWeight:   gauge("external_weight", "Weight of packets held by the backing store outside memory"),
		DiscardedPackets: gauge("discarded_packets", "Number of discarded packets in the redo log"),
		MemoryPackets:    gauge("memory_packets", "Number of packets held in memory"),
		ExternalPackets:  gauge("external_packets", "Number of packets held outside memory"),
		SpaceUsedBytes:   gauge("space_used_bytes", "Bytes used by the redo log"),

		AppendedPacketsTotal:  counter("appended_packets_total", "Total number of packets appended to the redo log"),
		DeniedPacketsTotal:    counter("denied_packets_total", "Total number of packets denied because the backing store was full"),
		ShippedBatchesTotal:   counter("shipped_batches_total", "Total number of batches acknowledged by the backup"),
		ShippedPacketsTotal:   counter("shipped_packets_total", "Total number of packets acknowledged by the backup"),
		ShipFailuresTotal:     counter("ship_failures_total", "Total number of failed batch sends"),
		CompactedPacketsTotal: counter("compacted_packets_total", "Total number of packets discarded by compaction"),
		ShipDuration:          histogram("ship_duration_seconds", "Histogram of batch send durations", prometheus.DefBuckets),
		FrameBytes:            histogram("frame_bytes", "Histogram of encoded frame sizes in bytes", prometheus.ExponentialBuckets(256, 2, 14)), // 256B to 2MB
		CompressionRatio:      histogram("compression_ratio", "Fraction of packets removed by range compression", prometheus.LinearBuckets(0, 0.1, 11)),

		AppliedPacketsTotal: counter("applied_packets_total", "Total number of packets applied on the backup"),
		RejectedFramesTotal: counter("rejected_frames_total", "Total number of frames the backup refused"),
		ApplyDuration:       histogram("apply_duration_seconds", "Histogram of batch apply durations", prometheus.DefBuckets),

		DiskUsageBytes:     system("disk_usage_bytes", "Disk usage in bytes"),
		DiskAvailableBytes: system("disk_available_bytes", "Disk available in bytes"),
		DiskUsagePercent:   system("disk_usage_percent", "Disk usage percentage"),
		MemoryUsageBytes:   system("memory_usage_bytes", "Memory usage in bytes"),
		GoroutinesTotal:    system("goroutines_total", "Number of goroutines"),
	}
}

// UpdateChannelStats publishes a channel's redo log state
func (m *Metrics) UpdateChannelStats(channel string, s ChannelStats) {
	m.MemoryWeight.WithLabelValues(channel).Set(float64(s.MemoryWeight))
	m.ExternalWeight.WithLabelValues(channel).Set(float64(s.ExternalWeight))
	m.DiscardedPackets.WithLabelValues(channel).Set(float64(s.DiscardedPackets))
	m.MemoryPackets.WithLabelValues(channel).Set(float64(s.MemoryPackets))
	m.ExternalPackets.WithLabelValues(channel).Set(float64(s.ExternalPackets))
	m.SpaceUsedBytes.WithLabelValues(channel).Set(float64(s.SpaceUsed))
}

// RecordAppend records packets accepted and denied by an append
func (m *Metrics) RecordAppend(channel string, appended, denied int) {
	m.AppendedPacketsTotal.WithLabelValues(channel).Add(float64(appended))
	if denied > 0 {
		m.DeniedPacketsTotal.WithLabelValues(channel).Add(float64(denied))
	}
}

// RecordShip records an acknowledged batch
func (m *Metrics) RecordShip(channel string, packets, frameBytes int, removedRatio, duration float64) {
	m.ShippedBatchesTotal.WithLabelValues(channel).Inc()
	m.ShippedPacketsTotal.WithLabelValues(channel).Add(float64(packets))
	m.FrameBytes.WithLabelValues(channel).Observe(float64(frameBytes))
	m.CompressionRatio.WithLabelValues(channel).Observe(removedRatio)
	m.ShipDuration.WithLabelValues(channel).Observe(duration)
}

// RecordShipFailure records a batch send that was not acknowledged
func (m *Metrics) RecordShipFailure(channel string) {
	m.ShipFailuresTotal.WithLabelValues(channel).Inc()
}

// RecordCompaction records packets discarded by compaction
func (m *Metrics) RecordCompaction(channel string, discarded uint64) {
	m.CompactedPacketsTotal.WithLabelValues(channel).Add(float64(discarded))
}

// RecordApply records a batch applied on the backup
func (m *Metrics) RecordApply(channel string, packets int, duration float64) {
	m.AppliedPacketsTotal.WithLabelValues(channel).Add(float64(packets))
	m.ApplyDuration.WithLabelValues(channel).Observe(duration)
}

// RecordRejectedFrame records a frame the backup refused
func (m *Metrics) RecordRejectedFrame(channel string) {
	m.RejectedFramesTotal.WithLabelValues(channel).Inc()
}

// RemoveChannel drops every series of a closed channel
func (m *Metrics) RemoveChannel(channel string) {
	for _, g := range []*prometheus.GaugeVec{
		m.MemoryWeight, m.ExternalWeight, m.DiscardedPackets,
		m.MemoryPackets, m.ExternalPackets, m.SpaceUsedBytes,
	} {
		g.DeleteLabelValues(channel)
	}
}

// UpdateSystemStats updates system-level statistics
func (m *Metrics) UpdateSystemStats(diskUsage, diskAvailable, memoryUsage int64, goroutines int) {
	m.DiskUsageBytes.Set(float64(diskUsage))
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	if diskUsage+diskAvailable > 0 {
		m.DiskUsagePercent.Set(float64(diskUsage) / float64(diskUsage+diskAvailable) * 100)
	}
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
