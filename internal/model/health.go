package model

// HealthStatus represents the health state of a backlog node
type HealthStatus struct {
	NodeID    string
	Status    NodeStatus
	Timestamp int64
	Metrics   HealthMetrics
}

// NodeStatus defines the operational status of a node
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// HealthMetrics contains backlog level health figures
type HealthMetrics struct {
	DiskUsage        float64
	Channels         int
	CorruptChannels  int
	BacklogWeight    uint64
	BacklogPackets   uint64
	DiscardedPackets uint64
}
