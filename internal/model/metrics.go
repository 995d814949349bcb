package model

import "time"

// ProcessInfo is a single entry in a MetricSnapshot's top-N process list.
type ProcessInfo struct {
	PID       int32   `json:"pid"`
	PPID      int32   `json:"ppid"`
	Name      string  `json:"name"`
	CPUPct    float64 `json:"cpu_percent"`
	MemPct    float32 `json:"mem_percent"`
	RSSBytes  uint64  `json:"rss_bytes"`
	Cmdline   string  `json:"cmdline"`
}

// DiskUsage describes utilization of a single mount point.
type DiskUsage struct {
	Mount       string  `json:"mount"`
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// MetricSnapshot is one canonical host-resource sample.
type MetricSnapshot struct {
	NodeID      string    `json:"node_id"`
	MachineUUID string    `json:"machine_uuid"`
	Timestamp   time.Time `json:"timestamp"`

	CPUPercent    float64   `json:"cpu_percent"`
	CPUPerCore    []float64 `json:"cpu_per_core"`
	Load1         float64   `json:"load1"`
	Load5         float64   `json:"load5"`
	Load15        float64   `json:"load15"`

	MemTotalBytes     uint64 `json:"mem_total_bytes"`
	MemUsedBytes      uint64 `json:"mem_used_bytes"`
	MemAvailableBytes uint64 `json:"mem_available_bytes"`

	Disks []DiskUsage `json:"disks"`

	DiskReadMBs  float64 `json:"disk_read_mb_s"`
	DiskWriteMBs float64 `json:"disk_write_mb_s"`

	NetRXBytes   uint64  `json:"net_rx_bytes"`
	NetTXBytes   uint64  `json:"net_tx_bytes"`
	NetRXRateBps float64 `json:"net_rx_rate_bytes_s"`
	NetTXRateBps float64 `json:"net_tx_rate_bytes_s"`

	UptimeSeconds uint64 `json:"uptime_seconds"`
	ProcessCount  int    `json:"process_count"`

	TopProcesses []ProcessInfo `json:"top_processes"`
}

// AlertKind enumerates the nine standard alert rule identifiers.
type AlertKind string

const (
	AlertCPUCritical      AlertKind = "cpu_critical"
	AlertCPUHigh          AlertKind = "cpu_high"
	AlertMemoryCritical   AlertKind = "memory_critical"
	AlertMemoryHigh       AlertKind = "memory_high"
	AlertDiskCritical     AlertKind = "disk_critical"
	AlertDiskHigh         AlertKind = "disk_high"
	AlertNetworkSpike     AlertKind = "network_spike"
	AlertHighProcessCount AlertKind = "high_process_count"
)

// AllAlertKinds lists the nine standard kinds in a stable order.
var AllAlertKinds = []AlertKind{
	AlertCPUCritical,
	AlertCPUHigh,
	AlertMemoryCritical,
	AlertMemoryHigh,
	AlertDiskCritical,
	AlertDiskHigh,
	AlertNetworkSpike,
	AlertHighProcessCount,
}

// AlertRule is the static configuration for one alert kind.
type AlertRule struct {
	Kind       AlertKind `json:"kind" validate:"required"`
	Threshold  float64   `json:"threshold"`
	Multiplier float64   `json:"multiplier,omitempty"`
	Duration   int       `json:"duration_seconds" validate:"min=0"`
	Priority   Priority  `json:"priority" validate:"required,oneof=critical high medium low"`
	Cooldown   int       `json:"cooldown_seconds" validate:"min=0"`
}

// AlertState is the alert engine's per-kind mutable state.
type AlertState struct {
	BreachStarted *time.Time
	LastFired     *time.Time
}

// QueueEntry is a single persisted Telemetry Queue record.
type QueueEntry struct {
	ID              int64     `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	Payload         []byte    `json:"payload"`
	RetryCount      int       `json:"retry_count"`
	InsertedAt      time.Time `json:"inserted_at"`
	LastAttemptAt   time.Time `json:"last_attempt_at"`
}
