// Package config implements the agent's layered Config Store: built-in
// defaults, deep-merged with an on-disk file, a remote snapshot keyed by
// node id, and a local cache fallback, plus a separately permissioned
// secrets file.
package config

import "time"

// Config is the agent's full typed configuration tree. Every field maps to
// a dot-path understood by Store.Get/Set (e.g. "log.level", "sampler.interval").
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Log        LogConfig        `mapstructure:"log"`
	Server     ServerConfig     `mapstructure:"server"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Sources    []SourceConfig   `mapstructure:"sources"`
	Suppression SuppressionConfig `mapstructure:"suppression"`
	Sampler    SamplerConfig    `mapstructure:"sampler"`
	Alert      AlertConfig      `mapstructure:"alert"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Poster     PosterConfig     `mapstructure:"poster"`
	Bus        BusConfig        `mapstructure:"bus"`
	Backend    BackendConfig    `mapstructure:"backend"`
	Heartbeat  HeartbeatConfig  `mapstructure:"heartbeat"`
	Livestream LivestreamConfig `mapstructure:"livestream"`
}

// AppConfig carries node identity and top-level environment flags.
type AppConfig struct {
	NodeID      string `mapstructure:"node_id" validate:"required"`
	MachineUUID string `mapstructure:"machine_uuid"`
	Environment string `mapstructure:"environment"`
	ConfigDir   string `mapstructure:"config_dir"`
}

// LogConfig controls the agent's own structured logging (pkg/logger).
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// ServerConfig is the local control HTTP surface.
type ServerConfig struct {
	Port                    int           `mapstructure:"port"`
	Host                    string        `mapstructure:"host"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
}

// MonitoringConfig holds the keyword sets that drive severity/priority
// classification and the emission gate in the tailer. The keyword
// set is hot-reloadable and recompiles the match automaton.
type MonitoringConfig struct {
	ErrorKeywords          []string `mapstructure:"error_keywords"`
	CriticalSeverityWords  []string `mapstructure:"critical_severity_words"`
	FailureSeverityWords   []string `mapstructure:"failure_severity_words"`
	ErrorSeverityWords     []string `mapstructure:"error_severity_words"`
	WarnSeverityWords      []string `mapstructure:"warn_severity_words"`
	CriticalPriorityWords  []string `mapstructure:"critical_priority_words"`
	HighPriorityWords      []string `mapstructure:"high_priority_words"`
	SelfLoopMarkers        []string `mapstructure:"self_loop_markers"`
}

// SourceConfig is the on-disk representation of a LogSource (model.LogSource
// adds runtime/derived fields on top of this).
type SourceConfig struct {
	ID          string `mapstructure:"id"`
	Path        string `mapstructure:"path"`
	Label       string `mapstructure:"label"`
	Priority    string `mapstructure:"priority"`
	Enabled     bool   `mapstructure:"enabled"`
	AutoMonitor bool   `mapstructure:"auto_monitor"`
}

// SuppressionConfig controls the suppression matcher's TTL cache and the
// rule database it loads from.
type SuppressionConfig struct {
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	DatabasePath string        `mapstructure:"database_path"`
}

// SamplerConfig controls the metric sampler's cadence.
type SamplerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	TopProcessCount int           `mapstructure:"top_process_count"`
}

// AlertConfig holds the nine standard AlertRules keyed by kind.
type AlertConfig struct {
	Rules map[string]AlertRuleConfig `mapstructure:"rules"`
}

// AlertRuleConfig is the on-disk shape of one model.AlertRule.
type AlertRuleConfig struct {
	Threshold  float64 `mapstructure:"threshold"`
	Multiplier float64 `mapstructure:"multiplier"`
	Duration   int     `mapstructure:"duration_seconds"`
	Priority   string  `mapstructure:"priority"`
	Cooldown   int     `mapstructure:"cooldown_seconds"`
}

// QueueConfig controls the telemetry queue's persistence and bound.
type QueueConfig struct {
	DatabasePath string `mapstructure:"database_path"`
	MaxSize      int    `mapstructure:"max_size"`
}

// PosterConfig controls the telemetry poster loop.
type PosterConfig struct {
	Interval      time.Duration   `mapstructure:"interval"`
	BatchSize     int             `mapstructure:"batch_size"`
	RequestTimeout time.Duration  `mapstructure:"request_timeout"`
	MaxRetries    int             `mapstructure:"max_retries"`
	BackoffSeries []time.Duration `mapstructure:"backoff_series"`
}

// BusConfig configures the durable message-bus transport used by the
// Event Publisher.
type BusConfig struct {
	URL       string `mapstructure:"url"`
	QueueName string `mapstructure:"queue_name"`
}

// BackendConfig points at the central control plane consuming telemetry,
// tickets, and heartbeats.
type BackendConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	BearerToken string `mapstructure:"bearer_token"`
}

// HeartbeatConfig controls the fixed-interval heartbeat emitter.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// LivestreamConfig controls the two push-only broadcast endpoints.
type LivestreamConfig struct {
	LogPort       int           `mapstructure:"log_port"`
	TelemetryPort int           `mapstructure:"telemetry_port"`
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`
}

// defaultsMap returns the built-in default layer as dot-path/value pairs.
// Every other layer (file, remote, cache) deep-merges on top of this.
func defaultsMap() map[string]any {
	return map[string]any{
		"app.environment": "production",
		"app.config_dir":  "/etc/hostsentry",

		"log.level":       "info",
		"log.format":      "json",
		"log.output":      "file",
		"log.filename":    "/var/log/hostsentry/agent.log",
		"log.max_size":    100,
		"log.max_backups": 3,
		"log.max_age":     28,
		"log.compress":    true,

		"server.port":                      8754,
		"server.host":                      "0.0.0.0",
		"server.read_timeout":              "10s",
		"server.write_timeout":             "10s",
		"server.graceful_shutdown_timeout": "10s",

		"monitoring.error_keywords":         []string{"err", "error", "warn", "warning", "fail", "failed", "failure", "panic", "fatal", "critical", "crit"},
		"monitoring.critical_severity_words": []string{"panic", "fatal", "critical", "crit"},
		"monitoring.failure_severity_words":  []string{"fail", "failed", "failure"},
		"monitoring.error_severity_words":     []string{"err", "error"},
		"monitoring.warn_severity_words":      []string{"warn", "warning"},
		"monitoring.critical_priority_words":  []string{"panic", "fatal"},
		"monitoring.high_priority_words":      []string{"critical", "crit"},
		"monitoring.self_loop_markers":        []string{"[hostsentry]", "hostsentry-agent:"},

		"suppression.cache_ttl":     "60s",
		"suppression.database_path": "/var/lib/hostsentry/suppression.db",

		"sampler.interval":          "3s",
		"sampler.top_process_count": 5,

		"queue.database_path": "/var/lib/hostsentry/queue.db",
		"queue.max_size":      1000,

		"poster.interval":        "60s",
		"poster.batch_size":      10,
		"poster.request_timeout": "10s",
		"poster.max_retries":     3,
		"poster.backoff_series":  []string{"5s", "15s", "60s"},

		"bus.queue_name": "hostsentry.events",

		"backend.base_url": "",

		"heartbeat.interval": "30s",

		"livestream.log_port":          8755,
		"livestream.telemetry_port":    8756,
		"livestream.broadcast_interval": "3s",

		"alert.rules.cpu_critical.threshold":         90.0,
		"alert.rules.cpu_critical.duration_seconds":   300,
		"alert.rules.cpu_critical.priority":           "critical",
		"alert.rules.cpu_critical.cooldown_seconds":   1800,
		"alert.rules.cpu_high.threshold":               75.0,
		"alert.rules.cpu_high.duration_seconds":         300,
		"alert.rules.cpu_high.priority":                 "high",
		"alert.rules.cpu_high.cooldown_seconds":         1800,
		"alert.rules.memory_critical.threshold":         90.0,
		"alert.rules.memory_critical.duration_seconds":  300,
		"alert.rules.memory_critical.priority":           "critical",
		"alert.rules.memory_critical.cooldown_seconds":   1800,
		"alert.rules.memory_high.threshold":              80.0,
		"alert.rules.memory_high.duration_seconds":       300,
		"alert.rules.memory_high.priority":                "high",
		"alert.rules.memory_high.cooldown_seconds":        1800,
		"alert.rules.disk_critical.threshold":             90.0,
		"alert.rules.disk_critical.duration_seconds":      0,
		"alert.rules.disk_critical.priority":               "critical",
		"alert.rules.disk_critical.cooldown_seconds":       7200,
		"alert.rules.disk_high.threshold":                  80.0,
		"alert.rules.disk_high.duration_seconds":           0,
		"alert.rules.disk_high.priority":                    "high",
		"alert.rules.disk_high.cooldown_seconds":            7200,
		"alert.rules.network_spike.multiplier":              3.0,
		"alert.rules.network_spike.duration_seconds":        0,
		"alert.rules.network_spike.priority":                 "medium",
		"alert.rules.network_spike.cooldown_seconds":         900,
		"alert.rules.high_process_count.threshold":           500.0,
		"alert.rules.high_process_count.duration_seconds":    60,
		"alert.rules.high_process_count.priority":              "medium",
		"alert.rules.high_process_count.cooldown_seconds":      1800,
	}
}
