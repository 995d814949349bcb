package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TailerMetrics tracks per-source log tailing activity.
type TailerMetrics struct {
	LinesEmitted   *prometheus.CounterVec
	LinesSkipped   *prometheus.CounterVec
	ReopenTotal    *prometheus.CounterVec
	SourcesActive  prometheus.Gauge
}

func newTailerMetrics(ns string) *TailerMetrics {
	return &TailerMetrics{
		LinesEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "tailer", Name: "lines_emitted_total",
			Help: "Lines matching the error regex emitted for suppression/publication.",
		}, []string{"source_label"}),
		LinesSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "tailer", Name: "lines_skipped_total",
			Help: "Lines not matching the error regex or filtered as self-loop markers.",
		}, []string{"source_label"}),
		ReopenTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "tailer", Name: "reopen_total",
			Help: "Times a tailed file was reopened due to rotation or disappearance.",
		}, []string{"source_label"}),
		SourcesActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "tailer", Name: "sources_active",
			Help: "Number of log sources with a running tailer worker.",
		}),
	}
}

// SuppressionMetrics tracks the suppression matcher's hit rate.
type SuppressionMetrics struct {
	ChecksTotal     prometheus.Counter
	SuppressedTotal prometheus.Counter
	CacheSize       prometheus.Gauge
	CacheReloads    prometheus.Counter
	FailOpenTotal   prometheus.Counter
}

func newSuppressionMetrics(ns string) *SuppressionMetrics {
	return &SuppressionMetrics{
		ChecksTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "suppression", Name: "checks_total",
			Help: "Total should_suppress evaluations.",
		}),
		SuppressedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "suppression", Name: "suppressed_total",
			Help: "Total events suppressed by a matching rule.",
		}),
		CacheSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "suppression", Name: "cache_size",
			Help: "Number of rules currently held in the TTL cache.",
		}),
		CacheReloads: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "suppression", Name: "cache_reloads_total",
			Help: "Total rule cache reload attempts.",
		}),
		FailOpenTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "suppression", Name: "fail_open_total",
			Help: "Total matcher errors swallowed by the fail-open policy.",
		}),
	}
}

// PublisherMetrics tracks event-bus publication.
type PublisherMetrics struct {
	PublishedTotal *prometheus.CounterVec
	FailedTotal    *prometheus.CounterVec
	ReconnectTotal prometheus.Counter
}

func newPublisherMetrics(ns string) *PublisherMetrics {
	return &PublisherMetrics{
		PublishedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "publisher", Name: "published_total",
			Help: "Events successfully published to the message bus.",
		}, []string{"severity"}),
		FailedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "publisher", Name: "failed_total",
			Help: "Events dropped after a publish attempt failed.",
		}, []string{"severity"}),
		ReconnectTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "publisher", Name: "reconnect_total",
			Help: "Bus connection rebuild attempts after a failed publish.",
		}),
	}
}

// SamplerMetrics tracks metric collection cadence.
type SamplerMetrics struct {
	SamplesTotal    prometheus.Counter
	SampleErrors    *prometheus.CounterVec
	SampleDuration  prometheus.Histogram
}

func newSamplerMetrics(ns string) *SamplerMetrics {
	return &SamplerMetrics{
		SamplesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "sampler", Name: "samples_total",
			Help: "Total MetricSnapshots produced.",
		}),
		SampleErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "sampler", Name: "sample_errors_total",
			Help: "Sub-collector failures skipped during a sample.",
		}, []string{"field"}),
		SampleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "sampler", Name: "sample_duration_seconds",
			Help:    "Time to produce one MetricSnapshot.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 2},
		}),
	}
}

// AlertMetrics tracks alert engine evaluations and emissions.
type AlertMetrics struct {
	EvaluationsTotal *prometheus.CounterVec
	EmittedTotal     *prometheus.CounterVec
	EmitErrors       *prometheus.CounterVec
}

func newAlertMetrics(ns string) *AlertMetrics {
	return &AlertMetrics{
		EvaluationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "alert", Name: "evaluations_total",
			Help: "Threshold evaluations performed per alert kind.",
		}, []string{"kind"}),
		EmittedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "alert", Name: "emitted_total",
			Help: "Alert tickets emitted per kind.",
		}, []string{"kind"}),
		EmitErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "alert", Name: "emit_errors_total",
			Help: "Ticket POST failures, which do not block state transitions.",
		}, []string{"kind"}),
	}
}

// QueueMetrics tracks the telemetry queue's size and drop behavior.
type QueueMetrics struct {
	Size          prometheus.Gauge
	EnqueuedTotal prometheus.Counter
	DroppedTotal  prometheus.Counter
	CorruptTotal  prometheus.Counter
}

func newQueueMetrics(ns string) *QueueMetrics {
	return &QueueMetrics{
		Size: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "queue", Name: "size",
			Help: "Current number of entries in the telemetry queue.",
		}),
		EnqueuedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "queue", Name: "enqueued_total",
			Help: "Total snapshots enqueued.",
		}),
		DroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "queue", Name: "dropped_total",
			Help: "Oldest-entry drops due to the queue being at capacity.",
		}),
		CorruptTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "queue", Name: "corrupt_total",
			Help: "Corrupted entries discarded on dequeue.",
		}),
	}
}

// PosterMetrics tracks the telemetry poster's HTTP delivery outcomes.
type PosterMetrics struct {
	SentTotal       prometheus.Counter
	ClientErrTotal  prometheus.Counter
	ServerErrTotal  prometheus.Counter
	RetryExhausted  prometheus.Counter
	BatchDuration   prometheus.Histogram
}

func newPosterMetrics(ns string) *PosterMetrics {
	return &PosterMetrics{
		SentTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "poster", Name: "sent_total",
			Help: "Snapshots successfully delivered (2xx).",
		}),
		ClientErrTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "poster", Name: "client_errors_total",
			Help: "Snapshots dropped after a 4xx structural rejection.",
		}),
		ServerErrTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "poster", Name: "server_errors_total",
			Help: "Transient delivery failures (5xx/timeout/connection) recorded as retries.",
		}),
		RetryExhausted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "poster", Name: "retry_exhausted_total",
			Help: "Entries dropped after exceeding the max retry count.",
		}),
		BatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "poster", Name: "batch_duration_seconds",
			Help:    "Time to process one dequeue batch.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10},
		}),
	}
}

// LivestreamMetrics tracks the live-stream servers' connected peers.
type LivestreamMetrics struct {
	PeersActive     *prometheus.GaugeVec
	MessagesSent    *prometheus.CounterVec
	SendErrors      *prometheus.CounterVec
}

func newLivestreamMetrics(ns string) *LivestreamMetrics {
	return &LivestreamMetrics{
		PeersActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "livestream", Name: "peers_active",
			Help: "Connected peers per stream.",
		}, []string{"stream"}),
		MessagesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "livestream", Name: "messages_sent_total",
			Help: "Messages broadcast per stream.",
		}, []string{"stream"}),
		SendErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "livestream", Name: "send_errors_total",
			Help: "Send failures that caused a peer to be pruned.",
		}, []string{"stream"}),
	}
}
