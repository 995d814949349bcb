// Package metrics provides a centralized Prometheus metrics registry for
// the agent, organized by the subsystem that owns each metric.
//
// Usage:
//
//	reg := metrics.DefaultRegistry()
//	reg.Tailer().LinesEmitted.WithLabelValues("app_errors").Inc()
//	reg.Queue().Size.Set(42)
package metrics

import "sync"

// Registry is the central holder of all agent Prometheus metrics, grouped
// by subsystem and lazily initialized so that subsystems not wired into a
// given run never register metrics for themselves.
type Registry struct {
	namespace string

	tailer      *TailerMetrics
	suppression *SuppressionMetrics
	publisher   *PublisherMetrics
	sampler     *SamplerMetrics
	alert       *AlertMetrics
	queue       *QueueMetrics
	poster      *PosterMetrics
	livestream  *LivestreamMetrics

	tailerOnce      sync.Once
	suppressionOnce sync.Once
	publisherOnce   sync.Once
	samplerOnce     sync.Once
	alertOnce       sync.Once
	queueOnce       sync.Once
	posterOnce      sync.Once
	livestreamOnce  sync.Once
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide singleton Registry.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry("hostsentry")
	})
	return defaultRegistry
}

// NewRegistry creates a Registry under the given Prometheus namespace.
func NewRegistry(namespace string) *Registry {
	if namespace == "" {
		namespace = "hostsentry"
	}
	return &Registry{namespace: namespace}
}

// Namespace returns the configured Prometheus namespace.
func (r *Registry) Namespace() string { return r.namespace }

// Tailer returns the log-tailer metrics, initialized on first access.
func (r *Registry) Tailer() *TailerMetrics {
	r.tailerOnce.Do(func() { r.tailer = newTailerMetrics(r.namespace) })
	return r.tailer
}

// Suppression returns the suppression-matcher metrics.
func (r *Registry) Suppression() *SuppressionMetrics {
	r.suppressionOnce.Do(func() { r.suppression = newSuppressionMetrics(r.namespace) })
	return r.suppression
}

// Publisher returns the event-publisher metrics.
func (r *Registry) Publisher() *PublisherMetrics {
	r.publisherOnce.Do(func() { r.publisher = newPublisherMetrics(r.namespace) })
	return r.publisher
}

// Sampler returns the metric-sampler metrics.
func (r *Registry) Sampler() *SamplerMetrics {
	r.samplerOnce.Do(func() { r.sampler = newSamplerMetrics(r.namespace) })
	return r.sampler
}

// Alert returns the alert-engine metrics.
func (r *Registry) Alert() *AlertMetrics {
	r.alertOnce.Do(func() { r.alert = newAlertMetrics(r.namespace) })
	return r.alert
}

// Queue returns the telemetry-queue metrics.
func (r *Registry) Queue() *QueueMetrics {
	r.queueOnce.Do(func() { r.queue = newQueueMetrics(r.namespace) })
	return r.queue
}

// Poster returns the telemetry-poster metrics.
func (r *Registry) Poster() *PosterMetrics {
	r.posterOnce.Do(func() { r.poster = newPosterMetrics(r.namespace) })
	return r.poster
}

// Livestream returns the live-stream server metrics.
func (r *Registry) Livestream() *LivestreamMetrics {
	r.livestreamOnce.Do(func() { r.livestream = newLivestreamMetrics(r.namespace) })
	return r.livestream
}
