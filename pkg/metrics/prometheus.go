// Package metrics provides Prometheus metrics for the PitchPulse scoring service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the scoring service.
type Manager struct {
	namespace      string
	subsystem      string
	latencyBuckets []float64
	replayBuckets  []float64
	constLabels    map[string]string
	registry       prometheus.Registerer

	// Command intake
	matchesRegistered prometheus.Counter
	commandsAccepted  *prometheus.CounterVec
	commandsRejected  *prometheus.CounterVec
	commandConflicts  prometheus.Counter
	commandRetries    prometheus.Counter
	commandDuplicates prometheus.Counter

	// Event log
	eventsAppended    *prometheus.CounterVec
	appendLatency     prometheus.Histogram
	persistenceErrors *prometheus.CounterVec
	logReadPages      prometheus.Counter

	// Snapshot cache
	cacheHits          prometheus.Counter
	cacheMisses        prometheus.Counter
	cacheInvalidations prometheus.Counter
	cachedMatches      prometheus.Gauge
	replays            prometheus.Counter
	replayDuration     prometheus.Histogram

	// Broadcast
	activeSubscribers prometheus.Gauge
	eventsBroadcast   prometheus.Counter
	slowConsumers     prometheus.Counter
	catchUpEvents     prometheus.Counter
	followedEvents    prometheus.Counter
	protocolErrors    prometheus.Counter

	// Subscriber queues
	queueEnqueue       prometheus.Counter
	queueDequeue       prometheus.Counter
	queueEnqueueErrors prometheus.Counter

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:      "pitchpulse",
		subsystem:      "scoring",
		latencyBuckets: []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		replayBuckets:  []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000},
		constLabels:    make(map[string]string),
		registry:       prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
		Buckets: buckets,
	})
}

func (m *Manager) initializeMetrics() {
	m.matchesRegistered = m.counter("matches_registered_total", "Total number of matches registered")
	m.commandsAccepted = m.counterVec("commands_accepted_total", "Scorer commands admitted to the log, by command type", "command")
	m.commandsRejected = m.counterVec("commands_rejected_total", "Scorer commands rejected by validation, by reason code", "code")
	m.commandConflicts = m.counter("command_conflicts_total", "Appends refused because the log tail moved (stale expected seq)")
	m.commandRetries = m.counter("command_retries_total", "Commands re-validated after a conflict")
	m.commandDuplicates = m.counter("command_duplicates_total", "Commands answered from the idempotency cache")

	m.eventsAppended = m.counterVec("events_appended_total", "Events durably appended, by kind", "kind")
	m.appendLatency = m.histogram("append_latency_milliseconds", "Latency of conditional appends to the event log", m.latencyBuckets)
	m.persistenceErrors = m.counterVec("persistence_errors_total", "Event log failures, by operation", "op")
	m.logReadPages = m.counter("log_read_pages_total", "Pages fetched by event log cursors")

	m.cacheHits = m.counter("snapshot_cache_hits_total", "Snapshot reads served from memory")
	m.cacheMisses = m.counter("snapshot_cache_misses_total", "Snapshot reads that required a cold replay")
	m.cacheInvalidations = m.counter("snapshot_cache_invalidations_total", "Snapshots dropped after an uncertain append")
	m.cachedMatches = m.gauge("snapshot_cached_matches", "Matches with a snapshot in memory")
	m.replays = m.counter("replays_total", "Full log replays performed")
	m.replayDuration = m.histogram("replay_duration_milliseconds", "Duration of full log replays", m.replayBuckets)

	m.activeSubscribers = m.gauge("active_subscribers", "Real-time subscribers currently connected")
	m.eventsBroadcast = m.counter("events_broadcast_total", "Events enqueued to live subscribers")
	m.slowConsumers = m.counter("slow_consumer_disconnects_total", "Subscribers disconnected because their queue was full")
	m.catchUpEvents = m.counter("catch_up_events_total", "Events delivered from the log during catch-up or gap fill")
	m.followedEvents = m.counter("followed_events_total", "Events appended by other processes and relayed to local subscribers")
	m.protocolErrors = m.counter("protocol_errors_total", "Malformed real-time frames received")

	m.queueEnqueue = m.counter("queue_enqueue_total", "Records enqueued to subscriber queues")
	m.queueDequeue = m.counter("queue_dequeue_total", "Records dequeued from subscriber queues")
	m.queueEnqueueErrors = m.counter("queue_enqueue_errors_total", "Enqueue attempts refused by a full or closed queue")

	m.httpRequests = m.counterVec("http_requests_total", "Total number of HTTP requests by endpoint and method",
		"endpoint", "method", "status_code")
	m.httpRequestDuration = promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: m.constLabels,
		Name:    "http_request_duration_milliseconds",
		Help:    "HTTP request duration in milliseconds",
		Buckets: m.latencyBuckets,
	}, []string{"endpoint", "method", "status_code"})

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "Heap memory in use")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
	m.systemGCPauseTime = m.histogram("system_gc_pause_milliseconds", "Most recent GC pause", m.latencyBuckets)
}

// RecordMatchRegistered increments the registered matches counter.
func RecordMatchRegistered() { globalManager.matchesRegistered.Inc() }

// RecordCommandAccepted counts an admitted command.
func RecordCommandAccepted(command string) {
	globalManager.commandsAccepted.WithLabelValues(command).Inc()
}

// RecordCommandRejected counts a validation rejection by its reason code.
func RecordCommandRejected(code string) {
	globalManager.commandsRejected.WithLabelValues(code).Inc()
}

// RecordCommandConflict counts an append that hit a moved tail.
func RecordCommandConflict() { globalManager.commandConflicts.Inc() }

// RecordCommandRetry counts a re-validation after a conflict.
func RecordCommandRetry() { globalManager.commandRetries.Inc() }

// RecordCommandDuplicate counts a command answered by idempotency.
func RecordCommandDuplicate() { globalManager.commandDuplicates.Inc() }

// RecordEventAppended counts one appended event of the given kind.
func RecordEventAppended(kind string) {
	globalManager.eventsAppended.WithLabelValues(kind).Inc()
}

// RecordAppendLatency records the latency of one conditional append.
func RecordAppendLatency(latencyMs float64) { globalManager.appendLatency.Observe(latencyMs) }

// RecordPersistenceError counts a storage failure for op.
func RecordPersistenceError(op string) {
	globalManager.persistenceErrors.WithLabelValues(op).Inc()
}

// RecordLogReadPage counts one cursor page fetch.
func RecordLogReadPage() { globalManager.logReadPages.Inc() }

// RecordCacheHit counts a snapshot served from memory.
func RecordCacheHit() { globalManager.cacheHits.Inc() }

// RecordCacheMiss counts a snapshot that needed a replay.
func RecordCacheMiss() { globalManager.cacheMisses.Inc() }

// RecordCacheInvalidation counts a dropped snapshot.
func RecordCacheInvalidation() { globalManager.cacheInvalidations.Inc() }

// UpdateCachedMatches sets the number of cached snapshots.
func UpdateCachedMatches(count int) { globalManager.cachedMatches.Set(float64(count)) }

// RecordReplay records one full replay and its duration.
func RecordReplay(durationMs float64) {
	globalManager.replays.Inc()
	globalManager.replayDuration.Observe(durationMs)
}

// UpdateActiveSubscribers sets the number of connected subscribers.
func UpdateActiveSubscribers(count int) { globalManager.activeSubscribers.Set(float64(count)) }

// RecordEventBroadcast counts one live delivery enqueued.
func RecordEventBroadcast() { globalManager.eventsBroadcast.Inc() }

// RecordSlowConsumer counts a subscriber dropped for a full queue.
func RecordSlowConsumer() { globalManager.slowConsumers.Inc() }

// RecordCatchUpEvents counts events delivered from the log.
func RecordCatchUpEvents(n int) { globalManager.catchUpEvents.Add(float64(n)) }

// RecordFollowedEvents counts events picked up from the shared log tail.
func RecordFollowedEvents(n int) { globalManager.followedEvents.Add(float64(n)) }

// RecordProtocolError counts a malformed real-time frame.
func RecordProtocolError() { globalManager.protocolErrors.Inc() }

// RecordQueueEnqueue increments the queue enqueue counter.
func RecordQueueEnqueue() { globalManager.queueEnqueue.Inc() }

// RecordQueueDequeue increments the queue dequeue counter.
func RecordQueueDequeue() { globalManager.queueDequeue.Inc() }

// RecordQueueEnqueueError increments the queue enqueue errors counter.
func RecordQueueEnqueueError() { globalManager.queueEnqueueErrors.Inc() }

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) {
	globalManager.systemGCPauseTime.Observe(pauseMs)
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
