// Package metrics provides Prometheus metrics for the docspace server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docspace_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docspace_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// Provider metrics
	providerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docspace_provider_requests_total",
			Help: "Total requests issued to storage providers",
		},
		[]string{"provider", "op", "status"},
	)

	providerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docspace_provider_request_duration_seconds",
			Help:    "Storage provider request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "op"},
	)

	providerCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docspace_provider_cache_total",
			Help: "Provider listing cache lookups",
		},
		[]string{"result"},
	)

	// Transfer metrics
	transferBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docspace_transfer_bytes_total",
			Help: "Total bytes streamed between providers",
		},
	)

	transferItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docspace_transfer_items_total",
			Help: "Entries transferred between providers",
		},
		[]string{"kind", "status"},
	)

	// Operation metrics
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docspace_operations_total",
			Help: "Finished batch operations by kind and final state",
		},
		[]string{"kind", "state"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docspace_operation_duration_seconds",
			Help:    "Batch operation duration in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		},
		[]string{"kind"},
	)

	operationItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docspace_operation_items_total",
			Help: "Items processed by batch operations",
		},
		[]string{"kind", "result"},
	)

	operationsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docspace_operations_running",
			Help: "Number of batch operations currently running",
		},
	)

	// Aggregation metrics
	aggregationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docspace_aggregation_duration_seconds",
			Help:    "Time to build a folder listing",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Editing metrics
	editingSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docspace_editing_sessions_active",
			Help: "Files with at least one active editing session",
		},
	)

	editConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docspace_edit_conflicts_total",
			Help: "Rejected edit attempts by reason",
		},
		[]string{"reason"},
	)

	savesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docspace_document_saves_total",
			Help: "Document saves by version policy outcome",
		},
		[]string{"policy"},
	)

	// Events metrics
	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docspace_events_published_total",
			Help: "Total events published",
		},
		[]string{"type"},
	)

	eventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docspace_event_subscribers",
			Help: "Number of active event subscribers",
		},
	)

	// Upload metrics
	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docspace_upload_bytes_total",
			Help: "Total bytes received through chunked uploads",
		},
	)

	uploadSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docspace_upload_sessions_active",
			Help: "Open chunked upload sessions",
		},
	)

	// Tag store metrics
	tagOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docspace_tag_operations_total",
			Help: "Tag store operations",
		},
		[]string{"op"},
	)

	// Sharing metrics
	permissionChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docspace_permission_checks_total",
			Help: "Security filter checks by result",
		},
		[]string{"result"},
	)

	shareLinksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docspace_share_links_active",
			Help: "Number of active share links",
		},
	)

	shareLinkUsesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docspace_share_link_uses_total",
			Help: "Total successful share link accesses",
		},
	)

	// Quota metrics
	quotaExceededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docspace_quota_exceeded_total",
			Help: "Total quota rejections by limit",
		},
		[]string{"limit"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the open database connection count.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// RecordProviderRequest records one call to a storage provider.
func RecordProviderRequest(provider, op string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	providerRequestsTotal.WithLabelValues(provider, op, status).Inc()
	providerRequestDuration.WithLabelValues(provider, op).Observe(duration.Seconds())
}

// RecordProviderCache records a listing cache hit or miss.
func RecordProviderCache(hit bool) {
	if hit {
		providerCacheTotal.WithLabelValues("hit").Inc()
		return
	}
	providerCacheTotal.WithLabelValues("miss").Inc()
}

// RecordTransferBytes adds streamed bytes.
func RecordTransferBytes(n int64) {
	transferBytesTotal.Add(float64(n))
}

// RecordTransferItem records one transferred file or folder.
func RecordTransferItem(kind string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	transferItemsTotal.WithLabelValues(kind, status).Inc()
}

// OperationStarted increments the running gauge.
func OperationStarted() {
	operationsRunning.Inc()
}

// RecordOperation records a finished batch operation.
func RecordOperation(kind, state string, duration time.Duration) {
	operationsRunning.Dec()
	operationsTotal.WithLabelValues(kind, state).Inc()
	operationDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordOperationItem records one processed batch item.
func RecordOperationItem(kind string, success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	operationItemsTotal.WithLabelValues(kind, result).Inc()
}

// RecordAggregation records the duration of one listing.
func RecordAggregation(kind string, duration time.Duration) {
	aggregationDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetEditingSessions sets the number of files being edited.
func SetEditingSessions(count int) {
	editingSessionsActive.Set(float64(count))
}

// RecordEditConflict records a rejected edit attempt.
func RecordEditConflict(reason string) {
	editConflictsTotal.WithLabelValues(reason).Inc()
}

// RecordSave records the version policy applied to a save.
func RecordSave(policy string) {
	savesTotal.WithLabelValues(policy).Inc()
}

// RecordEvent records a published event.
func RecordEvent(eventType string) {
	eventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// SetEventSubscribers sets the subscriber count.
func SetEventSubscribers(count int) {
	eventSubscribers.Set(float64(count))
}

// RecordUploadBytes adds bytes received by chunked uploads.
func RecordUploadBytes(n int64) {
	uploadBytesTotal.Add(float64(n))
}

// SetUploadSessions sets the open upload session count.
func SetUploadSessions(count int) {
	uploadSessionsActive.Set(float64(count))
}

// RecordTagOp records a tag store operation.
func RecordTagOp(op string) {
	tagOpsTotal.WithLabelValues(op).Inc()
}

// RecordPermissionCheck records a security filter decision.
func RecordPermissionCheck(allowed bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	permissionChecksTotal.WithLabelValues(result).Inc()
}

// SetShareLinksActive sets the number of active share links.
func SetShareLinksActive(count int64) {
	shareLinksActive.Set(float64(count))
}

// RecordShareLinkUse records an accepted share link.
func RecordShareLinkUse() {
	shareLinkUsesTotal.Inc()
}

// RecordQuotaExceeded records a quota rejection. limit is "storage" or "upload".
func RecordQuotaExceeded(limit string) {
	quotaExceededTotal.WithLabelValues(limit).Inc()
}
