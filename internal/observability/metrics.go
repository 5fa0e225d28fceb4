package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the literature pipeline.
// Collectors are registered with the default registry via promauto.
type Metrics struct {
	// TasksEnqueued counts tasks accepted by a queue, labeled by queue and kind.
	TasksEnqueued *prometheus.CounterVec

	// TasksDeduplicated counts enqueues rejected because a task with the same dedup key is outstanding.
	TasksDeduplicated *prometheus.CounterVec

	// TasksCompleted counts tasks that returned without error.
	TasksCompleted *prometheus.CounterVec

	// TasksFailed counts task deliveries that failed, labeled by queue, kind and reason
	// (error, timeout, panic).
	TasksFailed *prometheus.CounterVec

	// TasksRedelivered counts expired leases put back on their queue.
	TasksRedelivered *prometheus.CounterVec

	// TaskDuration observes task execution time in seconds.
	TaskDuration *prometheus.HistogramVec

	// ArticlesProcessed counts per-article task outcomes (success, error).
	ArticlesProcessed *prometheus.CounterVec

	// ContentSource counts where per-article content came from (pdf, no_pdf, no_content).
	ContentSource *prometheus.CounterVec

	// ModelRequests counts model backend calls, labeled by operation and model.
	ModelRequests *prometheus.CounterVec

	// ModelRequestsFailed counts failed model attempts, labeled by operation, model and error type.
	ModelRequestsFailed *prometheus.CounterVec

	// ModelEmptyResponses counts calls that exhausted retries and returned the empty sentinel.
	ModelEmptyResponses *prometheus.CounterVec

	// ModelRequestDuration observes model call duration in seconds.
	ModelRequestDuration *prometheus.HistogramVec

	// HTTPRetries counts retried outbound HTTP attempts, labeled by host and reason.
	HTTPRetries *prometheus.CounterVec

	// NotificationsPublished counts notifications by event type and channel.
	NotificationsPublished *prometheus.CounterVec

	// NotificationsDropped counts notifications a channel failed to deliver.
	NotificationsDropped *prometheus.CounterVec

	// StageTransitions counts project status changes, labeled by stage and resulting status.
	StageTransitions *prometheus.CounterVec

	// SourceRequestDuration observes bibliographic source request duration in seconds.
	SourceRequestDuration *prometheus.HistogramVec

	// ArticlesFound counts articles inserted by searches and imports, labeled by source.
	ArticlesFound *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The namespace is used as a prefix for all metric names.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		// Queue
		TasksEnqueued: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_enqueued_total",
			Help:      "Total number of tasks enqueued by queue and kind",
		}, []string{"queue", "kind"}),
		TasksDeduplicated: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_deduplicated_total",
			Help:      "Total number of enqueues rejected by an outstanding dedup key",
		}, []string{"queue", "kind"}),
		TasksCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Total number of tasks completed by queue and kind",
		}, []string{"queue", "kind"}),
		TasksFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_total",
			Help:      "Total number of failed task deliveries by queue, kind and reason",
		}, []string{"queue", "kind", "reason"}),
		TasksRedelivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_redelivered_total",
			Help:      "Total number of tasks redelivered after an expired lease",
		}, []string{"queue"}),
		TaskDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of task execution in seconds",
			Buckets:   []float64{0.1, 1, 5, 15, 30, 60, 120, 300, 900, 1800, 3600},
		}, []string{"queue", "kind"}),

		// Articles
		ArticlesProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "articles_processed_total",
			Help:      "Total number of per-article tasks by outcome",
		}, []string{"outcome"}),
		ContentSource: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "article_content_source_total",
			Help:      "Where per-article analysis content came from",
		}, []string{"source"}),

		// Model
		ModelRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_requests_total",
			Help:      "Total number of model requests by operation",
		}, []string{"operation", "model"}),
		ModelRequestsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_requests_failed_total",
			Help:      "Total number of failed model attempts by operation",
		}, []string{"operation", "model", "error_type"}),
		ModelEmptyResponses: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_empty_responses_total",
			Help:      "Total number of model calls that returned the empty sentinel",
		}, []string{"operation", "model"}),
		ModelRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_request_duration_seconds",
			Help:      "Duration of model requests in seconds",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600, 900},
		}, []string{"operation", "model"}),

		// Outbound HTTP
		HTTPRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_client_retries_total",
			Help:      "Total number of retried outbound HTTP attempts",
		}, []string{"host", "reason"}),

		// Notifications
		NotificationsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_published_total",
			Help:      "Total number of notifications published by type and channel",
		}, []string{"type", "channel"}),
		NotificationsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Total number of notifications a channel failed to deliver",
		}, []string{"channel"}),

		// Stages
		StageTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_transitions_total",
			Help:      "Total number of project status transitions by stage and status",
		}, []string{"stage", "status"}),

		// Sources
		SourceRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_request_duration_seconds",
			Help:      "Duration of bibliographic source requests in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"source", "operation"}),
		ArticlesFound: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "articles_found_total",
			Help:      "Total number of articles inserted by searches and imports",
		}, []string{"source"}),
	}
}

// RecordTaskEnqueued records an accepted enqueue.
func (m *Metrics) RecordTaskEnqueued(queue, kind string) {
	m.TasksEnqueued.WithLabelValues(queue, kind).Inc()
}

// RecordTaskDeduplicated records an enqueue rejected by its dedup key.
func (m *Metrics) RecordTaskDeduplicated(queue, kind string) {
	m.TasksDeduplicated.WithLabelValues(queue, kind).Inc()
}

// RecordTaskCompleted records a successful task execution.
func (m *Metrics) RecordTaskCompleted(queue, kind string, durationSeconds float64) {
	m.TasksCompleted.WithLabelValues(queue, kind).Inc()
	m.TaskDuration.WithLabelValues(queue, kind).Observe(durationSeconds)
}

// RecordTaskFailed records a failed task delivery.
func (m *Metrics) RecordTaskFailed(queue, kind, reason string, durationSeconds float64) {
	m.TasksFailed.WithLabelValues(queue, kind, reason).Inc()
	m.TaskDuration.WithLabelValues(queue, kind).Observe(durationSeconds)
}

// RecordTasksRedelivered records tasks whose lease expired.
func (m *Metrics) RecordTasksRedelivered(queue string, count int) {
	m.TasksRedelivered.WithLabelValues(queue).Add(float64(count))
}

// RecordArticleProcessed records a per-article task outcome.
func (m *Metrics) RecordArticleProcessed(outcome string) {
	m.ArticlesProcessed.WithLabelValues(outcome).Inc()
}

// RecordContentSource records where per-article content came from.
func (m *Metrics) RecordContentSource(source string) {
	m.ContentSource.WithLabelValues(source).Inc()
}

// RecordModelRequest records a model call attempt.
func (m *Metrics) RecordModelRequest(operation, model string, durationSeconds float64) {
	m.ModelRequests.WithLabelValues(operation, model).Inc()
	m.ModelRequestDuration.WithLabelValues(operation, model).Observe(durationSeconds)
}

// RecordModelRequestFailed records a failed model attempt.
func (m *Metrics) RecordModelRequestFailed(operation, model, errorType string) {
	m.ModelRequestsFailed.WithLabelValues(operation, model, errorType).Inc()
}

// RecordModelEmptyResponse records a call that exhausted its retries.
func (m *Metrics) RecordModelEmptyResponse(operation, model string) {
	m.ModelEmptyResponses.WithLabelValues(operation, model).Inc()
}

// RecordHTTPRetry records a retried outbound HTTP attempt.
func (m *Metrics) RecordHTTPRetry(host, reason string) {
	m.HTTPRetries.WithLabelValues(host, reason).Inc()
}

// RecordNotification records a published notification.
func (m *Metrics) RecordNotification(eventType, channel string) {
	m.NotificationsPublished.WithLabelValues(eventType, channel).Inc()
}

// RecordNotificationDropped records a notification a channel failed to deliver.
func (m *Metrics) RecordNotificationDropped(channel string) {
	m.NotificationsDropped.WithLabelValues(channel).Inc()
}

// RecordStageTransition records a project status change.
func (m *Metrics) RecordStageTransition(stage, status string) {
	m.StageTransitions.WithLabelValues(stage, status).Inc()
}

// RecordSourceRequest records a bibliographic source request.
func (m *Metrics) RecordSourceRequest(source, operation string, durationSeconds float64) {
	m.SourceRequestDuration.WithLabelValues(source, operation).Observe(durationSeconds)
}

// RecordArticlesFound records articles inserted from a source.
func (m *Metrics) RecordArticlesFound(source string, count int) {
	m.ArticlesFound.WithLabelValues(source).Add(float64(count))
}
