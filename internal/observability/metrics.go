package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the definition extraction service.
// Metrics are organized by subsystem: papers, tasks, pipeline stages, classification,
// external adapters, queries, and the event relay. All counters and histograms are
// registered via promauto for automatic registration with the default Prometheus registry.
type Metrics struct {
	// PapersIngested counts papers accepted for processing.
	PapersIngested prometheus.Counter

	// PapersDuplicate counts uploads rejected as duplicates by content hash.
	PapersDuplicate prometheus.Counter

	// PapersReprocessed counts explicit reprocessing requests.
	PapersReprocessed prometheus.Counter

	// PapersDeleted counts papers removed together with their derived data.
	PapersDeleted prometheus.Counter

	// PaperProcessingDuration observes the end-to-end pipeline duration per paper in seconds.
	PaperProcessingDuration prometheus.Histogram

	// TasksEnqueued counts tasks created, labeled by task type.
	TasksEnqueued *prometheus.CounterVec

	// TasksCompleted counts tasks that finished successfully, labeled by task type.
	TasksCompleted *prometheus.CounterVec

	// TasksFailed counts tasks that exhausted retries or hit fatal errors, labeled by task type.
	TasksFailed *prometheus.CounterVec

	// TasksRetried counts whole-task retry attempts, labeled by task type.
	TasksRetried *prometheus.CounterVec

	// TasksCancelled counts tasks cancelled before completion, labeled by task type.
	TasksCancelled *prometheus.CounterVec

	// TasksTimedOut counts tasks terminated by the execution timeout, labeled by task type.
	TasksTimedOut *prometheus.CounterVec

	// TaskDuration observes task execution duration in seconds, labeled by task type.
	TaskDuration *prometheus.HistogramVec

	// TasksInFlight tracks the number of tasks currently executing.
	TasksInFlight prometheus.Gauge

	// StageDuration observes pipeline stage duration in seconds, labeled by stage.
	StageDuration *prometheus.HistogramVec

	// StageFailures counts pipeline stage failures, labeled by stage and error type.
	StageFailures *prometheus.CounterVec

	// SentencesClassified counts sentences reaching a terminal classification
	// outcome, labeled by outcome (success, error).
	SentencesClassified *prometheus.CounterVec

	// ClassificationAttempts counts individual classifier calls including retries.
	ClassificationAttempts prometheus.Counter

	// ClassificationRetries counts classifier calls beyond the first attempt.
	ClassificationRetries prometheus.Counter

	// DefinitionsDetected counts detected definitions, labeled by kind (od, cd).
	DefinitionsDetected *prometheus.CounterVec

	// ClassificationBatchDuration observes batch classification duration in seconds.
	ClassificationBatchDuration prometheus.Histogram

	// AdapterRequestsTotal counts HTTP requests to external services, labeled by adapter and operation.
	AdapterRequestsTotal *prometheus.CounterVec

	// AdapterRequestsFailed counts failed HTTP requests to external services,
	// labeled by adapter, operation, and error type.
	AdapterRequestsFailed *prometheus.CounterVec

	// AdapterRequestDuration observes HTTP request duration to external services in seconds.
	AdapterRequestDuration *prometheus.HistogramVec

	// AdapterRateLimited counts rate-limited responses from external services, labeled by adapter.
	AdapterRateLimited *prometheus.CounterVec

	// QueriesStarted counts query orchestrations initiated.
	QueriesStarted prometheus.Counter

	// QueriesCompleted counts query orchestrations that produced an answer,
	// labeled by analysis type (full, degraded).
	QueriesCompleted *prometheus.CounterVec

	// QueriesFailed counts query orchestrations that failed outright.
	QueriesFailed prometheus.Counter

	// QueryStageFallbacks counts query stages served by local fallbacks, labeled by stage.
	QueryStageFallbacks *prometheus.CounterVec

	// QueryDuration observes end-to-end query orchestration duration in seconds.
	QueryDuration prometheus.Histogram

	// EventsPublished counts processing events delivered to Kafka.
	EventsPublished prometheus.Counter

	// EventsPublishFailed counts processing events that failed to publish.
	EventsPublishFailed prometheus.Counter

	// ProgressStreams tracks the number of open progress stream connections.
	ProgressStreams prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The namespace is used as a prefix for all metric names.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		// Papers
		PapersIngested: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "papers_ingested_total",
			Help:      "Total number of papers accepted for processing",
		}),
		PapersDuplicate: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "papers_duplicate_total",
			Help:      "Total number of uploads rejected as duplicates",
		}),
		PapersReprocessed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "papers_reprocessed_total",
			Help:      "Total number of explicit reprocessing requests",
		}),
		PapersDeleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "papers_deleted_total",
			Help:      "Total number of papers deleted",
		}),
		PaperProcessingDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "paper_processing_duration_seconds",
			Help:      "End-to-end pipeline duration per paper in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}),

		// Tasks
		TasksEnqueued: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_enqueued_total",
			Help:      "Total number of processing tasks enqueued by type",
		}, []string{"type"}),
		TasksCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Total number of processing tasks completed by type",
		}, []string{"type"}),
		TasksFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_total",
			Help:      "Total number of processing tasks that failed by type",
		}, []string{"type"}),
		TasksRetried: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_retried_total",
			Help:      "Total number of task retry attempts by type",
		}, []string{"type"}),
		TasksCancelled: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_cancelled_total",
			Help:      "Total number of processing tasks cancelled by type",
		}, []string{"type"}),
		TasksTimedOut: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_timed_out_total",
			Help:      "Total number of processing tasks that exceeded their timeout by type",
		}, []string{"type"}),
		TaskDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of task execution in seconds by type",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1200},
		}, []string{"type"}),
		TasksInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Number of tasks currently executing",
		}),

		// Pipeline stages
		StageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		StageFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Total number of pipeline stage failures",
		}, []string{"stage", "error_type"}),

		// Classification
		SentencesClassified: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sentences_classified_total",
			Help:      "Total number of sentences with a terminal classification outcome",
		}, []string{"outcome"}),
		ClassificationAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classification_attempts_total",
			Help:      "Total number of classifier calls including retries",
		}),
		ClassificationRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classification_retries_total",
			Help:      "Total number of classifier calls beyond the first attempt",
		}),
		DefinitionsDetected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "definitions_detected_total",
			Help:      "Total number of definitions detected by kind",
		}, []string{"kind"}),
		ClassificationBatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classification_batch_duration_seconds",
			Help:      "Duration of batch classification in seconds",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}),

		// External adapters
		AdapterRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_requests_total",
			Help:      "Total number of requests to external services",
		}, []string{"adapter", "operation"}),
		AdapterRequestsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_requests_failed_total",
			Help:      "Total number of failed requests to external services",
		}, []string{"adapter", "operation", "error_type"}),
		AdapterRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "adapter_request_duration_seconds",
			Help:      "Duration of requests to external services in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"adapter", "operation"}),
		AdapterRateLimited: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_rate_limited_total",
			Help:      "Total number of rate limit responses from external services",
		}, []string{"adapter"}),

		// Queries
		QueriesStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_started_total",
			Help:      "Total number of query orchestrations started",
		}),
		QueriesCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_completed_total",
			Help:      "Total number of query orchestrations completed by analysis type",
		}, []string{"analysis_type"}),
		QueriesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_failed_total",
			Help:      "Total number of query orchestrations that failed",
		}),
		QueryStageFallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_stage_fallbacks_total",
			Help:      "Total number of query stages served by local fallbacks",
		}, []string{"stage"}),
		QueryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Duration of query orchestrations in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		// Event relay
		EventsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of processing events published to Kafka",
		}),
		EventsPublishFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_publish_failed_total",
			Help:      "Total number of processing events that failed to publish",
		}),

		// Progress streams
		ProgressStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_streams_active",
			Help:      "Number of open progress stream connections",
		}),
	}
}

// RecordPaperIngested records a paper accepted for processing.
func (m *Metrics) RecordPaperIngested() {
	m.PapersIngested.Inc()
}

// RecordPaperDuplicate records an upload rejected as a duplicate.
func (m *Metrics) RecordPaperDuplicate() {
	m.PapersDuplicate.Inc()
}

// RecordPaperReprocessed records an explicit reprocessing request.
func (m *Metrics) RecordPaperReprocessed() {
	m.PapersReprocessed.Inc()
}

// RecordPaperDeleted records a paper deletion.
func (m *Metrics) RecordPaperDeleted() {
	m.PapersDeleted.Inc()
}

// RecordPaperProcessed records a completed pipeline run for a paper.
func (m *Metrics) RecordPaperProcessed(durationSeconds float64) {
	m.PaperProcessingDuration.Observe(durationSeconds)
}

// RecordTaskEnqueued records a task enqueued.
func (m *Metrics) RecordTaskEnqueued(taskType string) {
	m.TasksEnqueued.WithLabelValues(taskType).Inc()
}

// RecordTaskStarted records a task entering execution.
func (m *Metrics) RecordTaskStarted() {
	m.TasksInFlight.Inc()
}

// RecordTaskCompleted records a successfully completed task.
func (m *Metrics) RecordTaskCompleted(taskType string, durationSeconds float64) {
	m.TasksInFlight.Dec()
	m.TasksCompleted.WithLabelValues(taskType).Inc()
	m.TaskDuration.WithLabelValues(taskType).Observe(durationSeconds)
}

// RecordTaskFailed records a task that failed terminally.
func (m *Metrics) RecordTaskFailed(taskType string, durationSeconds float64) {
	m.TasksInFlight.Dec()
	m.TasksFailed.WithLabelValues(taskType).Inc()
	m.TaskDuration.WithLabelValues(taskType).Observe(durationSeconds)
}

// RecordTaskRetried records a whole-task retry.
func (m *Metrics) RecordTaskRetried(taskType string) {
	m.TasksInFlight.Dec()
	m.TasksRetried.WithLabelValues(taskType).Inc()
}

// RecordTaskCancelled records a cancelled task.
func (m *Metrics) RecordTaskCancelled(taskType string) {
	m.TasksCancelled.WithLabelValues(taskType).Inc()
}

// RecordTaskReleased releases the in-flight slot of a task whose terminal
// accounting happened elsewhere (cancellation, shutdown interruption).
func (m *Metrics) RecordTaskReleased() {
	m.TasksInFlight.Dec()
}

// RecordTaskTimedOut records a task terminated by its execution timeout.
func (m *Metrics) RecordTaskTimedOut(taskType string) {
	m.TasksTimedOut.WithLabelValues(taskType).Inc()
}

// RecordStageDuration records the duration of a pipeline stage.
func (m *Metrics) RecordStageDuration(stage string, durationSeconds float64) {
	m.StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordStageFailure records a pipeline stage failure.
func (m *Metrics) RecordStageFailure(stage, errorType string) {
	m.StageFailures.WithLabelValues(stage, errorType).Inc()
}

// RecordSentenceClassified records a terminal classification outcome.
func (m *Metrics) RecordSentenceClassified(outcome string) {
	m.SentencesClassified.WithLabelValues(outcome).Inc()
}

// RecordClassificationAttempt records a classifier call. Attempts beyond
// the first also count as retries.
func (m *Metrics) RecordClassificationAttempt(attempt int) {
	m.ClassificationAttempts.Inc()
	if attempt > 0 {
		m.ClassificationRetries.Inc()
	}
}

// RecordDefinitionDetected records a detected definition by kind.
func (m *Metrics) RecordDefinitionDetected(kind string) {
	m.DefinitionsDetected.WithLabelValues(kind).Inc()
}

// RecordClassificationBatch records a completed batch classification.
func (m *Metrics) RecordClassificationBatch(durationSeconds float64) {
	m.ClassificationBatchDuration.Observe(durationSeconds)
}

// RecordAdapterRequest records a request to an external service.
func (m *Metrics) RecordAdapterRequest(adapter, operation string, durationSeconds float64) {
	m.AdapterRequestsTotal.WithLabelValues(adapter, operation).Inc()
	m.AdapterRequestDuration.WithLabelValues(adapter, operation).Observe(durationSeconds)
}

// RecordAdapterRequestFailed records a failed request to an external service.
func (m *Metrics) RecordAdapterRequestFailed(adapter, operation, errorType string) {
	m.AdapterRequestsFailed.WithLabelValues(adapter, operation, errorType).Inc()
}

// RecordAdapterRateLimited records a rate limit response from an external service.
func (m *Metrics) RecordAdapterRateLimited(adapter string) {
	m.AdapterRateLimited.WithLabelValues(adapter).Inc()
}

// RecordQueryStarted records a query orchestration start.
func (m *Metrics) RecordQueryStarted() {
	m.QueriesStarted.Inc()
}

// RecordQueryCompleted records a completed query orchestration.
func (m *Metrics) RecordQueryCompleted(analysisType string, durationSeconds float64) {
	m.QueriesCompleted.WithLabelValues(analysisType).Inc()
	m.QueryDuration.Observe(durationSeconds)
}

// RecordQueryFailed records a failed query orchestration.
func (m *Metrics) RecordQueryFailed(durationSeconds float64) {
	m.QueriesFailed.Inc()
	m.QueryDuration.Observe(durationSeconds)
}

// RecordQueryStageFallback records a query stage served by a local fallback.
func (m *Metrics) RecordQueryStageFallback(stage string) {
	m.QueryStageFallbacks.WithLabelValues(stage).Inc()
}

// RecordEventsPublished records events delivered to Kafka.
func (m *Metrics) RecordEventsPublished(count int) {
	m.EventsPublished.Add(float64(count))
}

// RecordEventsPublishFailed records events that failed to publish.
func (m *Metrics) RecordEventsPublishFailed(count int) {
	m.EventsPublishFailed.Add(float64(count))
}

// RecordProgressStreamOpened records a new progress stream connection.
func (m *Metrics) RecordProgressStreamOpened() {
	m.ProgressStreams.Inc()
}

// RecordProgressStreamClosed records a closed progress stream connection.
func (m *Metrics) RecordProgressStreamClosed() {
	m.ProgressStreams.Dec()
}
