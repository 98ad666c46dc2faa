// Package observability provides logging and metrics support for the
// definition extraction service.
//
// # Overview
//
// The observability package provides:
//
//   - Structured logging with zerolog
//   - Prometheus metrics for papers, tasks, classification, and queries
//   - Context helpers for propagating observability data
//
// # Logging
//
// Create a logger from configuration:
//
//	cfg := observability.LoggingConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    Output:    "stdout",
//	    AddSource: true,
//	}
//
//	logger := observability.NewLogger(cfg)
//	logger.Info().Str("paper_id", paperID).Msg("processing started")
//
// Add paper context to a logger:
//
//	logger = observability.WithPaperContext(logger, paperID, fileName)
//
// # Metrics
//
// Initialize metrics:
//
//	metrics := observability.NewMetrics("definition_extraction")
//
// Record metrics:
//
//	metrics.RecordPaperIngested()
//	metrics.RecordTaskEnqueued("file_processing")
//	metrics.RecordSentenceClassified("success")
//
// # Context Helpers
//
// Store and retrieve request context:
//
//	ctx = observability.WithRequestID(ctx, requestID)
//	ctx = observability.WithPaperID(ctx, paperID)
//
//	reqID := observability.RequestIDFromContext(ctx)
//	paperID := observability.PaperIDFromContext(ctx)
//
// # Standard Fields
//
// Common fields used across the service:
//
//   - request_id: HTTP request identifier
//   - paper_id: Paper identifier
//   - task_id: Processing task identifier
//   - task_type: Processing task type (file_processing, classification_retry)
//   - stage: Pipeline stage (extraction, segmentation, classification)
//   - adapter: External service name (extractor, segmenter, automation)
//
// # Thread Safety
//
// All components are safe for concurrent use from multiple goroutines.
package observability
