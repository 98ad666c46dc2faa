package observability

import (
	"context"
)

// Context keys for observability data.
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	paperIDKey   contextKey = "paper_id"
	taskIDKey    contextKey = "task_id"
	stageKey     contextKey = "stage"
)

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext retrieves the request ID from context.
// Returns empty string if not present.
func RequestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// WithPaperID adds a paper ID to the context.
func WithPaperID(ctx context.Context, paperID string) context.Context {
	return context.WithValue(ctx, paperIDKey, paperID)
}

// PaperIDFromContext retrieves the paper ID from context.
// Returns empty string if not present.
func PaperIDFromContext(ctx context.Context) string {
	if v := ctx.Value(paperIDKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// WithTaskID adds a processing task ID to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// TaskIDFromContext retrieves the processing task ID from context.
// Returns empty string if not present.
func TaskIDFromContext(ctx context.Context) string {
	if v := ctx.Value(taskIDKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// WithStage adds the current pipeline stage to the context.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext retrieves the current pipeline stage from context.
// Returns empty string if not present.
func StageFromContext(ctx context.Context) string {
	if v := ctx.Value(stageKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// ProcessingContext contains the identifiers attached to a pipeline run.
type ProcessingContext struct {
	RequestID string
	PaperID   string
	TaskID    string
	Stage     string
}

// WithProcessingContext adds all processing identifiers to the context.
func WithProcessingContext(ctx context.Context, pc ProcessingContext) context.Context {
	if pc.RequestID != "" {
		ctx = WithRequestID(ctx, pc.RequestID)
	}
	if pc.PaperID != "" {
		ctx = WithPaperID(ctx, pc.PaperID)
	}
	if pc.TaskID != "" {
		ctx = WithTaskID(ctx, pc.TaskID)
	}
	if pc.Stage != "" {
		ctx = WithStage(ctx, pc.Stage)
	}
	return ctx
}

// ProcessingContextFromContext extracts all processing identifiers from the context.
func ProcessingContextFromContext(ctx context.Context) ProcessingContext {
	return ProcessingContext{
		RequestID: RequestIDFromContext(ctx),
		PaperID:   PaperIDFromContext(ctx),
		TaskID:    TaskIDFromContext(ctx),
		Stage:     StageFromContext(ctx),
	}
}
