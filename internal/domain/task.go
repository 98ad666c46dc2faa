package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle states of a processing task.
// These values must match the database enum task_status.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal returns true if the status represents a final state.
// FinishedAt is set exactly when a task enters a terminal status.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// TaskType identifies the kind of work a processing task performs.
// These values must match the database enum task_type.
type TaskType string

const (
	// TaskTypeFileProcessing drives a paper through the full pipeline:
	// extraction, segmentation, classification.
	TaskTypeFileProcessing TaskType = "file_processing"

	// TaskTypeClassificationRetry re-runs classification only, honoring
	// the paper's stage flags.
	TaskTypeClassificationRetry TaskType = "classification_retry"
)

// ProcessingTask is one orchestrated unit of work for a paper. Tasks may
// form a tree via ParentTaskID. At most one non-terminal task exists per
// paper at any time; the task repository enforces this on enqueue.
type ProcessingTask struct {
	ID           uuid.UUID
	PaperID      uuid.UUID
	ParentTaskID *uuid.UUID

	TaskType TaskType
	Priority int

	Status TaskStatus

	// Retries counts whole-stage re-executions of this task and never
	// exceeds MaxRetries. Sentence-level classification retries are
	// tracked on the sentence rows and are invisible to this counter.
	Retries    int
	MaxRetries int

	// TimeoutSeconds bounds one execution attempt. A task that exceeds
	// it is failed with a timeout error and its paper is marked error.
	TimeoutSeconds int

	Payload TaskPayload
	Result  *TaskResult

	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RetriesExhausted reports whether the task has no whole-stage retries left.
func (t *ProcessingTask) RetriesExhausted() bool {
	return t.Retries >= t.MaxRetries
}

// TaskPayload is the typed task input, one variant per task type. Exactly
// one variant field is non-nil for a well-formed task; Raw carries payloads
// of unrecognized origin verbatim.
type TaskPayload struct {
	FileProcessing      *FileProcessingPayload      `json:"file_processing,omitempty"`
	ClassificationRetry *ClassificationRetryPayload `json:"classification_retry,omitempty"`
	Raw                 map[string]interface{}      `json:"raw,omitempty"`
}

// FileProcessingPayload parameterizes a full pipeline run.
type FileProcessingPayload struct {
	PaperID uuid.UUID `json:"paper_id"`

	// Force re-runs stages even when the paper's stage flags mark them
	// complete, and resets terminal sentence outcomes before
	// classification.
	Force bool `json:"force,omitempty"`
}

// ClassificationRetryPayload parameterizes a classification-only run.
type ClassificationRetryPayload struct {
	PaperID uuid.UUID `json:"paper_id"`
	Force   bool      `json:"force,omitempty"`
}

// TaskResult summarizes a finished task for operators and event consumers.
type TaskResult struct {
	Sections            int    `json:"sections"`
	Sentences           int    `json:"sentences"`
	ClassifiedSucceeded int    `json:"classified_succeeded"`
	ClassifiedFailed    int    `json:"classified_failed"`
	Message             string `json:"message,omitempty"`
}

// Event type constants for processing events.
const (
	EventTypeProcessingQueued        = "processing.queued"
	EventTypeProcessingStarted       = "processing.started"
	EventTypeExtractionStarted       = "processing.extraction_started"
	EventTypeExtractionCompleted     = "processing.extraction_completed"
	EventTypeSegmentationStarted     = "processing.segmentation_started"
	EventTypeSegmentationCompleted   = "processing.segmentation_completed"
	EventTypeClassificationStarted   = "processing.classification_started"
	EventTypeClassificationProgress  = "processing.classification_progress"
	EventTypeClassificationCompleted = "processing.classification_completed"
	EventTypeProcessingCompleted     = "processing.completed"
	EventTypeProcessingFailed        = "processing.failed"
	EventTypeProcessingCancelled     = "processing.cancelled"
	EventTypeProcessingTimedOut      = "processing.timed_out"
)

// ProcessingEvent is an immutable, append-only progress marker tied to a
// task. Events are never updated or deleted except via cascade from the
// task; together they form a replayable execution timeline.
type ProcessingEvent struct {
	ID      uuid.UUID
	TaskID  uuid.UUID
	PaperID uuid.UUID

	EventType  string
	Step       int
	TotalSteps int
	Percentage int
	Message    string

	Details EventDetails

	// PublishedAt is stamped by the event relay once the event has been
	// delivered to the external broker; NULL means not yet published.
	PublishedAt *time.Time

	CreatedAt time.Time
}

// EventDetails is the typed event payload, one variant per event family.
// Raw carries opaque external-service payloads verbatim.
type EventDetails struct {
	Extraction     *ExtractionDetails     `json:"extraction,omitempty"`
	Segmentation   *SegmentationDetails   `json:"segmentation,omitempty"`
	Classification *ClassificationDetails `json:"classification,omitempty"`
	Failure        *FailureDetails        `json:"failure,omitempty"`
	Raw            map[string]interface{} `json:"raw,omitempty"`
}

// IsZero reports whether no variant is populated.
func (d EventDetails) IsZero() bool {
	return d.Extraction == nil && d.Segmentation == nil &&
		d.Classification == nil && d.Failure == nil && len(d.Raw) == 0
}

// ExtractionDetails describes a completed extraction stage.
type ExtractionDetails struct {
	Sections  int `json:"sections"`
	Pages     int `json:"pages,omitempty"`
	TEIBytes  int `json:"tei_bytes,omitempty"`
	WordCount int `json:"word_count,omitempty"`
}

// SegmentationDetails describes a completed segmentation stage.
type SegmentationDetails struct {
	Sections  int `json:"sections"`
	Sentences int `json:"sentences"`
}

// ClassificationDetails describes classification progress or completion.
type ClassificationDetails struct {
	Total       int  `json:"total"`
	Succeeded   int  `json:"succeeded"`
	Failed      int  `json:"failed"`
	AdapterDown bool `json:"adapter_down,omitempty"`
}

// FailureDetails describes a stage failure.
type FailureDetails struct {
	Stage     string `json:"stage"`
	ErrorType string `json:"error_type"`
	Retryable bool   `json:"retryable"`
}

// ErrorSeverity grades processing errors for the audit trail.
// These values must match the database enum error_severity.
type ErrorSeverity string

const (
	ErrorSeverityWarning  ErrorSeverity = "warning"
	ErrorSeverityError    ErrorSeverity = "error"
	ErrorSeverityCritical ErrorSeverity = "critical"
)

// ProcessingError is an immutable, append-only error record tied to a task.
// It is the detailed audit trail behind the single current error_message on
// Paper and Sentence rows.
type ProcessingError struct {
	ID      uuid.UUID
	TaskID  uuid.UUID
	PaperID uuid.UUID

	ErrorType  string
	ErrorCode  string
	Message    string
	StackTrace string

	// Context snapshots whatever state helps diagnose the failure,
	// such as the stage, attempt counts, or adapter endpoints.
	Context map[string]interface{}

	Severity    ErrorSeverity
	Recoverable bool
	Suggestion  string

	CreatedAt time.Time
}
