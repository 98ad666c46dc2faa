// Package domain provides domain models and business logic for the Definition Extraction Service.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProcessingStatus represents the lifecycle states of an uploaded paper.
// These values must match the database enum processing_status.
type ProcessingStatus string

const (
	ProcessingStatusUploading  ProcessingStatus = "uploading"
	ProcessingStatusProcessing ProcessingStatus = "processing"
	ProcessingStatusCompleted  ProcessingStatus = "completed"
	ProcessingStatusError      ProcessingStatus = "error"
)

// IsTerminal returns true if the status represents a final state. A paper in a
// terminal state changes again only through an explicit reprocess request.
func (s ProcessingStatus) IsTerminal() bool {
	switch s {
	case ProcessingStatusCompleted, ProcessingStatusError:
		return true
	default:
		return false
	}
}

// DetectionStatus represents the classification state of a single sentence.
// These values must match the database enum detection_status.
type DetectionStatus string

const (
	DetectionStatusUnknown DetectionStatus = "unknown"
	DetectionStatusSuccess DetectionStatus = "success"
	DetectionStatusError   DetectionStatus = "error"
)

// SectionType identifies the structural role of a paper section as reported
// by the extraction service. These values must match the database enum
// section_type.
type SectionType string

const (
	SectionTypeAbstract     SectionType = "abstract"
	SectionTypeIntroduction SectionType = "introduction"
	SectionTypeMethod       SectionType = "method"
	SectionTypeResult       SectionType = "result"
	SectionTypeDiscussion   SectionType = "discussion"
	SectionTypeConclusion   SectionType = "conclusion"
	SectionTypeOther        SectionType = "other"
)

// NormalizeSectionType maps a free-form heading label from the extractor to a
// known SectionType, defaulting to SectionTypeOther.
func NormalizeSectionType(label string) SectionType {
	switch SectionType(label) {
	case SectionTypeAbstract, SectionTypeIntroduction, SectionTypeMethod,
		SectionTypeResult, SectionTypeDiscussion, SectionTypeConclusion:
		return SectionType(label)
	default:
		return SectionTypeOther
	}
}

// Paper represents one uploaded document moving through the processing
// pipeline. The three stage flags track sub-state independently of
// ProcessingStatus so that any single stage can be retried without
// re-running the stages before it.
type Paper struct {
	ID          uuid.UUID
	FileName    string
	ContentType string
	SizeBytes   int64
	PageCount   *int

	// FileHash is the SHA-256 hex digest of the uploaded bytes and the
	// deduplication key: ingesting the same bytes twice returns the
	// existing paper.
	FileHash string

	ProcessingStatus ProcessingStatus
	Extracted        bool
	Segmented        bool
	Classified       bool

	ErrorMessage *string

	// RawTEI holds the structured markup returned by the extraction
	// service, kept for re-segmentation without a second extractor call.
	RawTEI *string

	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Section is a structural region of a paper. Sections are created once
// during extraction and are immutable afterwards.
type Section struct {
	ID          uuid.UUID
	PaperID     uuid.UUID
	SectionType SectionType
	Page        int
	Ordinal     int
	Text        string
	WordCount   int
	CreatedAt   time.Time
}

// Sentence is the atomic classification unit. Sentences are created during
// segmentation with DetectionStatusUnknown and mutated exactly once per
// terminal classification outcome.
type Sentence struct {
	ID        uuid.UUID
	SectionID uuid.UUID
	PaperID   uuid.UUID
	Text      string
	Ordinal   int

	DetectionStatus DetectionStatus

	// RetryCount is the number of classifier attempts beyond the first
	// for the most recent terminal outcome. It never exceeds the
	// configured maximum.
	RetryCount int

	ErrorMessage *string
	Explanation  *string

	// Classification outcome flags. A sentence may be an operational
	// definition, a conceptual definition, neither, or (rarely) both.
	IsOD bool
	IsCD bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsDefinition returns true if the sentence was classified as either an
// operational or a conceptual definition.
func (s *Sentence) IsDefinition() bool {
	return s.IsOD || s.IsCD
}

// ClassificationOutcome is the terminal result of classifying one sentence.
// Exactly one of the two shapes is populated: a success carries the category
// flags and explanation, a failure carries the final error message. In both
// shapes RetryCount records the attempts consumed beyond the first.
type ClassificationOutcome struct {
	SentenceID uuid.UUID
	Success    bool
	IsOD       bool
	IsCD       bool

	Explanation  string
	ErrorMessage string
	RetryCount   int
}

// Status applied to the sentence row for this outcome.
func (o ClassificationOutcome) Status() DetectionStatus {
	if o.Success {
		return DetectionStatusSuccess
	}
	return DetectionStatusError
}

// StatusSnapshot is the read-only progress projection served to polling
// clients: the paper's current status plus the latest recorded milestone of
// its most recent task.
type StatusSnapshot struct {
	PaperID      uuid.UUID        `json:"paper_id"`
	Status       ProcessingStatus `json:"status"`
	Percentage   int              `json:"percentage"`
	StepName     string           `json:"step_name"`
	ErrorMessage string           `json:"error_message,omitempty"`
}
