package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/defscope/definition-extraction-service/internal/domain"
)

// SentenceRepository handles sentence rows and their classification
// outcomes. Sentences are created in bulk during segmentation and then
// mutated exactly once per terminal classification outcome.
type SentenceRepository interface {
	// CreateBatch inserts all sentences in a single database batch.
	// Returns domain.ErrNotFound if the owning paper or section does
	// not exist.
	CreateBatch(ctx context.Context, sentences []*domain.Sentence) error

	// List retrieves sentences matching the filter criteria in reading
	// order. Returns the matching sentences and total count for pagination.
	List(ctx context.Context, filter SentenceFilter) ([]*domain.Sentence, int64, error)

	// ListPending retrieves the sentences of a paper that still await a
	// terminal classification outcome, in reading order. This is the
	// classification work list.
	ListPending(ctx context.Context, paperID uuid.UUID) ([]*domain.Sentence, error)

	// ApplyOutcome persists the terminal classification outcome of one
	// sentence: its detection status, category flags, explanation or final
	// error message, and the retry count consumed.
	// Returns domain.ErrInvalidInput if the outcome is malformed (a failed
	// outcome must carry an error message).
	// Returns domain.ErrNotFound if the sentence does not exist.
	ApplyOutcome(ctx context.Context, outcome domain.ClassificationOutcome) error

	// ResetOutcomes returns every sentence of a paper to the unknown
	// detection status with cleared flags, explanations, errors, and retry
	// counts. Used before a forced re-classification.
	// Returns the number of sentences reset.
	ResetOutcomes(ctx context.Context, paperID uuid.UUID) (int64, error)

	// ResetFailedOutcomes returns only the error sentences of a paper to
	// the unknown detection status, keeping successful outcomes intact.
	// Used before a non-forced classification retry.
	// Returns the number of sentences reset.
	ResetFailedOutcomes(ctx context.Context, paperID uuid.UUID) (int64, error)

	// CountByStatus returns the number of sentences per detection status
	// for a paper. Statuses with no sentences are absent from the map.
	CountByStatus(ctx context.Context, paperID uuid.UUID) (map[domain.DetectionStatus]int, error)

	// DeleteByPaper removes all sentences of a paper. Used before a forced
	// re-segmentation that keeps the extracted sections.
	// Returns the number of sentences removed.
	DeleteByPaper(ctx context.Context, paperID uuid.UUID) (int64, error)
}

// SentenceFilter specifies criteria for listing sentences.
type SentenceFilter struct {
	// PaperID scopes the listing to one paper (required).
	PaperID uuid.UUID

	// SectionID filters to sentences of a specific section (optional).
	SectionID *uuid.UUID

	// Status filters to sentences in any of the given detection statuses
	// (optional).
	Status []domain.DetectionStatus

	// OnlyDefinitions filters to sentences classified as operational or
	// conceptual definitions.
	OnlyDefinitions bool

	// Limit specifies maximum number of results (default: 100, max: 1000).
	Limit int

	// Offset specifies the starting position for pagination.
	Offset int
}

// Validate checks if the filter has valid values and sets defaults.
func (f *SentenceFilter) Validate() error {
	if f.PaperID == uuid.Nil {
		return domain.NewValidationError("paper_id", "paper ID is required")
	}
	applyPaginationDefaults(&f.Limit, &f.Offset)
	return nil
}
