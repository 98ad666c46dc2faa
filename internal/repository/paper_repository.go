package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/defscope/definition-extraction-service/internal/domain"
)

// PaperRepository handles paper persistence, lifecycle transitions, and
// content-hash deduplication. It owns the papers table and enforces the
// processing status state machine on every status change.
type PaperRepository interface {
	// Create inserts a new paper row.
	// Returns domain.ErrDuplicateFile if a paper with the same file hash
	// already exists.
	// Returns domain.ErrInvalidInput if required fields are missing.
	Create(ctx context.Context, paper *domain.Paper) error

	// GetByID retrieves a paper by its internal UUID.
	// Returns domain.ErrNotFound if no matching paper exists.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Paper, error)

	// GetByFileHash retrieves a paper by the SHA-256 hex digest of its
	// content. This is the deduplication lookup used during ingest.
	// Returns domain.ErrNotFound if no matching paper exists.
	GetByFileHash(ctx context.Context, fileHash string) (*domain.Paper, error)

	// List retrieves papers matching the filter criteria.
	// Returns the matching papers and total count for pagination.
	// The total count reflects all matching records regardless of limit/offset.
	List(ctx context.Context, filter PaperFilter) ([]*domain.Paper, int64, error)

	// Update performs an optimistic update on a paper using SELECT FOR UPDATE.
	// The update function receives the current row and mutates it in place;
	// stage flags, page count, raw TEI, and error message are all persisted.
	// Returns domain.ErrNotFound if the paper does not exist.
	Update(ctx context.Context, id uuid.UUID, fn func(*domain.Paper) error) error

	// UpdateStatus transitions a paper to a new processing status, validating
	// the transition against the paper lifecycle state machine. Entering
	// completed stamps CompletedAt; entering error records errorMsg; entering
	// processing clears both.
	// Returns domain.ErrInvalidInput for a disallowed transition.
	// Returns domain.ErrNotFound if the paper does not exist.
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.ProcessingStatus, errorMsg string) error

	// ResetStages clears the stage completion flags selected by the
	// arguments, preparing a paper for forced re-processing. Flags that are
	// false in the arguments are left untouched.
	// Returns domain.ErrNotFound if the paper does not exist.
	ResetStages(ctx context.Context, id uuid.UUID, extracted, segmented, classified bool) error

	// Delete removes a paper and, through foreign keys, its sections,
	// sentences, tasks, events, and error records.
	// Returns domain.ErrNotFound if the paper does not exist.
	Delete(ctx context.Context, id uuid.UUID) error
}

// PaperFilter specifies criteria for listing papers.
type PaperFilter struct {
	// Status filters to papers in any of the given statuses (optional).
	Status []domain.ProcessingStatus

	// CreatedAfter filters to papers created after this time (optional).
	CreatedAfter *time.Time

	// CreatedBefore filters to papers created before this time (optional).
	CreatedBefore *time.Time

	// Limit specifies maximum number of results (default: 100, max: 1000).
	Limit int

	// Offset specifies the starting position for pagination.
	Offset int
}

// Validate checks if the filter has valid values and sets defaults.
func (f *PaperFilter) Validate() error {
	applyPaginationDefaults(&f.Limit, &f.Offset)
	return nil
}
