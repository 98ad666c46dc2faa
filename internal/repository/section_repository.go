package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/defscope/definition-extraction-service/internal/domain"
)

// SectionRepository handles the structural sections produced by the
// extraction stage. Sections are written once per extraction run and read
// many times by segmentation and query orchestration.
type SectionRepository interface {
	// CreateBatch inserts all sections in a single database batch.
	// Returns domain.ErrNotFound if the owning paper does not exist.
	// Returns domain.ErrAlreadyExists if a section with the same
	// (paper, type, page, ordinal) location already exists.
	CreateBatch(ctx context.Context, sections []*domain.Section) error

	// ListByPaper retrieves all sections of a paper in reading order
	// (page, then ordinal within the page).
	ListByPaper(ctx context.Context, paperID uuid.UUID) ([]*domain.Section, error)

	// ListByPaperAndTypes retrieves a paper's sections restricted to the
	// given section types, in reading order. An empty type list returns
	// all sections.
	ListByPaperAndTypes(ctx context.Context, paperID uuid.UUID, types []domain.SectionType) ([]*domain.Section, error)

	// DeleteByPaper removes all sections of a paper and, through foreign
	// keys, their sentences. Used before a forced re-extraction.
	// Returns the number of sections removed.
	DeleteByPaper(ctx context.Context, paperID uuid.UUID) (int64, error)
}
