package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/defscope/definition-extraction-service/internal/domain"
)

// Compile-time interface verification.
var _ SectionRepository = (*PgSectionRepository)(nil)

// PgSectionRepository is a PostgreSQL implementation of SectionRepository.
type PgSectionRepository struct {
	db DBTX
}

// NewPgSectionRepository creates a new PostgreSQL section repository.
func NewPgSectionRepository(db DBTX) *PgSectionRepository {
	return &PgSectionRepository{db: db}
}

// CreateBatch inserts all sections in a single database batch.
func (r *PgSectionRepository) CreateBatch(ctx context.Context, sections []*domain.Section) error {
	if len(sections) == 0 {
		return nil
	}

	for i, section := range sections {
		if section == nil {
			return domain.NewValidationError("section", fmt.Sprintf("section at index %d is nil", i))
		}
		if section.PaperID == uuid.Nil {
			return domain.NewValidationError("paper_id", fmt.Sprintf("section at index %d has no paper ID", i))
		}
	}

	query := `
		INSERT INTO paper_sections (
			id, paper_id, section_type, page, ordinal, text, word_count, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)`

	now := time.Now().UTC()
	batch := &pgx.Batch{}

	for _, section := range sections {
		if section.ID == uuid.Nil {
			section.ID = uuid.New()
		}
		if section.CreatedAt.IsZero() {
			section.CreatedAt = now
		}

		batch.Queue(query,
			section.ID,
			section.PaperID,
			section.SectionType,
			section.Page,
			section.Ordinal,
			section.Text,
			section.WordCount,
			section.CreatedAt,
		)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()

	for i := range sections {
		if _, err := br.Exec(); err != nil {
			if isPgForeignKeyViolation(err) {
				return domain.NewNotFoundError("paper", sections[i].PaperID.String())
			}
			if isPgUniqueViolation(err) {
				return domain.NewAlreadyExistsError("section", sections[i].ID.String())
			}
			return fmt.Errorf("failed to insert section at index %d: %w", i, err)
		}
	}

	return nil
}

// ListByPaper retrieves all sections of a paper in reading order.
func (r *PgSectionRepository) ListByPaper(ctx context.Context, paperID uuid.UUID) ([]*domain.Section, error) {
	return r.ListByPaperAndTypes(ctx, paperID, nil)
}

// ListByPaperAndTypes retrieves a paper's sections restricted to the given
// section types, in reading order.
func (r *PgSectionRepository) ListByPaperAndTypes(ctx context.Context, paperID uuid.UUID, types []domain.SectionType) ([]*domain.Section, error) {
	if paperID == uuid.Nil {
		return nil, domain.NewValidationError("paper_id", "paper ID is required")
	}

	conditions := []string{"paper_id = $1"}
	args := []interface{}{paperID}
	argIndex := 2

	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = fmt.Sprintf("$%d", argIndex)
			args = append(args, t)
			argIndex++
		}
		conditions = append(conditions, fmt.Sprintf("section_type IN (%s)", strings.Join(placeholders, ", ")))
	}

	query := fmt.Sprintf(`
		SELECT id, paper_id, section_type, page, ordinal, text, word_count, created_at
		FROM paper_sections
		WHERE %s
		ORDER BY page, ordinal`,
		strings.Join(conditions, " AND "))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sections: %w", err)
	}
	defer rows.Close()

	var sections []*domain.Section
	for rows.Next() {
		section, err := scanSectionFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan section: %w", err)
		}
		sections = append(sections, section)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sections: %w", err)
	}

	return sections, nil
}

// DeleteByPaper removes all sections of a paper.
func (r *PgSectionRepository) DeleteByPaper(ctx context.Context, paperID uuid.UUID) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM paper_sections WHERE paper_id = $1`, paperID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sections: %w", err)
	}
	return result.RowsAffected(), nil
}

// scanSectionFromRows scans the current row from pgx.Rows into a Section.
func scanSectionFromRows(rows pgx.Rows) (*domain.Section, error) {
	var section domain.Section
	err := rows.Scan(
		&section.ID, &section.PaperID, &section.SectionType,
		&section.Page, &section.Ordinal, &section.Text,
		&section.WordCount, &section.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &section, nil
}
