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
var _ SentenceRepository = (*PgSentenceRepository)(nil)

// PgSentenceRepository is a PostgreSQL implementation of SentenceRepository.
type PgSentenceRepository struct {
	db DBTX
}

// NewPgSentenceRepository creates a new PostgreSQL sentence repository.
func NewPgSentenceRepository(db DBTX) *PgSentenceRepository {
	return &PgSentenceRepository{db: db}
}

// CreateBatch inserts all sentences in a single database batch.
func (r *PgSentenceRepository) CreateBatch(ctx context.Context, sentences []*domain.Sentence) error {
	if len(sentences) == 0 {
		return nil
	}

	for i, sentence := range sentences {
		if sentence == nil {
			return domain.NewValidationError("sentence", fmt.Sprintf("sentence at index %d is nil", i))
		}
		if sentence.PaperID == uuid.Nil {
			return domain.NewValidationError("paper_id", fmt.Sprintf("sentence at index %d has no paper ID", i))
		}
		if sentence.SectionID == uuid.Nil {
			return domain.NewValidationError("section_id", fmt.Sprintf("sentence at index %d has no section ID", i))
		}
	}

	query := `
		INSERT INTO sentences (
			id, section_id, paper_id, text, ordinal,
			detection_status, retry_count, error_message, explanation,
			is_od, is_cd, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13
		)`

	now := time.Now().UTC()
	batch := &pgx.Batch{}

	for _, sentence := range sentences {
		if sentence.ID == uuid.Nil {
			sentence.ID = uuid.New()
		}
		if sentence.DetectionStatus == "" {
			sentence.DetectionStatus = domain.DetectionStatusUnknown
		}
		if sentence.CreatedAt.IsZero() {
			sentence.CreatedAt = now
		}
		if sentence.UpdatedAt.IsZero() {
			sentence.UpdatedAt = now
		}

		batch.Queue(query,
			sentence.ID,
			sentence.SectionID,
			sentence.PaperID,
			sentence.Text,
			sentence.Ordinal,
			sentence.DetectionStatus,
			sentence.RetryCount,
			sentence.ErrorMessage,
			sentence.Explanation,
			sentence.IsOD,
			sentence.IsCD,
			sentence.CreatedAt,
			sentence.UpdatedAt,
		)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()

	for i := range sentences {
		if _, err := br.Exec(); err != nil {
			if isPgForeignKeyViolation(err) {
				return domain.NewNotFoundError("section", sentences[i].SectionID.String())
			}
			return fmt.Errorf("failed to insert sentence at index %d: %w", i, err)
		}
	}

	return nil
}

// List retrieves sentences matching the filter criteria in reading order.
func (r *PgSentenceRepository) List(ctx context.Context, filter SentenceFilter) ([]*domain.Sentence, int64, error) {
	if err := filter.Validate(); err != nil {
		return nil, 0, err
	}

	// Build dynamic WHERE clause
	conditions := []string{"s.paper_id = $1"}
	args := []interface{}{filter.PaperID}
	argIndex := 2

	if filter.SectionID != nil {
		conditions = append(conditions, fmt.Sprintf("s.section_id = $%d", argIndex))
		args = append(args, *filter.SectionID)
		argIndex++
	}

	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			placeholders[i] = fmt.Sprintf("$%d", argIndex)
			args = append(args, s)
			argIndex++
		}
		conditions = append(conditions, fmt.Sprintf("s.detection_status IN (%s)", strings.Join(placeholders, ", ")))
	}

	if filter.OnlyDefinitions {
		conditions = append(conditions, "(s.is_od OR s.is_cd)")
	}

	whereClause := strings.Join(conditions, " AND ")

	// Count total matching records
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM sentences s WHERE %s", whereClause)
	var totalCount int64
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("failed to count sentences: %w", err)
	}

	// Query with pagination. The join supplies the page and section ordinal
	// that define reading order across sections.
	selectQuery := fmt.Sprintf(`
		SELECT s.id, s.section_id, s.paper_id, s.text, s.ordinal,
			s.detection_status, s.retry_count, s.error_message, s.explanation,
			s.is_od, s.is_cd, s.created_at, s.updated_at
		FROM sentences s
		JOIN paper_sections sec ON sec.id = s.section_id
		WHERE %s
		ORDER BY sec.page, sec.ordinal, s.ordinal
		LIMIT $%d OFFSET $%d`,
		whereClause, argIndex, argIndex+1)

	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.Query(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list sentences: %w", err)
	}
	defer rows.Close()

	sentences := make([]*domain.Sentence, 0, filter.Limit)
	for rows.Next() {
		sentence, err := scanSentenceFromRows(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan sentence: %w", err)
		}
		sentences = append(sentences, sentence)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating sentences: %w", err)
	}

	return sentences, totalCount, nil
}

// ListPending retrieves the sentences of a paper awaiting classification.
func (r *PgSentenceRepository) ListPending(ctx context.Context, paperID uuid.UUID) ([]*domain.Sentence, error) {
	if paperID == uuid.Nil {
		return nil, domain.NewValidationError("paper_id", "paper ID is required")
	}

	query := `
		SELECT s.id, s.section_id, s.paper_id, s.text, s.ordinal,
			s.detection_status, s.retry_count, s.error_message, s.explanation,
			s.is_od, s.is_cd, s.created_at, s.updated_at
		FROM sentences s
		JOIN paper_sections sec ON sec.id = s.section_id
		WHERE s.paper_id = $1 AND s.detection_status = $2
		ORDER BY sec.page, sec.ordinal, s.ordinal`

	rows, err := r.db.Query(ctx, query, paperID, domain.DetectionStatusUnknown)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending sentences: %w", err)
	}
	defer rows.Close()

	var sentences []*domain.Sentence
	for rows.Next() {
		sentence, err := scanSentenceFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sentence: %w", err)
		}
		sentences = append(sentences, sentence)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending sentences: %w", err)
	}

	return sentences, nil
}

// ApplyOutcome persists the terminal classification outcome of one sentence.
func (r *PgSentenceRepository) ApplyOutcome(ctx context.Context, outcome domain.ClassificationOutcome) error {
	if outcome.SentenceID == uuid.Nil {
		return domain.NewValidationError("sentence_id", "sentence ID is required")
	}
	if !outcome.Success && outcome.ErrorMessage == "" {
		return domain.NewValidationError("error_message", "failed outcome requires an error message")
	}

	var explanation, errorMessage *string
	isOD, isCD := false, false
	if outcome.Success {
		explanation = nullString(outcome.Explanation)
		isOD, isCD = outcome.IsOD, outcome.IsCD
	} else {
		errorMessage = nullString(outcome.ErrorMessage)
	}

	query := `
		UPDATE sentences SET
			detection_status = $2,
			is_od = $3,
			is_cd = $4,
			explanation = $5,
			error_message = $6,
			retry_count = $7,
			updated_at = $8
		WHERE id = $1`

	result, err := r.db.Exec(ctx, query,
		outcome.SentenceID,
		outcome.Status(),
		isOD,
		isCD,
		explanation,
		errorMessage,
		outcome.RetryCount,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to apply classification outcome: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("sentence", outcome.SentenceID.String())
	}

	return nil
}

// ResetOutcomes returns every sentence of a paper to the unknown status.
func (r *PgSentenceRepository) ResetOutcomes(ctx context.Context, paperID uuid.UUID) (int64, error) {
	query := `
		UPDATE sentences SET
			detection_status = $2,
			is_od = FALSE,
			is_cd = FALSE,
			explanation = NULL,
			error_message = NULL,
			retry_count = 0,
			updated_at = $3
		WHERE paper_id = $1`

	result, err := r.db.Exec(ctx, query, paperID, domain.DetectionStatusUnknown, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to reset classification outcomes: %w", err)
	}

	return result.RowsAffected(), nil
}

// ResetFailedOutcomes returns the error sentences of a paper to the unknown
// status. Successful outcomes keep their flags and explanations.
func (r *PgSentenceRepository) ResetFailedOutcomes(ctx context.Context, paperID uuid.UUID) (int64, error) {
	query := `
		UPDATE sentences SET
			detection_status = $2,
			error_message = NULL,
			retry_count = 0,
			updated_at = $3
		WHERE paper_id = $1 AND detection_status = $4`

	result, err := r.db.Exec(ctx, query, paperID, domain.DetectionStatusUnknown, time.Now().UTC(), domain.DetectionStatusError)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed classification outcomes: %w", err)
	}

	return result.RowsAffected(), nil
}

// CountByStatus returns the number of sentences per detection status.
func (r *PgSentenceRepository) CountByStatus(ctx context.Context, paperID uuid.UUID) (map[domain.DetectionStatus]int, error) {
	query := `
		SELECT detection_status, COUNT(*)
		FROM sentences
		WHERE paper_id = $1
		GROUP BY detection_status`

	rows, err := r.db.Query(ctx, query, paperID)
	if err != nil {
		return nil, fmt.Errorf("failed to count sentences by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.DetectionStatus]int)
	for rows.Next() {
		var status domain.DetectionStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = int(count)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}

	return counts, nil
}

// DeleteByPaper removes all sentences of a paper.
func (r *PgSentenceRepository) DeleteByPaper(ctx context.Context, paperID uuid.UUID) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM sentences WHERE paper_id = $1`, paperID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sentences: %w", err)
	}
	return result.RowsAffected(), nil
}

// scanSentenceFromRows scans the current row from pgx.Rows into a Sentence.
func scanSentenceFromRows(rows pgx.Rows) (*domain.Sentence, error) {
	var sentence domain.Sentence
	err := rows.Scan(
		&sentence.ID, &sentence.SectionID, &sentence.PaperID, &sentence.Text, &sentence.Ordinal,
		&sentence.DetectionStatus, &sentence.RetryCount, &sentence.ErrorMessage, &sentence.Explanation,
		&sentence.IsOD, &sentence.IsCD, &sentence.CreatedAt, &sentence.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sentence, nil
}
