package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/defscope/definition-extraction-service/internal/domain"
)

// txBeginner is an interface for types that can begin a transaction (e.g., *pgxpool.Pool, *database.DB).
// Used by Update to automatically wrap SELECT FOR UPDATE + UPDATE in a transaction
// when the underlying DBTX is a pool rather than an existing transaction.
type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgreSQL error codes used for constraint violation detection.
const (
	pgUniqueViolation     = "23505" // unique_violation
	pgForeignKeyViolation = "23503" // foreign_key_violation
)

// validStatusTransitions defines the allowed status transitions for papers.
// The terminal states keep a single outgoing edge to processing: that is the
// explicit reprocess path.
var validStatusTransitions = map[domain.ProcessingStatus][]domain.ProcessingStatus{
	domain.ProcessingStatusUploading: {
		domain.ProcessingStatusProcessing,
		domain.ProcessingStatusError,
	},
	domain.ProcessingStatusProcessing: {
		domain.ProcessingStatusCompleted,
		domain.ProcessingStatusError,
	},
	domain.ProcessingStatusCompleted: {
		domain.ProcessingStatusProcessing,
	},
	domain.ProcessingStatusError: {
		domain.ProcessingStatusProcessing,
	},
}

// Compile-time interface verification.
var _ PaperRepository = (*PgPaperRepository)(nil)

// PgPaperRepository is a PostgreSQL implementation of PaperRepository.
type PgPaperRepository struct {
	db DBTX
}

// NewPgPaperRepository creates a new PostgreSQL paper repository.
func NewPgPaperRepository(db DBTX) *PgPaperRepository {
	return &PgPaperRepository{db: db}
}

// Create inserts a new paper row.
func (r *PgPaperRepository) Create(ctx context.Context, paper *domain.Paper) error {
	if paper == nil {
		return domain.NewValidationError("paper", "paper cannot be nil")
	}
	if paper.ID == uuid.Nil {
		return domain.NewValidationError("id", "paper ID is required")
	}
	if paper.FileName == "" {
		return domain.NewValidationError("file_name", "file name is required")
	}
	if paper.FileHash == "" {
		return domain.NewValidationError("file_hash", "file hash is required")
	}
	if paper.CreatedAt.IsZero() {
		paper.CreatedAt = time.Now().UTC()
	}
	if paper.UpdatedAt.IsZero() {
		paper.UpdatedAt = paper.CreatedAt
	}

	query := `
		INSERT INTO papers (
			id, file_name, content_type, size_bytes, page_count,
			file_hash, processing_status,
			extracted, segmented, classified,
			error_message, raw_tei,
			completed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7,
			$8, $9, $10,
			$11, $12,
			$13, $14, $15
		)`

	_, err := r.db.Exec(ctx, query,
		paper.ID, paper.FileName, paper.ContentType, paper.SizeBytes, paper.PageCount,
		paper.FileHash, paper.ProcessingStatus,
		paper.Extracted, paper.Segmented, paper.Classified,
		paper.ErrorMessage, paper.RawTEI,
		paper.CompletedAt, paper.CreatedAt, paper.UpdatedAt,
	)

	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("paper with hash %s: %w", paper.FileHash, domain.ErrDuplicateFile)
		}
		return fmt.Errorf("failed to create paper: %w", err)
	}

	return nil
}

// GetByID retrieves a paper by its internal UUID.
func (r *PgPaperRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Paper, error) {
	query := `
		SELECT id, file_name, content_type, size_bytes, page_count,
			file_hash, processing_status,
			extracted, segmented, classified,
			error_message, raw_tei,
			completed_at, created_at, updated_at
		FROM papers
		WHERE id = $1`

	row := r.db.QueryRow(ctx, query, id)
	paper, err := scanPaper(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("paper", id.String())
		}
		return nil, fmt.Errorf("failed to get paper: %w", err)
	}

	return paper, nil
}

// GetByFileHash retrieves a paper by the SHA-256 hex digest of its content.
func (r *PgPaperRepository) GetByFileHash(ctx context.Context, fileHash string) (*domain.Paper, error) {
	if fileHash == "" {
		return nil, domain.NewValidationError("file_hash", "file hash is required")
	}

	query := `
		SELECT id, file_name, content_type, size_bytes, page_count,
			file_hash, processing_status,
			extracted, segmented, classified,
			error_message, raw_tei,
			completed_at, created_at, updated_at
		FROM papers
		WHERE file_hash = $1`

	row := r.db.QueryRow(ctx, query, fileHash)
	paper, err := scanPaper(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("paper", fileHash)
		}
		return nil, fmt.Errorf("failed to get paper by file hash: %w", err)
	}

	return paper, nil
}

// List retrieves papers matching the filter criteria.
func (r *PgPaperRepository) List(ctx context.Context, filter PaperFilter) ([]*domain.Paper, int64, error) {
	if err := filter.Validate(); err != nil {
		return nil, 0, err
	}

	// Build dynamic WHERE clause
	conditions := []string{"TRUE"}
	args := []interface{}{}
	argIndex := 1

	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			placeholders[i] = fmt.Sprintf("$%d", argIndex)
			args = append(args, s)
			argIndex++
		}
		conditions = append(conditions, fmt.Sprintf("processing_status IN (%s)", strings.Join(placeholders, ", ")))
	}

	if filter.CreatedAfter != nil {
		conditions = append(conditions, fmt.Sprintf("created_at > $%d", argIndex))
		args = append(args, *filter.CreatedAfter)
		argIndex++
	}

	if filter.CreatedBefore != nil {
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIndex))
		args = append(args, *filter.CreatedBefore)
		argIndex++
	}

	whereClause := strings.Join(conditions, " AND ")

	// Count total matching records
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM papers WHERE %s", whereClause)
	var totalCount int64
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("failed to count papers: %w", err)
	}

	// Query with pagination
	selectQuery := fmt.Sprintf(`
		SELECT id, file_name, content_type, size_bytes, page_count,
			file_hash, processing_status,
			extracted, segmented, classified,
			error_message, raw_tei,
			completed_at, created_at, updated_at
		FROM papers
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`,
		whereClause, argIndex, argIndex+1)

	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.Query(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list papers: %w", err)
	}
	defer rows.Close()

	papers := make([]*domain.Paper, 0, filter.Limit)
	for rows.Next() {
		paper, err := scanPaperFromRows(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan paper: %w", err)
		}
		papers = append(papers, paper)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating papers: %w", err)
	}

	return papers, totalCount, nil
}

// Update performs an optimistic update on a paper using SELECT FOR UPDATE.
//
// Transaction Management:
// This method uses SELECT FOR UPDATE which requires a transaction for correct locking.
// If the underlying DBTX is a connection pool (supports Begin), the method automatically
// wraps the SELECT FOR UPDATE + UPDATE in an explicit transaction. If the underlying
// DBTX is already a transaction, it executes within that existing transaction.
//
// Callers may still provide their own transaction if they need to include additional
// operations in the same atomic unit:
//
//	tx, err := pool.Begin(ctx)
//	if err != nil { return err }
//	defer tx.Rollback(ctx)
//
//	repo := NewPgPaperRepository(tx)
//	err = repo.Update(ctx, id, func(p *domain.Paper) error {
//	    p.Extracted = true
//	    return nil
//	})
//	if err != nil { return err }
//
//	return tx.Commit(ctx)
func (r *PgPaperRepository) Update(ctx context.Context, id uuid.UUID, fn func(*domain.Paper) error) error {
	// If the underlying DBTX supports Begin (i.e., it's a pool, not already a transaction),
	// wrap the SELECT FOR UPDATE + UPDATE in an explicit transaction to prevent lost updates.
	if beginner, ok := r.db.(txBeginner); ok {
		tx, err := beginner.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for update: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		txRepo := &PgPaperRepository{db: tx}
		if err := txRepo.updateInTx(ctx, id, fn); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	// Already running within a transaction, execute directly.
	return r.updateInTx(ctx, id, fn)
}

// updateInTx performs the actual SELECT FOR UPDATE + UPDATE within the current DBTX.
// This must be called within a transaction for correct row-level locking.
func (r *PgPaperRepository) updateInTx(ctx context.Context, id uuid.UUID, fn func(*domain.Paper) error) error {
	selectQuery := `
		SELECT id, file_name, content_type, size_bytes, page_count,
			file_hash, processing_status,
			extracted, segmented, classified,
			error_message, raw_tei,
			completed_at, created_at, updated_at
		FROM papers
		WHERE id = $1
		FOR UPDATE`

	rows, err := r.db.Query(ctx, selectQuery, id)
	if err != nil {
		return fmt.Errorf("failed to query paper for update: %w", err)
	}

	paper, err := scanPaperRows(rows)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NewNotFoundError("paper", id.String())
		}
		return fmt.Errorf("failed to scan paper: %w", err)
	}

	// Apply the update function
	if err := fn(paper); err != nil {
		return err
	}

	// Update the timestamp
	paper.UpdatedAt = time.Now().UTC()

	updateQuery := `
		UPDATE papers SET
			page_count = $1,
			processing_status = $2,
			extracted = $3,
			segmented = $4,
			classified = $5,
			error_message = $6,
			raw_tei = $7,
			completed_at = $8,
			updated_at = $9
		WHERE id = $10`

	_, err = r.db.Exec(ctx, updateQuery,
		paper.PageCount,
		paper.ProcessingStatus,
		paper.Extracted,
		paper.Segmented,
		paper.Classified,
		paper.ErrorMessage,
		paper.RawTEI,
		paper.CompletedAt,
		paper.UpdatedAt,
		id,
	)

	if err != nil {
		return fmt.Errorf("failed to update paper: %w", err)
	}

	return nil
}

// UpdateStatus transitions a paper to a new processing status.
func (r *PgPaperRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.ProcessingStatus, errorMsg string) error {
	return r.Update(ctx, id, func(paper *domain.Paper) error {
		// Validate status transition
		if !isValidStatusTransition(paper.ProcessingStatus, status) {
			return fmt.Errorf("invalid status transition from %s to %s: %w",
				paper.ProcessingStatus, status, domain.ErrInvalidInput)
		}

		paper.ProcessingStatus = status

		// Set timestamps and messages based on status
		now := time.Now().UTC()
		switch status {
		case domain.ProcessingStatusProcessing:
			paper.ErrorMessage = nil
			paper.CompletedAt = nil
		case domain.ProcessingStatusCompleted:
			paper.ErrorMessage = nil
			paper.CompletedAt = &now
		case domain.ProcessingStatusError:
			msg := errorMsg
			if msg == "" {
				msg = "processing failed"
			}
			paper.ErrorMessage = &msg
		}

		return nil
	})
}

// ResetStages clears the selected stage completion flags.
func (r *PgPaperRepository) ResetStages(ctx context.Context, id uuid.UUID, extracted, segmented, classified bool) error {
	return r.Update(ctx, id, func(paper *domain.Paper) error {
		if extracted {
			paper.Extracted = false
			paper.RawTEI = nil
			paper.PageCount = nil
		}
		if segmented {
			paper.Segmented = false
		}
		if classified {
			paper.Classified = false
		}
		return nil
	})
}

// Delete removes a paper and all dependent rows via foreign key cascades.
func (r *PgPaperRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Exec(ctx, `DELETE FROM papers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete paper: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("paper", id.String())
	}

	return nil
}

// isValidStatusTransition validates that a status transition is allowed.
func isValidStatusTransition(from, to domain.ProcessingStatus) bool {
	allowed, ok := validStatusTransitions[from]
	if !ok {
		return false
	}

	for _, s := range allowed {
		if s == to {
			return true
		}
	}

	return false
}

// isPgUniqueViolation checks if the error is a PostgreSQL unique constraint violation.
func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}

// isPgForeignKeyViolation checks if the error is a PostgreSQL foreign key violation.
func isPgForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgForeignKeyViolation
	}
	return false
}

// paperScanDest holds the destination pointers for scanning a Paper row.
// This eliminates code duplication between pgx.Row and pgx.Rows scanning.
type paperScanDest struct {
	paper domain.Paper
}

// destinations returns the slice of pointers for Scan operations.
func (d *paperScanDest) destinations() []interface{} {
	return []interface{}{
		&d.paper.ID, &d.paper.FileName, &d.paper.ContentType, &d.paper.SizeBytes, &d.paper.PageCount,
		&d.paper.FileHash, &d.paper.ProcessingStatus,
		&d.paper.Extracted, &d.paper.Segmented, &d.paper.Classified,
		&d.paper.ErrorMessage, &d.paper.RawTEI,
		&d.paper.CompletedAt, &d.paper.CreatedAt, &d.paper.UpdatedAt,
	}
}

// scanPaper scans a single row into a Paper.
func scanPaper(row pgx.Row) (*domain.Paper, error) {
	var dest paperScanDest
	if err := row.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return &dest.paper, nil
}

// scanPaperRows scans a single row from pgx.Rows into a Paper.
// This is used with SELECT FOR UPDATE which returns Rows instead of Row.
func scanPaperRows(rows pgx.Rows) (*domain.Paper, error) {
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	return scanPaperFromRows(rows)
}

// scanPaperFromRows scans the current row from pgx.Rows into a Paper.
func scanPaperFromRows(rows pgx.Rows) (*domain.Paper, error) {
	var dest paperScanDest
	if err := rows.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return &dest.paper, nil
}

// nullString returns a pointer to the string if non-empty, otherwise nil.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
