package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/defscope/definition-extraction-service/internal/domain"
)

// validTaskTransitions defines the allowed status transitions for processing
// tasks. Requeueing a running task back to pending goes through
// RequeueForRetry, which also increments the retry counter.
var validTaskTransitions = map[domain.TaskStatus][]domain.TaskStatus{
	domain.TaskStatusPending: {
		domain.TaskStatusRunning,
		domain.TaskStatusCancelled,
	},
	domain.TaskStatusRunning: {
		domain.TaskStatusCompleted,
		domain.TaskStatusFailed,
		domain.TaskStatusCancelled,
	},
}

// Compile-time interface verification.
var _ TaskRepository = (*PgTaskRepository)(nil)

// PgTaskRepository is a PostgreSQL implementation of TaskRepository.
type PgTaskRepository struct {
	db DBTX
}

// NewPgTaskRepository creates a new PostgreSQL task repository.
func NewPgTaskRepository(db DBTX) *PgTaskRepository {
	return &PgTaskRepository{db: db}
}

// Enqueue inserts a new pending task.
func (r *PgTaskRepository) Enqueue(ctx context.Context, task *domain.ProcessingTask) error {
	if task == nil {
		return domain.NewValidationError("task", "task cannot be nil")
	}
	if task.ID == uuid.Nil {
		return domain.NewValidationError("id", "task ID is required")
	}
	if task.PaperID == uuid.Nil {
		return domain.NewValidationError("paper_id", "paper ID is required")
	}
	if task.TaskType == "" {
		return domain.NewValidationError("task_type", "task type is required")
	}
	if task.Status == "" {
		task.Status = domain.TaskStatusPending
	}
	if task.Status != domain.TaskStatusPending {
		return domain.NewValidationError("status", "new tasks must be pending")
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}

	payloadJSON, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}

	query := `
		INSERT INTO processing_tasks (
			id, paper_id, parent_task_id, task_type, priority,
			status, retries, max_retries, timeout_seconds,
			payload, result,
			started_at, finished_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, NULL,
			$11, $12, $13, $14
		)`

	_, err = r.db.Exec(ctx, query,
		task.ID, task.PaperID, task.ParentTaskID, task.TaskType, task.Priority,
		task.Status, task.Retries, task.MaxRetries, task.TimeoutSeconds,
		payloadJSON,
		task.StartedAt, task.FinishedAt, task.CreatedAt, task.UpdatedAt,
	)

	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("paper %s already has an active task: %w",
				task.PaperID, domain.ErrTaskConflict)
		}
		if isPgForeignKeyViolation(err) {
			return domain.NewNotFoundError("paper", task.PaperID.String())
		}
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	return nil
}

// GetByID retrieves a task by its UUID.
func (r *PgTaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.ProcessingTask, error) {
	query := `
		SELECT id, paper_id, parent_task_id, task_type, priority,
			status, retries, max_retries, timeout_seconds,
			payload, result,
			started_at, finished_at, created_at, updated_at
		FROM processing_tasks
		WHERE id = $1`

	row := r.db.QueryRow(ctx, query, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("task", id.String())
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return task, nil
}

// ClaimNextPending atomically claims the highest-priority pending task.
// SKIP LOCKED keeps concurrent workers from blocking on or double-claiming
// the same row.
func (r *PgTaskRepository) ClaimNextPending(ctx context.Context) (*domain.ProcessingTask, error) {
	query := `
		UPDATE processing_tasks SET
			status = $1,
			started_at = $2,
			updated_at = $2
		WHERE id = (
			SELECT id FROM processing_tasks
			WHERE status = $3
			ORDER BY priority DESC, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, paper_id, parent_task_id, task_type, priority,
			status, retries, max_retries, timeout_seconds,
			payload, result,
			started_at, finished_at, created_at, updated_at`

	row := r.db.QueryRow(ctx, query,
		domain.TaskStatusRunning, time.Now().UTC(), domain.TaskStatusPending)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim pending task: %w", err)
	}

	return task, nil
}

// Update performs an optimistic update on a task using SELECT FOR UPDATE.
// If the underlying DBTX is a connection pool, the SELECT FOR UPDATE + UPDATE
// pair is wrapped in an explicit transaction; inside an existing transaction
// it executes directly. See PgPaperRepository.Update for the full contract.
func (r *PgTaskRepository) Update(ctx context.Context, id uuid.UUID, fn func(*domain.ProcessingTask) error) error {
	if beginner, ok := r.db.(txBeginner); ok {
		tx, err := beginner.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for update: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		txRepo := &PgTaskRepository{db: tx}
		if err := txRepo.updateInTx(ctx, id, fn); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	return r.updateInTx(ctx, id, fn)
}

// updateInTx performs the actual SELECT FOR UPDATE + UPDATE within the current DBTX.
// This must be called within a transaction for correct row-level locking.
func (r *PgTaskRepository) updateInTx(ctx context.Context, id uuid.UUID, fn func(*domain.ProcessingTask) error) error {
	selectQuery := `
		SELECT id, paper_id, parent_task_id, task_type, priority,
			status, retries, max_retries, timeout_seconds,
			payload, result,
			started_at, finished_at, created_at, updated_at
		FROM processing_tasks
		WHERE id = $1
		FOR UPDATE`

	rows, err := r.db.Query(ctx, selectQuery, id)
	if err != nil {
		return fmt.Errorf("failed to query task for update: %w", err)
	}

	task, err := scanTaskRows(rows)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NewNotFoundError("task", id.String())
		}
		return fmt.Errorf("failed to scan task: %w", err)
	}

	// Apply the update function
	if err := fn(task); err != nil {
		return err
	}

	// Update the timestamp
	task.UpdatedAt = time.Now().UTC()

	payloadJSON, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}

	var resultJSON []byte
	if task.Result != nil {
		resultJSON, err = json.Marshal(task.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal task result: %w", err)
		}
	}

	updateQuery := `
		UPDATE processing_tasks SET
			priority = $1,
			status = $2,
			retries = $3,
			payload = $4,
			result = $5,
			started_at = $6,
			finished_at = $7,
			updated_at = $8
		WHERE id = $9`

	_, err = r.db.Exec(ctx, updateQuery,
		task.Priority,
		task.Status,
		task.Retries,
		payloadJSON,
		resultJSON,
		task.StartedAt,
		task.FinishedAt,
		task.UpdatedAt,
		id,
	)

	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	return nil
}

// UpdateStatus transitions a task to a new status.
func (r *PgTaskRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.TaskStatus, result *domain.TaskResult) error {
	return r.Update(ctx, id, func(task *domain.ProcessingTask) error {
		// Validate status transition
		if !isValidTaskTransition(task.Status, status) {
			return fmt.Errorf("invalid task transition from %s to %s: %w",
				task.Status, status, domain.ErrInvalidInput)
		}

		task.Status = status
		if result != nil {
			task.Result = result
		}

		// Set timestamps based on status
		now := time.Now().UTC()
		if status == domain.TaskStatusRunning && task.StartedAt == nil {
			task.StartedAt = &now
		}
		if status.IsTerminal() && task.FinishedAt == nil {
			task.FinishedAt = &now
		}

		return nil
	})
}

// RequeueForRetry returns a running task to pending and increments its retry
// counter.
func (r *PgTaskRepository) RequeueForRetry(ctx context.Context, id uuid.UUID) (int, error) {
	query := `
		UPDATE processing_tasks SET
			status = $2,
			retries = retries + 1,
			started_at = NULL,
			updated_at = $3
		WHERE id = $1 AND status = $4 AND retries < max_retries
		RETURNING retries`

	var retries int
	err := r.db.QueryRow(ctx, query,
		id, domain.TaskStatusPending, time.Now().UTC(), domain.TaskStatusRunning,
	).Scan(&retries)
	if err == nil {
		return retries, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to requeue task: %w", err)
	}

	// No row matched: missing task, wrong state, or no retries left.
	task, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return 0, getErr
	}
	if task.Status != domain.TaskStatusRunning {
		return 0, fmt.Errorf("task %s is %s, only running tasks can be requeued: %w",
			id, task.Status, domain.ErrInvalidInput)
	}
	return 0, fmt.Errorf("task %s used %d of %d retries: %w",
		id, task.Retries, task.MaxRetries, domain.ErrRetryBudgetExhausted)
}

// ListTimedOutRunning retrieves running tasks whose deadline passed.
func (r *PgTaskRepository) ListTimedOutRunning(ctx context.Context, asOf time.Time) ([]*domain.ProcessingTask, error) {
	query := `
		SELECT id, paper_id, parent_task_id, task_type, priority,
			status, retries, max_retries, timeout_seconds,
			payload, result,
			started_at, finished_at, created_at, updated_at
		FROM processing_tasks
		WHERE status = $1
		  AND started_at IS NOT NULL
		  AND started_at + make_interval(secs => timeout_seconds) <= $2
		ORDER BY started_at`

	rows, err := r.db.Query(ctx, query, domain.TaskStatusRunning, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to list timed out tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// ListByPaper retrieves all tasks of a paper, newest first.
func (r *PgTaskRepository) ListByPaper(ctx context.Context, paperID uuid.UUID) ([]*domain.ProcessingTask, error) {
	query := `
		SELECT id, paper_id, parent_task_id, task_type, priority,
			status, retries, max_retries, timeout_seconds,
			payload, result,
			started_at, finished_at, created_at, updated_at
		FROM processing_tasks
		WHERE paper_id = $1
		ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, paperID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// LatestForPaper retrieves the most recently created task of a paper.
func (r *PgTaskRepository) LatestForPaper(ctx context.Context, paperID uuid.UUID) (*domain.ProcessingTask, error) {
	query := `
		SELECT id, paper_id, parent_task_id, task_type, priority,
			status, retries, max_retries, timeout_seconds,
			payload, result,
			started_at, finished_at, created_at, updated_at
		FROM processing_tasks
		WHERE paper_id = $1
		ORDER BY created_at DESC
		LIMIT 1`

	row := r.db.QueryRow(ctx, query, paperID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("task", paperID.String())
		}
		return nil, fmt.Errorf("failed to get latest task: %w", err)
	}

	return task, nil
}

// ActiveForPaper retrieves the paper's pending or running task.
func (r *PgTaskRepository) ActiveForPaper(ctx context.Context, paperID uuid.UUID) (*domain.ProcessingTask, error) {
	query := `
		SELECT id, paper_id, parent_task_id, task_type, priority,
			status, retries, max_retries, timeout_seconds,
			payload, result,
			started_at, finished_at, created_at, updated_at
		FROM processing_tasks
		WHERE paper_id = $1 AND status IN ($2, $3)
		LIMIT 1`

	row := r.db.QueryRow(ctx, query, paperID, domain.TaskStatusPending, domain.TaskStatusRunning)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("task", paperID.String())
		}
		return nil, fmt.Errorf("failed to get active task: %w", err)
	}

	return task, nil
}

// AppendEvent records a progress event.
func (r *PgTaskRepository) AppendEvent(ctx context.Context, event *domain.ProcessingEvent) error {
	if event == nil {
		return domain.NewValidationError("event", "event cannot be nil")
	}
	if event.TaskID == uuid.Nil {
		return domain.NewValidationError("task_id", "task ID is required")
	}
	if event.PaperID == uuid.Nil {
		return domain.NewValidationError("paper_id", "paper ID is required")
	}
	if event.EventType == "" {
		return domain.NewValidationError("event_type", "event type is required")
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	detailsJSON, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal event details: %w", err)
	}

	query := `
		INSERT INTO processing_events (
			id, task_id, paper_id, event_type,
			step, total_steps, percentage, message,
			details, published_at, created_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11
		)`

	_, err = r.db.Exec(ctx, query,
		event.ID, event.TaskID, event.PaperID, event.EventType,
		event.Step, event.TotalSteps, event.Percentage, event.Message,
		detailsJSON, event.PublishedAt, event.CreatedAt,
	)

	if err != nil {
		if isPgForeignKeyViolation(err) {
			return domain.NewNotFoundError("task", event.TaskID.String())
		}
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// LatestEventForPaper retrieves the most recent progress event of a paper.
func (r *PgTaskRepository) LatestEventForPaper(ctx context.Context, paperID uuid.UUID) (*domain.ProcessingEvent, error) {
	query := `
		SELECT id, task_id, paper_id, event_type,
			step, total_steps, percentage, message,
			details, published_at, created_at
		FROM processing_events
		WHERE paper_id = $1
		ORDER BY created_at DESC
		LIMIT 1`

	row := r.db.QueryRow(ctx, query, paperID)
	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("event", paperID.String())
		}
		return nil, fmt.Errorf("failed to get latest event: %w", err)
	}

	return event, nil
}

// ListEventsByTask retrieves all events of a task in recording order.
func (r *PgTaskRepository) ListEventsByTask(ctx context.Context, taskID uuid.UUID) ([]*domain.ProcessingEvent, error) {
	query := `
		SELECT id, task_id, paper_id, event_type,
			step, total_steps, percentage, message,
			details, published_at, created_at
		FROM processing_events
		WHERE task_id = $1
		ORDER BY created_at`

	rows, err := r.db.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// ListUnpublishedEvents retrieves events awaiting broker delivery, oldest
// first. Must run inside a transaction for SKIP LOCKED to hold the claim.
func (r *PgTaskRepository) ListUnpublishedEvents(ctx context.Context, limit int) ([]*domain.ProcessingEvent, error) {
	if limit <= 0 {
		limit = defaultFilterLimit
	}

	query := `
		SELECT id, task_id, paper_id, event_type,
			step, total_steps, percentage, message,
			details, published_at, created_at
		FROM processing_events
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unpublished events: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// MarkEventsPublished stamps PublishedAt on the given events.
func (r *PgTaskRepository) MarkEventsPublished(ctx context.Context, ids []uuid.UUID, publishedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	query := `UPDATE processing_events SET published_at = $1 WHERE id = ANY($2)`

	_, err := r.db.Exec(ctx, query, publishedAt, ids)
	if err != nil {
		return fmt.Errorf("failed to mark events published: %w", err)
	}

	return nil
}

// AppendError records a processing error.
func (r *PgTaskRepository) AppendError(ctx context.Context, procErr *domain.ProcessingError) error {
	if procErr == nil {
		return domain.NewValidationError("error", "error record cannot be nil")
	}
	if procErr.TaskID == uuid.Nil {
		return domain.NewValidationError("task_id", "task ID is required")
	}
	if procErr.PaperID == uuid.Nil {
		return domain.NewValidationError("paper_id", "paper ID is required")
	}
	if procErr.Message == "" {
		return domain.NewValidationError("message", "error message is required")
	}
	if procErr.ID == uuid.Nil {
		procErr.ID = uuid.New()
	}
	if procErr.Severity == "" {
		procErr.Severity = domain.ErrorSeverityError
	}
	if procErr.CreatedAt.IsZero() {
		procErr.CreatedAt = time.Now().UTC()
	}

	contextJSON, err := json.Marshal(procErr.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal error context: %w", err)
	}

	query := `
		INSERT INTO processing_errors (
			id, task_id, paper_id,
			error_type, error_code, message, stack_trace,
			context, severity, recoverable, suggestion, created_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7,
			$8, $9, $10, $11, $12
		)`

	_, err = r.db.Exec(ctx, query,
		procErr.ID, procErr.TaskID, procErr.PaperID,
		procErr.ErrorType, procErr.ErrorCode, procErr.Message, procErr.StackTrace,
		contextJSON, procErr.Severity, procErr.Recoverable, procErr.Suggestion, procErr.CreatedAt,
	)

	if err != nil {
		if isPgForeignKeyViolation(err) {
			return domain.NewNotFoundError("task", procErr.TaskID.String())
		}
		return fmt.Errorf("failed to append error record: %w", err)
	}

	return nil
}

// ListErrorsByPaper retrieves up to limit error records of a paper, newest first.
func (r *PgTaskRepository) ListErrorsByPaper(ctx context.Context, paperID uuid.UUID, limit int) ([]*domain.ProcessingError, error) {
	if limit <= 0 {
		limit = defaultFilterLimit
	}

	query := `
		SELECT id, task_id, paper_id,
			error_type, error_code, message, stack_trace,
			context, severity, recoverable, suggestion, created_at
		FROM processing_errors
		WHERE paper_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, paperID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list error records: %w", err)
	}
	defer rows.Close()

	var procErrs []*domain.ProcessingError
	for rows.Next() {
		procErr, err := scanProcessingErrorFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan error record: %w", err)
		}
		procErrs = append(procErrs, procErr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating error records: %w", err)
	}

	return procErrs, nil
}

// isValidTaskTransition validates that a task status transition is allowed.
func isValidTaskTransition(from, to domain.TaskStatus) bool {
	// Terminal states cannot transition to anything.
	if from.IsTerminal() {
		return false
	}

	allowed, ok := validTaskTransitions[from]
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

// taskScanDest holds the destination pointers for scanning a ProcessingTask row.
// This eliminates code duplication between pgx.Row and pgx.Rows scanning.
type taskScanDest struct {
	task        domain.ProcessingTask
	payloadJSON []byte
	resultJSON  []byte
}

// destinations returns the slice of pointers for Scan operations.
func (d *taskScanDest) destinations() []interface{} {
	return []interface{}{
		&d.task.ID, &d.task.PaperID, &d.task.ParentTaskID, &d.task.TaskType, &d.task.Priority,
		&d.task.Status, &d.task.Retries, &d.task.MaxRetries, &d.task.TimeoutSeconds,
		&d.payloadJSON, &d.resultJSON,
		&d.task.StartedAt, &d.task.FinishedAt, &d.task.CreatedAt, &d.task.UpdatedAt,
	}
}

// finalize performs post-scan processing: unmarshals the JSON payload and result.
func (d *taskScanDest) finalize() (*domain.ProcessingTask, error) {
	if len(d.payloadJSON) > 0 {
		if err := json.Unmarshal(d.payloadJSON, &d.task.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task payload: %w", err)
		}
	}

	if len(d.resultJSON) > 0 {
		var result domain.TaskResult
		if err := json.Unmarshal(d.resultJSON, &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task result: %w", err)
		}
		d.task.Result = &result
	}

	return &d.task, nil
}

// scanTask scans a single row into a ProcessingTask.
func scanTask(row pgx.Row) (*domain.ProcessingTask, error) {
	var dest taskScanDest
	if err := row.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}

// scanTaskRows scans a single row from pgx.Rows into a ProcessingTask.
// This is used with SELECT FOR UPDATE which returns Rows instead of Row.
func scanTaskRows(rows pgx.Rows) (*domain.ProcessingTask, error) {
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	return scanTaskFromRows(rows)
}

// scanTaskFromRows scans the current row from pgx.Rows into a ProcessingTask.
func scanTaskFromRows(rows pgx.Rows) (*domain.ProcessingTask, error) {
	var dest taskScanDest
	if err := rows.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}

// collectTasks drains pgx.Rows into a task slice.
func collectTasks(rows pgx.Rows) ([]*domain.ProcessingTask, error) {
	var tasks []*domain.ProcessingTask
	for rows.Next() {
		task, err := scanTaskFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// eventScanDest holds the destination pointers for scanning a ProcessingEvent row.
type eventScanDest struct {
	event       domain.ProcessingEvent
	detailsJSON []byte
}

// destinations returns the slice of pointers for Scan operations.
func (d *eventScanDest) destinations() []interface{} {
	return []interface{}{
		&d.event.ID, &d.event.TaskID, &d.event.PaperID, &d.event.EventType,
		&d.event.Step, &d.event.TotalSteps, &d.event.Percentage, &d.event.Message,
		&d.detailsJSON, &d.event.PublishedAt, &d.event.CreatedAt,
	}
}

// finalize performs post-scan processing: unmarshals the JSON event details.
func (d *eventScanDest) finalize() (*domain.ProcessingEvent, error) {
	if len(d.detailsJSON) > 0 {
		if err := json.Unmarshal(d.detailsJSON, &d.event.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event details: %w", err)
		}
	}
	return &d.event, nil
}

// scanEvent scans a single row into a ProcessingEvent.
func scanEvent(row pgx.Row) (*domain.ProcessingEvent, error) {
	var dest eventScanDest
	if err := row.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}

// scanEventFromRows scans the current row from pgx.Rows into a ProcessingEvent.
func scanEventFromRows(rows pgx.Rows) (*domain.ProcessingEvent, error) {
	var dest eventScanDest
	if err := rows.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}

// collectEvents drains pgx.Rows into an event slice.
func collectEvents(rows pgx.Rows) ([]*domain.ProcessingEvent, error) {
	var events []*domain.ProcessingEvent
	for rows.Next() {
		event, err := scanEventFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// scanProcessingErrorFromRows scans the current row from pgx.Rows into a ProcessingError.
func scanProcessingErrorFromRows(rows pgx.Rows) (*domain.ProcessingError, error) {
	var procErr domain.ProcessingError
	var contextJSON []byte

	err := rows.Scan(
		&procErr.ID, &procErr.TaskID, &procErr.PaperID,
		&procErr.ErrorType, &procErr.ErrorCode, &procErr.Message, &procErr.StackTrace,
		&contextJSON, &procErr.Severity, &procErr.Recoverable, &procErr.Suggestion, &procErr.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &procErr.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error context: %w", err)
		}
	}

	return &procErr, nil
}
