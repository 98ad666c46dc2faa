package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/defscope/definition-extraction-service/internal/domain"
)

// TaskRepository handles processing tasks together with their append-only
// progress events and error records. Tasks are the unit of work claimed by
// pipeline workers; events and errors form the execution audit trail.
type TaskRepository interface {
	// Enqueue inserts a new pending task.
	// Returns domain.ErrTaskConflict if the paper already has a pending or
	// running task.
	// Returns domain.ErrNotFound if the paper does not exist.
	Enqueue(ctx context.Context, task *domain.ProcessingTask) error

	// GetByID retrieves a task by its UUID.
	// Returns domain.ErrNotFound if no matching task exists.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.ProcessingTask, error)

	// ClaimNextPending atomically claims the highest-priority pending task,
	// marking it running and stamping StartedAt. Claims from concurrent
	// workers never overlap.
	// Returns nil, nil if no pending task is available.
	ClaimNextPending(ctx context.Context) (*domain.ProcessingTask, error)

	// Update performs an optimistic update on a task using SELECT FOR UPDATE.
	// The update function receives the current row and mutates it in place.
	// Returns domain.ErrNotFound if the task does not exist.
	Update(ctx context.Context, id uuid.UUID, fn func(*domain.ProcessingTask) error) error

	// UpdateStatus transitions a task to a new status, validating the
	// transition against the task lifecycle state machine, and records the
	// result summary if one is given. Entering a terminal status stamps
	// FinishedAt.
	// Returns domain.ErrInvalidInput for a disallowed transition.
	// Returns domain.ErrNotFound if the task does not exist.
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.TaskStatus, result *domain.TaskResult) error

	// RequeueForRetry returns a running task to pending, increments its
	// retry counter, and clears StartedAt. Returns the new retry count.
	// Returns domain.ErrRetryBudgetExhausted if the task has no retries
	// left.
	// Returns domain.ErrNotFound if the task does not exist.
	RequeueForRetry(ctx context.Context, id uuid.UUID) (int, error)

	// ListTimedOutRunning retrieves running tasks whose execution deadline
	// (StartedAt plus TimeoutSeconds) passed before the given instant. The
	// reaper fails these tasks.
	ListTimedOutRunning(ctx context.Context, asOf time.Time) ([]*domain.ProcessingTask, error)

	// ListByPaper retrieves all tasks of a paper, newest first.
	ListByPaper(ctx context.Context, paperID uuid.UUID) ([]*domain.ProcessingTask, error)

	// LatestForPaper retrieves the most recently created task of a paper.
	// Returns domain.ErrNotFound if the paper has no tasks.
	LatestForPaper(ctx context.Context, paperID uuid.UUID) (*domain.ProcessingTask, error)

	// ActiveForPaper retrieves the paper's pending or running task.
	// Returns domain.ErrNotFound if the paper has no active task.
	ActiveForPaper(ctx context.Context, paperID uuid.UUID) (*domain.ProcessingTask, error)

	// AppendEvent records a progress event. Events are append-only; they
	// are never updated or deleted except by cascade from their task.
	AppendEvent(ctx context.Context, event *domain.ProcessingEvent) error

	// LatestEventForPaper retrieves the most recent progress event recorded
	// for a paper across all of its tasks.
	// Returns domain.ErrNotFound if the paper has no events.
	LatestEventForPaper(ctx context.Context, paperID uuid.UUID) (*domain.ProcessingEvent, error)

	// ListEventsByTask retrieves all events of a task in recording order.
	ListEventsByTask(ctx context.Context, taskID uuid.UUID) ([]*domain.ProcessingEvent, error)

	// ListUnpublishedEvents retrieves up to limit events that have not yet
	// been delivered to the external broker, oldest first. Rows are locked
	// with SKIP LOCKED; callers must run inside a transaction so competing
	// relay instances never pick the same events.
	ListUnpublishedEvents(ctx context.Context, limit int) ([]*domain.ProcessingEvent, error)

	// MarkEventsPublished stamps PublishedAt on the given events. A nil or
	// empty id list is a no-op.
	MarkEventsPublished(ctx context.Context, ids []uuid.UUID, publishedAt time.Time) error

	// AppendError records a processing error. Error records are append-only.
	AppendError(ctx context.Context, procErr *domain.ProcessingError) error

	// ListErrorsByPaper retrieves up to limit error records of a paper,
	// newest first.
	ListErrorsByPaper(ctx context.Context, paperID uuid.UUID, limit int) ([]*domain.ProcessingError, error)
}
