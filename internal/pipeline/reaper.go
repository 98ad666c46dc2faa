package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/defscope/definition-extraction-service/internal/domain"
	"github.com/defscope/definition-extraction-service/internal/observability"
	"github.com/defscope/definition-extraction-service/internal/repository"
)

// Reaper periodically sweeps for running tasks whose execution deadline
// passed without the owning worker settling them. That happens when the
// process crashed or was killed mid-task; the watchdog context handles
// timeouts inside a live process.
type Reaper struct {
	tasks    repository.TaskRepository
	papers   repository.PaperRepository
	schedule cron.Schedule
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

// NewReaper creates a stale-task reaper. schedule is a standard 5-field cron
// expression.
func NewReaper(tasks repository.TaskRepository, papers repository.PaperRepository, schedule string, logger zerolog.Logger, metrics *observability.Metrics) (*Reaper, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	parsed, err := parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("parsing reaper schedule %q: %w", schedule, err)
	}

	return &Reaper{
		tasks:    tasks,
		papers:   papers,
		schedule: parsed,
		metrics:  metrics,
		logger:   logger.With().Str("component", "task_reaper").Logger(),
	}, nil
}

// Run executes sweeps on the configured schedule until the context is
// cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info().Msg("task reaper starting")

	timer := time.NewTimer(time.Until(r.schedule.Next(time.Now())))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("task reaper stopped")
			return ctx.Err()
		case <-timer.C:
		}

		if err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("stale task sweep failed")
		}

		timer.Reset(time.Until(r.schedule.Next(time.Now())))
	}
}

// Sweep fails every running task whose deadline has passed and rolls its
// paper back to error.
func (r *Reaper) Sweep(ctx context.Context) error {
	stale, err := r.tasks.ListTimedOutRunning(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("listing timed-out tasks: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	r.logger.Warn().Int("count", len(stale)).Msg("reaping stale tasks")

	for _, task := range stale {
		r.reap(ctx, task)
	}
	return nil
}

func (r *Reaper) reap(ctx context.Context, task *domain.ProcessingTask) {
	msg := fmt.Sprintf("task abandoned: no progress within %d seconds", task.TimeoutSeconds)

	if err := r.tasks.UpdateStatus(ctx, task.ID, domain.TaskStatusFailed, &domain.TaskResult{Message: msg}); err != nil {
		r.logger.Error().Err(err).Str("task_id", task.ID.String()).Msg("failing stale task failed")
		return
	}
	if err := r.papers.UpdateStatus(ctx, task.PaperID, domain.ProcessingStatusError, msg); err != nil {
		r.logger.Error().Err(err).Str("paper_id", task.PaperID.String()).Msg("marking stale paper failed")
	}

	event := &domain.ProcessingEvent{
		ID:         uuid.New(),
		TaskID:     task.ID,
		PaperID:    task.PaperID,
		EventType:  domain.EventTypeProcessingTimedOut,
		TotalSteps: totalSteps,
		Message:    msg,
	}
	if err := r.tasks.AppendEvent(ctx, event); err != nil {
		r.logger.Warn().Err(err).Str("task_id", task.ID.String()).Msg("recording reap event failed")
	}

	procErr := &domain.ProcessingError{
		ID:        uuid.New(),
		TaskID:    task.ID,
		PaperID:   task.PaperID,
		ErrorType: "timeout",
		ErrorCode: "transient",
		Message:   msg,
		Context: map[string]interface{}{
			"task_type":       string(task.TaskType),
			"timeout_seconds": task.TimeoutSeconds,
			"reaped":          true,
		},
		Severity:    domain.ErrorSeverityError,
		Recoverable: true,
		Suggestion:  "reprocess the paper; check for worker crashes if this recurs",
	}
	if err := r.tasks.AppendError(ctx, procErr); err != nil {
		r.logger.Warn().Err(err).Str("task_id", task.ID.String()).Msg("recording reap error failed")
	}

	if r.metrics != nil {
		r.metrics.RecordTaskTimedOut(string(task.TaskType))
	}
	r.logger.Warn().
		Str("task_id", task.ID.String()).
		Str("paper_id", task.PaperID.String()).
		Msg("stale task reaped")
}
