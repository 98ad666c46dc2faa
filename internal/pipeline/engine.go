package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/defscope/definition-extraction-service/internal/domain"
	"github.com/defscope/definition-extraction-service/internal/observability"
	"github.com/defscope/definition-extraction-service/internal/repository"
)

// DefaultPollInterval is how often an idle worker polls for pending tasks.
const DefaultPollInterval = 500 * time.Millisecond

// Executor runs one claimed task to a terminal outcome. Satisfied by
// *Orchestrator.
type Executor interface {
	Execute(ctx context.Context, task *domain.ProcessingTask) (TaskOutcome, error)
}

// EngineConfig holds worker pool settings.
type EngineConfig struct {
	// Workers is the number of concurrent task workers.
	Workers int

	// PollInterval is how often idle workers poll for pending tasks.
	PollInterval time.Duration
}

// Engine is the in-process worker pool. Workers claim pending tasks one at a
// time under a per-task watchdog deadline; the engine tracks running tasks
// so cancellation can reach them mid-flight.
type Engine struct {
	tasks    repository.TaskRepository
	papers   repository.PaperRepository
	executor Executor
	metrics  *observability.Metrics
	logger   zerolog.Logger
	cfg      EngineConfig

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc // task ID -> cancel
}

// NewEngine creates a worker pool over the task queue. metrics may be nil.
func NewEngine(tasks repository.TaskRepository, papers repository.PaperRepository, executor Executor, cfg EngineConfig, logger zerolog.Logger, metrics *observability.Metrics) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	return &Engine{
		tasks:    tasks,
		papers:   papers,
		executor: executor,
		metrics:  metrics,
		logger:   logger.With().Str("component", "task_engine").Logger(),
		cfg:      cfg,
		running:  make(map[uuid.UUID]context.CancelFunc),
	}
}

// Run starts the worker pool and blocks until the context is cancelled and
// every in-flight task has settled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().
		Int("workers", e.cfg.Workers).
		Dur("poll_interval", e.cfg.PollInterval).
		Msg("task engine starting")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			return e.workerLoop(gctx, worker)
		})
	}

	err := g.Wait()
	e.logger.Info().Msg("task engine stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// workerLoop claims and executes tasks until the context is cancelled.
func (e *Engine) workerLoop(ctx context.Context, worker int) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}

	for {
		task, err := e.tasks.ClaimNextPending(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Error().Err(err).Int("worker", worker).Msg("claiming task failed")
		} else if task != nil {
			e.executeTask(ctx, task, worker)
			continue
		}

		timer.Reset(e.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// executeTask runs one claimed task under its watchdog deadline and settles
// every way the run can end: completed, requeued, failed, timed out, or
// cancelled.
func (e *Engine) executeTask(ctx context.Context, task *domain.ProcessingTask, worker int) {
	timeout := time.Duration(task.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	e.track(task.ID, cancel)
	defer func() {
		e.untrack(task.ID)
		cancel()
	}()

	if e.metrics != nil {
		e.metrics.RecordTaskStarted()
	}
	logger := e.logger.With().
		Int("worker", worker).
		Str("task_id", task.ID.String()).
		Str("task_type", string(task.TaskType)).
		Str("paper_id", task.PaperID.String()).
		Logger()
	logger.Info().Int("retries", task.Retries).Msg("task claimed")

	start := time.Now()
	outcome, err := e.executor.Execute(taskCtx, task)

	switch {
	case err == nil:
		e.recordOutcome(task, outcome, time.Since(start))

	case errors.Is(err, context.DeadlineExceeded) && taskCtx.Err() != nil && ctx.Err() == nil:
		// The watchdog fired: settle with the parent context, which is
		// still live.
		e.settleTimedOut(ctx, task, timeout)
		logger.Warn().Dur("timeout", timeout).Msg("task timed out")

	case errors.Is(err, context.Canceled) && ctx.Err() == nil:
		// Cancelled through CancelTask while the engine keeps running. The
		// canceller already settled the task and paper rows.
		if e.metrics != nil {
			e.metrics.RecordTaskCancelled(string(task.TaskType))
			e.metrics.RecordTaskReleased()
		}
		logger.Info().Msg("task cancelled")

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Engine shutdown: leave the task running so the stale-task reaper
		// or a restart picks it up.
		logger.Warn().Err(err).Msg("task interrupted by shutdown")
		if e.metrics != nil {
			e.metrics.RecordTaskReleased()
		}

	default:
		// The orchestrator could not settle the task rows, typically a
		// database failure. The reaper recovers the stuck running row.
		logger.Error().Err(err).Msg("settling task failed")
		if e.metrics != nil {
			e.metrics.RecordTaskFailed(string(task.TaskType), time.Since(start).Seconds())
		}
	}
}

// recordOutcome updates task metrics for a settled execution.
func (e *Engine) recordOutcome(task *domain.ProcessingTask, outcome TaskOutcome, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	switch outcome {
	case OutcomeCompleted:
		e.metrics.RecordTaskCompleted(string(task.TaskType), elapsed.Seconds())
	case OutcomeFailed:
		e.metrics.RecordTaskFailed(string(task.TaskType), elapsed.Seconds())
	case OutcomeRequeued:
		// RecordTaskRetried already ran in the orchestrator and released
		// the in-flight slot.
	}
}

// settleTimedOut fails a task whose watchdog deadline fired and rolls its
// paper back to error.
func (e *Engine) settleTimedOut(ctx context.Context, task *domain.ProcessingTask, timeout time.Duration) {
	msg := fmt.Sprintf("task exceeded execution timeout of %s", timeout)

	if err := e.tasks.UpdateStatus(ctx, task.ID, domain.TaskStatusFailed, &domain.TaskResult{Message: msg}); err != nil {
		e.logger.Error().Err(err).Str("task_id", task.ID.String()).Msg("failing timed-out task failed")
	}
	if err := e.papers.UpdateStatus(ctx, task.PaperID, domain.ProcessingStatusError, msg); err != nil {
		e.logger.Error().Err(err).Str("paper_id", task.PaperID.String()).Msg("marking timed-out paper failed")
	}
	e.appendTerminalEvent(ctx, task, domain.EventTypeProcessingTimedOut, msg)
	e.appendTimeoutError(ctx, task, msg)

	if e.metrics != nil {
		e.metrics.RecordTaskTimedOut(string(task.TaskType))
		e.metrics.RecordTaskFailed(string(task.TaskType), timeout.Seconds())
	}
}

// CancelPaper cancels the paper's active task: a pending task is flipped to
// cancelled directly, a running one is interrupted through its watchdog
// context. Either way the paper rolls back to error so a later reprocess can
// restart it.
func (e *Engine) CancelPaper(ctx context.Context, paperID uuid.UUID) (*domain.ProcessingTask, error) {
	task, err := e.tasks.ActiveForPaper(ctx, paperID)
	if err != nil {
		return nil, err
	}
	if err := e.cancelTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (e *Engine) cancelTask(ctx context.Context, task *domain.ProcessingTask) error {
	const cancelMsg = "processing cancelled"

	if task.Status == domain.TaskStatusRunning {
		// Interrupt the worker first so nothing races the status flip.
		e.mu.Lock()
		cancel, inFlight := e.running[task.ID]
		e.mu.Unlock()
		if inFlight {
			cancel()
		}
	}

	if err := e.tasks.UpdateStatus(ctx, task.ID, domain.TaskStatusCancelled, &domain.TaskResult{Message: cancelMsg}); err != nil {
		return err
	}
	if err := e.papers.UpdateStatus(ctx, task.PaperID, domain.ProcessingStatusError, cancelMsg); err != nil {
		e.logger.Error().Err(err).Str("paper_id", task.PaperID.String()).Msg("marking cancelled paper failed")
	}
	e.appendTerminalEvent(ctx, task, domain.EventTypeProcessingCancelled, cancelMsg)

	if task.Status == domain.TaskStatusPending && e.metrics != nil {
		// Running tasks are counted by executeTask when the cancellation
		// surfaces there.
		e.metrics.RecordTaskCancelled(string(task.TaskType))
	}

	e.logger.Info().
		Str("task_id", task.ID.String()).
		Str("paper_id", task.PaperID.String()).
		Str("prior_status", string(task.Status)).
		Msg("task cancelled")
	return nil
}

func (e *Engine) appendTerminalEvent(ctx context.Context, task *domain.ProcessingTask, eventType, message string) {
	event := &domain.ProcessingEvent{
		ID:         uuid.New(),
		TaskID:     task.ID,
		PaperID:    task.PaperID,
		EventType:  eventType,
		TotalSteps: totalSteps,
		Message:    message,
	}
	if err := e.tasks.AppendEvent(ctx, event); err != nil {
		e.logger.Warn().Err(err).Str("task_id", task.ID.String()).Msg("recording terminal event failed")
	}
}

func (e *Engine) appendTimeoutError(ctx context.Context, task *domain.ProcessingTask, msg string) {
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
		},
		Severity:    domain.ErrorSeverityError,
		Recoverable: true,
		Suggestion:  "reprocess the paper or raise the task timeout",
	}
	if err := e.tasks.AppendError(ctx, procErr); err != nil {
		e.logger.Warn().Err(err).Str("task_id", task.ID.String()).Msg("recording timeout error failed")
	}
}

func (e *Engine) track(id uuid.UUID, cancel context.CancelFunc) {
	e.mu.Lock()
	e.running[id] = cancel
	e.mu.Unlock()
}

func (e *Engine) untrack(id uuid.UUID) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}
