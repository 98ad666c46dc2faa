// Package pipeline drives papers through the processing lifecycle: ingest,
// extraction, segmentation and classification. It owns the paper state
// machine, the processing task queue consumed by the worker engine, and the
// append-only event/error audit trail behind progress reporting.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/defscope/definition-extraction-service/internal/analysis"
	"github.com/defscope/definition-extraction-service/internal/classify"
	"github.com/defscope/definition-extraction-service/internal/domain"
	"github.com/defscope/definition-extraction-service/internal/observability"
	"github.com/defscope/definition-extraction-service/internal/repository"
	"github.com/defscope/definition-extraction-service/internal/storage"
)

// Pipeline stage names used in events, errors, logs and metrics.
const (
	StageExtraction     = "extraction"
	StageSegmentation   = "segmentation"
	StageClassification = "classification"
)

// Progress milestones. The pipeline has four reportable steps; percentages
// are fixed per milestone so polling clients see monotonic progress.
const (
	totalSteps = 4

	pctQueued                 = 0
	pctStarted                = 2
	pctExtractionStarted      = 5
	pctExtractionCompleted    = 35
	pctSegmentationStarted    = 40
	pctSegmentationCompleted  = 65
	pctClassificationStarted  = 70
	pctClassificationFinished = 95
	pctCompleted              = 100
)

// Config holds orchestrator settings.
type Config struct {
	// MaxUploadBytes is the maximum accepted upload size. Zero disables
	// the orchestrator-level check (the HTTP layer enforces its own).
	MaxUploadBytes int64

	// TaskMaxRetries is the whole-stage retry budget given to new tasks.
	TaskMaxRetries int

	// TaskTimeout bounds one execution attempt of a task.
	TaskTimeout time.Duration
}

// Upload is one file submitted for ingestion.
type Upload struct {
	FileName    string
	ContentType string
	Data        []byte
}

// FileStore is the slice of the storage layer the orchestrator needs.
type FileStore interface {
	Save(hash string, data []byte) (string, error)
	Read(hash string) ([]byte, error)
	Remove(hash string) error
}

// URLDownloader fetches a remote PDF for URL-based ingestion.
type URLDownloader interface {
	Download(ctx context.Context, url string) (*storage.DownloadResult, error)
}

// BatchClassifier runs classification over every pending sentence of a
// paper. Satisfied by *classify.Engine.
type BatchClassifier interface {
	ClassifyBatch(ctx context.Context, paperID uuid.UUID) (classify.BatchResult, error)
}

// TaskOutcome tells the worker engine how one task execution ended.
type TaskOutcome int

const (
	// OutcomeCompleted means the task reached a terminal completed status.
	OutcomeCompleted TaskOutcome = iota

	// OutcomeRequeued means a stage failed recoverably and the task went
	// back to pending for another attempt.
	OutcomeRequeued

	// OutcomeFailed means the task reached a terminal failed status and
	// its paper was marked error.
	OutcomeFailed
)

// Orchestrator coordinates the processing pipeline. It is the only writer of
// paper rows; sentence rows are written by the classification engine it
// drives.
type Orchestrator struct {
	papers    repository.PaperRepository
	sections  repository.SectionRepository
	sentences repository.SentenceRepository
	tasks     repository.TaskRepository

	store      FileStore
	downloader URLDownloader

	extractor  analysis.Extractor
	segmenter  analysis.Segmenter
	classifier BatchClassifier

	metrics *observability.Metrics
	logger  zerolog.Logger
	cfg     Config
}

// NewOrchestrator wires the pipeline orchestrator. The downloader may be nil
// when URL ingestion is disabled; metrics may be nil.
func NewOrchestrator(
	papers repository.PaperRepository,
	sections repository.SectionRepository,
	sentences repository.SentenceRepository,
	tasks repository.TaskRepository,
	store FileStore,
	downloader URLDownloader,
	extractor analysis.Extractor,
	segmenter analysis.Segmenter,
	classifier BatchClassifier,
	cfg Config,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Orchestrator {
	if cfg.TaskMaxRetries <= 0 {
		cfg.TaskMaxRetries = 3
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}

	return &Orchestrator{
		papers:     papers,
		sections:   sections,
		sentences:  sentences,
		tasks:      tasks,
		store:      store,
		downloader: downloader,
		extractor:  extractor,
		segmenter:  segmenter,
		classifier: classifier,
		metrics:    metrics,
		logger:     logger.With().Str("component", "pipeline").Logger(),
		cfg:        cfg,
	}
}

// Ingest validates an upload, deduplicates it by content hash, persists the
// paper and its file, and enqueues a file_processing task. The boolean is
// false when the upload matched an existing paper, which is then returned
// unchanged with no new task.
func (o *Orchestrator) Ingest(ctx context.Context, upload Upload) (*domain.Paper, bool, error) {
	if len(upload.Data) == 0 {
		return nil, false, domain.NewValidationError("file", "file is empty")
	}
	if o.cfg.MaxUploadBytes > 0 && int64(len(upload.Data)) > o.cfg.MaxUploadBytes {
		return nil, false, domain.NewValidationError("file",
			fmt.Sprintf("file exceeds maximum size of %d bytes", o.cfg.MaxUploadBytes))
	}

	contentType := storage.DetectContentType(upload.ContentType, upload.Data)
	if !storage.IsPDF(contentType, upload.Data) {
		return nil, false, domain.NewValidationError("file", "only PDF files are accepted")
	}

	hash := storage.HashBytes(upload.Data)

	existing, err := o.papers.GetByFileHash(ctx, hash)
	if err == nil {
		if o.metrics != nil {
			o.metrics.RecordPaperDuplicate()
		}
		o.logger.Info().
			Str("paper_id", existing.ID.String()).
			Str("file_hash", hash).
			Msg("duplicate upload matched existing paper")
		return existing, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, fmt.Errorf("checking file hash: %w", err)
	}

	paper := &domain.Paper{
		ID:               uuid.New(),
		FileName:         sanitizeFileName(upload.FileName),
		ContentType:      storage.PDFContentType,
		SizeBytes:        int64(len(upload.Data)),
		FileHash:         hash,
		ProcessingStatus: domain.ProcessingStatusUploading,
	}

	// Page count is best-effort: damaged cross-reference tables are common
	// in the wild and the extractor copes with them.
	if pages, pagesErr := storage.PageCount(upload.Data); pagesErr == nil {
		paper.PageCount = &pages
	}

	if err := o.papers.Create(ctx, paper); err != nil {
		// A concurrent upload of the same bytes can win the insert race.
		if errors.Is(err, domain.ErrDuplicateFile) {
			if winner, getErr := o.papers.GetByFileHash(ctx, hash); getErr == nil {
				if o.metrics != nil {
					o.metrics.RecordPaperDuplicate()
				}
				return winner, false, nil
			}
		}
		return nil, false, fmt.Errorf("creating paper: %w", err)
	}

	if _, err := o.store.Save(hash, upload.Data); err != nil {
		return nil, false, fmt.Errorf("storing file for paper %s: %w", paper.ID, err)
	}

	task, err := o.enqueue(ctx, paper.ID, domain.TaskTypeFileProcessing, false)
	if err != nil {
		return nil, false, err
	}

	if o.metrics != nil {
		o.metrics.RecordPaperIngested()
	}
	o.logger.Info().
		Str("paper_id", paper.ID.String()).
		Str("task_id", task.ID.String()).
		Str("file_name", paper.FileName).
		Int64("size_bytes", paper.SizeBytes).
		Msg("paper ingested")

	return paper, true, nil
}

// IngestURL downloads a PDF and runs it through the normal ingest path.
func (o *Orchestrator) IngestURL(ctx context.Context, rawURL string) (*domain.Paper, bool, error) {
	if o.downloader == nil {
		return nil, false, domain.NewValidationError("url", "URL ingestion is not enabled")
	}

	result, err := o.downloader.Download(ctx, rawURL)
	if err != nil {
		return nil, false, err
	}

	return o.Ingest(ctx, Upload{
		FileName:    fileNameFromURL(rawURL),
		ContentType: result.ContentType,
		Data:        result.Content,
	})
}

// Reprocess re-enqueues a paper. Stage flags decide what re-runs: a paper
// with extraction and segmentation intact gets a classification-only task.
// force re-runs every stage from scratch and resets terminal sentence
// outcomes.
func (o *Orchestrator) Reprocess(ctx context.Context, paperID uuid.UUID, force bool) (*domain.ProcessingTask, error) {
	paper, err := o.papers.GetByID(ctx, paperID)
	if err != nil {
		return nil, err
	}
	if paper.ProcessingStatus == domain.ProcessingStatusUploading ||
		paper.ProcessingStatus == domain.ProcessingStatusProcessing {
		return nil, domain.NewValidationError("paper_id", "paper is still being processed")
	}

	taskType := domain.TaskTypeFileProcessing
	if !force && paper.Extracted && paper.Segmented {
		taskType = domain.TaskTypeClassificationRetry
	}

	task, err := o.enqueue(ctx, paperID, taskType, force)
	if err != nil {
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.RecordPaperReprocessed()
	}
	o.logger.Info().
		Str("paper_id", paperID.String()).
		Str("task_id", task.ID.String()).
		Str("task_type", string(taskType)).
		Bool("force", force).
		Msg("paper reprocess enqueued")

	return task, nil
}

// DeletePaper removes a paper, its derived rows (via cascade), and its
// stored file. File removal is best-effort: the row deletion is what makes
// the paper disappear from every read surface.
func (o *Orchestrator) DeletePaper(ctx context.Context, paperID uuid.UUID) error {
	paper, err := o.papers.GetByID(ctx, paperID)
	if err != nil {
		return err
	}
	if err := o.papers.Delete(ctx, paperID); err != nil {
		return err
	}
	if err := o.store.Remove(paper.FileHash); err != nil {
		o.logger.Warn().Err(err).Str("paper_id", paperID.String()).Msg("stored file removal failed")
	}
	if o.metrics != nil {
		o.metrics.RecordPaperDeleted()
	}
	return nil
}

// enqueue creates a pending task for a paper together with its queued event.
// The task repository rejects papers that already have a non-terminal task.
func (o *Orchestrator) enqueue(ctx context.Context, paperID uuid.UUID, taskType domain.TaskType, force bool) (*domain.ProcessingTask, error) {
	task := &domain.ProcessingTask{
		ID:             uuid.New(),
		PaperID:        paperID,
		TaskType:       taskType,
		Status:         domain.TaskStatusPending,
		MaxRetries:     o.cfg.TaskMaxRetries,
		TimeoutSeconds: int(o.cfg.TaskTimeout.Seconds()),
	}
	switch taskType {
	case domain.TaskTypeClassificationRetry:
		task.Payload = domain.TaskPayload{ClassificationRetry: &domain.ClassificationRetryPayload{PaperID: paperID, Force: force}}
	default:
		task.Payload = domain.TaskPayload{FileProcessing: &domain.FileProcessingPayload{PaperID: paperID, Force: force}}
	}

	if err := o.tasks.Enqueue(ctx, task); err != nil {
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.RecordTaskEnqueued(string(taskType))
	}

	o.emitProgress(ctx, task, domain.EventTypeProcessingQueued, 0, pctQueued, "queued for processing", domain.EventDetails{})
	return task, nil
}

// Execute runs one claimed task to a terminal outcome. The context carries
// the per-task watchdog deadline set by the worker engine; a context error
// is returned unhandled so the engine can distinguish timeout from
// cancellation. Any other return means the task status was settled here.
func (o *Orchestrator) Execute(ctx context.Context, task *domain.ProcessingTask) (TaskOutcome, error) {
	paperID, force, err := taskTarget(task)
	if err != nil {
		return o.failTask(ctx, task, uuid.Nil, StageExtraction, err)
	}

	logger := o.logger.With().
		Str("task_id", task.ID.String()).
		Str("task_type", string(task.TaskType)).
		Str("paper_id", paperID.String()).
		Logger()

	paper, err := o.papers.GetByID(ctx, paperID)
	if err != nil {
		return o.failTask(ctx, task, paperID, StageExtraction, err)
	}

	start := time.Now()
	if err := o.papers.UpdateStatus(ctx, paperID, domain.ProcessingStatusProcessing, ""); err != nil {
		return o.failTask(ctx, task, paperID, StageExtraction, err)
	}
	o.emitProgress(ctx, task, domain.EventTypeProcessingStarted, 0, pctStarted, "processing started", domain.EventDetails{})

	if force {
		if err := o.resetForForce(ctx, task, paper); err != nil {
			return o.failTask(ctx, task, paperID, StageExtraction, err)
		}
	} else if task.TaskType == domain.TaskTypeClassificationRetry {
		if err := o.resetForRetry(ctx, paper); err != nil {
			return o.failTask(ctx, task, paperID, StageClassification, err)
		}
	}

	result := &domain.TaskResult{}

	if !paper.Extracted {
		if err := o.runExtraction(ctx, task, paper, result); err != nil {
			return o.stageFailed(ctx, task, paperID, StageExtraction, err, logger)
		}
	}

	if !paper.Segmented {
		if err := o.runSegmentation(ctx, task, paper, result); err != nil {
			return o.stageFailed(ctx, task, paperID, StageSegmentation, err, logger)
		}
	}

	if err := o.runClassification(ctx, task, paper, result); err != nil {
		return o.stageFailed(ctx, task, paperID, StageClassification, err, logger)
	}

	if err := o.papers.UpdateStatus(ctx, paperID, domain.ProcessingStatusCompleted, ""); err != nil {
		return o.failTask(ctx, task, paperID, StageClassification, err)
	}
	result.Message = "pipeline completed"
	if err := o.tasks.UpdateStatus(ctx, task.ID, domain.TaskStatusCompleted, result); err != nil {
		return OutcomeFailed, fmt.Errorf("completing task %s: %w", task.ID, err)
	}
	o.emitProgress(ctx, task, domain.EventTypeProcessingCompleted, totalSteps, pctCompleted, "processing completed", domain.EventDetails{})

	if o.metrics != nil {
		o.metrics.RecordPaperProcessed(time.Since(start).Seconds())
	}
	logger.Info().
		Int("sections", result.Sections).
		Int("sentences", result.Sentences).
		Int("classified_succeeded", result.ClassifiedSucceeded).
		Int("classified_failed", result.ClassifiedFailed).
		Dur("duration", time.Since(start)).
		Msg("pipeline completed")

	return OutcomeCompleted, nil
}

// resetForForce clears whatever a forced run re-derives. A forced full run
// drops sections (and through cascade sentences); a forced classification
// retry only resets sentence outcomes.
func (o *Orchestrator) resetForForce(ctx context.Context, task *domain.ProcessingTask, paper *domain.Paper) error {
	if task.TaskType == domain.TaskTypeClassificationRetry {
		if _, err := o.sentences.ResetOutcomes(ctx, paper.ID); err != nil {
			return fmt.Errorf("resetting sentence outcomes: %w", err)
		}
		if err := o.papers.ResetStages(ctx, paper.ID, false, false, true); err != nil {
			return err
		}
		paper.Classified = false
		return nil
	}

	if _, err := o.sections.DeleteByPaper(ctx, paper.ID); err != nil {
		return fmt.Errorf("removing sections for forced run: %w", err)
	}
	if err := o.papers.ResetStages(ctx, paper.ID, true, true, true); err != nil {
		return err
	}
	paper.Extracted = false
	paper.Segmented = false
	paper.Classified = false
	return nil
}

// resetForRetry returns a paper's error sentences to the unknown status so a
// non-forced classification retry re-attempts them. A paper whose classifier
// was unreachable has every sentence parked at error; the reset rebuilds the
// work list from them, and the classified flag is cleared until the new batch
// settles.
func (o *Orchestrator) resetForRetry(ctx context.Context, paper *domain.Paper) error {
	reset, err := o.sentences.ResetFailedOutcomes(ctx, paper.ID)
	if err != nil {
		return fmt.Errorf("resetting failed sentence outcomes: %w", err)
	}
	if reset > 0 && paper.Classified {
		if err := o.papers.ResetStages(ctx, paper.ID, false, false, true); err != nil {
			return err
		}
		paper.Classified = false
	}
	return nil
}

// runExtraction calls the TEI extractor and persists the resulting sections.
// Section rows are committed before the next external call is issued.
func (o *Orchestrator) runExtraction(ctx context.Context, task *domain.ProcessingTask, paper *domain.Paper, result *domain.TaskResult) error {
	o.emitProgress(ctx, task, domain.EventTypeExtractionStarted, 1, pctExtractionStarted, "extracting text", domain.EventDetails{})
	start := time.Now()

	pdf, err := o.store.Read(paper.FileHash)
	if err != nil {
		return fmt.Errorf("reading stored file: %w", err)
	}

	extracted, err := o.extractor.Extract(ctx, pdf, paper.FileName)
	if err != nil {
		return err
	}
	if len(extracted.Sections) == 0 {
		return domain.NewExternalAPIError("tei extractor", 0, "extraction produced no sections", nil)
	}

	sections := buildSections(paper.ID, extracted.Sections)
	if err := o.sections.CreateBatch(ctx, sections); err != nil {
		return fmt.Errorf("persisting sections: %w", err)
	}

	if err := o.papers.Update(ctx, paper.ID, func(p *domain.Paper) error {
		p.Extracted = true
		p.RawTEI = &extracted.RawTEI
		return nil
	}); err != nil {
		return err
	}
	paper.Extracted = true

	result.Sections = len(sections)
	o.emitProgress(ctx, task, domain.EventTypeExtractionCompleted, 1, pctExtractionCompleted, "text extracted",
		domain.EventDetails{Extraction: &domain.ExtractionDetails{
			Sections: len(sections),
			Pages:    derefInt(paper.PageCount),
			TEIBytes: len(extracted.RawTEI),
		}})
	if o.metrics != nil {
		o.metrics.RecordStageDuration(StageExtraction, time.Since(start).Seconds())
	}
	return nil
}

// runSegmentation splits each section into sentences. Rows are inserted per
// section so every batch is committed before the next splitter call.
func (o *Orchestrator) runSegmentation(ctx context.Context, task *domain.ProcessingTask, paper *domain.Paper, result *domain.TaskResult) error {
	o.emitProgress(ctx, task, domain.EventTypeSegmentationStarted, 2, pctSegmentationStarted, "splitting sentences", domain.EventDetails{})
	start := time.Now()

	sections, err := o.sections.ListByPaper(ctx, paper.ID)
	if err != nil {
		return fmt.Errorf("listing sections: %w", err)
	}

	total := 0
	for _, section := range sections {
		texts, err := o.segmenter.Split(ctx, section.Text)
		if err != nil {
			return err
		}
		if len(texts) == 0 {
			continue
		}

		sentences := make([]*domain.Sentence, 0, len(texts))
		for i, text := range texts {
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			sentences = append(sentences, &domain.Sentence{
				ID:              uuid.New(),
				SectionID:       section.ID,
				PaperID:         paper.ID,
				Text:            text,
				Ordinal:         i,
				DetectionStatus: domain.DetectionStatusUnknown,
			})
		}
		if len(sentences) == 0 {
			continue
		}
		if err := o.sentences.CreateBatch(ctx, sentences); err != nil {
			return fmt.Errorf("persisting sentences for section %s: %w", section.ID, err)
		}
		total += len(sentences)
	}

	if err := o.papers.Update(ctx, paper.ID, func(p *domain.Paper) error {
		p.Segmented = true
		return nil
	}); err != nil {
		return err
	}
	paper.Segmented = true

	result.Sentences = total
	o.emitProgress(ctx, task, domain.EventTypeSegmentationCompleted, 2, pctSegmentationCompleted, "sentences split",
		domain.EventDetails{Segmentation: &domain.SegmentationDetails{
			Sections:  len(sections),
			Sentences: total,
		}})
	if o.metrics != nil {
		o.metrics.RecordStageDuration(StageSegmentation, time.Since(start).Seconds())
	}
	return nil
}

// runClassification drives the retry engine over the paper's pending
// sentences. Sentence-level failures never fail the stage; only an
// unreachable classifier leaves the classified flag unset.
func (o *Orchestrator) runClassification(ctx context.Context, task *domain.ProcessingTask, paper *domain.Paper, result *domain.TaskResult) error {
	o.emitProgress(ctx, task, domain.EventTypeClassificationStarted, 3, pctClassificationStarted, "classifying sentences", domain.EventDetails{})
	start := time.Now()

	batch, err := o.classifier.ClassifyBatch(ctx, paper.ID)
	if err != nil {
		return err
	}

	result.ClassifiedSucceeded = batch.Succeeded
	result.ClassifiedFailed = batch.Failed

	if !batch.AdapterDown {
		if err := o.papers.Update(ctx, paper.ID, func(p *domain.Paper) error {
			p.Classified = true
			return nil
		}); err != nil {
			return err
		}
		paper.Classified = true
	}

	message := "sentences classified"
	if batch.AdapterDown {
		message = "classifier unreachable, classification incomplete"
	}
	o.emitProgress(ctx, task, domain.EventTypeClassificationCompleted, 3, pctClassificationFinished, message,
		domain.EventDetails{Classification: &domain.ClassificationDetails{
			Total:       batch.Total,
			Succeeded:   batch.Succeeded,
			Failed:      batch.Failed,
			AdapterDown: batch.AdapterDown,
		}})
	if o.metrics != nil {
		o.metrics.RecordStageDuration(StageClassification, time.Since(start).Seconds())
	}
	return nil
}

// stageFailed settles a failed stage: context errors bubble up to the
// engine, recoverable errors requeue the task while retries remain, and
// everything else fails the task and the paper.
func (o *Orchestrator) stageFailed(ctx context.Context, task *domain.ProcessingTask, paperID uuid.UUID, stage string, stageErr error, logger zerolog.Logger) (TaskOutcome, error) {
	if ctx.Err() != nil {
		return OutcomeFailed, ctx.Err()
	}

	category := classify.Categorize(stageErr)
	if o.metrics != nil {
		o.metrics.RecordStageFailure(stage, category.String())
	}
	o.recordError(ctx, task, paperID, stage, stageErr, category.Retryable())

	if category.Retryable() {
		newRetries, err := o.tasks.RequeueForRetry(ctx, task.ID)
		if err == nil {
			if o.metrics != nil {
				o.metrics.RecordTaskRetried(string(task.TaskType))
			}
			o.emitProgress(ctx, task, domain.EventTypeProcessingFailed, stageStep(stage), pctStarted,
				fmt.Sprintf("%s failed, retry %d of %d scheduled", stage, newRetries, task.MaxRetries),
				domain.EventDetails{Failure: &domain.FailureDetails{
					Stage:     stage,
					ErrorType: category.String(),
					Retryable: true,
				}})
			logger.Warn().Err(stageErr).Str("stage", stage).Int("retries", newRetries).Msg("stage failed, task requeued")
			return OutcomeRequeued, nil
		}
		if !errors.Is(err, domain.ErrRetryBudgetExhausted) {
			return OutcomeFailed, fmt.Errorf("requeueing task %s: %w", task.ID, err)
		}
		stageErr = fmt.Errorf("%w: %s failed after %d attempts: %v",
			domain.ErrRetryBudgetExhausted, stage, task.MaxRetries+1, stageErr)
	}

	return o.failTask(ctx, task, paperID, stage, stageErr)
}

// failTask settles a terminal failure: the task becomes failed and the paper
// is rolled back to error with the failure message.
func (o *Orchestrator) failTask(ctx context.Context, task *domain.ProcessingTask, paperID uuid.UUID, stage string, cause error) (TaskOutcome, error) {
	msg := cause.Error()

	if paperID != uuid.Nil {
		if err := o.papers.UpdateStatus(ctx, paperID, domain.ProcessingStatusError, msg); err != nil {
			o.logger.Error().Err(err).Str("paper_id", paperID.String()).Msg("marking paper error failed")
		}
	}
	if err := o.tasks.UpdateStatus(ctx, task.ID, domain.TaskStatusFailed, &domain.TaskResult{Message: msg}); err != nil {
		o.logger.Error().Err(err).Str("task_id", task.ID.String()).Msg("marking task failed failed")
	}
	o.emitProgress(ctx, task, domain.EventTypeProcessingFailed, stageStep(stage), pctStarted,
		fmt.Sprintf("%s failed: %s", stage, msg),
		domain.EventDetails{Failure: &domain.FailureDetails{
			Stage:     stage,
			ErrorType: classify.Categorize(cause).String(),
			Retryable: false,
		}})

	o.logger.Error().Err(cause).
		Str("task_id", task.ID.String()).
		Str("paper_id", paperID.String()).
		Str("stage", stage).
		Msg("task failed terminally")

	return OutcomeFailed, nil
}

// recordError appends one detailed error record for the audit trail.
func (o *Orchestrator) recordError(ctx context.Context, task *domain.ProcessingTask, paperID uuid.UUID, stage string, cause error, recoverable bool) {
	severity := domain.ErrorSeverityError
	suggestion := "inspect the external service and retry the paper"
	if !recoverable {
		severity = domain.ErrorSeverityCritical
		suggestion = "fix the input or configuration before reprocessing"
	}

	procErr := &domain.ProcessingError{
		ID:        uuid.New(),
		TaskID:    task.ID,
		PaperID:   paperID,
		ErrorType: stage,
		ErrorCode: classify.Categorize(cause).String(),
		Message:   cause.Error(),
		Context: map[string]interface{}{
			"stage":     stage,
			"task_type": string(task.TaskType),
			"retries":   task.Retries,
		},
		Severity:    severity,
		Recoverable: recoverable,
		Suggestion:  suggestion,
	}
	if err := o.tasks.AppendError(ctx, procErr); err != nil {
		o.logger.Error().Err(err).Str("task_id", task.ID.String()).Msg("recording processing error failed")
	}
}

// emitProgress appends one milestone event. Events are append-only and also
// feed the outbox relay; a failed append is logged but never fails the run.
func (o *Orchestrator) emitProgress(ctx context.Context, task *domain.ProcessingTask, eventType string, step, percentage int, message string, details domain.EventDetails) {
	event := &domain.ProcessingEvent{
		ID:         uuid.New(),
		TaskID:     task.ID,
		PaperID:    task.PaperID,
		EventType:  eventType,
		Step:       step,
		TotalSteps: totalSteps,
		Percentage: percentage,
		Message:    message,
		Details:    details,
	}
	if err := o.tasks.AppendEvent(ctx, event); err != nil {
		o.logger.Warn().Err(err).
			Str("task_id", task.ID.String()).
			Str("event_type", eventType).
			Msg("recording progress event failed")
	}
}

// taskTarget resolves the paper and force flag from the typed task payload.
func taskTarget(task *domain.ProcessingTask) (uuid.UUID, bool, error) {
	switch {
	case task.Payload.FileProcessing != nil:
		return task.Payload.FileProcessing.PaperID, task.Payload.FileProcessing.Force, nil
	case task.Payload.ClassificationRetry != nil:
		return task.Payload.ClassificationRetry.PaperID, task.Payload.ClassificationRetry.Force, nil
	default:
		return uuid.Nil, false, domain.NewValidationError("payload", "task carries no recognized payload")
	}
}

// buildSections converts extractor output into section rows, assigning
// ordinals within each (type, page) group so reference IDs stay stable.
func buildSections(paperID uuid.UUID, extracted []analysis.ExtractedSection) []*domain.Section {
	type locKey struct {
		t    domain.SectionType
		page int
	}
	ordinals := make(map[locKey]int, len(extracted))

	sections := make([]*domain.Section, 0, len(extracted))
	for _, es := range extracted {
		text := strings.TrimSpace(es.Text)
		if text == "" {
			continue
		}
		key := locKey{t: es.Type, page: es.Page}
		ordinal := ordinals[key]
		ordinals[key] = ordinal + 1

		sections = append(sections, &domain.Section{
			ID:          uuid.New(),
			PaperID:     paperID,
			SectionType: es.Type,
			Page:        es.Page,
			Ordinal:     ordinal,
			Text:        text,
			WordCount:   len(strings.Fields(text)),
		})
	}
	return sections
}

// stageStep maps a stage name to its step number for failure events.
func stageStep(stage string) int {
	switch stage {
	case StageExtraction:
		return 1
	case StageSegmentation:
		return 2
	case StageClassification:
		return 3
	default:
		return 0
	}
}

// sanitizeFileName keeps only the base name of a client-supplied file name.
func sanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "paper.pdf"
	}
	return name
}

// fileNameFromURL derives a file name from a download URL path.
func fileNameFromURL(rawURL string) string {
	trimmed := strings.SplitN(rawURL, "?", 2)[0]
	name := sanitizeFileName(path.Base(trimmed))
	if !strings.HasSuffix(strings.ToLower(name), ".pdf") {
		name += ".pdf"
	}
	return name
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
