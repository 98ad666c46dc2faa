package classify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/defscope/definition-extraction-service/internal/analysis"
	"github.com/defscope/definition-extraction-service/internal/domain"
	"github.com/defscope/definition-extraction-service/internal/observability"
)

const (
	// DefaultMaxRetries is the per-sentence retry budget beyond the first attempt.
	DefaultMaxRetries = 3

	// DefaultBaseDelay is the backoff unit; retry n waits BaseDelay*n.
	DefaultBaseDelay = 1 * time.Second

	// DefaultMaxDelay caps the backoff growth.
	DefaultMaxDelay = 30 * time.Second

	// DefaultConcurrency bounds simultaneous classifier calls per batch.
	DefaultConcurrency = 8
)

// classifierSource labels engine-detected response problems in error messages.
const classifierSource = "classifier"

// Wire categories the classifier webhook may label a sentence with.
const (
	categoryOD   = "od"
	categoryCD   = "cd"
	categoryBoth = "both"
	categoryNone = "none"
)

// flagsForCategory maps a wire category to outcome flags. ok is false for
// labels outside the contract, which the engine treats as a malformed
// response.
func flagsForCategory(category string) (isOD, isCD, ok bool) {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case categoryOD:
		return true, false, true
	case categoryCD:
		return false, true, true
	case categoryBoth:
		return true, true, true
	case categoryNone:
		return false, false, true
	default:
		return false, false, false
	}
}

// SentenceStore is the slice of the sentence repository the engine reads
// its work list from and writes terminal outcomes through.
type SentenceStore interface {
	ListPending(ctx context.Context, paperID uuid.UUID) ([]*domain.Sentence, error)
	ApplyOutcome(ctx context.Context, outcome domain.ClassificationOutcome) error
}

// Config holds retry and concurrency settings for the engine.
type Config struct {
	// MaxRetries is the per-sentence retry budget beyond the first attempt.
	MaxRetries int

	// BaseDelay is the backoff unit: the n-th retry waits BaseDelay*n.
	BaseDelay time.Duration

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration

	// Concurrency bounds simultaneous classifier calls per batch.
	Concurrency int
}

// Engine classifies sentences through the external classifier with bounded
// retries and persists exactly one terminal outcome per sentence.
// Intermediate retries are never persisted.
type Engine struct {
	classifier analysis.Classifier
	sentences  SentenceStore
	metrics    *observability.Metrics
	logger     zerolog.Logger

	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	concurrency int
}

// NewEngine creates a classification engine. Zero or negative config fields
// fall back to the package defaults. The metrics parameter may be nil
// (metrics recording will be skipped).
func NewEngine(classifier analysis.Classifier, sentences SentenceStore, cfg Config, logger zerolog.Logger, metrics *observability.Metrics) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	return &Engine{
		classifier:  classifier,
		sentences:   sentences,
		metrics:     metrics,
		logger:      logger.With().Str("component", "classify").Logger(),
		maxRetries:  cfg.MaxRetries,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		concurrency: cfg.Concurrency,
	}
}

// terminal pairs a persisted outcome with the category of the final error
// behind a failed outcome. category is meaningful only when the outcome is
// a failure.
type terminal struct {
	outcome  domain.ClassificationOutcome
	category ErrorCategory
}

// Classify classifies one sentence to a terminal outcome and persists it.
// The returned outcome mirrors the stored row. An error is returned only
// when no terminal outcome was reached — the context was cancelled — or
// when the outcome could not be persisted.
func (e *Engine) Classify(ctx context.Context, sentence *domain.Sentence) (domain.ClassificationOutcome, error) {
	t, err := e.classifySentence(ctx, sentence)
	return t.outcome, err
}

func (e *Engine) classifySentence(ctx context.Context, sentence *domain.Sentence) (terminal, error) {
	t, err := e.run(ctx, sentence)
	if err != nil {
		return terminal{}, err
	}

	if err := e.sentences.ApplyOutcome(ctx, t.outcome); err != nil {
		return terminal{}, fmt.Errorf("persisting outcome for sentence %s: %w", sentence.ID, err)
	}

	if e.metrics != nil {
		e.metrics.RecordSentenceClassified(string(t.outcome.Status()))
		if t.outcome.IsOD {
			e.metrics.RecordDefinitionDetected("od")
		}
		if t.outcome.IsCD {
			e.metrics.RecordDefinitionDetected("cd")
		}
	}
	return t, nil
}

// run executes the retry loop and returns the terminal outcome without
// persisting it. The error is non-nil only on context cancellation.
func (e *Engine) run(ctx context.Context, sentence *domain.Sentence) (terminal, error) {
	logger := e.logger.With().
		Str("sentence_id", sentence.ID.String()).
		Str("paper_id", sentence.PaperID.String()).
		Logger()

	var lastErr error
	var lastCategory ErrorCategory

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, e.backoff(attempt)); err != nil {
				return terminal{}, err
			}
		}

		if e.metrics != nil {
			e.metrics.RecordClassificationAttempt(attempt)
		}

		result, err := e.classifier.Classify(ctx, sentence.Text)
		if err == nil {
			isOD, isCD, ok := flagsForCategory(result.Category)
			if ok {
				return terminal{outcome: domain.ClassificationOutcome{
					SentenceID:  sentence.ID,
					Success:     true,
					IsOD:        isOD,
					IsCD:        isCD,
					Explanation: result.Explanation,
					RetryCount:  attempt,
				}}, nil
			}
			err = domain.NewExternalAPIError(classifierSource, http.StatusOK,
				fmt.Sprintf("unrecognized category %q", result.Category), nil)
		}

		// Never record an outcome for a cancelled run: the sentence stays
		// pending and the next run picks it up.
		if ctx.Err() != nil {
			return terminal{}, ctx.Err()
		}

		lastErr = err
		lastCategory = Categorize(err)

		logger.Debug().
			Err(err).
			Int("attempt", attempt).
			Str("category", lastCategory.String()).
			Msg("classifier attempt failed")

		if !lastCategory.Retryable() {
			return e.failure(logger, sentence.ID, lastErr, lastCategory, attempt), nil
		}
	}

	exhausted := fmt.Errorf("%w after %d attempts: %v",
		domain.ErrRetryBudgetExhausted, e.maxRetries+1, lastErr)
	return e.failure(logger, sentence.ID, exhausted, lastCategory, e.maxRetries), nil
}

// failure builds the terminal failure outcome for a sentence.
func (e *Engine) failure(logger zerolog.Logger, sentenceID uuid.UUID, err error, category ErrorCategory, retryCount int) terminal {
	logger.Warn().
		Err(err).
		Int("retry_count", retryCount).
		Str("category", category.String()).
		Msg("sentence classification failed terminally")

	return terminal{
		outcome: domain.ClassificationOutcome{
			SentenceID:   sentenceID,
			Success:      false,
			ErrorMessage: err.Error(),
			RetryCount:   retryCount,
		},
		category: category,
	}
}

// backoff computes the wait before the given retry attempt (1-indexed):
// BaseDelay*attempt, capped at MaxDelay.
func (e *Engine) backoff(attempt int) time.Duration {
	delay := e.baseDelay * time.Duration(attempt)
	if delay > e.maxDelay {
		delay = e.maxDelay
	}
	return delay
}

// sleepContext waits for the duration or until the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
