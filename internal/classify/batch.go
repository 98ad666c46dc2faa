package classify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// BatchResult summarizes one classification batch.
type BatchResult struct {
	// Total is the number of sentences that awaited a terminal outcome.
	Total int

	// Succeeded counts sentences that reached a success outcome.
	Succeeded int

	// Failed counts sentences that reached a terminal failure outcome.
	Failed int

	// AdapterDown is true when the classifier looked fully unreachable:
	// zero successes and every failure exhausted its retries on transient
	// errors. Reported, never thrown: the pipeline records it on the
	// completion event and leaves the classified flag unset.
	AdapterDown bool
}

// ClassifyBatch classifies every pending sentence of a paper with bounded
// concurrency. Each sentence reaches its own terminal outcome; one
// sentence's failure never cancels or corrupts its siblings. The returned
// error is non-nil only when the work list cannot be loaded, the context is
// cancelled, or an outcome cannot be persisted — already-persisted outcomes
// are kept in all three cases.
func (e *Engine) ClassifyBatch(ctx context.Context, paperID uuid.UUID) (BatchResult, error) {
	start := time.Now()

	pending, err := e.sentences.ListPending(ctx, paperID)
	if err != nil {
		return BatchResult{}, fmt.Errorf("listing pending sentences for paper %s: %w", paperID, err)
	}

	result := BatchResult{Total: len(pending)}
	if len(pending) == 0 {
		return result, nil
	}

	logger := e.logger.With().Str("paper_id", paperID.String()).Logger()
	logger.Info().
		Int("pending", len(pending)).
		Int("concurrency", e.concurrency).
		Msg("starting classification batch")

	var mu sync.Mutex
	retryableFailures := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for _, sentence := range pending {
		g.Go(func() error {
			t, err := e.classifySentence(gctx, sentence)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			if t.outcome.Success {
				result.Succeeded++
			} else {
				result.Failed++
				if t.category.Retryable() {
					retryableFailures++
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return result, err
	}

	result.AdapterDown = result.Succeeded == 0 && result.Failed > 0 &&
		retryableFailures == result.Failed

	if e.metrics != nil {
		e.metrics.RecordClassificationBatch(time.Since(start).Seconds())
	}

	logger.Info().
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Bool("adapter_down", result.AdapterDown).
		Dur("duration", time.Since(start)).
		Msg("classification batch finished")

	return result, nil
}
