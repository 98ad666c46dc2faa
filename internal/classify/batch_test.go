package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defscope/definition-extraction-service/internal/analysis"
	"github.com/defscope/definition-extraction-service/internal/domain"
)

func pendingSentences(paperID uuid.UUID, texts ...string) []*domain.Sentence {
	sentences := make([]*domain.Sentence, 0, len(texts))
	for i, text := range texts {
		sentences = append(sentences, &domain.Sentence{
			ID:              uuid.New(),
			SectionID:       uuid.New(),
			PaperID:         paperID,
			Text:            text,
			Ordinal:         i,
			DetectionStatus: domain.DetectionStatusUnknown,
		})
	}
	return sentences
}

func TestEngine_ClassifyBatch(t *testing.T) {
	t.Run("classifies every pending sentence", func(t *testing.T) {
		paperID := uuid.New()
		byText := map[string]string{
			"Working memory is a limited-capacity store.":       "cd",
			"Capacity was operationalized as digit span score.": "od",
			"We recruited forty participants.":                  "none",
			"Attention is defined and measured via RT tasks.":   "both",
		}

		classifier := &fakeClassifier{
			fn: func(_ int, sentence string) (*analysis.Classification, error) {
				return classification(byText[sentence], "because")
			},
		}
		store := &fakeStore{pending: pendingSentences(paperID,
			"Working memory is a limited-capacity store.",
			"Capacity was operationalized as digit span score.",
			"We recruited forty participants.",
			"Attention is defined and measured via RT tasks.",
		)}
		engine := newTestEngine(classifier, store, Config{BaseDelay: time.Millisecond, Concurrency: 4})

		result, err := engine.ClassifyBatch(context.Background(), paperID)

		require.NoError(t, err)
		assert.Equal(t, BatchResult{Total: 4, Succeeded: 4, Failed: 0, AdapterDown: false}, result)

		require.Len(t, store.applied(), 4)
		for _, sentence := range store.pending {
			outcome, ok := store.outcomeFor(sentence.ID)
			require.True(t, ok, "no outcome for %q", sentence.Text)
			assert.True(t, outcome.Success)

			wantOD := byText[sentence.Text] == "od" || byText[sentence.Text] == "both"
			wantCD := byText[sentence.Text] == "cd" || byText[sentence.Text] == "both"
			assert.Equal(t, wantOD, outcome.IsOD)
			assert.Equal(t, wantCD, outcome.IsCD)
		}
	})

	t.Run("isolates a sentence that exhausts its retries", func(t *testing.T) {
		paperID := uuid.New()
		store := &fakeStore{pending: pendingSentences(paperID,
			"sentence one", "sentence two", "poison", "sentence four", "sentence five",
		)}
		classifier := &fakeClassifier{
			fn: func(_ int, sentence string) (*analysis.Classification, error) {
				if sentence == "poison" {
					return nil, domain.NewExternalAPIError("workflow automation", 503, "maintenance", nil)
				}
				return classification("none", "")
			},
		}
		engine := newTestEngine(classifier, store, Config{
			MaxRetries:  2,
			BaseDelay:   time.Millisecond,
			Concurrency: 5,
		})

		result, err := engine.ClassifyBatch(context.Background(), paperID)

		require.NoError(t, err)
		assert.Equal(t, 5, result.Total)
		assert.Equal(t, 4, result.Succeeded)
		assert.Equal(t, 1, result.Failed)
		assert.False(t, result.AdapterDown)

		require.Len(t, store.applied(), 5)
		var poisoned *domain.Sentence
		for _, s := range store.pending {
			if s.Text == "poison" {
				poisoned = s
			}
		}
		outcome, ok := store.outcomeFor(poisoned.ID)
		require.True(t, ok)
		assert.False(t, outcome.Success)
		assert.Equal(t, 2, outcome.RetryCount)
		assert.Contains(t, outcome.ErrorMessage, "retry budget exhausted")
	})

	t.Run("reports adapter down when nothing succeeds transiently", func(t *testing.T) {
		paperID := uuid.New()
		store := &fakeStore{pending: pendingSentences(paperID, "a", "b", "c", "d")}
		classifier := &fakeClassifier{
			fn: func(_ int, _ string) (*analysis.Classification, error) {
				return nil, domain.NewExternalAPIError("workflow automation", 503, "maintenance", nil)
			},
		}
		engine := newTestEngine(classifier, store, Config{
			MaxRetries:  1,
			BaseDelay:   time.Millisecond,
			Concurrency: 4,
		})

		result, err := engine.ClassifyBatch(context.Background(), paperID)

		require.NoError(t, err)
		assert.Equal(t, BatchResult{Total: 4, Succeeded: 0, Failed: 4, AdapterDown: true}, result)

		// Every sentence still carries its own terminal outcome.
		require.Len(t, store.applied(), 4)
		for _, outcome := range store.applied() {
			assert.False(t, outcome.Success)
			assert.Equal(t, 1, outcome.RetryCount)
		}
	})

	t.Run("permanent failures alone are not adapter down", func(t *testing.T) {
		paperID := uuid.New()
		store := &fakeStore{pending: pendingSentences(paperID, "a", "b", "c")}
		classifier := &fakeClassifier{
			fn: func(_ int, _ string) (*analysis.Classification, error) {
				return nil, domain.NewExternalAPIError("workflow automation", 400, "payload rejected", nil)
			},
		}
		engine := newTestEngine(classifier, store, Config{MaxRetries: 2, BaseDelay: time.Millisecond})

		result, err := engine.ClassifyBatch(context.Background(), paperID)

		require.NoError(t, err)
		assert.Equal(t, BatchResult{Total: 3, Succeeded: 0, Failed: 3, AdapterDown: false}, result)
	})

	t.Run("mixed failure categories are not adapter down", func(t *testing.T) {
		paperID := uuid.New()
		store := &fakeStore{pending: pendingSentences(paperID, "transient one", "transient two", "rejected")}
		classifier := &fakeClassifier{
			fn: func(_ int, sentence string) (*analysis.Classification, error) {
				if sentence == "rejected" {
					return nil, domain.NewExternalAPIError("workflow automation", 400, "payload rejected", nil)
				}
				return nil, domain.NewExternalAPIError("workflow automation", 503, "maintenance", nil)
			},
		}
		engine := newTestEngine(classifier, store, Config{MaxRetries: 1, BaseDelay: time.Millisecond})

		result, err := engine.ClassifyBatch(context.Background(), paperID)

		require.NoError(t, err)
		assert.Equal(t, 3, result.Failed)
		assert.Equal(t, 0, result.Succeeded)
		assert.False(t, result.AdapterDown)
	})

	t.Run("empty work list is a no-op", func(t *testing.T) {
		classifier := &fakeClassifier{
			fn: func(_ int, _ string) (*analysis.Classification, error) {
				return classification("none", "")
			},
		}
		store := &fakeStore{}
		engine := newTestEngine(classifier, store, Config{BaseDelay: time.Millisecond})

		result, err := engine.ClassifyBatch(context.Background(), uuid.New())

		require.NoError(t, err)
		assert.Equal(t, BatchResult{}, result)
		assert.Equal(t, 0, classifier.callCount())
	})

	t.Run("propagates work list failures", func(t *testing.T) {
		store := &fakeStore{listErr: errors.New("connection refused")}
		engine := newTestEngine(&fakeClassifier{}, store, Config{BaseDelay: time.Millisecond})

		_, err := engine.ClassifyBatch(context.Background(), uuid.New())

		require.Error(t, err)
		assert.Contains(t, err.Error(), "listing pending sentences")
	})

	t.Run("bounds classifier concurrency", func(t *testing.T) {
		paperID := uuid.New()
		texts := make([]string, 20)
		for i := range texts {
			texts[i] = fmt.Sprintf("sentence %d", i)
		}
		store := &fakeStore{pending: pendingSentences(paperID, texts...)}
		classifier := &fakeClassifier{
			delay: 20 * time.Millisecond,
			fn: func(_ int, _ string) (*analysis.Classification, error) {
				return classification("none", "")
			},
		}
		engine := newTestEngine(classifier, store, Config{
			BaseDelay:   time.Millisecond,
			Concurrency: 5,
		})

		result, err := engine.ClassifyBatch(context.Background(), paperID)

		require.NoError(t, err)
		assert.Equal(t, 20, result.Succeeded)
		assert.LessOrEqual(t, classifier.maxInFlight, 5)
		assert.Greater(t, classifier.maxInFlight, 1)
	})

	t.Run("aborts when outcomes cannot be persisted", func(t *testing.T) {
		paperID := uuid.New()
		store := &fakeStore{
			pending:  pendingSentences(paperID, "a", "b", "c"),
			applyErr: errors.New("connection reset by peer"),
		}
		classifier := &fakeClassifier{
			fn: func(_ int, _ string) (*analysis.Classification, error) {
				return classification("none", "")
			},
		}
		engine := newTestEngine(classifier, store, Config{BaseDelay: time.Millisecond})

		_, err := engine.ClassifyBatch(context.Background(), paperID)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "persisting outcome")
	})

	t.Run("cancellation stops the batch and keeps the queue intact", func(t *testing.T) {
		paperID := uuid.New()
		texts := make([]string, 10)
		for i := range texts {
			texts[i] = fmt.Sprintf("sentence %d", i)
		}
		store := &fakeStore{pending: pendingSentences(paperID, texts...)}
		classifier := &fakeClassifier{
			delay: 50 * time.Millisecond,
			fn: func(_ int, _ string) (*analysis.Classification, error) {
				return classification("none", "")
			},
		}
		engine := newTestEngine(classifier, store, Config{
			BaseDelay:   time.Millisecond,
			Concurrency: 5,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := engine.ClassifyBatch(ctx, paperID)

		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Empty(t, store.applied())
	})
}

func TestBatchResult_AdapterDownRequiresFailures(t *testing.T) {
	// A batch with zero pending sentences must not read as an outage.
	paperID := uuid.New()
	store := &fakeStore{}
	engine := newTestEngine(&fakeClassifier{}, store, Config{BaseDelay: time.Millisecond})

	result, err := engine.ClassifyBatch(context.Background(), paperID)

	require.NoError(t, err)
	assert.False(t, result.AdapterDown)
	assert.Zero(t, result.Total)
}

func TestEngine_ClassifyBatch_LogsIdentifiersOnly(t *testing.T) {
	// The batch driver logs counts and identifiers, never sentence text.
	paperID := uuid.New()
	var buf strings.Builder
	logger := zerolog.New(&buf)

	store := &fakeStore{pending: pendingSentences(paperID, "the secret formula is defined here")}
	classifier := &fakeClassifier{
		fn: func(_ int, _ string) (*analysis.Classification, error) {
			return classification("cd", "")
		},
	}
	engine := NewEngine(classifier, store, Config{BaseDelay: time.Millisecond}, logger, nil)

	_, err := engine.ClassifyBatch(context.Background(), paperID)

	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "secret formula")
	assert.Contains(t, buf.String(), paperID.String())
}
