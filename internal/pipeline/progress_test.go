package pipeline

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defscope/definition-extraction-service/internal/domain"
)

func TestGetStatusUnknownPaper(t *testing.T) {
	reader := NewStatusReader(newMemPapers(), newMemTasks())

	_, err := reader.GetStatus(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetStatusBeforeAnyTask(t *testing.T) {
	papers := newMemPapers()
	tasks := newMemTasks()
	paper := &domain.Paper{ID: uuid.New(), FileHash: "h1", ProcessingStatus: domain.ProcessingStatusUploading}
	require.NoError(t, papers.Create(context.Background(), paper))

	reader := NewStatusReader(papers, tasks)
	snapshot, err := reader.GetStatus(context.Background(), paper.ID)
	require.NoError(t, err)

	assert.Equal(t, paper.ID, snapshot.PaperID)
	assert.Equal(t, domain.ProcessingStatusUploading, snapshot.Status)
	assert.Equal(t, 0, snapshot.Percentage)
	assert.Equal(t, "uploaded", snapshot.StepName)
}

func TestGetStatusReflectsLatestEvent(t *testing.T) {
	papers := newMemPapers()
	tasks := newMemTasks()
	paper := &domain.Paper{ID: uuid.New(), FileHash: "h2", ProcessingStatus: domain.ProcessingStatusProcessing}
	require.NoError(t, papers.Create(context.Background(), paper))

	taskID := uuid.New()
	for _, e := range []struct {
		eventType string
		pct       int
		msg       string
	}{
		{domain.EventTypeProcessingStarted, pctStarted, "processing started"},
		{domain.EventTypeExtractionCompleted, pctExtractionCompleted, "text extracted"},
	} {
		require.NoError(t, tasks.AppendEvent(context.Background(), &domain.ProcessingEvent{
			ID: uuid.New(), TaskID: taskID, PaperID: paper.ID,
			EventType: e.eventType, Percentage: e.pct, Message: e.msg, TotalSteps: totalSteps,
		}))
	}

	reader := NewStatusReader(papers, tasks)
	snapshot, err := reader.GetStatus(context.Background(), paper.ID)
	require.NoError(t, err)

	assert.Equal(t, pctExtractionCompleted, snapshot.Percentage)
	assert.Equal(t, "text extracted", snapshot.StepName)
	assert.Empty(t, snapshot.ErrorMessage)
}

func TestGetStatusCompletedOverridesStaleEvents(t *testing.T) {
	papers := newMemPapers()
	tasks := newMemTasks()
	paper := &domain.Paper{ID: uuid.New(), FileHash: "h3", ProcessingStatus: domain.ProcessingStatusUploading}
	require.NoError(t, papers.Create(context.Background(), paper))
	require.NoError(t, papers.UpdateStatus(context.Background(), paper.ID, domain.ProcessingStatusProcessing, ""))
	require.NoError(t, papers.UpdateStatus(context.Background(), paper.ID, domain.ProcessingStatusCompleted, ""))

	require.NoError(t, tasks.AppendEvent(context.Background(), &domain.ProcessingEvent{
		ID: uuid.New(), TaskID: uuid.New(), PaperID: paper.ID,
		EventType: domain.EventTypeClassificationCompleted, Percentage: pctClassificationFinished,
		Message: "sentences classified", TotalSteps: totalSteps,
	}))

	reader := NewStatusReader(papers, tasks)
	snapshot, err := reader.GetStatus(context.Background(), paper.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.ProcessingStatusCompleted, snapshot.Status)
	assert.Equal(t, pctCompleted, snapshot.Percentage)
}

func TestGetStatusCarriesErrorMessage(t *testing.T) {
	papers := newMemPapers()
	tasks := newMemTasks()
	paper := &domain.Paper{ID: uuid.New(), FileHash: "h4", ProcessingStatus: domain.ProcessingStatusUploading}
	require.NoError(t, papers.Create(context.Background(), paper))
	require.NoError(t, papers.UpdateStatus(context.Background(), paper.ID, domain.ProcessingStatusProcessing, ""))
	require.NoError(t, papers.UpdateStatus(context.Background(), paper.ID, domain.ProcessingStatusError, "extraction failed: bad request"))

	reader := NewStatusReader(papers, tasks)
	snapshot, err := reader.GetStatus(context.Background(), paper.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.ProcessingStatusError, snapshot.Status)
	assert.Equal(t, "extraction failed: bad request", snapshot.ErrorMessage)
	assert.Equal(t, "processing failed", snapshot.StepName)
}
