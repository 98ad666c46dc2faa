package pipeline

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/defscope/definition-extraction-service/internal/domain"
	"github.com/defscope/definition-extraction-service/internal/repository"
)

// StatusReader builds the progress projection served to polling clients and
// the SSE stream: the paper's current status joined with the latest recorded
// milestone event.
type StatusReader struct {
	papers repository.PaperRepository
	tasks  repository.TaskRepository
}

// NewStatusReader creates a status projection reader.
func NewStatusReader(papers repository.PaperRepository, tasks repository.TaskRepository) *StatusReader {
	return &StatusReader{papers: papers, tasks: tasks}
}

// GetStatus returns the current progress snapshot of a paper.
// Returns domain.ErrNotFound if the paper does not exist.
func (r *StatusReader) GetStatus(ctx context.Context, paperID uuid.UUID) (*domain.StatusSnapshot, error) {
	paper, err := r.papers.GetByID(ctx, paperID)
	if err != nil {
		return nil, err
	}

	snapshot := &domain.StatusSnapshot{
		PaperID: paper.ID,
		Status:  paper.ProcessingStatus,
	}
	if paper.ErrorMessage != nil {
		snapshot.ErrorMessage = *paper.ErrorMessage
	}

	event, err := r.tasks.LatestEventForPaper(ctx, paperID)
	switch {
	case err == nil:
		snapshot.Percentage = event.Percentage
		snapshot.StepName = event.Message
	case errors.Is(err, domain.ErrNotFound):
		// No task has touched the paper yet.
		snapshot.StepName = defaultStepName(paper.ProcessingStatus)
	default:
		return nil, err
	}

	// Terminal paper states override stale event percentages: a completed
	// paper is always 100% even if the completion event write was lost.
	if paper.ProcessingStatus == domain.ProcessingStatusCompleted {
		snapshot.Percentage = pctCompleted
		if snapshot.StepName == "" {
			snapshot.StepName = "processing completed"
		}
	}

	return snapshot, nil
}

func defaultStepName(status domain.ProcessingStatus) string {
	switch status {
	case domain.ProcessingStatusUploading:
		return "uploaded"
	case domain.ProcessingStatusProcessing:
		return "processing started"
	case domain.ProcessingStatusCompleted:
		return "processing completed"
	case domain.ProcessingStatusError:
		return "processing failed"
	default:
		return ""
	}
}
