package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/defscope/definition-extraction-service/internal/domain"
)

// Pagination bounds for list endpoints.
const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// errorResponse is the uniform error shape of the API.
type errorResponse struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail"`
}

// Paper response types for JSON serialization.

type paperResponse struct {
	ID          string     `json:"id"`
	FileName    string     `json:"file_name"`
	ContentType string     `json:"content_type"`
	SizeBytes   int64      `json:"size_bytes"`
	PageCount   *int       `json:"page_count,omitempty"`
	FileHash    string     `json:"file_hash"`
	Status      string     `json:"status"`
	Extracted   bool       `json:"extracted"`
	Segmented   bool       `json:"segmented"`
	Classified  bool       `json:"classified"`
	Error       string     `json:"error_message,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type ingestResponse struct {
	Paper   paperResponse `json:"paper"`
	Created bool          `json:"created"`
	Message string        `json:"message"`
}

type listPapersResponse struct {
	Papers        []paperResponse `json:"papers"`
	NextPageToken string          `json:"next_page_token,omitempty"`
	TotalCount    int             `json:"total_count"`
}

type taskResponse struct {
	TaskID     string     `json:"task_id"`
	PaperID    string     `json:"paper_id"`
	TaskType   string     `json:"task_type"`
	Status     string     `json:"status"`
	Retries    int        `json:"retries"`
	MaxRetries int        `json:"max_retries"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type cancelResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	FinalStatus string `json:"final_status"`
}

type sentenceResponse struct {
	ID           string `json:"id"`
	SectionID    string `json:"section_id"`
	Text         string `json:"text"`
	Ordinal      int    `json:"ordinal"`
	Status       string `json:"detection_status"`
	IsOD         bool   `json:"is_od"`
	IsCD         bool   `json:"is_cd"`
	Explanation  string `json:"explanation,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	RetryCount   int    `json:"retry_count"`
}

type listSentencesResponse struct {
	Sentences     []sentenceResponse `json:"sentences"`
	NextPageToken string             `json:"next_page_token,omitempty"`
	TotalCount    int                `json:"total_count"`
}

type processingErrorResponse struct {
	ID          string                 `json:"id"`
	TaskID      string                 `json:"task_id"`
	ErrorType   string                 `json:"error_type"`
	ErrorCode   string                 `json:"error_code"`
	Message     string                 `json:"message"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Severity    string                 `json:"severity"`
	Recoverable bool                   `json:"recoverable"`
	Suggestion  string                 `json:"suggestion,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

type listErrorsResponse struct {
	Errors []processingErrorResponse `json:"errors"`
}

// Converter functions

func domainPaperToResponse(p *domain.Paper) paperResponse {
	resp := paperResponse{
		ID:          p.ID.String(),
		FileName:    p.FileName,
		ContentType: p.ContentType,
		SizeBytes:   p.SizeBytes,
		PageCount:   p.PageCount,
		FileHash:    p.FileHash,
		Status:      string(p.ProcessingStatus),
		Extracted:   p.Extracted,
		Segmented:   p.Segmented,
		Classified:  p.Classified,
		CompletedAt: p.CompletedAt,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
	if p.ErrorMessage != nil {
		resp.Error = *p.ErrorMessage
	}
	return resp
}

func domainTaskToResponse(t *domain.ProcessingTask) taskResponse {
	return taskResponse{
		TaskID:     t.ID.String(),
		PaperID:    t.PaperID.String(),
		TaskType:   string(t.TaskType),
		Status:     string(t.Status),
		Retries:    t.Retries,
		MaxRetries: t.MaxRetries,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
		CreatedAt:  t.CreatedAt,
	}
}

func domainSentenceToResponse(s *domain.Sentence) sentenceResponse {
	resp := sentenceResponse{
		ID:         s.ID.String(),
		SectionID:  s.SectionID.String(),
		Text:       s.Text,
		Ordinal:    s.Ordinal,
		Status:     string(s.DetectionStatus),
		IsOD:       s.IsOD,
		IsCD:       s.IsCD,
		RetryCount: s.RetryCount,
	}
	if s.Explanation != nil {
		resp.Explanation = *s.Explanation
	}
	if s.ErrorMessage != nil {
		resp.ErrorMessage = *s.ErrorMessage
	}
	return resp
}

func domainProcessingErrorToResponse(e *domain.ProcessingError) processingErrorResponse {
	return processingErrorResponse{
		ID:          e.ID.String(),
		TaskID:      e.TaskID.String(),
		ErrorType:   e.ErrorType,
		ErrorCode:   e.ErrorCode,
		Message:     e.Message,
		Context:     e.Context,
		Severity:    string(e.Severity),
		Recoverable: e.Recoverable,
		Suggestion:  e.Suggestion,
		CreatedAt:   e.CreatedAt,
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Best-effort; headers already sent.
		_ = err
	}
}

// writeError writes the uniform JSON error shape.
func writeError(w http.ResponseWriter, statusCode int, detail string) {
	writeJSON(w, statusCode, errorResponse{Success: false, Detail: detail})
}

// writeDomainError maps domain errors to HTTP status codes. Validation
// errors surface their message verbatim; internal details are not leaked.
func writeDomainError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "resource not found")
	case errors.Is(err, domain.ErrInvalidInput):
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Message)
		} else {
			writeError(w, http.StatusBadRequest, "invalid input")
		}
	case errors.Is(err, domain.ErrTaskConflict):
		writeError(w, http.StatusConflict, "paper already has an active task")
	case errors.Is(err, domain.ErrDuplicateFile), errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "resource already exists")
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limited")
	case errors.Is(err, domain.ErrServiceUnavailable):
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	case errors.Is(err, domain.ErrCancelled):
		writeError(w, http.StatusConflict, "operation cancelled")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// parsePaginationParams extracts page_size and page_token from query
// parameters, bounding the page size.
func parsePaginationParams(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if pageSizeStr := r.URL.Query().Get("page_size"); pageSizeStr != "" {
		if parsed, err := strconv.Atoi(pageSizeStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	if pageToken := r.URL.Query().Get("page_token"); pageToken != "" {
		decoded, err := base64.StdEncoding.DecodeString(pageToken)
		if err == nil {
			if parsed, parseErr := strconv.Atoi(string(decoded)); parseErr == nil && parsed > 0 {
				offset = parsed
			}
		}
	}

	return limit, offset
}

// encodeHTTPPageToken encodes the next offset as a base64 page token, empty
// when there are no more results.
func encodeHTTPPageToken(offset, limit, totalCount int) string {
	nextOffset := offset + limit
	if nextOffset < totalCount {
		return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(nextOffset)))
	}
	return ""
}
