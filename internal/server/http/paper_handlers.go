package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/defscope/definition-extraction-service/internal/domain"
	"github.com/defscope/definition-extraction-service/internal/pipeline"
	"github.com/defscope/definition-extraction-service/internal/repository"
)

const errorListLimit = 50

// ingestPaper handles POST /api/v1/papers with a multipart file upload.
// Returns 201 for a new paper, 200 when the content hash matched an
// existing one.
func (s *Server) ingestPaper(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading uploaded file")
		return
	}

	paper, created, err := s.pipeline.Ingest(r.Context(), pipeline.Upload{
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("file_name", header.Filename).Msg("ingest rejected")
		writeDomainError(w, err)
		return
	}

	s.writeIngestResult(w, paper, created)
}

type ingestURLRequest struct {
	URL string `json:"url" validate:"required,url"`
}

// ingestPaperFromURL handles POST /api/v1/papers/url with a JSON body
// naming a remote PDF.
func (s *Server) ingestPaperFromURL(w http.ResponseWriter, r *http.Request) {
	var req ingestURLRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "url is required and must be a valid URL")
		return
	}

	paper, created, err := s.pipeline.IngestURL(r.Context(), req.URL)
	if err != nil {
		s.logger.Warn().Err(err).Str("url", req.URL).Msg("url ingest rejected")
		writeDomainError(w, err)
		return
	}

	s.writeIngestResult(w, paper, created)
}

func (s *Server) writeIngestResult(w http.ResponseWriter, paper *domain.Paper, created bool) {
	resp := ingestResponse{
		Paper:   domainPaperToResponse(paper),
		Created: created,
		Message: "paper accepted for processing",
	}
	status := http.StatusCreated
	if !created {
		resp.Message = "paper already exists"
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// listPapers handles GET /api/v1/papers with status and creation-time
// filters plus token pagination.
func (s *Server) listPapers(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePaginationParams(r)

	filter := repository.PaperFilter{Limit: limit, Offset: offset}

	if statusParam := r.URL.Query().Get("status"); statusParam != "" {
		for _, raw := range strings.Split(statusParam, ",") {
			status := domain.ProcessingStatus(strings.TrimSpace(raw))
			switch status {
			case domain.ProcessingStatusUploading, domain.ProcessingStatusProcessing,
				domain.ProcessingStatusCompleted, domain.ProcessingStatusError:
				filter.Status = append(filter.Status, status)
			default:
				writeError(w, http.StatusBadRequest, "invalid status filter: "+string(status))
				return
			}
		}
	}

	if after, ok := parseTimeParam(w, r, "created_after"); !ok {
		return
	} else if after != nil {
		filter.CreatedAfter = after
	}
	if before, ok := parseTimeParam(w, r, "created_before"); !ok {
		return
	} else if before != nil {
		filter.CreatedBefore = before
	}

	papers, total, err := s.papers.List(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("listing papers")
		writeDomainError(w, err)
		return
	}

	resp := listPapersResponse{
		Papers:        make([]paperResponse, 0, len(papers)),
		NextPageToken: encodeHTTPPageToken(offset, limit, int(total)),
		TotalCount:    int(total),
	}
	for _, p := range papers {
		resp.Papers = append(resp.Papers, domainPaperToResponse(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

// getPaper handles GET /api/v1/papers/{paperID}.
func (s *Server) getPaper(w http.ResponseWriter, r *http.Request) {
	paperID, ok := parseUUID(w, chi.URLParam(r, "paperID"), "paper ID")
	if !ok {
		return
	}

	paper, err := s.papers.GetByID(r.Context(), paperID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domainPaperToResponse(paper))
}

// deletePaper handles DELETE /api/v1/papers/{paperID}.
func (s *Server) deletePaper(w http.ResponseWriter, r *http.Request) {
	paperID, ok := parseUUID(w, chi.URLParam(r, "paperID"), "paper ID")
	if !ok {
		return
	}

	if err := s.pipeline.DeletePaper(r.Context(), paperID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getPaperStatus handles GET /api/v1/papers/{paperID}/status with the
// progress projection.
func (s *Server) getPaperStatus(w http.ResponseWriter, r *http.Request) {
	paperID, ok := parseUUID(w, chi.URLParam(r, "paperID"), "paper ID")
	if !ok {
		return
	}

	snapshot, err := s.status.GetStatus(r.Context(), paperID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type reprocessRequest struct {
	Force bool `json:"force"`
}

// reprocessPaper handles POST /api/v1/papers/{paperID}/reprocess. The
// optional JSON body carries a force flag that discards completed stages.
func (s *Server) reprocessPaper(w http.ResponseWriter, r *http.Request) {
	paperID, ok := parseUUID(w, chi.URLParam(r, "paperID"), "paper ID")
	if !ok {
		return
	}

	var req reprocessRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := decodeJSONBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	task, err := s.pipeline.Reprocess(r.Context(), paperID, req.Force)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, domainTaskToResponse(task))
}

// cancelPaper handles POST /api/v1/papers/{paperID}/cancel.
func (s *Server) cancelPaper(w http.ResponseWriter, r *http.Request) {
	paperID, ok := parseUUID(w, chi.URLParam(r, "paperID"), "paper ID")
	if !ok {
		return
	}

	task, err := s.cancel.CancelPaper(r.Context(), paperID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "paper has no active task")
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{
		Success:     true,
		Message:     "processing cancelled",
		FinalStatus: string(task.Status),
	})
}

// listSentences handles GET /api/v1/papers/{paperID}/sentences with
// detection-status and definition filters plus token pagination.
func (s *Server) listSentences(w http.ResponseWriter, r *http.Request) {
	paperID, ok := parseUUID(w, chi.URLParam(r, "paperID"), "paper ID")
	if !ok {
		return
	}

	limit, offset := parsePaginationParams(r)
	filter := repository.SentenceFilter{
		PaperID: paperID,
		Limit:   limit,
		Offset:  offset,
	}

	if sectionParam := r.URL.Query().Get("section_id"); sectionParam != "" {
		sectionID, ok := parseUUID(w, sectionParam, "section ID")
		if !ok {
			return
		}
		filter.SectionID = &sectionID
	}

	if statusParam := r.URL.Query().Get("status"); statusParam != "" {
		for _, raw := range strings.Split(statusParam, ",") {
			status := domain.DetectionStatus(strings.TrimSpace(raw))
			switch status {
			case domain.DetectionStatusUnknown, domain.DetectionStatusSuccess, domain.DetectionStatusError:
				filter.Status = append(filter.Status, status)
			default:
				writeError(w, http.StatusBadRequest, "invalid detection status filter: "+string(status))
				return
			}
		}
	}

	filter.OnlyDefinitions = r.URL.Query().Get("only_definitions") == "true"

	// Distinguish an unknown paper from a paper with no sentences.
	if _, err := s.papers.GetByID(r.Context(), paperID); err != nil {
		writeDomainError(w, err)
		return
	}

	sentences, total, err := s.sentences.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := listSentencesResponse{
		Sentences:     make([]sentenceResponse, 0, len(sentences)),
		NextPageToken: encodeHTTPPageToken(offset, limit, int(total)),
		TotalCount:    int(total),
	}
	for _, sent := range sentences {
		resp.Sentences = append(resp.Sentences, domainSentenceToResponse(sent))
	}
	writeJSON(w, http.StatusOK, resp)
}

// listPaperErrors handles GET /api/v1/papers/{paperID}/errors with the
// newest error records of a paper.
func (s *Server) listPaperErrors(w http.ResponseWriter, r *http.Request) {
	paperID, ok := parseUUID(w, chi.URLParam(r, "paperID"), "paper ID")
	if !ok {
		return
	}

	if _, err := s.papers.GetByID(r.Context(), paperID); err != nil {
		writeDomainError(w, err)
		return
	}

	records, err := s.tasks.ListErrorsByPaper(r.Context(), paperID, errorListLimit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := listErrorsResponse{Errors: make([]processingErrorResponse, 0, len(records))}
	for _, rec := range records {
		resp.Errors = append(resp.Errors, domainProcessingErrorToResponse(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseUUID parses a UUID string, writing a 400 response on failure.
func parseUUID(w http.ResponseWriter, raw, fieldName string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+fieldName)
		return uuid.Nil, false
	}
	return id, true
}

// parseTimeParam parses an optional RFC 3339 query parameter. The boolean
// is false when the parameter was present but malformed; an error response
// has already been written in that case.
func parseTimeParam(w http.ResponseWriter, r *http.Request, name string) (*time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, name+" must be an RFC 3339 timestamp")
		return nil, false
	}
	return &t, true
}

// decodeJSONBody decodes a bounded JSON request body, rejecting unknown
// fields.
func decodeJSONBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
