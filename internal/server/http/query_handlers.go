package httpserver

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/defscope/definition-extraction-service/internal/domain"
)

type queryRequest struct {
	Question    string   `json:"question"`
	PaperIDs    []string `json:"paper_ids"`
	ContentType string   `json:"content_type"`
	MaxResults  int      `json:"max_results"`
}

// query handles POST /api/v1/query: the unified question-answering endpoint
// over processed papers.
func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	paperIDs := make([]uuid.UUID, 0, len(req.PaperIDs))
	for _, raw := range req.PaperIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid paper ID: "+raw)
			return
		}
		paperIDs = append(paperIDs, id)
	}

	resp, err := s.querySvc.Query(r.Context(), domain.QueryRequest{
		Question:    req.Question,
		PaperIDs:    paperIDs,
		ContentType: domain.ContentType(req.ContentType),
		MaxResults:  req.MaxResults,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("query failed")
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
