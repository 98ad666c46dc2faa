package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/defscope/definition-extraction-service/internal/domain"
)

const (
	// sseQueryInterval is how often the stream re-reads the progress
	// projection.
	sseQueryInterval = 2 * time.Second

	// sseMaxDuration bounds a single stream connection.
	sseMaxDuration = 4 * time.Hour
)

// streamProgress handles GET /api/v1/papers/{paperID}/progress/stream as a
// Server-Sent Events stream. The client receives an immediate snapshot,
// then an event whenever the projection changes, and the stream closes once
// the paper reaches a terminal status.
func (s *Server) streamProgress(w http.ResponseWriter, r *http.Request) {
	paperID, ok := parseUUID(w, chi.URLParam(r, "paperID"), "paper ID")
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	snapshot, err := s.status.GetStatus(r.Context(), paperID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if s.metrics != nil {
		s.metrics.RecordProgressStreamOpened()
		defer s.metrics.RecordProgressStreamClosed()
	}

	logger := s.logger.With().Str("paper_id", paperID.String()).Logger()
	logger.Debug().Msg("progress stream opened")
	defer logger.Debug().Msg("progress stream closed")

	if err := sendSSEEvent(w, flusher, "progress", snapshot); err != nil {
		return
	}
	if isTerminalStatus(snapshot.Status) {
		sendSSEDone(w, flusher, snapshot)
		return
	}

	ctx := r.Context()
	deadline := time.NewTimer(sseMaxDuration)
	defer deadline.Stop()
	ticker := time.NewTicker(sseQueryInterval)
	defer ticker.Stop()

	last := *snapshot
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			logger.Warn().Msg("progress stream exceeded max duration")
			return
		case <-ticker.C:
			current, err := s.status.GetStatus(ctx, paperID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					// Paper deleted mid-stream.
					return
				}
				logger.Error().Err(err).Msg("reading progress projection")
				continue
			}

			if *current != last {
				if err := sendSSEEvent(w, flusher, "progress", current); err != nil {
					return
				}
				last = *current
			}

			if isTerminalStatus(current.Status) {
				sendSSEDone(w, flusher, current)
				return
			}
		}
	}
}

func isTerminalStatus(status domain.ProcessingStatus) bool {
	return status == domain.ProcessingStatusCompleted || status == domain.ProcessingStatusError
}

// sendSSEEvent writes one event in SSE wire framing and flushes it.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// sendSSEDone emits the closing event carrying the terminal snapshot.
func sendSSEDone(w http.ResponseWriter, flusher http.Flusher, snapshot *domain.StatusSnapshot) {
	_ = sendSSEEvent(w, flusher, "done", snapshot)
}
