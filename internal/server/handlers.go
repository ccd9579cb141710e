package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Sternrassler/tickertrail/pkg/client"
	"github.com/Sternrassler/tickertrail/pkg/enrich"
	"github.com/Sternrassler/tickertrail/pkg/ratelimit"
	"github.com/Sternrassler/tickertrail/pkg/record"
)

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	RateLimits []ratelimit.State `json:"rate_limits"`
}

type retryResponse struct {
	enrich.RetryReport
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	var upErr *client.UpstreamError
	switch {
	case errors.Is(err, record.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, record.ErrNotFound), client.IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &upErr):
		return http.StatusBadGateway
	case errors.Is(err, enrich.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("Request failed")
	}
	writeError(w, status, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", RateLimits: s.tracker.RateLimits()})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	res, err := s.tracker.Lookup(r.Context(), chi.URLParam(r, "subject"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.tracker.Records(r.Context(), chi.URLParam(r, "subject"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleBackfillStatus(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	if _, err := record.NormalizeSubject(subject); err != nil {
		s.fail(w, r, err)
		return
	}
	job, ok := s.tracker.BackfillStatus(subject)
	if !ok {
		writeError(w, http.StatusNotFound, "no backfill for "+subject)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStartBackfill(w http.ResponseWriter, r *http.Request) {
	job, err := s.tracker.StartBackfill(r.Context(), chi.URLParam(r, "subject"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleRetry answers 202 when the retry wait timed out; the records keep
// running and show up in the event stream.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	report, err := s.tracker.Retry(r.Context(), chi.URLParam(r, "subject"))
	switch {
	case errors.Is(err, enrich.ErrRetryTimeout):
		writeJSON(w, http.StatusAccepted, retryResponse{RetryReport: report, Error: err.Error()})
	case err != nil:
		s.fail(w, r, err)
	default:
		writeJSON(w, http.StatusOK, retryResponse{RetryReport: report})
	}
}

func (s *Server) handleIdentifiers(w http.ResponseWriter, r *http.Request) {
	stats, err := s.tracker.IdentifierStats(r.Context(), chi.URLParam(r, "subject"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.tracker.Summary(r.Context(), chi.URLParam(r, "subject"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
