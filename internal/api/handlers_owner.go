package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	apperrors "github.com/portfolio-briefing/internal/errors"
	"github.com/portfolio-briefing/internal/models"
	"github.com/portfolio-briefing/internal/report"
)

const (
	defaultSnapshotListLimit = 30
	defaultHistoryDays       = 30
)

// parseDateParam parses a YYYY-MM-DD value from the path or query
func parseDateParam(name, value string) (time.Time, error) {
	date, err := models.ParseDateKey(value)
	if err != nil {
		return time.Time{}, apperrors.NewInvalidParameterError(name, "must be a date in YYYY-MM-DD format")
	}
	return date, nil
}

// handleListSnapshots handles GET /api/owners/{id}/snapshots
func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	ownerID := mux.Vars(r)["id"]

	limit := defaultSnapshotListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			respondServiceError(w, r, apperrors.NewInvalidParameterError("limit", "must be a positive integer"))
			return
		}
		limit = parsed
	}

	dates, err := s.queryService.ListDates(r.Context(), ownerID, limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	keys := make([]string, len(dates))
	for i, d := range dates {
		keys[i] = models.DateKey(d)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"ownerId": ownerID,
		"dates":   keys,
	})
}

// handleGetSnapshot handles GET /api/owners/{id}/snapshots/{date}
func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	date, err := parseDateParam("date", vars["date"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	snapshot, err := s.queryService.GetSnapshot(r.Context(), vars["id"], date)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, snapshot)
}

// handleGetChanges handles GET /api/owners/{id}/changes/{date}.
// ?format=markdown or ?format=html returns the rendered report.
func (s *Server) handleGetChanges(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	date, err := parseDateParam("date", vars["date"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	changes, err := s.queryService.GetChanges(r.Context(), vars["id"], date)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	format := r.URL.Query().Get("format")
	switch format {
	case "", "json":
		respondJSON(w, http.StatusOK, changes)
		return
	case "markdown", "html":
	default:
		respondServiceError(w, r, apperrors.NewInvalidParameterError("format", "must be one of json, markdown, html"))
		return
	}

	// rendered reports open with the day's portfolio overview
	current, err := s.queryService.GetSnapshot(r.Context(), vars["id"], date)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	if format == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(report.RenderMarkdown(current, changes, s.reportOptions)))
		return
	}

	html, err := report.RenderHTML(current, changes, s.reportOptions)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(html))
}

// handleGetHistory handles GET /api/owners/{id}/history?from=&to=.
// Defaults to the last 30 days.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	ownerID := mux.Vars(r)["id"]
	query := r.URL.Query()

	to := models.TruncateDay(time.Now())
	if raw := query.Get("to"); raw != "" {
		parsed, err := parseDateParam("to", raw)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		to = parsed
	}

	from := to.AddDate(0, 0, -defaultHistoryDays)
	if raw := query.Get("from"); raw != "" {
		parsed, err := parseDateParam("from", raw)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		from = parsed
	}

	entries, err := s.queryService.GetHistory(r.Context(), ownerID, from, to)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"ownerId": ownerID,
		"from":    models.DateKey(from),
		"to":      models.DateKey(to),
		"entries": entries,
	})
}

// handleRunOwner handles POST /api/owners/{id}/run[?date=YYYY-MM-DD].
// Runs today's briefing for one owner. Holdings are fetched live, so any
// other date is rejected rather than overwriting that day's snapshot.
func (s *Server) handleRunOwner(w http.ResponseWriter, r *http.Request) {
	if s.briefingService == nil || s.ownerRepo == nil {
		respondServiceError(w, r, apperrors.NewServiceUnavailableError("briefing"))
		return
	}

	ownerID := mux.Vars(r)["id"]
	date := s.briefingService.Today()
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := parseDateParam("date", raw)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		date = parsed
	}
	if today := s.briefingService.Today(); !date.Equal(today) {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("date",
			"only today ("+models.DateKey(today)+") can be briefed; use /changes/{date} for past days"))
		return
	}

	owner, err := s.ownerRepo.GetByID(r.Context(), ownerID)
	if err != nil {
		respondServiceError(w, r, apperrors.NewStoreUnavailableError("get owner", err))
		return
	}
	if owner == nil {
		respondServiceError(w, r, apperrors.NewNotFoundError("owner", ownerID))
		return
	}

	result, err := s.briefingService.ProcessOwner(r.Context(), owner, date)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}
