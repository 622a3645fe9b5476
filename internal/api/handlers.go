package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/driftline/driftline/internal/crawl"
	"github.com/driftline/driftline/internal/history"
)

const defaultHistoryLimit = 50

type importTargetsRequest struct {
	Targets []crawl.TargetSeed `json:"targets"`
}

func (s *Server) importTargets(w http.ResponseWriter, r *http.Request) {
	var req importTargetsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Targets) == 0 {
		writeError(w, http.StatusBadRequest, "at least one target required")
		return
	}
	for _, seed := range req.Targets {
		if err := seed.Key.Validate(); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}
	result, err := s.targets.UpsertTargets(r.Context(), req.Targets)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) registerStage(w http.ResponseWriter, r *http.Request) {
	var stage crawl.Stage
	if err := json.NewDecoder(r.Body).Decode(&stage); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	registered, err := s.service.RegisterStage(r.Context(), stage)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

func (s *Server) getStage(w http.ResponseWriter, r *http.Request) {
	stage, err := s.service.GetStage(r.Context(), chi.URLParam(r, "stage_id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stage)
}

type registerSeriesRequest struct {
	Series crawl.Series  `json:"series"`
	Stages []crawl.Stage `json:"stages,omitempty"`
}

func (s *Server) registerSeries(w http.ResponseWriter, r *http.Request) {
	var req registerSeriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	series, err := s.service.RegisterSeries(r.Context(), req.Series, req.Stages)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, series)
}

func (s *Server) listSeries(w http.ResponseWriter, r *http.Request) {
	series, err := s.service.ListSeries(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"series": series})
}

func (s *Server) getSeries(w http.ResponseWriter, r *http.Request) {
	series, err := s.service.GetSeries(r.Context(), chi.URLParam(r, "series_id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, series)
}

func (s *Server) startSeries(w http.ResponseWriter, r *http.Request) {
	series, err := s.service.Start(r.Context(), chi.URLParam(r, "series_id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, series)
}

func (s *Server) cancelSeries(w http.ResponseWriter, r *http.Request) {
	series, err := s.service.Cancel(r.Context(), chi.URLParam(r, "series_id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, series)
}

// historyQuery reads the shared key/kind query parameters.
func historyQuery(r *http.Request) (crawl.TargetKey, string, error) {
	key, err := crawl.ParseTargetKey(r.URL.Query().Get("key"))
	if err != nil {
		return nil, "", err
	}
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		return nil, "", errors.New("kind is required")
	}
	return key, kind, nil
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	key, kind, err := historyQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
	}
	withPayloads := r.URL.Query().Get("payloads") == "true"

	cursor, err := s.history.History(r.Context(), key, kind)
	if err != nil {
		writeError(w, historyStatus(err), err.Error())
		return
	}
	entries := make([]history.Entry, 0, limit)
	for len(entries) < limit {
		entry, ok, err := cursor.Next(r.Context())
		if err != nil {
			writeError(w, historyStatus(err), err.Error())
			return
		}
		if !ok {
			break
		}
		if !withPayloads {
			entry.Payload = nil
		}
		entries = append(entries, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":      key.Canonical(),
		"kind":     kind,
		"versions": entries,
	})
}

func (s *Server) getHistoryVersion(w http.ResponseWriter, r *http.Request) {
	key, kind, err := historyQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	version, err := strconv.ParseUint(r.URL.Query().Get("version"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "version must be a positive integer")
		return
	}
	entry, err := s.history.Version(r.Context(), key, kind, version)
	if err != nil {
		writeError(w, historyStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// historyStatus distinguishes a missing chain from a corrupt one: integrity
// failures must never read as "not found".
func historyStatus(err error) int {
	var integrity *crawl.IntegrityError
	if errors.As(err, &integrity) {
		return http.StatusInternalServerError
	}
	return statusFor(err)
}
