// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/xseed/internal/models"
)

// RunReader is the read side of the run history store.
type RunReader interface {
	Get(ctx context.Context, id int64) (*models.Run, error)
	Latest(ctx context.Context) (*models.Run, error)
	List(ctx context.Context, limit, offset int) ([]*models.Run, error)
}

// RunStatusProvider exposes the scheduler's live state.
type RunStatusProvider interface {
	Running() bool
	History(limit int) []models.Run
}

type RunsHandler struct {
	store     RunReader
	scheduler RunStatusProvider
}

// NewRunsHandler builds the handler. Either dependency may be nil.
func NewRunsHandler(store RunReader, scheduler RunStatusProvider) *RunsHandler {
	return &RunsHandler{store: store, scheduler: scheduler}
}

func (h *RunsHandler) Routes(r chi.Router) {
	r.Get("/status", h.GetStatus)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", h.ListRuns)
		r.Get("/latest", h.GetLatestRun)
		r.Get("/{runID}", h.GetRun)
	})
}

type statusResponse struct {
	Running bool         `json:"running"`
	Recent  []models.Run `json:"recent"`
}

// GetStatus reports whether a run is active and the recent in-memory history.
func (h *RunsHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Recent: []models.Run{}}
	if h.scheduler != nil {
		resp.Running = h.scheduler.Running()
		resp.Recent = h.scheduler.History(10)
	}
	RespondJSON(w, http.StatusOK, resp)
}

// ListRuns returns paginated run history, newest first.
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		RespondError(w, http.StatusServiceUnavailable, "run history is not available")
		return
	}

	limit := 25
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 || parsed > 200 {
			RespondError(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		limit = parsed
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			RespondError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = parsed
	}

	runs, err := h.store.List(r.Context(), limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list runs")
		RespondError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	RespondJSON(w, http.StatusOK, runs)
}

// GetRun returns a single run with its per-unit results.
func (h *RunsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		RespondError(w, http.StatusServiceUnavailable, "run history is not available")
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "runID"), 10, 64)
	if err != nil || id <= 0 {
		RespondError(w, http.StatusBadRequest, "runID must be a positive integer")
		return
	}

	run, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrRunNotFound) {
			RespondError(w, http.StatusNotFound, "run not found")
			return
		}
		log.Error().Err(err).Int64("runID", id).Msg("Failed to get run")
		RespondError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	RespondJSON(w, http.StatusOK, run)
}

func (h *RunsHandler) GetLatestRun(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		RespondError(w, http.StatusServiceUnavailable, "run history is not available")
		return
	}

	run, err := h.store.Latest(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to get latest run")
		RespondError(w, http.StatusInternalServerError, "failed to get latest run")
		return
	}
	if run == nil {
		RespondError(w, http.StatusNotFound, "no runs recorded yet")
		return
	}

	RespondJSON(w, http.StatusOK, run)
}
