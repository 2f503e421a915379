// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/torbox-manager/internal/models"
)

type HistoryHandler struct {
	store *models.HistoryStore
}

func NewHistoryHandler(store *models.HistoryStore) *HistoryHandler {
	return &HistoryHandler{store: store}
}

func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			RespondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	entries, err := h.store.List(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list history")
		RespondError(w, http.StatusInternalServerError, "Failed to load history")
		return
	}
	RespondJSON(w, http.StatusOK, entries)
}

func (h *HistoryHandler) Append(w http.ResponseWriter, r *http.Request) {
	var entry models.HistoryEntry
	if err := decodeJSON(w, r, &entry); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	stored, err := h.store.Append(r.Context(), entry)
	if err != nil {
		if errors.Is(err, models.ErrHistoryEntryInvalid) {
			RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error().Err(err).Msg("failed to append history entry")
		RespondError(w, http.StatusInternalServerError, "Failed to store history entry")
		return
	}
	RespondJSON(w, http.StatusCreated, stored)
}

func (h *HistoryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, models.ErrHistoryEntryNotFound) {
			RespondError(w, http.StatusNotFound, err.Error())
			return
		}
		log.Error().Err(err).Msg("failed to delete history entry")
		RespondError(w, http.StatusInternalServerError, "Failed to delete history entry")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HistoryHandler) Clear(w http.ResponseWriter, r *http.Request) {
	removed, err := h.store.Clear(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to clear history")
		RespondError(w, http.StatusInternalServerError, "Failed to clear history")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}
