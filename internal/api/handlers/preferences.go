// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/torbox-manager/internal/models"
)

type PreferencesHandler struct {
	store *models.PreferencesStore
}

func NewPreferencesHandler(store *models.PreferencesStore) *PreferencesHandler {
	return &PreferencesHandler{store: store}
}

func (h *PreferencesHandler) Get(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.store.Get(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to get preferences")
		RespondError(w, http.StatusInternalServerError, "Failed to load preferences")
		return
	}
	RespondJSON(w, http.StatusOK, prefs)
}

func (h *PreferencesHandler) Update(w http.ResponseWriter, r *http.Request) {
	var input models.PreferencesInput
	if err := decodeJSON(w, r, &input); err != nil {
		log.Warn().Err(err).Msg("failed to decode preferences request")
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	prefs, err := h.store.Update(r.Context(), &input)
	if err != nil {
		if errors.Is(err, models.ErrPreferencesInvalid) {
			RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error().Err(err).Msg("failed to update preferences")
		RespondError(w, http.StatusInternalServerError, "Failed to update preferences")
		return
	}
	RespondJSON(w, http.StatusOK, prefs)
}
