// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/torbox-manager/internal/models"
)

type CredentialsHandler struct {
	store *models.CredentialStore
}

func NewCredentialsHandler(store *models.CredentialStore) *CredentialsHandler {
	return &CredentialsHandler{store: store}
}

func (h *CredentialsHandler) Get(w http.ResponseWriter, r *http.Request) {
	creds, err := h.store.Get(r.Context())
	if err != nil {
		if errors.Is(err, models.ErrCredentialsNotFound) {
			RespondJSON(w, http.StatusOK, models.Credentials{})
			return
		}
		log.Error().Err(err).Msg("failed to load credentials")
		RespondError(w, http.StatusInternalServerError, "Failed to load credentials")
		return
	}
	RespondJSON(w, http.StatusOK, creds)
}

func (h *CredentialsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var input models.CredentialsInput
	if err := decodeJSON(w, r, &input); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	creds, err := h.store.Save(r.Context(), input)
	if err != nil {
		log.Error().Err(err).Msg("failed to save credentials")
		RespondError(w, http.StatusInternalServerError, "Failed to save credentials")
		return
	}
	RespondJSON(w, http.StatusOK, creds)
}

func (h *CredentialsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Clear(r.Context()); err != nil {
		log.Error().Err(err).Msg("failed to clear credentials")
		RespondError(w, http.StatusInternalServerError, "Failed to clear credentials")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
