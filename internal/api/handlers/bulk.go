// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/torbox-manager/internal/services/bulk"
	"github.com/autobrr/torbox-manager/internal/sse"
)

type BulkHandler struct {
	service     *bulk.Service
	credentials CredentialSource
}

func NewBulkHandler(service *bulk.Service, credentials CredentialSource) *BulkHandler {
	return &BulkHandler{service: service, credentials: credentials}
}

func respondBulkError(w http.ResponseWriter, err error, operation string) {
	switch {
	case errors.Is(err, bulk.ErrValidation):
		RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, bulk.ErrNoLinks):
		respondUpstreamError(w, err, err.Error())
	case errors.Is(err, context.Canceled):
		log.Debug().Str("operation", operation).Msg("bulk request cancelled by client")
	default:
		log.Error().Err(err).Str("operation", operation).Msg("bulk request failed")
		RespondError(w, http.StatusInternalServerError, "Bulk operation failed")
	}
}

func (h *BulkHandler) fillMirrorDefaults(r *http.Request, req *bulk.MirrorRequest) {
	req.APIKey = resolveAPIKey(r, req.APIKey, h.credentials)
	if req.Credentials.Username != "" && req.Credentials.Password != "" {
		return
	}
	if creds := storedCredentials(r.Context(), h.credentials); creds != nil && creds.HasMultiup() {
		if req.Credentials.Username == "" {
			req.Credentials.Username = creds.MultiupUsername
		}
		if req.Credentials.Password == "" {
			req.Credentials.Password = creds.MultiupPassword
		}
	}
}

func (h *BulkHandler) DownloadLinks(w http.ResponseWriter, r *http.Request) {
	var req bulk.DownloadLinksRequest
	if err := decodeJSON(w, r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	req.APIKey = resolveAPIKey(r, req.APIKey, h.credentials)

	result, err := h.service.DownloadLinks(r.Context(), req)
	if err != nil {
		respondBulkError(w, err, bulk.OpDownloadLinks)
		return
	}
	RespondJSON(w, http.StatusOK, result)
}

func (h *BulkHandler) Delete(w http.ResponseWriter, r *http.Request) {
	var req bulk.DeleteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	req.APIKey = resolveAPIKey(r, req.APIKey, h.credentials)

	result, err := h.service.Delete(r.Context(), req)
	if err != nil {
		respondBulkError(w, err, bulk.OpDelete)
		return
	}
	RespondJSON(w, http.StatusOK, result)
}

func (h *BulkHandler) MirrorUpload(w http.ResponseWriter, r *http.Request) {
	var req bulk.MirrorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	h.fillMirrorDefaults(r, &req)

	result, err := h.service.MirrorUpload(r.Context(), req)
	if err != nil {
		respondBulkError(w, err, bulk.OpMirrorUpload)
		return
	}
	RespondJSON(w, http.StatusOK, result)
}

// MirrorUploadStream validates the request before any stream bytes are written, so
// validation failures are ordinary 400 responses.
func (h *BulkHandler) MirrorUploadStream(w http.ResponseWriter, r *http.Request) {
	var req bulk.MirrorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	h.fillMirrorDefaults(r, &req)

	em := sse.NewEmitter(w)
	_, err := h.service.MirrorUploadStream(r.Context(), req, em)
	if err == nil {
		return
	}

	if em.State() == sse.StateIdle {
		respondBulkError(w, err, bulk.OpMirrorStream)
		return
	}
	if !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Msg("mirror stream ended with an error")
	}
}

func (h *BulkHandler) Activity(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			RespondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}
	RespondJSON(w, http.StatusOK, h.service.GetActivity(limit))
}
