// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/torbox-manager/internal/services/torbox"
	"github.com/autobrr/torbox-manager/internal/transfer"
)

// AssetClient lists TorBox items and sends control operations to them.
type AssetClient interface {
	List(ctx context.Context, apiKey string, kind transfer.AssetKind) ([]torbox.Item, error)
	Control(ctx context.Context, apiKey string, kind transfer.AssetKind, itemID int64, operation string) error
}

type LinkResolver interface {
	DownloadLink(ctx context.Context, apiKey string, kind transfer.AssetKind, itemID int64, fileID *int64) (string, error)
}

type AssetsHandler struct {
	client      AssetClient
	links       LinkResolver
	credentials CredentialSource
}

func NewAssetsHandler(client AssetClient, links LinkResolver, credentials CredentialSource) *AssetsHandler {
	return &AssetsHandler{client: client, links: links, credentials: credentials}
}

func (h *AssetsHandler) kindAndKey(w http.ResponseWriter, r *http.Request) (transfer.AssetKind, string, bool) {
	kind, err := transfer.ParseAssetKind(chi.URLParam(r, "kind"))
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return 0, "", false
	}
	apiKey := resolveAPIKey(r, "", h.credentials)
	if apiKey == "" {
		RespondError(w, http.StatusBadRequest, "apiKey is required")
		return 0, "", false
	}
	return kind, apiKey, true
}

func (h *AssetsHandler) List(w http.ResponseWriter, r *http.Request) {
	kind, apiKey, ok := h.kindAndKey(w, r)
	if !ok {
		return
	}

	items, err := h.client.List(r.Context(), apiKey, kind)
	if err != nil {
		log.Error().Err(err).Str("kind", kind.String()).Msg("failed to list TorBox items")
		respondUpstreamError(w, err, "Failed to list items")
		return
	}
	RespondJSON(w, http.StatusOK, items)
}

func (h *AssetsHandler) Link(w http.ResponseWriter, r *http.Request) {
	kind, apiKey, ok := h.kindAndKey(w, r)
	if !ok {
		return
	}

	itemID, ok := parseItemID(w, r)
	if !ok {
		return
	}

	var fileID *int64
	if raw := r.URL.Query().Get("fileId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "Invalid file ID")
			return
		}
		fileID = &id
	}

	link, err := h.links.DownloadLink(r.Context(), apiKey, kind, itemID, fileID)
	if err != nil {
		log.Error().Err(err).Str("kind", kind.String()).Int64("itemId", itemID).Msg("failed to request download link")
		respondUpstreamError(w, err, "Failed to request download link")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"url": link})
}

func parseItemID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	itemID, err := strconv.ParseInt(chi.URLParam(r, "itemID"), 10, 64)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid item ID")
		return 0, false
	}
	return itemID, true
}

var controlOperations = []string{"pause", "resume", "reannounce", "delete"}

type controlRequest struct {
	Operation string `json:"operation"`
}

// Control forwards one control operation for a single item.
func (h *AssetsHandler) Control(w http.ResponseWriter, r *http.Request) {
	kind, apiKey, ok := h.kindAndKey(w, r)
	if !ok {
		return
	}
	itemID, ok := parseItemID(w, r)
	if !ok {
		return
	}

	var req controlRequest
	if err := decodeJSON(w, r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if !slices.Contains(controlOperations, req.Operation) {
		RespondError(w, http.StatusBadRequest, "operation must be one of pause, resume, reannounce or delete")
		return
	}

	if err := h.client.Control(r.Context(), apiKey, kind, itemID, req.Operation); err != nil {
		log.Error().Err(err).Str("kind", kind.String()).Int64("itemId", itemID).Str("operation", req.Operation).Msg("control operation failed")
		respondUpstreamError(w, err, "Control operation failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
