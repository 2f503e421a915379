// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/torbox-manager/internal/models"
	"github.com/autobrr/torbox-manager/internal/services/torbox"
)

const maxRequestBody = 4 << 20

// CredentialSource supplies stored credentials when a request carries none.
type CredentialSource interface {
	Get(ctx context.Context) (*models.Credentials, error)
}

func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	return nil
}

// requestAPIKey returns the TorBox key from the Authorization or X-API-Key header.
func requestAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// storedCredentials loads saved credentials, returning nil when none are stored.
func storedCredentials(ctx context.Context, src CredentialSource) *models.Credentials {
	if src == nil {
		return nil
	}
	creds, err := src.Get(ctx)
	if err != nil {
		if !errors.Is(err, models.ErrCredentialsNotFound) {
			log.Error().Err(err).Msg("failed to load stored credentials")
		}
		return nil
	}
	return creds
}

// resolveAPIKey picks the body value, then the headers, then the stored key.
func resolveAPIKey(r *http.Request, body string, src CredentialSource) string {
	if key := strings.TrimSpace(body); key != "" {
		return key
	}
	if key := requestAPIKey(r); key != "" {
		return key
	}
	if creds := storedCredentials(r.Context(), src); creds != nil {
		return creds.APIKey
	}
	return ""
}

// respondUpstreamError maps a TorBox failure onto a response.
func respondUpstreamError(w http.ResponseWriter, err error, fallback string) {
	var apiErr *torbox.APIError
	if errors.As(err, &apiErr) {
		status := http.StatusBadGateway
		switch {
		case apiErr.IsRateLimited():
			status = http.StatusTooManyRequests
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			status = http.StatusUnauthorized
		}
		RespondError(w, status, apiErr.Error())
		return
	}
	RespondError(w, http.StatusBadGateway, fallback)
}
