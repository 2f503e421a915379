// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/autobrr/torbox-manager/internal/kv"
	"github.com/autobrr/torbox-manager/internal/transfer"
)

const preferencesKey = "preferences"

// Default visible columns per asset kind
var DefaultColumns = map[string][]string{
	"torrents": {"name", "size", "progress", "download_speed", "upload_speed", "created_at"},
	"usenet":   {"name", "size", "progress", "download_speed", "created_at"},
	"webdl":    {"name", "size", "progress", "download_speed", "created_at"},
}

var validViewModes = []string{"table", "card"}

var ErrPreferencesInvalid = errors.New("invalid preferences")

type Preferences struct {
	ActiveType    string              `json:"activeType"`
	ViewMode      string              `json:"viewMode"`
	Columns       map[string][]string `json:"columns"`
	SortField     string              `json:"sortField"`
	SortDirection string              `json:"sortDirection"`
	ItemsPerPage  int                 `json:"itemsPerPage"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

type PreferencesInput struct {
	ActiveType    string              `json:"activeType,omitempty"`
	ViewMode      string              `json:"viewMode,omitempty"`
	Columns       map[string][]string `json:"columns,omitempty"`
	SortField     string              `json:"sortField,omitempty"`
	SortDirection string              `json:"sortDirection,omitempty"`
	ItemsPerPage  int                 `json:"itemsPerPage,omitempty"`
}

// PreferencesStore persists UI preferences through an injected key-value store.
type PreferencesStore struct {
	store kv.Store
	now   func() time.Time
}

func NewPreferencesStore(store kv.Store) *PreferencesStore {
	return &PreferencesStore{store: store, now: time.Now}
}

func DefaultPreferences() Preferences {
	return Preferences{
		ActiveType:    transfer.AssetTorrents.String(),
		ViewMode:      "table",
		Columns:       copyColumns(DefaultColumns),
		SortField:     "created_at",
		SortDirection: "desc",
		ItemsPerPage:  50,
	}
}

// Get returns stored preferences, or defaults when nothing was saved yet. A corrupt
// blob also falls back to defaults.
func (s *PreferencesStore) Get(ctx context.Context) (*Preferences, error) {
	prefs := DefaultPreferences()

	raw, err := s.store.Get(ctx, preferencesKey)
	if errors.Is(err, kv.ErrNotFound) {
		return &prefs, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(raw, &prefs); err != nil {
		prefs = DefaultPreferences()
	}
	if prefs.Columns == nil {
		prefs.Columns = copyColumns(DefaultColumns)
	}
	return &prefs, nil
}

// Update merges input into the stored preferences.
func (s *PreferencesStore) Update(ctx context.Context, input *PreferencesInput) (*Preferences, error) {
	if input == nil {
		return nil, fmt.Errorf("%w: input is nil", ErrPreferencesInvalid)
	}

	existing, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}

	if input.ActiveType != "" {
		kind, err := transfer.ParseAssetKind(input.ActiveType)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPreferencesInvalid, err)
		}
		existing.ActiveType = kind.String()
	}
	if input.ViewMode != "" {
		if !slices.Contains(validViewModes, input.ViewMode) {
			return nil, fmt.Errorf("%w: view mode %q", ErrPreferencesInvalid, input.ViewMode)
		}
		existing.ViewMode = input.ViewMode
	}
	for kind, cols := range input.Columns {
		existing.Columns[kind] = slices.Clone(cols)
	}
	if input.SortField != "" {
		existing.SortField = input.SortField
	}
	if input.SortDirection != "" {
		if input.SortDirection != "asc" && input.SortDirection != "desc" {
			return nil, fmt.Errorf("%w: sort direction %q", ErrPreferencesInvalid, input.SortDirection)
		}
		existing.SortDirection = input.SortDirection
	}
	if input.ItemsPerPage > 0 {
		existing.ItemsPerPage = input.ItemsPerPage
	}
	existing.UpdatedAt = s.now().UTC()

	if err := kv.SetJSON(ctx, s.store, preferencesKey, existing); err != nil {
		return nil, err
	}

	return existing, nil
}

func copyColumns(src map[string][]string) map[string][]string {
	dst := make(map[string][]string, len(src))
	for k, v := range maps.All(src) {
		dst[k] = slices.Clone(v)
	}
	return dst
}
