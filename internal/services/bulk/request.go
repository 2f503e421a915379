// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package bulk

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/autobrr/torbox-manager/internal/transfer"
)

// ErrValidation matches every *ValidationError.
var ErrValidation = errors.New("validation failed")

// ValidationError reports a missing or malformed request field. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func missing(field string) error {
	return &ValidationError{Field: field, Message: field + " is required"}
}

// legacyAssetKind fills kind from an "assetType" member when "activeType" was absent.
func legacyAssetKind(data []byte, kind *transfer.AssetKind) error {
	if kind.Valid() {
		return nil
	}
	var legacy struct {
		AssetType *transfer.AssetKind `json:"assetType"`
	}
	if err := json.Unmarshal(data, &legacy); err != nil {
		return err
	}
	if legacy.AssetType != nil {
		*kind = *legacy.AssetType
	}
	return nil
}

// MultiupCredentials are the account used for remote uploads.
type MultiupCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// DownloadLinksRequest asks for one TorBox link per selected item or file.
type DownloadLinksRequest struct {
	APIKey        string              `json:"apiKey"`
	AssetType     transfer.AssetKind  `json:"activeType"`
	SelectedItems *transfer.Selection `json:"selectedItems"`
	// Items is the dashboard's current list, used to name tasks.
	Items transfer.Catalog `json:"items,omitempty"`
}

func (r *DownloadLinksRequest) UnmarshalJSON(data []byte) error {
	type plain DownloadLinksRequest
	if err := json.Unmarshal(data, (*plain)(r)); err != nil {
		return err
	}
	return legacyAssetKind(data, &r.AssetType)
}

func (r *DownloadLinksRequest) Validate() error {
	if r.SelectedItems == nil || r.SelectedItems.Empty() {
		return missing("selectedItems")
	}
	if strings.TrimSpace(r.APIKey) == "" {
		return missing("apiKey")
	}
	if !r.AssetType.Valid() {
		r.AssetType = transfer.AssetTorrents
	}
	return nil
}

// DeleteRequest removes whole items. File picks are ignored.
type DeleteRequest struct {
	APIKey        string              `json:"apiKey"`
	AssetType     transfer.AssetKind  `json:"activeType"`
	SelectedItems *transfer.Selection `json:"selectedItems"`
	Items         transfer.Catalog    `json:"items,omitempty"`
}

func (r *DeleteRequest) UnmarshalJSON(data []byte) error {
	type plain DeleteRequest
	if err := json.Unmarshal(data, (*plain)(r)); err != nil {
		return err
	}
	return legacyAssetKind(data, &r.AssetType)
}

func (r *DeleteRequest) Validate() error {
	if r.SelectedItems == nil || len(r.SelectedItems.Items) == 0 {
		return missing("selectedItems")
	}
	if strings.TrimSpace(r.APIKey) == "" {
		return missing("apiKey")
	}
	if !r.AssetType.Valid() {
		r.AssetType = transfer.AssetTorrents
	}
	return nil
}

// MirrorRequest resolves TorBox links for the selection and uploads each to Multiup.
type MirrorRequest struct {
	APIKey        string              `json:"apiKey"`
	AssetType     transfer.AssetKind  `json:"activeType"`
	SelectedItems *transfer.Selection `json:"selectedItems"`
	Credentials   MultiupCredentials  `json:"credentials"`
	Items         transfer.Catalog    `json:"items,omitempty"`
}

func (r *MirrorRequest) UnmarshalJSON(data []byte) error {
	type plain MirrorRequest
	if err := json.Unmarshal(data, (*plain)(r)); err != nil {
		return err
	}
	return legacyAssetKind(data, &r.AssetType)
}

func (r *MirrorRequest) Validate() error {
	if r.SelectedItems == nil || r.SelectedItems.Empty() {
		return missing("selectedItems")
	}
	if strings.TrimSpace(r.Credentials.Username) == "" {
		return missing("credentials.username")
	}
	if r.Credentials.Password == "" {
		return missing("credentials.password")
	}
	if strings.TrimSpace(r.APIKey) == "" {
		return missing("apiKey")
	}
	if !r.AssetType.Valid() {
		r.AssetType = transfer.AssetTorrents
	}
	return nil
}
