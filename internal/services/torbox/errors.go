// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package torbox

import (
	"fmt"
	"net/http"

	"github.com/autobrr/torbox-manager/internal/transfer"
)

// PermanentErrors lists TorBox failures that no amount of retrying will fix.
var PermanentErrors = transfer.ClassifierTable{
	Codes: []string{
		"AUTH_ERROR",
		"NO_AUTH",
		"BAD_TOKEN",
		"INVALID_OPTION",
		"ENDPOINT_NOT_FOUND",
		"ITEM_NOT_FOUND",
		"PLAN_RESTRICTED_FEATURE",
		"DUPLICATE_ITEM",
		"BOZO_TORRENT",
		"BOZO_NZB",
		"MISSING_REQUIRED_OPTION",
		"TOO_MUCH_DATA",
		"DOWNLOAD_TOO_LARGE",
		"MONTHLY_LIMIT",
		"COOLDOWN_LIMIT",
		"ACTIVE_LIMIT",
	},
	Details: []string{
		"not found",
		"already exists",
		"limit",
		"invalid api key",
		"unauthorized",
	},
}

// APIError is a non-success TorBox response.
type APIError struct {
	StatusCode int
	Code       string
	Detail     string
}

func (e *APIError) Error() string {
	switch {
	case e.Code != "" && e.Detail != "":
		return fmt.Sprintf("torbox: %s: %s (status %d)", e.Code, e.Detail, e.StatusCode)
	case e.Code != "":
		return fmt.Sprintf("torbox: %s (status %d)", e.Code, e.StatusCode)
	case e.Detail != "":
		return fmt.Sprintf("torbox: %s (status %d)", e.Detail, e.StatusCode)
	default:
		return fmt.Sprintf("torbox: request failed with status %d", e.StatusCode)
	}
}

func (e *APIError) Is(target error) bool {
	_, ok := target.(*APIError)
	return ok
}

func (e *APIError) ErrorCode() string   { return e.Code }
func (e *APIError) ErrorDetail() string { return e.Detail }

// IsRateLimited returns true if this error indicates rate limiting (HTTP 429).
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}
