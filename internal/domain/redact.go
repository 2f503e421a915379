// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "strings"

const redactedPrefix = "<redacted>"

// RedactString hides a secret while keeping a hint of whether it was set.
func RedactString(s string) string {
	if s == "" {
		return ""
	}
	return redactedPrefix
}

// IsRedactedString reports whether s is a value produced by RedactString.
func IsRedactedString(s string) bool {
	return strings.HasPrefix(s, redactedPrefix)
}
