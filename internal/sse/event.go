// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Type names a stream event. It travels in the message envelope as "type".
type Type string

const (
	TypeProgress    Type = "progress"
	TypeFileStart   Type = "fileStart"
	TypeFileSuccess Type = "fileSuccess"
	TypeFileError   Type = "fileError"
	TypeComplete    Type = "complete"
	TypeError       Type = "error"
)

// Terminal reports whether the event ends a stream.
func (t Type) Terminal() bool {
	return t == TypeComplete || t == TypeError
}

func (t Type) Valid() bool {
	switch t {
	case TypeProgress, TypeFileStart, TypeFileSuccess, TypeFileError, TypeComplete, TypeError:
		return true
	default:
		return false
	}
}

// Event is one decoded message. Data holds the envelope's "data" value.
type Event struct {
	Type Type
	Data json.RawMessage
}

// Decode unmarshals the payload into v. Unknown fields are ignored.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("sse: %s event has no payload", e.Type)
	}
	return json.Unmarshal(e.Data, v)
}

type ProgressData struct {
	Current  int    `json:"current"`
	Total    int    `json:"total"`
	Message  string `json:"message,omitempty"`
	Uploaded int    `json:"uploaded"`
	Failed   int    `json:"failed"`
}

type FileStartData struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	ItemID int64  `json:"itemId"`
	FileID *int64 `json:"fileId,omitempty"`
}

type FileSuccessData struct {
	Index        int    `json:"index"`
	Name         string `json:"name"`
	Link         string `json:"link"`
	Size         int64  `json:"size,omitempty"`
	OriginalURL  string `json:"originalUrl,omitempty"`
	OriginalName string `json:"originalName,omitempty"`
}

type FileErrorData struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts,omitempty"`
}

// UploadedLink is one successful upload listed in the complete event.
type UploadedLink struct {
	Name         string `json:"name"`
	Link         string `json:"link"`
	Size         int64  `json:"size,omitempty"`
	OriginalURL  string `json:"originalUrl,omitempty"`
	OriginalName string `json:"originalName,omitempty"`
}

type FailedFile struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

type CompleteData struct {
	UploadedLinks []UploadedLink `json:"uploadedLinks"`
	FailedFiles   []FailedFile   `json:"failedFiles"`
	Total         int            `json:"total"`
}

type ErrorData struct {
	Message string `json:"message"`
}

// envelope is the JSON object carried by every data line: {"type": ..., "data": ...}.
type envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// encode wraps payload in the message envelope. Payloads must encode to a JSON
// object; a nil payload becomes an empty object.
func encode(t Type, payload any) ([]byte, error) {
	body := []byte("{}")
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("sse: encode %s payload: %w", t, err)
		}
		raw = bytes.TrimSpace(raw)
		switch {
		case bytes.Equal(raw, []byte("null")):
		case len(raw) > 0 && raw[0] == '{':
			body = raw
		default:
			return nil, fmt.Errorf("sse: %s payload must encode to a JSON object", t)
		}
	}

	return json.Marshal(envelope{Type: t, Data: body})
}
