// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package bulk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/torbox-manager/internal/buildinfo"
	"github.com/autobrr/torbox-manager/internal/models"
	"github.com/autobrr/torbox-manager/internal/sse"
)

// StreamPath is where the server serves the streaming mirror upload.
const StreamPath = "/api/bulk/mirror-upload/stream"

var ErrStreamTruncated = errors.New("mirror stream ended without a complete event")

// StreamError is the message of an error event sent by the server.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return "mirror stream failed: " + e.Message
}

// FollowState is what a consumer has learned from the stream so far.
type FollowState struct {
	Progress  sse.ProgressData
	Active    map[int]sse.FileStartData
	Uploaded  []sse.UploadedLink
	Failed    []sse.FailedFile
	Complete  *sse.CompleteData
	Events    int
	Malformed int
	// HistoryErrors counts uploads that could not be written to the history.
	HistoryErrors int
}

// EventHandler is called after each event has been folded into the state.
type EventHandler func(ev sse.Event, state *FollowState)

// Follow consumes a mirror stream until its terminal event. Every fileSuccess event
// appends one entry to history when history is not nil.
func Follow(ctx context.Context, r io.Reader, history HistoryRecorder, onEvent EventHandler) (*FollowState, error) {
	logger := log.Logger.With().Str("module", "bulk").Str("component", "follow").Logger()
	dec := sse.NewDecoder(r)
	state := &FollowState{Active: make(map[int]sse.FileStartData)}

	for {
		if err := ctx.Err(); err != nil {
			return state, err
		}

		ev, err := dec.Next()
		if err != nil {
			if errors.Is(err, sse.ErrMalformed) {
				state.Malformed++
				logger.Warn().Err(err).Msg("skipping malformed stream event")
				continue
			}
			if errors.Is(err, io.EOF) {
				return state, ErrStreamTruncated
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return state, ctxErr
			}
			return state, fmt.Errorf("read mirror stream: %w", err)
		}

		state.Events++
		done, err := state.apply(ctx, ev, history)
		if err != nil {
			var streamErr *StreamError
			if !errors.As(err, &streamErr) {
				state.Malformed++
				logger.Warn().Err(err).Str("type", string(ev.Type)).Msg("could not decode stream event")
				continue
			}
		}
		if onEvent != nil {
			onEvent(ev, state)
		}
		if err != nil || done {
			return state, err
		}
	}
}

func (s *FollowState) apply(ctx context.Context, ev sse.Event, history HistoryRecorder) (bool, error) {
	switch ev.Type {
	case sse.TypeProgress:
		var p sse.ProgressData
		if err := ev.Decode(&p); err != nil {
			return false, err
		}
		if p.Total != s.Progress.Total || p.Current >= s.Progress.Current {
			s.Progress = p
		}

	case sse.TypeFileStart:
		var d sse.FileStartData
		if err := ev.Decode(&d); err != nil {
			return false, err
		}
		s.Active[d.Index] = d

	case sse.TypeFileSuccess:
		var d sse.FileSuccessData
		if err := ev.Decode(&d); err != nil {
			return false, err
		}
		delete(s.Active, d.Index)
		link := sse.UploadedLink{
			Name:         d.Name,
			Link:         d.Link,
			Size:         d.Size,
			OriginalURL:  d.OriginalURL,
			OriginalName: d.OriginalName,
		}
		s.Uploaded = append(s.Uploaded, link)
		if history != nil {
			if _, err := history.Append(ctx, models.HistoryEntry{
				URL:          link.Link,
				FileName:     link.Name,
				Size:         link.Size,
				OriginalURL:  link.OriginalURL,
				OriginalName: link.OriginalName,
			}); err != nil {
				s.HistoryErrors++
				log.Error().Err(err).Str("name", link.Name).Msg("could not record mirror history")
			}
		}

	case sse.TypeFileError:
		var d sse.FileErrorData
		if err := ev.Decode(&d); err != nil {
			return false, err
		}
		delete(s.Active, d.Index)
		s.Failed = append(s.Failed, sse.FailedFile{Name: d.Name, Error: d.Error})

	case sse.TypeComplete:
		var d sse.CompleteData
		if err := ev.Decode(&d); err != nil {
			return false, err
		}
		s.Complete = &d
		return true, nil

	case sse.TypeError:
		var d sse.ErrorData
		if err := ev.Decode(&d); err != nil {
			return true, &StreamError{Message: "unreadable error event"}
		}
		return true, &StreamError{Message: d.Message}
	}

	return false, nil
}

// OpenStream starts a streaming mirror upload on a running server and returns the
// event stream. The caller closes the body.
func OpenStream(ctx context.Context, client *http.Client, baseURL string, req MirrorRequest) (io.ReadCloser, error) {
	if client == nil {
		client = http.DefaultClient
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "encode mirror request")
	}

	endpoint := strings.TrimRight(baseURL, "/") + StreamPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "build mirror request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "post %s", endpoint)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var payload struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			return nil, fmt.Errorf("mirror request rejected (%d): %s", resp.StatusCode, payload.Error)
		}
		return nil, fmt.Errorf("mirror request rejected with status %d", resp.StatusCode)
	}

	return resp.Body, nil
}
