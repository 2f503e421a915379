// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sse

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

var (
	ErrClosed  = errors.New("sse: stream closed")
	ErrNotOpen = errors.New("sse: stream not open")
)

// State is the producer side lifecycle of a stream.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateEmitting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateEmitting:
		return "emitting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Emitter writes events to an HTTP response. Emission is serialised so events sent
// from concurrent tasks never interleave on the wire.
//
// Lifecycle: Open moves Idle to Preparing, the first progress event moves Preparing
// to Emitting, Complete or Fail write the terminal event and move to Closed.
type Emitter struct {
	mu    sync.Mutex
	w     http.ResponseWriter
	rc    *http.ResponseController
	state State
	sent  int
}

func NewEmitter(w http.ResponseWriter) *Emitter {
	return &Emitter{
		w:  w,
		rc: http.NewResponseController(w),
	}
}

// Open writes the stream headers and lifts the server write deadline, which would
// otherwise cut long uploads short.
func (e *Emitter) Open() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateIdle:
	case StateClosed:
		return ErrClosed
	default:
		return nil
	}

	h := e.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	if err := e.rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("sse: clear write deadline: %w", err)
	}

	e.w.WriteHeader(http.StatusOK)
	e.state = StatePreparing

	if err := e.flush(); err != nil {
		e.state = StateClosed
		return err
	}
	return nil
}

func (e *Emitter) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Sent returns the number of events written so far.
func (e *Emitter) Sent() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sent
}

func (e *Emitter) Progress(p ProgressData) error {
	return e.send(TypeProgress, p)
}

func (e *Emitter) FileStart(d FileStartData) error {
	return e.send(TypeFileStart, d)
}

func (e *Emitter) FileSuccess(d FileSuccessData) error {
	return e.send(TypeFileSuccess, d)
}

func (e *Emitter) FileError(d FileErrorData) error {
	return e.send(TypeFileError, d)
}

// Complete writes the single complete event and closes the stream.
func (e *Emitter) Complete(d CompleteData) error {
	if d.UploadedLinks == nil {
		d.UploadedLinks = []UploadedLink{}
	}
	if d.FailedFiles == nil {
		d.FailedFiles = []FailedFile{}
	}
	return e.send(TypeComplete, d)
}

// Fail writes one error event and closes the stream without a complete event.
func (e *Emitter) Fail(message string) error {
	return e.send(TypeError, ErrorData{Message: message})
}

// Close marks the stream closed without writing anything, e.g. after the client went away.
func (e *Emitter) Close() {
	e.mu.Lock()
	e.state = StateClosed
	e.mu.Unlock()
}

func (e *Emitter) send(t Type, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateIdle:
		return ErrNotOpen
	case StateClosed:
		return ErrClosed
	case StatePreparing:
		switch t {
		case TypeProgress:
			e.state = StateEmitting
		case TypeComplete, TypeError:
		default:
			return fmt.Errorf("sse: %s event before the task total was announced", t)
		}
	}

	data, err := encode(t, payload)
	if err != nil {
		return err
	}

	if t.Terminal() {
		e.state = StateClosed
	}

	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		e.state = StateClosed
		return fmt.Errorf("sse: write %s: %w", t, err)
	}
	e.sent++

	if err := e.flush(); err != nil {
		e.state = StateClosed
		return err
	}
	return nil
}

func (e *Emitter) flush() error {
	if err := e.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("sse: flush: %w", err)
	}
	return nil
}
