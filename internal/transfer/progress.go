// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package transfer

import "sync"

// Progress is a point-in-time view of a batch run.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// Done reports whether every task of the run has settled.
func (p Progress) Done() bool {
	return p.Total > 0 && p.Current >= p.Total
}

// Reporter tracks progress for one run at a time. It is safe for concurrent use;
// Current never decreases between resets and never exceeds Total.
type Reporter struct {
	mu      sync.Mutex
	state   Progress
	updates chan Progress
}

// NewReporter creates a reporter. When buffer > 0 every change is also published on
// Updates(); publishing never blocks and drops updates nobody is reading.
func NewReporter(buffer int) *Reporter {
	r := &Reporter{}
	if buffer > 0 {
		r.updates = make(chan Progress, buffer)
	}
	return r
}

// Reset starts a new run with the given total.
func (r *Reporter) Reset(total int) Progress {
	if total < 0 {
		total = 0
	}
	r.mu.Lock()
	r.state = Progress{Current: 0, Total: total}
	snap := r.state
	r.mu.Unlock()

	r.publish(snap)
	return snap
}

// Advance marks one more task as settled.
func (r *Reporter) Advance(message string) Progress {
	r.mu.Lock()
	if r.state.Current < r.state.Total {
		r.state.Current++
	}
	if message != "" {
		r.state.Message = message
	}
	snap := r.state
	r.mu.Unlock()

	r.publish(snap)
	return snap
}

// SetMessage updates the message without moving the counter.
func (r *Reporter) SetMessage(message string) Progress {
	r.mu.Lock()
	r.state.Message = message
	snap := r.state
	r.mu.Unlock()

	r.publish(snap)
	return snap
}

func (r *Reporter) Snapshot() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Updates returns the update channel, or nil when the reporter was built without one.
func (r *Reporter) Updates() <-chan Progress {
	return r.updates
}

func (r *Reporter) publish(p Progress) {
	if r.updates == nil {
		return
	}
	select {
	case r.updates <- p:
	default:
	}
}
