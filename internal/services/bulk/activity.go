// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package bulk

import (
	"encoding/json"
	"time"
)

// RunSummary records the outcome of one bulk run.
type RunSummary struct {
	ID        string        `json:"id"`
	Operation string        `json:"operation"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Aborted   bool          `json:"aborted"`
	Cancelled bool          `json:"cancelled"`
	Summary   string        `json:"summary"`
	Message   string        `json:"message,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"-"`
}

func (r RunSummary) MarshalJSON() ([]byte, error) {
	type alias RunSummary
	return json.Marshal(struct {
		alias
		DurationMs int64 `json:"durationMs"`
	}{alias(r), r.Duration.Milliseconds()})
}

func (s *Service) recordActivity(run RunSummary) {
	if s == nil {
		return
	}
	s.activityMu.Lock()
	defer s.activityMu.Unlock()

	limit := s.activityCap
	if limit <= 0 {
		limit = defaultActivitySize
	}
	s.activity = append(s.activity, run)
	if len(s.activity) > limit {
		s.activity = s.activity[len(s.activity)-limit:]
	}
}

// GetActivity returns the most recent runs, newest last.
func (s *Service) GetActivity(limit int) []RunSummary {
	if s == nil {
		return nil
	}
	s.activityMu.RLock()
	defer s.activityMu.RUnlock()

	runs := s.activity
	if len(runs) == 0 {
		return []RunSummary{}
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[len(runs)-limit:]
	}
	out := make([]RunSummary, len(runs))
	copy(out, runs)
	return out
}
