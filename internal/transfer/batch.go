// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// FailurePolicy decides what a failed task does to the rest of the batch.
type FailurePolicy string

const (
	// ContinueOnFailure processes every chunk and collects successes and failures.
	ContinueOnFailure FailurePolicy = "continue"
	// AbortOnFailure stops dispatching new chunks once a chunk had a failure.
	// Work that already completed is kept.
	AbortOnFailure FailurePolicy = "abort"
)

const DefaultConcurrency = 3

type RunnerConfig struct {
	Concurrency int
	Policy      FailurePolicy
	// Spacing is the minimum gap between two consecutive task dispatches,
	// independent of retry backoff. Zero disables pacing.
	//
	// It is a floor measured from the previous dispatch, not a fixed sleep:
	// one limiter spans the whole run, so the first task of a chunk waits only
	// for whatever is left of the gap once the previous chunk has settled.
	Spacing time.Duration
}

// Hooks observe a run. OnTaskDone is called from worker goroutines and must be safe
// for concurrent use; OnTaskStart and OnChunkDone run on the dispatching goroutine.
type Hooks struct {
	OnTaskStart func(index int, task Task)
	OnTaskDone  func(outcome Outcome)
	OnChunkDone func(chunk int, settled int)
}

// Worker performs one task and reports its outcome. Index and Task are filled in by the runner.
type Worker func(ctx context.Context, index int, task Task) Outcome

// Report aggregates a run.
type Report struct {
	Outcomes  []Outcome `json:"outcomes"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Aborted   bool      `json:"aborted"`
	Cancelled bool      `json:"cancelled"`
}

// Summary renders the usual "N succeeded, M failed" line.
func (r Report) Summary() string {
	s := fmt.Sprintf("%d succeeded, %d failed", r.Succeeded, r.Failed)
	if r.Skipped > 0 {
		s += fmt.Sprintf(", %d skipped", r.Skipped)
	}
	return s
}

// Runner drives tasks in consecutive chunks of at most Concurrency tasks. A chunk is
// fully settled before the next one is dispatched.
type Runner struct {
	cfg   RunnerConfig
	hooks Hooks
}

func NewRunner(cfg RunnerConfig, hooks Hooks) *Runner {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Policy == "" {
		cfg.Policy = ContinueOnFailure
	}
	if cfg.Spacing < 0 {
		cfg.Spacing = 0
	}
	return &Runner{cfg: cfg, hooks: hooks}
}

func (r *Runner) Config() RunnerConfig {
	return r.cfg
}

// Chunks returns how many chunks a run over n tasks needs.
func (r *Runner) Chunks(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + r.cfg.Concurrency - 1) / r.cfg.Concurrency
}

func (r *Runner) Run(ctx context.Context, tasks []Task, worker Worker) Report {
	report := Report{Total: len(tasks)}
	if len(tasks) == 0 {
		return report
	}

	var limiter *rate.Limiter
	if r.cfg.Spacing > 0 {
		limiter = rate.NewLimiter(rate.Every(r.cfg.Spacing), 1)
	}

	settled := make([]*Outcome, len(tasks))
	dispatched := 0
	chunk := 0

dispatch:
	for start := 0; start < len(tasks); start += r.cfg.Concurrency {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}

		end := min(start+r.cfg.Concurrency, len(tasks))

		var g errgroup.Group
		launched := 0
		for i := start; i < end; i++ {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					report.Cancelled = true
					_ = g.Wait()
					dispatched += launched
					break dispatch
				}
			}

			idx := i
			task := tasks[i]
			if r.hooks.OnTaskStart != nil {
				r.hooks.OnTaskStart(idx, task)
			}
			launched++

			g.Go(func() error {
				out := runWorker(ctx, worker, idx, task)
				settled[idx] = &out
				if r.hooks.OnTaskDone != nil {
					r.hooks.OnTaskDone(out)
				}
				return nil
			})
		}

		_ = g.Wait()
		dispatched += launched

		chunkFailed := false
		for i := start; i < end; i++ {
			if settled[i] != nil && !settled[i].Success {
				chunkFailed = true
				break
			}
		}

		if r.hooks.OnChunkDone != nil {
			r.hooks.OnChunkDone(chunk, dispatched)
		}
		chunk++

		if chunkFailed && r.cfg.Policy == AbortOnFailure {
			if end < len(tasks) {
				report.Aborted = true
			}
			break
		}
	}

	report.Outcomes = make([]Outcome, 0, dispatched)
	for _, out := range settled {
		if out == nil {
			continue
		}
		report.Outcomes = append(report.Outcomes, *out)
		if out.Success {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}
	report.Skipped = report.Total - report.Succeeded - report.Failed

	return report
}

func runWorker(ctx context.Context, worker Worker, idx int, task Task) (out Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Int("index", idx).Str("task", task.String()).Msg("bulk worker panicked")
			out = Outcome{
				Error: &Failure{Message: fmt.Sprintf("internal error: %v", rec), Class: ClassPermanent},
			}
			out.Index = idx
			out.Task = task
		}
	}()

	out = worker(ctx, idx, task)
	out.Index = idx
	out.Task = task
	if !out.Success && out.Error == nil {
		out.Error = &Failure{Message: "unknown error", Class: ClassTransient}
	}
	return out
}
