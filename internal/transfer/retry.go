// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package transfer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go"
)

// Backoff selects the delay curve between attempts.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

func ParseBackoff(raw string) (Backoff, error) {
	switch Backoff(strings.ToLower(strings.TrimSpace(raw))) {
	case BackoffFixed:
		return BackoffFixed, nil
	case BackoffExponential, "":
		return BackoffExponential, nil
	default:
		return "", fmt.Errorf("unknown backoff %q", raw)
	}
}

// maxBackoffShift keeps base * 2^n well inside time.Duration.
const maxBackoffShift = 20

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Backoff     Backoff
	// AttemptTimeout bounds each individual attempt; zero means no per-attempt limit.
	AttemptTimeout time.Duration
}

// Delay returns the wait after the n-th failed attempt (n starts at 0):
// base for fixed backoff, base * 2^n for exponential backoff.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	switch p.Backoff {
	case BackoffFixed:
		return p.BaseDelay
	default:
		if n > maxBackoffShift {
			n = maxBackoffShift
		}
		return p.BaseDelay * time.Duration(1<<uint(n))
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Backoff == "" {
		p.Backoff = BackoffExponential
	}
	return p
}

// Operation is one attempt of a remote call.
type Operation func(ctx context.Context) (Result, error)

// Execution is what the executor returns once an operation settles.
type Execution struct {
	Result   Result
	Attempts int
	Class    Class
	Err      error
}

// RetryObserver is called before every wait with the attempt that just failed (1-based).
type RetryObserver func(attempt int, delay time.Duration, err error)

type ExecutorOption func(*Executor)

func WithRetryObserver(fn RetryObserver) ExecutorOption {
	return func(e *Executor) {
		e.observer = fn
	}
}

// Executor retries an operation with backoff and stops early on permanent failures.
type Executor struct {
	policy     RetryPolicy
	classifier *Classifier
	observer   RetryObserver
}

func NewExecutor(policy RetryPolicy, classifier *Classifier, opts ...ExecutorOption) *Executor {
	e := &Executor{
		policy:     policy.normalized(),
		classifier: classifier,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Policy() RetryPolicy {
	return e.policy
}

// Do runs op until it succeeds, fails permanently or runs out of attempts.
func (e *Executor) Do(ctx context.Context, op Operation) Execution {
	var (
		result   Result
		attempts int
	)

	err := retry.Do(
		func() error {
			attempts++

			attemptCtx, cancel := ctx, context.CancelFunc(func() {})
			if e.policy.AttemptTimeout > 0 {
				attemptCtx, cancel = context.WithTimeout(ctx, e.policy.AttemptTimeout)
			}
			r, err := op(attemptCtx)
			cancel()

			if err != nil {
				return err
			}
			result = r
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(e.policy.MaxAttempts)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return e.classifier.ClassifyError(err) == ClassTransient
		}),
		retry.DelayType(func(n uint, err error, _ *retry.Config) time.Duration {
			delay := e.policy.Delay(int(n))
			if e.observer != nil {
				e.observer(int(n)+1, delay, err)
			}
			return delay
		}),
	)

	if err != nil {
		return Execution{
			Attempts: attempts,
			Class:    e.classifier.ClassifyError(err),
			Err:      err,
		}
	}

	return Execution{Result: result, Attempts: attempts}
}
