// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package transfer

import (
	"context"
	"errors"
	"strings"
)

// Class tells whether retrying a failed operation could help.
type Class string

const (
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
)

// CodedError is implemented by remote API errors that carry a structured code.
type CodedError interface {
	error
	ErrorCode() string
	ErrorDetail() string
}

// ClassifierTable lists the failures that retrying cannot fix.
// Codes match exactly, Details match as case-insensitive substrings of the error detail.
type ClassifierTable struct {
	Codes   []string
	Details []string
}

type Classifier struct {
	codes   map[string]struct{}
	details []string
}

func NewClassifier(table ClassifierTable) *Classifier {
	c := &Classifier{
		codes: make(map[string]struct{}, len(table.Codes)),
	}
	for _, code := range table.Codes {
		code = strings.TrimSpace(code)
		if code != "" {
			c.codes[code] = struct{}{}
		}
	}
	for _, d := range table.Details {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			c.details = append(c.details, d)
		}
	}
	return c
}

// Classify is a pure lookup against the table.
func (c *Classifier) Classify(code, detail string) Class {
	if c == nil {
		return ClassTransient
	}
	if code != "" {
		if _, ok := c.codes[code]; ok {
			return ClassPermanent
		}
	}
	if detail != "" {
		lower := strings.ToLower(detail)
		for _, needle := range c.details {
			if strings.Contains(lower, needle) {
				return ClassPermanent
			}
		}
	}
	return ClassTransient
}

// ClassifyError classifies an arbitrary error. Coded errors go through the table,
// a cancelled context is permanent and everything else (network, 5xx, timeouts) is transient.
func (c *Classifier) ClassifyError(err error) Class {
	if err == nil {
		return ClassTransient
	}

	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}

	var coded CodedError
	if errors.As(err, &coded) {
		return c.Classify(coded.ErrorCode(), coded.ErrorDetail())
	}

	var perm *PermanentError
	if errors.As(err, &perm) {
		return ClassPermanent
	}

	return ClassTransient
}

// PermanentError marks a failure as not worth retrying regardless of the table,
// for example a task that cannot even be built into a request.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return "permanent failure"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the classifier never retries it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
