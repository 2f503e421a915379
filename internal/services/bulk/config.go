// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package bulk

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/torbox-manager/internal/domain"
	"github.com/autobrr/torbox-manager/internal/transfer"
)

// Config holds the per call-site retry policies and runner settings.
type Config struct {
	Concurrency int
	// MirrorSpacing is the minimum gap between two upload dispatches.
	MirrorSpacing time.Duration

	DownloadPolicy     transfer.RetryPolicy
	DeletePolicy       transfer.RetryPolicy
	MirrorPolicy       transfer.RetryPolicy
	MirrorStreamPolicy transfer.RetryPolicy

	ActivitySize int
}

const (
	defaultActivitySize  = 50
	torboxAttemptTimeout = 30 * time.Second
)

// DefaultConfig returns the policies the dashboard has always used.
func DefaultConfig() Config {
	return Config{
		Concurrency:   transfer.DefaultConcurrency,
		MirrorSpacing: 2 * time.Second,
		DownloadPolicy: transfer.RetryPolicy{
			MaxAttempts:    3,
			BaseDelay:      time.Second,
			Backoff:        transfer.BackoffExponential,
			AttemptTimeout: torboxAttemptTimeout,
		},
		DeletePolicy: transfer.RetryPolicy{
			MaxAttempts:    3,
			BaseDelay:      time.Second,
			Backoff:        transfer.BackoffExponential,
			AttemptTimeout: torboxAttemptTimeout,
		},
		MirrorPolicy: transfer.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			Backoff:     transfer.BackoffFixed,
		},
		MirrorStreamPolicy: transfer.RetryPolicy{
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			Backoff:     transfer.BackoffExponential,
		},
		ActivitySize: defaultActivitySize,
	}
}

// ConfigFromDomain overlays the configured values on the defaults. Zero values keep the default.
func ConfigFromDomain(cfg *domain.Config) Config {
	out := DefaultConfig()
	if cfg == nil {
		return out
	}

	if cfg.BulkConcurrency > 0 {
		out.Concurrency = cfg.BulkConcurrency
	}
	if cfg.MirrorSpacingMs >= 0 {
		out.MirrorSpacing = time.Duration(cfg.MirrorSpacingMs) * time.Millisecond
	}
	if cfg.DownloadMaxAttempts > 0 {
		out.DownloadPolicy.MaxAttempts = cfg.DownloadMaxAttempts
		out.DeletePolicy.MaxAttempts = cfg.DownloadMaxAttempts
	}
	if cfg.DownloadBaseDelayMs > 0 {
		out.DownloadPolicy.BaseDelay = time.Duration(cfg.DownloadBaseDelayMs) * time.Millisecond
		out.DeletePolicy.BaseDelay = out.DownloadPolicy.BaseDelay
	}
	if cfg.MirrorMaxAttempts > 0 {
		out.MirrorStreamPolicy.MaxAttempts = cfg.MirrorMaxAttempts
	}
	if cfg.MirrorBaseDelayMs > 0 {
		out.MirrorStreamPolicy.BaseDelay = time.Duration(cfg.MirrorBaseDelayMs) * time.Millisecond
	}
	if cfg.MirrorBackoff != "" {
		backoff, err := transfer.ParseBackoff(cfg.MirrorBackoff)
		if err != nil {
			log.Warn().Err(err).Msg("invalid mirrorBackoff, keeping exponential")
		} else {
			out.MirrorStreamPolicy.Backoff = backoff
		}
	}

	return out
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.MirrorSpacing < 0 {
		c.MirrorSpacing = 0
	}
	if c.ActivitySize <= 0 {
		c.ActivitySize = def.ActivitySize
	}
	if c.DownloadPolicy.MaxAttempts <= 0 {
		c.DownloadPolicy = def.DownloadPolicy
	}
	if c.DeletePolicy.MaxAttempts <= 0 {
		c.DeletePolicy = def.DeletePolicy
	}
	if c.MirrorPolicy.MaxAttempts <= 0 {
		c.MirrorPolicy = def.MirrorPolicy
	}
	if c.MirrorStreamPolicy.MaxAttempts <= 0 {
		c.MirrorStreamPolicy = def.MirrorStreamPolicy
	}
	return c
}
