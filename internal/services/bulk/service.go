// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package bulk

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/torbox-manager/internal/metrics"
	"github.com/autobrr/torbox-manager/internal/models"
	"github.com/autobrr/torbox-manager/internal/services/multiup"
	"github.com/autobrr/torbox-manager/internal/services/torbox"
	"github.com/autobrr/torbox-manager/internal/transfer"
)

// Operation labels used in logs, metrics and the activity log.
const (
	OpDownloadLinks = "download_links"
	OpDelete        = "delete"
	OpMirrorUpload  = "mirror_upload"
	OpMirrorStream  = "mirror_upload_stream"
)

// TorboxClient is the part of the TorBox client the bulk operations need.
type TorboxClient interface {
	RequestDownloadLink(ctx context.Context, apiKey string, kind transfer.AssetKind, itemID int64, fileID *int64) (string, error)
	Delete(ctx context.Context, apiKey string, kind transfer.AssetKind, itemID int64) error
}

type Uploader interface {
	Upload(ctx context.Context, req multiup.Request) (multiup.Response, error)
}

type HistoryRecorder interface {
	Append(ctx context.Context, entry models.HistoryEntry) (*models.HistoryEntry, error)
}

// Service runs bulk operations against TorBox and Multiup.
type Service struct {
	cfgMu sync.RWMutex
	cfg   Config

	torbox   TorboxClient
	uploader Uploader
	history  HistoryRecorder
	metrics  *metrics.BulkMetrics

	torboxErrors  *transfer.Classifier
	multiupErrors *transfer.Classifier

	logger zerolog.Logger
	now    func() time.Time

	activity    []RunSummary
	activityMu  sync.RWMutex
	activityCap int
}

// NewService constructs a Service. history and m may be nil.
func NewService(cfg Config, torboxClient TorboxClient, uploader Uploader, history HistoryRecorder, m *metrics.BulkMetrics) *Service {
	cfg = cfg.normalized()
	return &Service{
		cfg:           cfg,
		torbox:        torboxClient,
		uploader:      uploader,
		history:       history,
		metrics:       m,
		torboxErrors:  transfer.NewClassifier(torbox.PermanentErrors),
		multiupErrors: transfer.NewClassifier(multiup.PermanentErrors),
		logger:        log.Logger.With().Str("module", "bulk").Logger(),
		now:           time.Now,
		activityCap:   cfg.ActivitySize,
	}
}

// UpdateConfig swaps the policies used by runs started after the call.
func (s *Service) UpdateConfig(cfg Config) {
	cfg = cfg.normalized()
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()

	s.activityMu.Lock()
	s.activityCap = cfg.ActivitySize
	if len(s.activity) > s.activityCap {
		s.activity = s.activity[len(s.activity)-s.activityCap:]
	}
	s.activityMu.Unlock()

	s.logger.Debug().
		Int("concurrency", cfg.Concurrency).
		Dur("mirrorSpacing", cfg.MirrorSpacing).
		Int("mirrorAttempts", cfg.MirrorStreamPolicy.MaxAttempts).
		Msg("bulk config updated")
}

func (s *Service) Config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// RunResult is the JSON report of a bulk run.
type RunResult struct {
	ID        string `json:"id"`
	Operation string `json:"operation"`
	Summary   string `json:"summary"`
	transfer.Report
}

func (s *Service) executor(op string, policy transfer.RetryPolicy, classifier *transfer.Classifier) *transfer.Executor {
	logger := s.logger
	return transfer.NewExecutor(policy, classifier, transfer.WithRetryObserver(func(attempt int, delay time.Duration, err error) {
		s.metrics.ObserveRetry(op)
		logger.Debug().Err(err).Str("operation", op).Int("attempt", attempt).Dur("delay", delay).Msg("retrying bulk task")
	}))
}

// runTasks drives tasks through a runner and keeps metrics and the activity log current.
func (s *Service) runTasks(ctx context.Context, op string, runnerCfg transfer.RunnerConfig, hooks transfer.Hooks, tasks []transfer.Task, worker transfer.Worker) RunResult {
	started := s.now()
	id := uuid.NewString()

	logger := s.logger.With().Str("operation", op).Str("run", id).Logger()
	logger.Info().Int("tasks", len(tasks)).Int("concurrency", runnerCfg.Concurrency).Str("policy", string(runnerCfg.Policy)).Msg("bulk run started")

	instrumented := func(ctx context.Context, index int, task transfer.Task) transfer.Outcome {
		s.metrics.TaskStarted(op)
		defer s.metrics.TaskFinished(op)

		out := worker(ctx, index, task)
		s.metrics.ObserveTask(op, out.Success, out.Attempts)
		if !out.Success && out.Error != nil {
			logger.Warn().Str("task", task.String()).Str("name", task.Name).Int("attempts", out.Attempts).
				Str("classification", string(out.Error.Class)).Msg(out.Error.Message)
		}
		return out
	}

	report := transfer.NewRunner(runnerCfg, hooks).Run(ctx, tasks, instrumented)
	elapsed := s.now().Sub(started)

	result := runLabel(report)
	s.metrics.ObserveRun(op, result, elapsed)
	logger.Info().Int("succeeded", report.Succeeded).Int("failed", report.Failed).Int("skipped", report.Skipped).
		Bool("aborted", report.Aborted).Bool("cancelled", report.Cancelled).Dur("elapsed", elapsed).Msg("bulk run finished")

	s.recordActivity(RunSummary{
		ID:        id,
		Operation: op,
		Total:     report.Total,
		Succeeded: report.Succeeded,
		Failed:    report.Failed,
		Skipped:   report.Skipped,
		Aborted:   report.Aborted,
		Cancelled: report.Cancelled,
		Summary:   report.Summary(),
		StartedAt: started,
		Duration:  elapsed,
	})

	return RunResult{ID: id, Operation: op, Summary: report.Summary(), Report: report}
}

func runLabel(report transfer.Report) string {
	switch {
	case report.Cancelled:
		return "cancelled"
	case report.Aborted:
		return "aborted"
	case report.Failed == 0:
		return "success"
	case report.Succeeded == 0:
		return "failed"
	default:
		return "partial"
	}
}

func failure(exec transfer.Execution) *transfer.Failure {
	class := exec.Class
	if class == "" {
		class = transfer.ClassTransient
	}
	return &transfer.Failure{Message: exec.Err.Error(), Class: class}
}

// DownloadLink resolves one link with the download retry policy.
func (s *Service) DownloadLink(ctx context.Context, apiKey string, kind transfer.AssetKind, itemID int64, fileID *int64) (string, error) {
	exec := s.executor(OpDownloadLinks, s.Config().DownloadPolicy, s.torboxErrors).Do(ctx, func(ctx context.Context) (transfer.Result, error) {
		link, err := s.torbox.RequestDownloadLink(ctx, apiKey, kind, itemID, fileID)
		return transfer.Result{URL: link}, err
	})
	if exec.Err != nil {
		s.metrics.LinkResolveFailed()
		return "", exec.Err
	}
	return exec.Result.URL, nil
}

// DownloadLinks fetches one link per selected item or file. Failures never stop the batch.
func (s *Service) DownloadLinks(ctx context.Context, req DownloadLinksRequest) (*RunResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	cfg := s.Config()
	exec := s.executor(OpDownloadLinks, cfg.DownloadPolicy, s.torboxErrors)
	tasks := transfer.BuildTasks(*req.SelectedItems, req.AssetType, req.Items)

	worker := func(ctx context.Context, _ int, task transfer.Task) transfer.Outcome {
		res := exec.Do(ctx, func(ctx context.Context) (transfer.Result, error) {
			link, err := s.torbox.RequestDownloadLink(ctx, req.APIKey, task.Asset, task.ItemID, task.FileIDPtr())
			return transfer.Result{URL: link, Name: task.Name}, err
		})
		if res.Err != nil {
			s.metrics.LinkResolveFailed()
			return transfer.Outcome{Error: failure(res), Attempts: res.Attempts}
		}
		return transfer.Outcome{Success: true, Result: &res.Result, Attempts: res.Attempts}
	}

	result := s.runTasks(ctx, OpDownloadLinks, transfer.RunnerConfig{
		Concurrency: cfg.Concurrency,
		Policy:      transfer.ContinueOnFailure,
	}, transfer.Hooks{}, tasks, worker)
	return &result, nil
}

// Delete removes every selected item. File picks are ignored since TorBox deletes whole items.
func (s *Service) Delete(ctx context.Context, req DeleteRequest) (*RunResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	cfg := s.Config()
	exec := s.executor(OpDelete, cfg.DeletePolicy, s.torboxErrors)
	sel := transfer.Selection{Items: req.SelectedItems.Items}
	tasks := transfer.BuildTasks(sel, req.AssetType, req.Items)

	worker := func(ctx context.Context, _ int, task transfer.Task) transfer.Outcome {
		res := exec.Do(ctx, func(ctx context.Context) (transfer.Result, error) {
			return transfer.Result{Name: task.Name}, s.torbox.Delete(ctx, req.APIKey, task.Asset, task.ItemID)
		})
		if res.Err != nil {
			return transfer.Outcome{Error: failure(res), Attempts: res.Attempts}
		}
		return transfer.Outcome{Success: true, Result: &res.Result, Attempts: res.Attempts}
	}

	result := s.runTasks(ctx, OpDelete, transfer.RunnerConfig{
		Concurrency: cfg.Concurrency,
		Policy:      transfer.ContinueOnFailure,
	}, transfer.Hooks{}, tasks, worker)
	return &result, nil
}
