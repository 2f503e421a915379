// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/torbox-manager/internal/models"
	"github.com/autobrr/torbox-manager/internal/services/multiup"
	"github.com/autobrr/torbox-manager/internal/sse"
	"github.com/autobrr/torbox-manager/internal/transfer"
)

// ErrNoLinks is returned when not a single selected item produced a download link.
var ErrNoLinks = errors.New("failed to resolve download links")

// MirrorResult is the JSON report of a mirror upload.
type MirrorResult struct {
	RunResult
	UploadedLinks []sse.UploadedLink `json:"uploadedLinks"`
	FailedFiles   []sse.FailedFile   `json:"failedFiles"`
	// Unresolved lists selected entries whose TorBox link could not be fetched.
	Unresolved []sse.FailedFile `json:"unresolved,omitempty"`
}

type mirrorTask struct {
	transfer.Task
	link string
}

// resolveLinks fetches TorBox links for every task with bounded fan-out. Tasks whose
// link cannot be resolved are dropped and reported separately.
func (s *Service) resolveLinks(ctx context.Context, req MirrorRequest, cfg Config) ([]mirrorTask, []sse.FailedFile, error) {
	tasks := transfer.BuildTasks(*req.SelectedItems, req.AssetType, req.Items)
	exec := s.executor(OpMirrorUpload, cfg.DownloadPolicy, s.torboxErrors)

	links := make([]string, len(tasks))
	errs := make([]error, len(tasks))

	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)
	for i, task := range tasks {
		g.Go(func() error {
			res := exec.Do(ctx, func(ctx context.Context) (transfer.Result, error) {
				link, err := s.torbox.RequestDownloadLink(ctx, req.APIKey, task.Asset, task.ItemID, task.FileIDPtr())
				return transfer.Result{URL: link}, err
			})
			if res.Err != nil {
				errs[i] = res.Err
				return nil
			}
			links[i] = res.Result.URL
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	resolved := make([]mirrorTask, 0, len(tasks))
	var unresolved []sse.FailedFile
	var lastErr error
	for i, task := range tasks {
		if errs[i] != nil {
			lastErr = errs[i]
			s.metrics.LinkResolveFailed()
			s.logger.Warn().Err(errs[i]).Str("task", task.String()).Str("name", task.Name).Msg("could not resolve download link, skipping")
			unresolved = append(unresolved, sse.FailedFile{Name: task.Name, Error: errs[i].Error()})
			continue
		}
		resolved = append(resolved, mirrorTask{Task: task, link: links[i]})
	}

	if len(resolved) == 0 {
		if lastErr != nil {
			return nil, unresolved, fmt.Errorf("%w: %w", ErrNoLinks, lastErr)
		}
		return nil, unresolved, ErrNoLinks
	}
	return resolved, unresolved, nil
}

func (s *Service) mirrorWorker(creds MultiupCredentials, exec *transfer.Executor, tasks []mirrorTask) transfer.Worker {
	return func(ctx context.Context, index int, task transfer.Task) transfer.Outcome {
		link := tasks[index].link
		res := exec.Do(ctx, func(ctx context.Context) (transfer.Result, error) {
			resp, err := s.uploader.Upload(ctx, multiup.Request{
				Link:     link,
				Username: creds.Username,
				Password: creds.Password,
				FileName: task.Name,
			})
			if err != nil {
				return transfer.Result{}, err
			}
			return transfer.Result{URL: resp.Link, Size: resp.Size, Name: task.Name}, nil
		})
		if res.Err != nil {
			return transfer.Outcome{Error: failure(res), Attempts: res.Attempts}
		}
		return transfer.Outcome{Success: true, Result: &res.Result, Attempts: res.Attempts}
	}
}

func plainTasks(tasks []mirrorTask) []transfer.Task {
	out := make([]transfer.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Task
	}
	return out
}

func uploadedLink(task mirrorTask, res *transfer.Result) sse.UploadedLink {
	return sse.UploadedLink{
		Name:         task.Name,
		Link:         res.URL,
		Size:         res.Size,
		OriginalURL:  task.link,
		OriginalName: task.Name,
	}
}

// MirrorUpload uploads the selection to Multiup and stops at the first chunk with a
// failure. Every successful upload is recorded in the history.
func (s *Service) MirrorUpload(ctx context.Context, req MirrorRequest) (*MirrorResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	cfg := s.Config()
	tasks, unresolved, err := s.resolveLinks(ctx, req, cfg)
	if err != nil {
		return nil, err
	}

	exec := s.executor(OpMirrorUpload, cfg.MirrorPolicy, s.multiupErrors)
	run := s.runTasks(ctx, OpMirrorUpload, transfer.RunnerConfig{
		Concurrency: cfg.Concurrency,
		Policy:      transfer.AbortOnFailure,
		Spacing:     cfg.MirrorSpacing,
	}, transfer.Hooks{}, plainTasks(tasks), s.mirrorWorker(req.Credentials, exec, tasks))

	result := &MirrorResult{
		RunResult:     run,
		UploadedLinks: []sse.UploadedLink{},
		FailedFiles:   []sse.FailedFile{},
		Unresolved:    unresolved,
	}
	for _, out := range run.Outcomes {
		task := tasks[out.Index]
		if !out.Success {
			result.FailedFiles = append(result.FailedFiles, sse.FailedFile{Name: task.Name, Error: out.Error.Message})
			continue
		}
		link := uploadedLink(task, out.Result)
		result.UploadedLinks = append(result.UploadedLinks, link)
		s.recordHistory(ctx, link)
	}

	return result, nil
}

func (s *Service) recordHistory(ctx context.Context, link sse.UploadedLink) {
	if s.history == nil {
		return
	}
	_, err := s.history.Append(context.WithoutCancel(ctx), models.HistoryEntry{
		URL:          link.Link,
		FileName:     link.Name,
		Size:         link.Size,
		OriginalURL:  link.OriginalURL,
		OriginalName: link.OriginalName,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("name", link.Name).Msg("could not record mirror history")
		return
	}
	s.metrics.HistoryAppendedInc()
}

// streamSink turns runner callbacks into stream events. A task's success or error
// event and the progress event that follows it are written under one lock so the
// counters seen by the client never go backwards.
type streamSink struct {
	mu       sync.Mutex
	svc      *Service
	em       *sse.Emitter
	tasks    []mirrorTask
	reporter *transfer.Reporter
	uploaded []sse.UploadedLink
	failed   []sse.FailedFile
}

func (k *streamSink) emitErr(err error, event string) {
	if err != nil && !errors.Is(err, sse.ErrClosed) {
		k.svc.logger.Debug().Err(err).Str("event", event).Msg("could not write stream event")
	}
}

func (k *streamSink) start(index int, task transfer.Task) {
	k.emitErr(k.em.FileStart(sse.FileStartData{
		Index:  index,
		Name:   task.Name,
		ItemID: task.ItemID,
		FileID: task.FileIDPtr(),
	}), "fileStart")
}

func (k *streamSink) settle(out transfer.Outcome) {
	k.mu.Lock()
	defer k.mu.Unlock()

	task := k.tasks[out.Index]
	if out.Success {
		link := uploadedLink(task, out.Result)
		k.uploaded = append(k.uploaded, link)
		k.emitErr(k.em.FileSuccess(sse.FileSuccessData{
			Index:        out.Index,
			Name:         link.Name,
			Link:         link.Link,
			Size:         link.Size,
			OriginalURL:  link.OriginalURL,
			OriginalName: link.OriginalName,
		}), "fileSuccess")
	} else {
		k.failed = append(k.failed, sse.FailedFile{Name: task.Name, Error: out.Error.Message})
		k.emitErr(k.em.FileError(sse.FileErrorData{
			Index:    out.Index,
			Name:     task.Name,
			Error:    out.Error.Message,
			Attempts: out.Attempts,
		}), "fileError")
	}

	p := k.reporter.Advance(fmt.Sprintf("Processed %s", task.Name))
	k.emitErr(k.em.Progress(sse.ProgressData{
		Current:  p.Current,
		Total:    p.Total,
		Message:  p.Message,
		Uploaded: len(k.uploaded),
		Failed:   len(k.failed),
	}), "progress")
}

// MirrorUploadStream runs a continue-on-failure mirror upload and reports it over em.
// Validation errors are returned before the stream is opened. Once open, the stream
// always ends with exactly one complete or error event unless the client went away.
func (s *Service) MirrorUploadStream(ctx context.Context, req MirrorRequest, em *sse.Emitter) (*MirrorResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := em.Open(); err != nil {
		return nil, err
	}

	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()

	cfg := s.Config()
	tasks, unresolved, err := s.resolveLinks(ctx, req, cfg)
	if err != nil {
		if ctx.Err() != nil {
			em.Close()
			return nil, err
		}
		s.logger.Error().Err(err).Msg("mirror stream aborted before upload")
		s.recordActivity(RunSummary{
			ID:        uuid.NewString(),
			Operation: OpMirrorStream,
			Total:     len(unresolved),
			Failed:    len(unresolved),
			Summary:   fmt.Sprintf("0 succeeded, %d failed", len(unresolved)),
			Message:   err.Error(),
			StartedAt: s.now(),
		})
		_ = em.Fail(err.Error())
		return nil, err
	}

	sink := &streamSink{
		svc:      s,
		em:       em,
		tasks:    tasks,
		reporter: transfer.NewReporter(0),
	}
	start := sink.reporter.Reset(len(tasks))
	if err := em.Progress(sse.ProgressData{
		Current: start.Current,
		Total:   start.Total,
		Message: fmt.Sprintf("Uploading %d files", len(tasks)),
	}); err != nil {
		em.Close()
		return nil, err
	}

	exec := s.executor(OpMirrorStream, cfg.MirrorStreamPolicy, s.multiupErrors)
	run := s.runTasks(ctx, OpMirrorStream, transfer.RunnerConfig{
		Concurrency: cfg.Concurrency,
		Policy:      transfer.ContinueOnFailure,
		Spacing:     cfg.MirrorSpacing,
	}, transfer.Hooks{
		OnTaskStart: sink.start,
		OnTaskDone:  sink.settle,
	}, plainTasks(tasks), s.mirrorWorker(req.Credentials, exec, tasks))

	sink.mu.Lock()
	result := &MirrorResult{
		RunResult:     run,
		UploadedLinks: append([]sse.UploadedLink{}, sink.uploaded...),
		FailedFiles:   append([]sse.FailedFile{}, sink.failed...),
		Unresolved:    unresolved,
	}
	sink.mu.Unlock()

	if run.Cancelled || ctx.Err() != nil {
		em.Close()
		return result, ctx.Err()
	}

	if err := em.Complete(sse.CompleteData{
		UploadedLinks: result.UploadedLinks,
		FailedFiles:   result.FailedFiles,
		Total:         run.Total,
	}); err != nil {
		sink.emitErr(err, "complete")
	}
	return result, nil
}
