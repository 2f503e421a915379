// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package bulk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/torbox-manager/internal/domain"
	"github.com/autobrr/torbox-manager/internal/models"
	"github.com/autobrr/torbox-manager/internal/services/multiup"
	"github.com/autobrr/torbox-manager/internal/services/torbox"
	"github.com/autobrr/torbox-manager/internal/sse"
	"github.com/autobrr/torbox-manager/internal/transfer"
)

type fakeTorbox struct {
	mu        sync.Mutex
	linkCalls map[string]int
	deleted   []int64
	// failLinks maps an item id to the error every link request for it returns.
	failLinks  map[int64]error
	failDelete map[int64]error
}

func newFakeTorbox() *fakeTorbox {
	return &fakeTorbox{
		linkCalls:  make(map[string]int),
		failLinks:  make(map[int64]error),
		failDelete: make(map[int64]error),
	}
}

func (f *fakeTorbox) RequestDownloadLink(_ context.Context, _ string, _ transfer.AssetKind, itemID int64, fileID *int64) (string, error) {
	key := fmt.Sprintf("%d", itemID)
	if fileID != nil {
		key = fmt.Sprintf("%d/%d", itemID, *fileID)
	}

	f.mu.Lock()
	f.linkCalls[key]++
	err := f.failLinks[itemID]
	f.mu.Unlock()

	if err != nil {
		return "", err
	}
	return "https://dl.torbox.app/" + key, nil
}

func (f *fakeTorbox) Delete(_ context.Context, _ string, _ transfer.AssetKind, itemID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failDelete[itemID]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, itemID)
	return nil
}

func (f *fakeTorbox) calls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.linkCalls[key]
}

type fakeUploader struct {
	mu       sync.Mutex
	attempts map[string]int
	inFlight atomic.Int32
	peak     atomic.Int32
	// fail returns the error for a given file name, or nil to succeed.
	fail func(name string) error
}

func newFakeUploader(fail func(name string) error) *fakeUploader {
	return &fakeUploader{attempts: make(map[string]int), fail: fail}
}

func (f *fakeUploader) Upload(_ context.Context, req multiup.Request) (multiup.Response, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	f.mu.Lock()
	f.attempts[req.FileName]++
	f.mu.Unlock()

	time.Sleep(2 * time.Millisecond)

	if f.fail != nil {
		if err := f.fail(req.FileName); err != nil {
			return multiup.Response{}, err
		}
	}
	return multiup.Response{Link: "https://multiup.io/" + req.FileName, Size: 100, Error: "success"}, nil
}

func (f *fakeUploader) attemptsFor(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[name]
}

type recordingHistory struct {
	mu      sync.Mutex
	entries []models.HistoryEntry
	err     error
}

func (h *recordingHistory) Append(_ context.Context, entry models.HistoryEntry) (*models.HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	h.entries = append(h.entries, entry)
	return &entry, nil
}

func (h *recordingHistory) names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.entries))
	for _, e := range h.entries {
		out = append(out, e.FileName)
	}
	return out
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.MirrorSpacing = 0
	for _, p := range []*transfer.RetryPolicy{&cfg.DownloadPolicy, &cfg.DeletePolicy, &cfg.MirrorPolicy, &cfg.MirrorStreamPolicy} {
		p.BaseDelay = time.Millisecond
	}
	return cfg
}

func threeFileCatalog() transfer.Catalog {
	return transfer.Catalog{{
		ID:   1,
		Name: "Season",
		Files: []transfer.CatalogFile{
			{ID: 10, ShortName: "e01.mkv"},
			{ID: 11, ShortName: "e02.mkv"},
			{ID: 12, ShortName: "e03.mkv"},
		},
	}}
}

func threeFileRequest() MirrorRequest {
	return MirrorRequest{
		APIKey:        "token",
		AssetType:     transfer.AssetTorrents,
		SelectedItems: &transfer.Selection{Files: []transfer.FileSelection{{ItemID: 1, FileIDs: []int64{10, 11, 12}}}},
		Credentials:   MultiupCredentials{Username: "user", Password: "pass"},
		Items:         threeFileCatalog(),
	}
}

func decodeEvents(t *testing.T, body string) []sse.Event {
	t.Helper()
	dec := sse.NewDecoder(strings.NewReader(body))
	var events []sse.Event
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestRequestValidation(t *testing.T) {
	sel := &transfer.Selection{Items: []int64{1}}
	creds := MultiupCredentials{Username: "u", Password: "p"}

	tests := []struct {
		name    string
		req     interface{ Validate() error }
		message string
	}{
		{name: "links without selection", req: &DownloadLinksRequest{APIKey: "k"}, message: "selectedItems is required"},
		{name: "links with empty selection", req: &DownloadLinksRequest{APIKey: "k", SelectedItems: &transfer.Selection{}}, message: "selectedItems is required"},
		{name: "links without key", req: &DownloadLinksRequest{SelectedItems: sel}, message: "apiKey is required"},
		{name: "delete without items", req: &DeleteRequest{APIKey: "k", SelectedItems: &transfer.Selection{Files: []transfer.FileSelection{{ItemID: 1, FileIDs: []int64{2}}}}}, message: "selectedItems is required"},
		{name: "mirror without selection", req: &MirrorRequest{APIKey: "k", Credentials: creds}, message: "selectedItems is required"},
		{name: "mirror without username", req: &MirrorRequest{APIKey: "k", SelectedItems: sel, Credentials: MultiupCredentials{Password: "p"}}, message: "credentials.username is required"},
		{name: "mirror without password", req: &MirrorRequest{APIKey: "k", SelectedItems: sel, Credentials: MultiupCredentials{Username: "u"}}, message: "credentials.password is required"},
		{name: "mirror without key", req: &MirrorRequest{SelectedItems: sel, Credentials: creds}, message: "apiKey is required"},
		{name: "valid mirror", req: &MirrorRequest{APIKey: "k", SelectedItems: sel, Credentials: creds}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.message == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrValidation)
			assert.Equal(t, tt.message, err.Error())
		})
	}

	req := &DownloadLinksRequest{APIKey: "k", SelectedItems: sel}
	require.NoError(t, req.Validate())
	assert.Equal(t, transfer.AssetTorrents, req.AssetType, "missing asset type defaults to torrents")
}

func TestDownloadLinksContinuesPastPermanentFailure(t *testing.T) {
	tb := newFakeTorbox()
	tb.failLinks[3] = &torbox.APIError{StatusCode: http.StatusNotFound, Code: "ITEM_NOT_FOUND", Detail: "Item not found"}

	svc := NewService(fastConfig(), tb, nil, nil, nil)
	res, err := svc.DownloadLinks(context.Background(), DownloadLinksRequest{
		APIKey:    "token",
		AssetType: transfer.AssetUsenet,
		SelectedItems: &transfer.Selection{
			Items: []int64{1, 2, 3, 4, 5},
			Files: []transfer.FileSelection{{ItemID: 6, FileIDs: []int64{60, 61}}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 7, res.Total)
	assert.Equal(t, 6, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, "6 succeeded, 1 failed", res.Summary)
	assert.Equal(t, 1, tb.calls("3"), "permanent failures are attempted once")
	assert.Equal(t, 1, tb.calls("6/61"))

	for _, out := range res.Outcomes {
		if out.Task.ItemID == 3 {
			require.NotNil(t, out.Error)
			assert.Equal(t, transfer.ClassPermanent, out.Error.Class)
			assert.Equal(t, 1, out.Attempts)
			continue
		}
		require.True(t, out.Success)
		assert.True(t, strings.HasPrefix(out.Result.URL, "https://dl.torbox.app/"))
	}

	activity := svc.GetActivity(0)
	require.Len(t, activity, 1)
	assert.Equal(t, OpDownloadLinks, activity[0].Operation)
	assert.Equal(t, 6, activity[0].Succeeded)
}

func TestDownloadLinksRetriesTransientFailures(t *testing.T) {
	tb := newFakeTorbox()
	tb.failLinks[1] = &torbox.APIError{StatusCode: http.StatusBadGateway, Detail: "bad gateway"}

	svc := NewService(fastConfig(), tb, nil, nil, nil)
	res, err := svc.DownloadLinks(context.Background(), DownloadLinksRequest{
		APIKey:        "token",
		SelectedItems: &transfer.Selection{Items: []int64{1}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 3, tb.calls("1"))
	assert.Equal(t, 3, res.Outcomes[0].Attempts)
	assert.Equal(t, transfer.ClassTransient, res.Outcomes[0].Error.Class)
}

func TestDeleteIgnoresFilePicks(t *testing.T) {
	tb := newFakeTorbox()
	tb.failDelete[2] = &torbox.APIError{StatusCode: http.StatusNotFound, Code: "ITEM_NOT_FOUND"}

	svc := NewService(fastConfig(), tb, nil, nil, nil)
	res, err := svc.Delete(context.Background(), DeleteRequest{
		APIKey: "token",
		SelectedItems: &transfer.Selection{
			Items: []int64{1, 2, 4},
			Files: []transfer.FileSelection{{ItemID: 9, FileIDs: []int64{1}}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Succeeded)
	assert.ElementsMatch(t, []int64{1, 4}, tb.deleted)
}

func TestMirrorUploadStreamThirdFileFails(t *testing.T) {
	tb := newFakeTorbox()
	up := newFakeUploader(func(name string) error {
		if name == "e03.mkv" {
			return &multiup.UploadError{StatusCode: http.StatusServiceUnavailable, Message: "server busy"}
		}
		return nil
	})

	svc := NewService(fastConfig(), tb, up, nil, nil)
	rec := httptest.NewRecorder()
	em := sse.NewEmitter(rec)

	res, err := svc.MirrorUploadStream(context.Background(), threeFileRequest(), em)
	require.NoError(t, err)
	assert.Equal(t, sse.StateClosed, em.State())
	assert.Len(t, res.UploadedLinks, 2)
	assert.Len(t, res.FailedFiles, 1)
	assert.Equal(t, 5, up.attemptsFor("e03.mkv"))
	assert.LessOrEqual(t, up.peak.Load(), int32(3))

	events := decodeEvents(t, rec.Body.String())
	require.NotEmpty(t, events)

	var first sse.ProgressData
	require.Equal(t, sse.TypeProgress, events[0].Type)
	require.NoError(t, events[0].Decode(&first))
	assert.Equal(t, 0, first.Current)
	assert.Equal(t, 3, first.Total)

	last := events[len(events)-1]
	require.Equal(t, sse.TypeComplete, last.Type)
	var done sse.CompleteData
	require.NoError(t, last.Decode(&done))
	assert.Equal(t, 3, done.Total)
	assert.Len(t, done.UploadedLinks, 2)
	require.Len(t, done.FailedFiles, 1)
	assert.Equal(t, "e03.mkv", done.FailedFiles[0].Name)

	counts := make(map[sse.Type]int)
	current := 0
	for _, ev := range events {
		counts[ev.Type]++
		if ev.Type != sse.TypeProgress {
			continue
		}
		var p sse.ProgressData
		require.NoError(t, ev.Decode(&p))
		assert.GreaterOrEqual(t, p.Current, current, "progress never goes backwards")
		assert.LessOrEqual(t, p.Current, p.Total)
		current = p.Current
	}
	assert.Equal(t, 3, current)
	assert.Equal(t, 3, counts[sse.TypeFileStart])
	assert.Equal(t, 2, counts[sse.TypeFileSuccess])
	assert.Equal(t, 1, counts[sse.TypeFileError])
	assert.Equal(t, 1, counts[sse.TypeComplete])
	assert.Equal(t, 0, counts[sse.TypeError])

	for _, ev := range events {
		if ev.Type != sse.TypeFileError {
			continue
		}
		var d sse.FileErrorData
		require.NoError(t, ev.Decode(&d))
		assert.Equal(t, 5, d.Attempts)
		assert.Contains(t, d.Error, "server busy")
	}

	history := &recordingHistory{}
	state, err := Follow(context.Background(), strings.NewReader(rec.Body.String()), history, nil)
	require.NoError(t, err)
	require.NotNil(t, state.Complete)
	assert.ElementsMatch(t, []string{"e01.mkv", "e02.mkv"}, history.names())
	assert.Len(t, state.Failed, 1)
	assert.Empty(t, state.Active)
	assert.Equal(t, 3, state.Progress.Current)
}

func TestMirrorUploadStreamValidationKeepsStreamClosed(t *testing.T) {
	svc := NewService(fastConfig(), newFakeTorbox(), newFakeUploader(nil), nil, nil)
	rec := httptest.NewRecorder()
	em := sse.NewEmitter(rec)

	req := threeFileRequest()
	req.Credentials.Password = ""

	_, err := svc.MirrorUploadStream(context.Background(), req, em)
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, sse.StateIdle, em.State())
	assert.Empty(t, rec.Body.String())
	assert.Empty(t, rec.Header().Get("Content-Type"))
}

func TestMirrorUploadStreamResolveFailureEmitsError(t *testing.T) {
	tb := newFakeTorbox()
	tb.failLinks[1] = &torbox.APIError{StatusCode: http.StatusForbidden, Code: "BAD_TOKEN", Detail: "invalid token"}

	svc := NewService(fastConfig(), tb, newFakeUploader(nil), nil, nil)
	rec := httptest.NewRecorder()
	em := sse.NewEmitter(rec)

	_, err := svc.MirrorUploadStream(context.Background(), threeFileRequest(), em)
	require.ErrorIs(t, err, ErrNoLinks)

	events := decodeEvents(t, rec.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, sse.TypeError, events[0].Type)

	_, err = Follow(context.Background(), strings.NewReader(rec.Body.String()), nil, nil)
	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Contains(t, streamErr.Message, "failed to resolve download links")

	activity := svc.GetActivity(0)
	require.Len(t, activity, 1)
	assert.Equal(t, OpMirrorStream, activity[0].Operation)
	assert.Equal(t, 3, activity[0].Failed)
}

func TestMirrorUploadStreamDropsUnresolvedItems(t *testing.T) {
	tb := newFakeTorbox()
	tb.failLinks[2] = &torbox.APIError{StatusCode: http.StatusNotFound, Code: "ITEM_NOT_FOUND"}

	svc := NewService(fastConfig(), tb, newFakeUploader(nil), nil, nil)
	rec := httptest.NewRecorder()

	res, err := svc.MirrorUploadStream(context.Background(), MirrorRequest{
		APIKey:        "token",
		SelectedItems: &transfer.Selection{Items: []int64{1, 2}},
		Credentials:   MultiupCredentials{Username: "u", Password: "p"},
	}, sse.NewEmitter(rec))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	require.Len(t, res.Unresolved, 1)
	assert.Equal(t, "Item 2", res.Unresolved[0].Name)

	events := decodeEvents(t, rec.Body.String())
	var first sse.ProgressData
	require.NoError(t, events[0].Decode(&first))
	assert.Equal(t, 1, first.Total)
}

func TestMirrorUploadStreamStopsWhenClientLeaves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	up := newFakeUploader(func(string) error {
		cancel()
		return nil
	})

	cfg := fastConfig()
	cfg.Concurrency = 1
	svc := NewService(cfg, newFakeTorbox(), up, nil, nil)
	rec := httptest.NewRecorder()
	em := sse.NewEmitter(rec)

	res, err := svc.MirrorUploadStream(ctx, threeFileRequest(), em)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.True(t, res.Cancelled)
	assert.Equal(t, sse.StateClosed, em.State())

	for _, ev := range decodeEvents(t, rec.Body.String()) {
		assert.NotEqual(t, sse.TypeComplete, ev.Type)
	}
}

func TestMirrorUploadAbortsAfterFailedChunk(t *testing.T) {
	up := newFakeUploader(func(name string) error {
		if name == "e02.mkv" {
			return &multiup.UploadError{StatusCode: http.StatusOK, Message: "Invalid link"}
		}
		return nil
	})

	cfg := fastConfig()
	cfg.Concurrency = 1
	history := &recordingHistory{}
	svc := NewService(cfg, newFakeTorbox(), up, history, nil)

	res, err := svc.MirrorUpload(context.Background(), threeFileRequest())
	require.NoError(t, err)

	assert.True(t, res.Aborted)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, up.attemptsFor("e02.mkv"), "permanent upload errors are not retried")
	assert.Equal(t, 0, up.attemptsFor("e03.mkv"))
	assert.Equal(t, []string{"e01.mkv"}, history.names())

	require.Len(t, res.UploadedLinks, 1)
	assert.Equal(t, "https://dl.torbox.app/1/10", res.UploadedLinks[0].OriginalURL)
}

func TestMirrorUploadRetriesWithFixedDelay(t *testing.T) {
	up := newFakeUploader(func(string) error {
		return errors.New("connection reset by peer")
	})

	svc := NewService(fastConfig(), newFakeTorbox(), up, nil, nil)
	res, err := svc.MirrorUpload(context.Background(), MirrorRequest{
		APIKey:        "token",
		SelectedItems: &transfer.Selection{Items: []int64{7}},
		Credentials:   MultiupCredentials{Username: "u", Password: "p"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, up.attemptsFor("Item 7"))
	assert.Equal(t, 1, res.Failed)
}

func TestFollowStreamWithoutTerminalEvent(t *testing.T) {
	body := "data: {\"type\":\"progress\",\"data\":{\"current\":0,\"total\":1}}\n\n" +
		"data: {\"type\":\"fileSuccess\",\"data\":{\"index\":0,\"name\":\"a.bin\",\"link\":\"https://multiup.io/a\"}}\n\n"

	history := &recordingHistory{}
	var seen []sse.Type
	state, err := Follow(context.Background(), strings.NewReader(body), history, func(ev sse.Event, _ *FollowState) {
		seen = append(seen, ev.Type)
	})
	require.ErrorIs(t, err, ErrStreamTruncated)
	assert.Equal(t, []sse.Type{sse.TypeProgress, sse.TypeFileSuccess}, seen)
	assert.Equal(t, []string{"a.bin"}, history.names())
	assert.Len(t, state.Uploaded, 1)
}

func TestFollowSkipsMalformedEvents(t *testing.T) {
	body := "data: nope\n\n" +
		"data: {\"type\":\"fileSuccess\",\"data\":{\"index\":\"x\"}}\n\n" +
		"data: {\"type\":\"complete\",\"data\":{\"uploadedLinks\":[],\"failedFiles\":[],\"total\":0}}\n\n"

	history := &recordingHistory{err: errors.New("disk full")}
	state, err := Follow(context.Background(), strings.NewReader(body), history, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, state.Malformed)
	require.NotNil(t, state.Complete)
	assert.Equal(t, 0, state.HistoryErrors)
}

func TestOpenStreamReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, StreamPath, r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"credentials.username is required"}`))
	}))
	defer srv.Close()

	_, err := OpenStream(context.Background(), srv.Client(), srv.URL, threeFileRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials.username is required")
}

func TestConfigFromDomain(t *testing.T) {
	cfg := ConfigFromDomain(&domain.Config{
		BulkConcurrency:     5,
		MirrorSpacingMs:     500,
		DownloadMaxAttempts: 4,
		MirrorMaxAttempts:   7,
		MirrorBaseDelayMs:   250,
		MirrorBackoff:       "fixed",
	})

	assert.Equal(t, 5, cfg.Concurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.MirrorSpacing)
	assert.Equal(t, 4, cfg.DownloadPolicy.MaxAttempts)
	assert.Equal(t, 4, cfg.DeletePolicy.MaxAttempts)
	assert.Equal(t, 7, cfg.MirrorStreamPolicy.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.MirrorStreamPolicy.BaseDelay)
	assert.Equal(t, transfer.BackoffFixed, cfg.MirrorStreamPolicy.Backoff)
	assert.Equal(t, 3, cfg.MirrorPolicy.MaxAttempts, "JSON mirror policy is not configurable")
	assert.Equal(t, 30*time.Second, cfg.DownloadPolicy.AttemptTimeout)

	bad := ConfigFromDomain(&domain.Config{MirrorBackoff: "quadratic"})
	assert.Equal(t, transfer.BackoffExponential, bad.MirrorStreamPolicy.Backoff)
	assert.Equal(t, DefaultConfig().Concurrency, ConfigFromDomain(nil).Concurrency)
}

func TestActivityIsCapped(t *testing.T) {
	cfg := fastConfig()
	cfg.ActivitySize = 2
	svc := NewService(cfg, newFakeTorbox(), nil, nil, nil)

	for i := 1; i <= 3; i++ {
		_, err := svc.Delete(context.Background(), DeleteRequest{APIKey: "k", SelectedItems: &transfer.Selection{Items: []int64{int64(i)}}})
		require.NoError(t, err)
	}

	runs := svc.GetActivity(0)
	require.Len(t, runs, 2)
	assert.Len(t, svc.GetActivity(1), 1)

	svc.UpdateConfig(Config{ActivitySize: 1})
	assert.Len(t, svc.GetActivity(0), 1)
	assert.Equal(t, DefaultConfig().Concurrency, svc.Config().Concurrency)
}
