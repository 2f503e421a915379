// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/autobrr/torbox-manager/internal/api/openapi"
	"github.com/autobrr/torbox-manager/internal/config"
	"github.com/autobrr/torbox-manager/internal/database"
	"github.com/autobrr/torbox-manager/internal/domain"
	"github.com/autobrr/torbox-manager/internal/kv"
	"github.com/autobrr/torbox-manager/internal/models"
	"github.com/autobrr/torbox-manager/internal/services/bulk"
	"github.com/autobrr/torbox-manager/internal/services/multiup"
	"github.com/autobrr/torbox-manager/internal/services/torbox"
	"github.com/autobrr/torbox-manager/internal/sse"
	"github.com/autobrr/torbox-manager/internal/transfer"
)

type routeKey struct {
	Method string
	Path   string
}

var undocumentedRoutes = map[routeKey]struct{}{}

func TestAllEndpointsDocumented(t *testing.T) {
	server := NewServer(newTestDependencies(t))
	router, err := server.Handler()
	require.NoError(t, err)

	actualRoutes := collectRouterRoutes(t, router)
	documentedRoutes := loadDocumentedRoutes(t)

	undocumented := diffRoutes(actualRoutes, documentedRoutes)
	if len(undocumented) > 0 {
		t.Fatalf("found %d undocumented API endpoints:\n%s", len(undocumented), formatRoutes(undocumented))
	}

	missingHandlers := diffRoutes(documentedRoutes, actualRoutes)
	if len(missingHandlers) > 0 {
		t.Fatalf("found %d documented endpoints without handlers:\n%s", len(missingHandlers), formatRoutes(missingHandlers))
	}

	t.Logf("checked %d API routes registered in chi", len(actualRoutes))
	t.Logf("OpenAPI spec documents %d API routes", len(documentedRoutes))
}

type stubTorbox struct {
	mu       sync.Mutex
	items    []torbox.Item
	deleted  []int64
	controls []string
	kinds    []transfer.AssetKind
}

func (s *stubTorbox) record(kind transfer.AssetKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds = append(s.kinds, kind)
}

func (s *stubTorbox) seenKinds() []transfer.AssetKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transfer.AssetKind(nil), s.kinds...)
}

func (s *stubTorbox) RequestDownloadLink(_ context.Context, _ string, kind transfer.AssetKind, itemID int64, fileID *int64) (string, error) {
	s.record(kind)
	if fileID != nil {
		return fmt.Sprintf("https://dl.torbox.test/%d/%d", itemID, *fileID), nil
	}
	return fmt.Sprintf("https://dl.torbox.test/%d", itemID), nil
}

func (s *stubTorbox) Delete(_ context.Context, _ string, kind transfer.AssetKind, itemID int64) error {
	s.record(kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, itemID)
	return nil
}

func (s *stubTorbox) Control(_ context.Context, _ string, _ transfer.AssetKind, itemID int64, operation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls = append(s.controls, fmt.Sprintf("%d:%s", itemID, operation))
	return nil
}

func (s *stubTorbox) List(_ context.Context, _ string, _ transfer.AssetKind) ([]torbox.Item, error) {
	return s.items, nil
}

type stubUploader struct{}

func (stubUploader) Upload(_ context.Context, req multiup.Request) (multiup.Response, error) {
	return multiup.Response{Link: "https://multiup.test/" + req.FileName, Size: 42}, nil
}

type testEnv struct {
	deps    *Dependencies
	torbox  *stubTorbox
	history *models.HistoryStore
	router  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	credentialStore, err := models.NewCredentialStore(db, bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	tb := &stubTorbox{items: []torbox.Item{{ID: 1, Name: "Show", Files: []torbox.File{{ID: 10, Name: "e01.mkv"}}}}}
	history := models.NewHistoryStore(db, models.DefaultHistoryLimit)

	cfg := bulk.DefaultConfig()
	cfg.MirrorSpacing = 0
	cfg.MirrorStreamPolicy.BaseDelay = 0
	service := bulk.NewService(cfg, tb, stubUploader{}, history, nil)

	deps := &Dependencies{
		Config: &config.AppConfig{
			Config: &domain.Config{
				BaseURL: "/",
			},
		},
		Version:          "test",
		DB:               db,
		BulkService:      service,
		Assets:           tb,
		HistoryStore:     history,
		PreferencesStore: models.NewPreferencesStore(kv.NewMemoryStore()),
		CredentialStore:  credentialStore,
	}

	router, err := NewServer(deps).Handler()
	require.NoError(t, err)

	return &testEnv{deps: deps, torbox: tb, history: history, router: router}
}

func newTestDependencies(t *testing.T) *Dependencies {
	t.Helper()
	return newTestEnv(t).deps
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func mirrorBody() map[string]any {
	return map[string]any{
		"apiKey":        "key",
		"activeType":    "torrents",
		"selectedItems": map[string]any{"items": []int64{}, "files": [][]any{{1, []int64{10}}}},
		"credentials":   map[string]string{"username": "user", "password": "pass"},
		"items":         []map[string]any{{"id": 1, "name": "Show", "files": []map[string]any{{"id": 10, "name": "e01.mkv"}}}},
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = env.do(t, http.MethodGet, "/healthz/readiness", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMirrorStreamValidationIsPlainJSON(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name  string
		drop  string
		field string
	}{
		{name: "missing selection", drop: "selectedItems", field: "selectedItems"},
		{name: "missing credentials", drop: "credentials", field: "credentials.username"},
		{name: "missing api key", drop: "apiKey", field: "apiKey"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := mirrorBody()
			delete(body, tt.drop)

			rec := env.do(t, http.MethodPost, "/api/bulk/mirror-upload/stream", body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Contains(t, rec.Body.String(), tt.field)
		})
	}
}

func TestMirrorStreamEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/bulk/mirror-upload/stream", mirrorBody())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get("Content-Encoding"))

	state, err := bulk.Follow(context.Background(), rec.Body, env.history, nil)
	require.NoError(t, err)
	require.NotNil(t, state.Complete)
	assert.Equal(t, 1, state.Complete.Total)
	require.Len(t, state.Uploaded, 1)
	assert.Equal(t, "https://multiup.test/e01.mkv", state.Uploaded[0].Link)

	entries, err := env.history.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "https://dl.torbox.test/1/10", entries[0].OriginalURL)
}

func TestMirrorStreamEventsAreWholeLines(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/bulk/mirror-upload/stream", mirrorBody())
	require.Equal(t, http.StatusOK, rec.Code)

	for _, line := range strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n") {
		require.True(t, strings.HasPrefix(line, "data: "), line)
		var wire struct {
			Type sse.Type        `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &wire), line)
		assert.True(t, wire.Type.Valid(), line)
		require.NotEmpty(t, wire.Data, line)
		assert.Equal(t, byte('{'), wire.Data[0], line)
	}

	dec := sse.NewDecoder(rec.Body)
	var types []sse.Type
	for {
		ev, err := dec.Next()
		if err != nil {
			break
		}
		types = append(types, ev.Type)
	}
	require.NotEmpty(t, types)
	assert.Equal(t, sse.TypeProgress, types[0])
	assert.Equal(t, sse.TypeComplete, types[len(types)-1])
}

func TestMirrorStreamHonoursActiveType(t *testing.T) {
	tests := []struct {
		name  string
		field string
		want  transfer.AssetKind
	}{
		{name: "usenet", field: `"activeType":"usenet"`, want: transfer.AssetUsenet},
		{name: "webdl", field: `"activeType":"webdl"`, want: transfer.AssetWebDL},
		{name: "legacy assetType", field: `"assetType":"usenet"`, want: transfer.AssetUsenet},
		{name: "absent", field: `"apiKey":"key"`, want: transfer.AssetTorrents},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			body := json.RawMessage(`{"apiKey":"key",` + tt.field + `,` +
				`"selectedItems":{"items":[1],"files":[]},` +
				`"credentials":{"username":"user","password":"pass"}}`)
			rec := env.do(t, http.MethodPost, "/api/bulk/mirror-upload/stream", body)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			state, err := bulk.Follow(context.Background(), rec.Body, nil, nil)
			require.NoError(t, err)
			require.NotNil(t, state.Complete)
			assert.Len(t, state.Complete.UploadedLinks, 1)

			kinds := env.torbox.seenKinds()
			require.NotEmpty(t, kinds)
			for _, kind := range kinds {
				assert.Equal(t, tt.want, kind)
			}
		})
	}
}

func TestBulkDeleteRoute(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/bulk/delete", map[string]any{
		"apiKey":        "key",
		"activeType":    "usenet",
		"selectedItems": map[string]any{"items": []int64{4, 5}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		Total     int `json:"total"`
		Succeeded int `json:"succeeded"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Succeeded)
	assert.ElementsMatch(t, []int64{4, 5}, env.torbox.deleted)
	assert.Equal(t, []transfer.AssetKind{transfer.AssetUsenet, transfer.AssetUsenet}, env.torbox.seenKinds())

	rec = env.do(t, http.MethodGet, "/api/bulk/activity", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"operation":"delete"`)
}

func TestAssetRoutesUseStoredKey(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/assets/torrents", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/credentials", map[string]string{"apiKey": "stored-key"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "stored-key")

	rec = env.do(t, http.MethodGet, "/api/assets/torrents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "e01.mkv")

	rec = env.do(t, http.MethodGet, "/api/assets/torrents/1/link?fileId=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://dl.torbox.test/1/10")

	rec = env.do(t, http.MethodGet, "/api/assets/nope", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/assets/torrents/1/control", map[string]string{"operation": "pause"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/assets/torrents/1/control", map[string]string{"operation": "explode"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []string{"1:pause"}, env.torbox.controls)
}

func TestHistoryRoutes(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/history", map[string]any{"url": "https://multiup.test/a", "fileName": "a.mkv", "size": 10})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created models.HistoryEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rec = env.do(t, http.MethodPost, "/api/history", map[string]any{"url": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "a.mkv")

	rec = env.do(t, http.MethodDelete, "/api/history/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/history/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":0}`, rec.Body.String())
}

func TestPreferencesRoutes(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/preferences", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"viewMode":"table"`)

	rec = env.do(t, http.MethodPut, "/api/preferences", map[string]any{"viewMode": "card", "activeType": "webdl"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/preferences", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"viewMode":"card"`)
	assert.Contains(t, rec.Body.String(), `"activeType":"webdl"`)

	rec = env.do(t, http.MethodPut, "/api/preferences", map[string]any{"viewMode": "grid"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOpenAPIDocumentIsServed(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/openapi.yaml", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "openapi:"))
}

func collectRouterRoutes(t *testing.T, r chi.Routes) map[routeKey]struct{} {
	t.Helper()

	routes := make(map[routeKey]struct{})
	err := chi.Walk(r, func(method string, path string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		method = strings.ToUpper(method)
		if !isComparableMethod(method) {
			return nil
		}

		normalizedPath, ok := normalizeRoutePath(path)
		if !ok {
			return nil
		}

		route := routeKey{Method: method, Path: normalizedPath}
		if _, skip := undocumentedRoutes[route]; skip {
			return nil
		}

		routes[route] = struct{}{}
		return nil
	})
	require.NoError(t, err)

	return routes
}

func loadDocumentedRoutes(t *testing.T) map[routeKey]struct{} {
	t.Helper()

	specBytes, err := openapi.GetOpenAPISpec()
	require.NoError(t, err)
	require.NotEmpty(t, specBytes, "OpenAPI spec should be embedded")

	var spec map[string]any
	require.NoError(t, yaml.Unmarshal(specBytes, &spec))

	pathsNode, ok := spec["paths"].(map[string]any)
	require.True(t, ok, "OpenAPI spec missing paths section")

	routes := make(map[routeKey]struct{})

	for path, pathItem := range pathsNode {
		normalizedPath, ok := normalizeRoutePath(path)
		if !ok {
			continue
		}

		methods, ok := pathItem.(map[string]any)
		if !ok {
			continue
		}

		for method := range methods {
			upperMethod := strings.ToUpper(method)
			if !isComparableMethod(upperMethod) {
				continue
			}

			routes[routeKey{Method: upperMethod, Path: normalizedPath}] = struct{}{}
		}
	}

	return routes
}

func normalizeRoutePath(path string) (string, bool) {
	if path == "" {
		return "", false
	}

	if strings.Contains(path, "/*") {
		return "", false
	}

	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}

	if !strings.HasPrefix(path, "/api") && !strings.HasPrefix(path, "/health") {
		return "", false
	}

	path = strings.ReplaceAll(path, "{itemID}", "{itemId}")

	return path, true
}

func isComparableMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func diffRoutes(left, right map[routeKey]struct{}) []routeKey {
	diff := make([]routeKey, 0)
	for route := range left {
		if _, exists := right[route]; !exists {
			diff = append(diff, route)
		}
	}

	sort.Slice(diff, func(i, j int) bool {
		if diff[i].Path == diff[j].Path {
			return diff[i].Method < diff[j].Method
		}
		return diff[i].Path < diff[j].Path
	})

	return diff
}

func formatRoutes(routes []routeKey) string {
	lines := make([]string, len(routes))
	for i, route := range routes {
		lines[i] = fmt.Sprintf("%s %s", route.Method, route.Path)
	}
	return strings.Join(lines, "\n")
}
