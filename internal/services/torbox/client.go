// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package torbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/torbox-manager/internal/buildinfo"
	"github.com/autobrr/torbox-manager/internal/transfer"
)

const (
	DefaultBaseURL = "https://api.torbox.app/v1/api"

	defaultTimeout      = 30 * time.Second
	defaultLinkCacheTTL = 10 * time.Minute
	maxResponseBytes    = 8 << 20
)

type Config struct {
	BaseURL string
	// Timeout bounds every request. Zero means 30s.
	Timeout time.Duration
	// LinkCacheTTL controls how long resolved download links are reused. Negative disables the cache.
	LinkCacheTTL time.Duration
	HTTPClient   *http.Client
}

// Client talks to the TorBox REST API. The API key is passed per call so one client
// can serve every caller.
type Client struct {
	baseURL    string
	httpClient *http.Client
	links      *ttlcache.Cache[string, string]
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.LinkCacheTTL == 0 {
		cfg.LinkCacheTTL = defaultLinkCacheTTL
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: cfg.HTTPClient,
	}
	if cfg.LinkCacheTTL > 0 {
		c.links = ttlcache.New(ttlcache.Options[string, string]{}.SetDefaultTTL(cfg.LinkCacheTTL))
	}

	return c
}

func (c *Client) Close() {
	if c.links != nil {
		c.links.Close()
	}
}

// envelope is the common TorBox response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Error   *string         `json:"error"`
	Detail  string          `json:"detail"`
	Data    json.RawMessage `json:"data"`
}

type File struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	ShortName string `json:"short_name"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimetype,omitempty"`
}

// Item is one job from a mylist response. Torrents, usenet and web downloads share this shape.
type Item struct {
	ID            int64     `json:"id"`
	Hash          string    `json:"hash,omitempty"`
	Name          string    `json:"name"`
	Size          int64     `json:"size"`
	DownloadState string    `json:"download_state,omitempty"`
	Progress      float64   `json:"progress"`
	DownloadSpeed int64     `json:"download_speed,omitempty"`
	UploadSpeed   int64     `json:"upload_speed,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	Files         []File    `json:"files"`
}

// Catalog converts list items into the shape used to name bulk tasks.
func Catalog(items []Item) transfer.Catalog {
	out := make(transfer.Catalog, 0, len(items))
	for _, it := range items {
		ci := transfer.CatalogItem{ID: it.ID, Name: it.Name, Size: it.Size}
		for _, f := range it.Files {
			ci.Files = append(ci.Files, transfer.CatalogFile{ID: f.ID, Name: f.Name, ShortName: f.ShortName, Size: f.Size})
		}
		out = append(out, ci)
	}
	return out
}

func linkCacheKey(apiKey string, kind transfer.AssetKind, itemID int64, fileID *int64) string {
	file := int64(-1)
	if fileID != nil {
		file = *fileID
	}
	return fmt.Sprintf("%x:%s:%d:%d", xxhash.Sum64String(apiKey), kind, itemID, file)
}

// RequestDownloadLink asks TorBox for a direct download URL. A nil fileID requests
// the whole item as a zip.
func (c *Client) RequestDownloadLink(ctx context.Context, apiKey string, kind transfer.AssetKind, itemID int64, fileID *int64) (string, error) {
	if !kind.Valid() {
		return "", transfer.Permanent(fmt.Errorf("torbox: unsupported asset type %d", kind))
	}

	key := linkCacheKey(apiKey, kind, itemID, fileID)
	if c.links != nil {
		if link, ok := c.links.Get(key); ok {
			return link, nil
		}
	}

	query := url.Values{}
	query.Set("token", apiKey)
	query.Set(kind.IDParam(), strconv.FormatInt(itemID, 10))
	if fileID != nil {
		query.Set("file_id", strconv.FormatInt(*fileID, 10))
	} else {
		query.Set("zip_link", "true")
	}

	var link string
	if err := c.do(ctx, http.MethodGet, kind.RequestLinkPath(), apiKey, query, nil, &link); err != nil {
		return "", err
	}
	if link == "" {
		return "", &APIError{StatusCode: http.StatusOK, Detail: "empty download link"}
	}

	if c.links != nil {
		_ = c.links.Set(key, link, ttlcache.DefaultTTL)
	}

	log.Trace().Str("kind", kind.String()).Int64("item", itemID).Msg("resolved torbox download link")
	return link, nil
}

// List returns the caller's jobs of the given kind.
func (c *Client) List(ctx context.Context, apiKey string, kind transfer.AssetKind) ([]Item, error) {
	if !kind.Valid() {
		return nil, transfer.Permanent(fmt.Errorf("torbox: unsupported asset type %d", kind))
	}

	query := url.Values{}
	query.Set("bypass_cache", "true")

	var items []Item
	if err := c.do(ctx, http.MethodGet, kind.ListPath(), apiKey, query, nil, &items); err != nil {
		return nil, err
	}
	if items == nil {
		items = []Item{}
	}
	return items, nil
}

// Control sends an operation such as "delete" for one item.
func (c *Client) Control(ctx context.Context, apiKey string, kind transfer.AssetKind, itemID int64, operation string) error {
	if !kind.Valid() {
		return transfer.Permanent(fmt.Errorf("torbox: unsupported asset type %d", kind))
	}

	body := map[string]any{
		kind.ControlIDField(): itemID,
		"operation":           operation,
	}
	return c.do(ctx, http.MethodPost, kind.ControlPath(), apiKey, nil, body, nil)
}

func (c *Client) Delete(ctx context.Context, apiKey string, kind transfer.AssetKind, itemID int64) error {
	return c.Control(ctx, apiKey, kind, itemID, "delete")
}

func (c *Client) do(ctx context.Context, method, path, apiKey string, query url.Values, body any, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode torbox request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return errors.Wrap(err, "build torbox request")
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "torbox %s %s", method, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errors.Wrap(err, "read torbox response")
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return &APIError{StatusCode: resp.StatusCode, Detail: http.StatusText(resp.StatusCode)}
		}
		return errors.Wrap(err, "decode torbox response")
	}

	if !env.Success || resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode, Detail: env.Detail}
		if env.Error != nil {
			apiErr.Code = *env.Error
		}
		if apiErr.Code == "" && apiErr.Detail == "" {
			apiErr.Detail = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errors.Wrap(err, "decode torbox data")
	}
	return nil
}
