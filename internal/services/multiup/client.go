// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package multiup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/autobrr/torbox-manager/internal/buildinfo"
	"github.com/autobrr/torbox-manager/internal/transfer"
)

const (
	DefaultBaseURL = "https://multiup.io/api"

	remoteUploadPath = "/remote-upload"
	successMarker    = "success"
	defaultTimeout   = 5 * time.Minute
)

// PermanentErrors lists Multiup failures that are not worth retrying.
var PermanentErrors = transfer.ClassifierTable{
	Details: []string{
		"invalid username",
		"invalid password",
		"bad credentials",
		"login",
		"account",
		"invalid link",
	},
}

// UploadError carries Multiup's error string for a rejected remote upload.
type UploadError struct {
	StatusCode int
	Message    string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("multiup: %s", e.Message)
}

func (e *UploadError) Is(target error) bool {
	_, ok := target.(*UploadError)
	return ok
}

func (e *UploadError) ErrorCode() string   { return "" }
func (e *UploadError) ErrorDetail() string { return e.Message }

type Request struct {
	Link     string
	Username string
	Password string
	FileName string
}

type Response struct {
	Link  string `json:"link"`
	Size  int64  `json:"size"`
	Error string `json:"error"`
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client submits remote uploads: Multiup fetches the source URL itself.
type Client struct {
	baseURL    string
	httpClient *http.Client
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

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: cfg.HTTPClient,
	}
}

// Upload asks Multiup to mirror req.Link. Only error == "success" counts as success.
func (c *Client) Upload(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Link) == "" {
		return Response{}, transfer.Permanent(errors.New("multiup: link is required"))
	}

	form := url.Values{}
	form.Set("link", req.Link)
	form.Set("username", req.Username)
	form.Set("password", req.Password)
	if req.FileName != "" {
		form.Set("fileName", req.FileName)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+remoteUploadPath, strings.NewReader(form.Encode()))
	if err != nil {
		return Response{}, errors.Wrap(err, "build multiup request")
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, errors.Wrap(err, "multiup remote upload")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, errors.Wrap(err, "read multiup response")
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return Response{}, &UploadError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return Response{}, errors.Wrap(err, "decode multiup response")
	}

	if !strings.EqualFold(strings.TrimSpace(out.Error), successMarker) {
		msg := strings.TrimSpace(out.Error)
		if msg == "" {
			msg = fmt.Sprintf("upload failed with status %d", resp.StatusCode)
		}
		return out, &UploadError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out.Link == "" {
		return out, &UploadError{StatusCode: resp.StatusCode, Message: "response did not include a link"}
	}

	return out, nil
}
