// Package api is the client for the receipts backend HTTP contract and for
// direct writes to presigned storage URLs.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"receiptflow/internal/core"
	applog "receiptflow/internal/log"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

type Config struct {
	BaseURL   string
	Timeout   time.Duration
	CacheSize int
	CacheTTL  time.Duration
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	// terminal records never change, so they are served from cache
	terminal *expirable.LRU[string, core.ProcessingRecord]
	logger   *applog.Logger
	now      func() time.Time
}

type (
	// FileMeta describes a file for which a presigned slot is requested.
	FileMeta struct {
		Name        string
		ContentType string
		Size        int64
	}

	ConfirmResponse struct {
		Message          string                  `json:"message"`
		Receipts         []core.ProcessingRecord `json:"receipts"`
		TotalUploaded    int                     `json:"total_uploaded"`
		RemainingUploads *int                    `json:"remaining_uploads,omitempty"`
		SignupPrompt     string                  `json:"signup_prompt,omitempty"`
	}

	AnonymousList struct {
		Data             []core.ProcessingRecord `json:"data"`
		RemainingUploads int                     `json:"remaining_uploads"`
		TotalCount       int                     `json:"total_count"`
	}

	presignRequest struct {
		Filename    string `json:"filename"`
		ContentType string `json:"content_type"`
		FileSize    int64  `json:"file_size"`
		SessionID   string `json:"session_id,omitempty"`
	}

	confirmRequest struct {
		Files     []core.ConfirmedFile `json:"files"`
		SessionID string               `json:"session_id,omitempty"`
	}

	errorBody struct {
		Message string              `json:"message"`
		Errors  map[string][]string `json:"errors"`
	}
)

func New(cfg Config, logger *applog.Logger) *Client {
	size := cfg.CacheSize
	if size <= 0 {
		size = 256
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: newHTTPClientWithPooling(timeout, logger),
		terminal:   expirable.NewLRU[string, core.ProcessingRecord](size, nil, cfg.CacheTTL),
		logger:     logger.WithComponent(applog.ComponentHTTP),
		now:        time.Now,
	}
}

// newHTTPClientWithPooling creates an HTTP client with connection pooling and
// keep-alive, wrapped in the logging transport
func newHTTPClientWithPooling(timeout time.Duration, logger *applog.Logger) *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Transport: applog.NewTransport(transport, logger),
		Timeout:   timeout,
	}
}

// PresignedURL asks the backend for a single-use storage write URL.
func (c *Client) PresignedURL(ctx context.Context, id core.Identity, f FileMeta) (core.PresignedSlot, error) {
	path := "/upload/presigned-url"
	body := presignRequest{Filename: f.Name, ContentType: f.ContentType, FileSize: f.Size}
	if !id.Authenticated() {
		path = "/anonymous/upload/presigned-url"
		body.SessionID = id.SessionID
	}

	var slot core.PresignedSlot
	if err := c.doJSON(ctx, applog.OpPresign, http.MethodPost, path, id, body, &slot); err != nil {
		return core.PresignedSlot{}, err
	}
	if slot.PresignedURL == "" || slot.FileKey == "" {
		return core.PresignedSlot{}, &core.ParseError{Op: applog.OpPresign, Err: errors.New("missing presigned_url or file_key")}
	}
	slot.IssuedAt = c.now()
	return slot, nil
}

// PutObject writes the raw bytes to the presigned URL. The request carries
// no credentials; the URL itself is the authorization.
func (c *Client) PutObject(ctx context.Context, slot core.PresignedSlot, contentType string, body io.Reader, size int64) error {
	if slot.Expired(c.now()) {
		return core.ErrSlotExpired
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, slot.PresignedURL, body)
	if err != nil {
		return fmt.Errorf("create storage request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if size >= 0 {
		req.ContentLength = size
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &core.NetworkError{Op: applog.OpPut, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return core.NewHTTPError(resp.StatusCode, "", nil)
	}
	return nil
}

// Confirm registers the uploaded files and returns the created records.
// A limit-reached response is returned as *core.QuotaExceededError.
func (c *Client) Confirm(ctx context.Context, id core.Identity, files []core.ConfirmedFile) (*ConfirmResponse, error) {
	path := "/upload/confirm"
	body := confirmRequest{Files: files}
	if !id.Authenticated() {
		path = "/anonymous/upload/confirm"
		body.SessionID = id.SessionID
	}

	var out ConfirmResponse
	if err := c.doJSON(ctx, applog.OpConfirm, http.MethodPost, path, id, body, &out); err != nil {
		return nil, core.AsQuotaExceeded(err)
	}
	return &out, nil
}

// Receipt returns the current state of one record.
func (c *Client) Receipt(ctx context.Context, id core.Identity, receiptID int64) (core.ProcessingRecord, error) {
	key := id.Owner() + "/" + strconv.FormatInt(receiptID, 10)
	if rec, ok := c.terminal.Get(key); ok {
		return rec, nil
	}

	path := "/receipts/" + strconv.FormatInt(receiptID, 10)
	if !id.Authenticated() {
		path = "/anonymous/receipts/" + url.PathEscape(id.SessionID) + "/" + strconv.FormatInt(receiptID, 10)
	}

	var rec core.ProcessingRecord
	if err := c.doJSON(ctx, applog.OpStatus, http.MethodGet, path, id, nil, &rec); err != nil {
		return core.ProcessingRecord{}, err
	}
	if err := rec.Status.Validate(); err != nil {
		return core.ProcessingRecord{}, &core.ParseError{Op: applog.OpStatus, Err: err}
	}
	if rec.Status.IsTerminal() {
		c.terminal.Add(key, rec)
	}
	return rec, nil
}

// ListAnonymous returns the records and counters of an anonymous session.
func (c *Client) ListAnonymous(ctx context.Context, sessionID string) (*AnonymousList, error) {
	var out AnonymousList
	path := "/anonymous/receipts/" + url.PathEscape(sessionID)
	if err := c.doJSON(ctx, applog.OpList, http.MethodGet, path, core.Identity{SessionID: sessionID}, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Usage returns the monthly usage of the authenticated account.
func (c *Client) Usage(ctx context.Context, id core.Identity) (*core.Usage, error) {
	if !id.Authenticated() {
		return nil, errors.New("usage requires an authenticated identity")
	}
	var out core.Usage
	if err := c.doJSON(ctx, applog.OpUsage, http.MethodGet, "/usage", id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, id core.Identity, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id.Authenticated() {
		req.Header.Set("Authorization", "Bearer "+id.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &core.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &core.NetworkError{Op: op, Err: err}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &core.ParseError{Op: op, Err: err}
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var eb errorBody
	// A non-JSON error body leaves the message empty, which falls back to
	// the generic status text.
	_ = json.Unmarshal(raw, &eb)
	return core.NewHTTPError(resp.StatusCode, eb.Message, eb.Errors)
}
