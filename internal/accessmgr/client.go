package accessmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"relaytun/internal/wire"
)

// Client is the HTTP implementation of Manager, talking to an external
// access manager over the API of spec.md §6. Built on
// github.com/hashicorp/go-retryablehttp so transient network errors during
// sync/status calls are retried per spec.md §7 "logged and retried at the
// next interval" without the Session having to reimplement backoff.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
	logger  *zap.Logger
}

// NewClient builds a Client against baseURL (e.g. "https://manager.internal").
func NewClient(baseURL string, logger *zap.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	if logger != nil {
		rc.Logger = retryableLogAdapter{logger}
	} else {
		rc.Logger = nil
	}
	return &Client{baseURL: baseURL, http: rc, logger: logger}
}

// retryableLogAdapter satisfies retryablehttp.LeveledLogger with zap.
type retryableLogAdapter struct{ l *zap.Logger }

func (a retryableLogAdapter) Error(msg string, kv ...interface{}) { a.l.Sugar().Errorw(msg, kv...) }
func (a retryableLogAdapter) Info(msg string, kv ...interface{})  { a.l.Sugar().Infow(msg, kv...) }
func (a retryableLogAdapter) Debug(msg string, kv ...interface{}) { a.l.Sugar().Debugw(msg, kv...) }
func (a retryableLogAdapter) Warn(msg string, kv ...interface{})  { a.l.Sugar().Warnw(msg, kv...) }

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("accessmgr: marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("accessmgr: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("accessmgr: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("accessmgr: read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr ApiError
		if jsonErr := json.Unmarshal(respBody, &apiErr); jsonErr == nil && apiErr.Message != "" {
			return &apiErr
		}
		return fmt.Errorf("accessmgr: %s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("accessmgr: decode response: %w", err)
	}
	return nil
}

func (c *Client) Configure(ctx context.Context, info ServerInfo) (ServerConfig, error) {
	var out ServerConfig
	err := c.doJSON(ctx, http.MethodPost, "/configure", info, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context, status ServerStatus) (ServerCommand, error) {
	var out ServerCommand
	err := c.doJSON(ctx, http.MethodPost, "/status", status, &out)
	return out, err
}

func (c *Client) SessionCreate(ctx context.Context, req SessionRequestEx) (SessionResponseEx, error) {
	var out SessionResponseEx
	err := c.doJSON(ctx, http.MethodPost, "/sessions", req, &out)
	return out, err
}

func (c *Client) SessionGet(ctx context.Context, sessionID uint64, hostEndPoint, clientIP string) (SessionResponseEx, error) {
	q := url.Values{}
	if hostEndPoint != "" {
		q.Set("hostEndPoint", hostEndPoint)
	}
	if clientIP != "" {
		q.Set("clientIp", clientIP)
	}
	path := fmt.Sprintf("/sessions/%d", sessionID)
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out SessionResponseEx
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) SessionAddUsage(ctx context.Context, sessionID uint64, usage wire.Traffic, closeSession bool) (SessionResponseBase, error) {
	path := fmt.Sprintf("/sessions/%d/usage?closeSession=%t", sessionID, closeSession)
	var out SessionResponseBase
	err := c.doJSON(ctx, http.MethodPost, path, usage, &out)
	return out, err
}

func (c *Client) Certificate(ctx context.Context, hostEndPoint string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/certificates/"+url.PathEscape(hostEndPoint), nil)
	if err != nil {
		return nil, fmt.Errorf("accessmgr: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("accessmgr: certificate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("accessmgr: certificate: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

var _ Manager = (*Client)(nil)
