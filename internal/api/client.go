// Package api is the client side of the trend analysis REST API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/leonardcser/pulse-edge/internal/logger"
	"github.com/leonardcser/pulse-edge/internal/retry"
)

const maxResponseSize = 4 * 1024 * 1024

// SessionSource supplies the bearer token of the signed-in user. An empty
// token sends the request unauthenticated.
type SessionSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a SessionSource that always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.Code, http.StatusText(e.Code))
}

type Options struct {
	HTTPClient *http.Client
	Session    SessionSource
	// Retry configures GetJSON. Zero values take the retry package defaults.
	Retry retry.Options
}

type Client struct {
	base    string
	http    *http.Client
	session SessionSource
	retry   retry.Options
}

// NewClient returns a client for the API rooted at baseURL, for example the
// value of config.Config.APIBaseURL.
func NewClient(baseURL string, opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		base:    strings.TrimRight(baseURL, "/"),
		http:    hc,
		session: opts.Session,
		retry:   opts.Retry,
	}
}

func (c *Client) BaseURL() string { return c.base }

// GetJSON fetches path and decodes the JSON body into out, retrying failed
// attempts with exponential backoff.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	opts := c.retry
	opts.ExponentialBackoff = true
	r := retry.New(func(ctx context.Context) ([]byte, error) {
		return c.get(ctx, path)
	}, opts)
	body, err := r.Execute(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	u := c.base + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.session != nil {
		tok, err := c.session.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("session token: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		logger.Warnf("api: GET %s: %v", u, err)
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		logger.Warnf("api: GET %s: status %d", u, resp.StatusCode)
		return nil, &StatusError{Method: http.MethodGet, URL: u, Code: resp.StatusCode}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
}
