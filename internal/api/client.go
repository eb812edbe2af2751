// Package api is the JSON client for the marketplace REST API. Non-2xx responses
// become *errs.APIError; authentication is handled by the transport underneath.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/and161185/market-client/internal/errs"
)

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 << 10

// Client sends JSON requests relative to a base URL.
type Client struct {
	base *url.URL
	hc   *http.Client
}

// New returns a Client for baseURL. hc carries the authenticating transport.
func New(baseURL string, hc *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("api: base url: %w", err)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: u, hc: hc}, nil
}

// URL resolves path against the base URL.
func (c *Client) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.base.String() + "/" + strings.TrimLeft(path, "/")
}

// Get decodes the JSON response of GET path into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// Post sends in as JSON and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	return c.Do(ctx, http.MethodPost, path, in, out)
}

// Do sends a JSON request. in and out may be nil.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}
	resp, err := c.Raw(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ErrorFromResponse(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("api: decode %s %s: %w", method, path, err)
	}
	return nil
}

// RequestOption adjusts an outgoing request.
type RequestOption func(*http.Request)

// WithHeader sets a request header.
func WithHeader(key, value string) RequestOption {
	return func(r *http.Request) { r.Header.Set(key, value) }
}

// Raw sends a request and returns the response whatever its status.
// Transport failures are reported as errs.ErrNetworkUnavailable unless they
// come from the caller's context or the auth pipeline.
func (c *Client) Raw(ctx context.Context, method, path string, body io.Reader, opts ...RequestOption) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.URL(path), body)
	if err != nil {
		return nil, fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, o := range opts {
		o(req)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, method, path, err)
	}
	return resp, nil
}

func classifyTransportError(ctx context.Context, method, path string, err error) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("api: %s %s: %w", method, path, ctx.Err())
	case errors.Is(err, errs.ErrRefreshExhausted), errors.Is(err, errs.ErrSessionExpired):
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	return fmt.Errorf("api: %s %s: %w: %w", method, path, errs.ErrNetworkUnavailable, err)
}

// errorBody is the backend's error envelope.
type errorBody struct {
	Message string            `json:"message"`
	Error   string            `json:"error"`
	Errors  map[string]string `json:"errors"`
}

// ErrorFromResponse builds an *errs.APIError from a non-2xx response. It reads
// but does not close the body.
func ErrorFromResponse(resp *http.Response) error {
	e := &errs.APIError{Status: resp.StatusCode}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var eb errorBody
	if json.Unmarshal(b, &eb) == nil {
		e.Message = eb.Message
		if e.Message == "" {
			e.Message = eb.Error
		}
		e.Fields = eb.Errors
	} else if s := strings.TrimSpace(string(b)); s != "" && len(s) < 256 {
		e.Message = s
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}
	return e
}
