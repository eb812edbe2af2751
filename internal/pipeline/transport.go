// Package pipeline authenticates outgoing HTTP requests: bearer attachment, proactive
// and reactive token refresh, and escalation of terminal auth failures.
package pipeline

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/and161185/market-client/internal/expiry"
)

// Session is the read side of the session store used per request.
type Session interface {
	AccessToken() string
	RefreshToken() string
	IsTokenNearExpiry() bool
}

// Refresher yields a fresh access token; implemented by *refresh.Coordinator.
// RefreshStale refreshes only while the session still holds stale.
type Refresher interface {
	RefreshStale(ctx context.Context, stale string) (string, error)
}

// Transport is an http.RoundTripper implementing the authenticated request pipeline.
type Transport struct {
	base   http.RoundTripper
	sess   Session
	coord  Refresher
	esc    *Escalator
	exempt Exemptions
	log    *zap.Logger
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithBase sets the underlying RoundTripper (default http.DefaultTransport).
func WithBase(rt http.RoundTripper) TransportOption { return func(t *Transport) { t.base = rt } }

// WithExemptions replaces the exempt path classification.
func WithExemptions(e Exemptions) TransportOption { return func(t *Transport) { t.exempt = e } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) TransportOption { return func(t *Transport) { t.log = l } }

// NewTransport constructs a Transport. refreshPath is the backend refresh endpoint,
// always exempt.
func NewTransport(sess Session, coord Refresher, esc *Escalator, refreshPath string, opts ...TransportOption) *Transport {
	t := &Transport{
		base:   http.DefaultTransport,
		sess:   sess,
		coord:  coord,
		esc:    esc,
		exempt: Exemptions{Public: DefaultPublicPaths, RefreshPath: refreshPath},
		log:    zap.NewNop(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// RoundTrip implements http.RoundTripper. Only the proactive refresh and a single
// refresh-then-retry are recovered here; every other outcome reaches the caller.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.GetBody != nil && req.Body != nil && req.Body != http.NoBody {
		// copies from GetBody are sent instead
		defer req.Body.Close()
	}
	if t.exempt.Exempt(req.URL.Path) {
		return t.send(req, t.sess.AccessToken())
	}

	req, err := replayable(req)
	if err != nil {
		return nil, err
	}
	ctx := req.Context()

	used := t.sess.AccessToken()
	if used != "" && t.sess.RefreshToken() != "" && t.sess.IsTokenNearExpiry() {
		t.log.Debug("access token near expiry, refreshing", zap.String("path", req.URL.Path))
		if used, err = t.coord.RefreshStale(ctx, used); err != nil {
			return nil, err
		}
	}

	resp, err := t.send(req, used)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return t.unauthorized(req, resp, used)
	case http.StatusForbidden:
		t.forbidden(ctx, resp)
	}
	return resp, nil
}

// unauthorized performs at most one refresh-and-retry cycle.
func (t *Transport) unauthorized(req *http.Request, resp *http.Response, used string) (*http.Response, error) {
	ctx := req.Context()
	if t.sess.RefreshToken() == "" {
		t.esc.Teardown(ctx, expiry.ReasonUnauthorized, "", used)
		return resp, nil
	}
	drain(resp)

	// reuses a token another request already obtained
	token, err := t.coord.RefreshStale(ctx, used)
	if err != nil {
		return nil, err
	}

	retry, err := t.send(req, token)
	if err != nil {
		return nil, err
	}
	switch retry.StatusCode {
	case http.StatusUnauthorized:
		t.log.Warn("request rejected after refresh", zap.String("path", req.URL.Path))
		t.esc.Teardown(ctx, expiry.ReasonUnauthorized, "", token)
	case http.StatusForbidden:
		t.forbidden(ctx, retry)
	}
	return retry, nil
}

// forbidden escalates only when the backend marked the 403 as a forced logout.
func (t *Transport) forbidden(ctx context.Context, resp *http.Response) {
	if forceLogoutMarked(resp) {
		t.esc.Teardown(ctx, expiry.ReasonForbidden, "", "")
	}
}

// send dispatches a copy of req carrying token.
func (t *Transport) send(req *http.Request, token string) (*http.Response, error) {
	r := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = body
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return t.base.RoundTrip(r)
}

// replayable returns req with a body that can be sent twice.
func replayable(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return req, nil
	}
	b, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, err
	}
	r := req.Clone(req.Context())
	r.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(b)), nil }
	r.Body, _ = r.GetBody()
	return r, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxMarkerBody))
	_ = resp.Body.Close()
}
