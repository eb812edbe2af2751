// Package refresh deduplicates access-token refreshes across all concurrent requests.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/market-client/internal/errs"
	"github.com/and161185/market-client/internal/model"
)

// DefaultTimeout bounds a refresh network call when none is configured.
const DefaultTimeout = 15 * time.Second

// Refresher exchanges a refresh token at the backend.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (model.Tokens, error)
}

// Session is the slice of the session store the coordinator needs.
type Session interface {
	AccessToken() string
	RefreshState() (refreshToken string, gen uint64)
	SetTokensIf(ctx context.Context, gen uint64, t model.Tokens) (bool, error)
}

// errSuperseded fails a flight whose session was cleared while the call ran.
var errSuperseded = errors.New("session ended during refresh")

// FailureHandler tears the session down after a failed refresh.
type FailureHandler interface {
	RefreshFailed(ctx context.Context, err error)
}

// Flight is one refresh call; every caller that joins it observes the same result.
type Flight struct {
	done  chan struct{}
	token string
	err   error
}

// Wait blocks until the flight resolves or ctx ends. ctx only releases this caller.
func (f *Flight) Wait(ctx context.Context) (string, error) {
	select {
	case <-f.done:
		return f.token, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Coordinator owns the single in-flight refresh.
type Coordinator struct {
	refresher Refresher
	sess      Session
	onFail    FailureHandler
	timeout   time.Duration
	log       *zap.Logger

	mu  sync.Mutex
	cur *Flight
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout bounds each refresh call; on expiry the flight fails.
func WithTimeout(d time.Duration) Option { return func(c *Coordinator) { c.timeout = d } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Coordinator) { c.log = l } }

// WithFailureHandler sets who tears the session down when a refresh fails.
func WithFailureHandler(h FailureHandler) Option { return func(c *Coordinator) { c.onFail = h } }

// New constructs a Coordinator.
func New(r Refresher, sess Session, opts ...Option) *Coordinator {
	c := &Coordinator{refresher: r, sess: sess, timeout: DefaultTimeout, log: zap.NewNop()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetFailureHandler wires the failure handler after construction; the escalator and
// the coordinator reference each other.
func (c *Coordinator) SetFailureHandler(h FailureHandler) {
	c.mu.Lock()
	c.onFail = h
	c.mu.Unlock()
}

// acquireOrJoin returns the in-flight refresh, or starts a new one and makes the
// caller its leader. c.mu must be held. A leader must hand the flight to run.
func (c *Coordinator) acquireOrJoin() (f *Flight, leader bool) {
	if c.cur != nil {
		return c.cur, false
	}
	c.cur = &Flight{done: make(chan struct{})}
	return c.cur, true
}

// InFlight reports whether a refresh is running.
func (c *Coordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil
}

// Refresh returns a fresh access token, issuing at most one network call no matter
// how many goroutines ask concurrently.
func (c *Coordinator) Refresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	f, leader := c.acquireOrJoin()
	c.mu.Unlock()
	return c.await(ctx, f, leader)
}

// RefreshStale refreshes only if the session still holds stale: when another flight
// already replaced it, the current token is returned without a network call.
func (c *Coordinator) RefreshStale(ctx context.Context, stale string) (string, error) {
	c.mu.Lock()
	if c.cur == nil {
		// flights store their tokens before they resolve
		if tok := c.sess.AccessToken(); tok != "" && tok != stale {
			c.mu.Unlock()
			return tok, nil
		}
	}
	f, leader := c.acquireOrJoin()
	c.mu.Unlock()
	return c.await(ctx, f, leader)
}

func (c *Coordinator) await(ctx context.Context, f *Flight, leader bool) (string, error) {
	if leader {
		go c.run(f)
	}
	return f.Wait(ctx)
}

// run performs the backend call for f and releases all joiners with its result.
// The call runs detached from any caller's context, bounded by the timeout.
func (c *Coordinator) run(f *Flight) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	token, err := c.exchange(ctx)
	switch {
	case errors.Is(err, errSuperseded):
		c.log.Debug("refresh result discarded, session was cleared")
	case err != nil:
		c.log.Warn("token refresh failed", zap.Error(err))
		c.mu.Lock()
		h := c.onFail
		c.mu.Unlock()
		if h != nil {
			h.RefreshFailed(context.WithoutCancel(ctx), err)
		}
	}

	c.mu.Lock()
	c.cur = nil
	c.mu.Unlock()

	f.token, f.err = token, err
	close(f.done)
}

func (c *Coordinator) exchange(ctx context.Context) (string, error) {
	rt, gen := c.sess.RefreshState()
	if rt == "" {
		return "", fmt.Errorf("%w: no refresh token", errs.ErrRefreshExhausted)
	}
	toks, err := c.refresher.Refresh(ctx, rt)
	if err == nil && toks.AccessToken == "" {
		err = errors.New("empty access token in refresh response")
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", errs.ErrRefreshExhausted, err)
	}
	// a storage failure must not fail the refresh; the store logs it
	applied, _ := c.sess.SetTokensIf(ctx, gen, toks)
	if !applied {
		return "", fmt.Errorf("%w: %w", errs.ErrRefreshExhausted, errSuperseded)
	}
	c.log.Debug("token refreshed", zap.Bool("rotated", toks.RefreshToken != ""))
	return toks.AccessToken, nil
}
