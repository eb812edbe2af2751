// Package realtime keeps an authenticated WebSocket open for chat and notifications.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/and161185/market-client/internal/errs"
	"github.com/and161185/market-client/internal/expiry"
	"github.com/and161185/market-client/internal/pipeline"
)

// Path is the backend WebSocket endpoint.
const Path = "/api/ws"

// Server event types with client-side meaning.
const (
	EventForceLogout = "force_logout"
	EventPing        = "ping"
)

// Event is one JSON frame in either direction.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Escalator tears the session down; implemented by *pipeline.Escalator.
type Escalator interface {
	Teardown(ctx context.Context, reason expiry.Reason, message, logoutToken string)
}

// Bridge dials the realtime endpoint with the current session.
type Bridge struct {
	url    string
	dialer *websocket.Dialer
	sess   pipeline.Session
	coord  pipeline.Refresher
	esc    Escalator
	log    *zap.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option { return func(b *Bridge) { b.dialer = d } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(b *Bridge) { b.log = l } }

// New builds a Bridge for the API at baseURL (http or https).
func New(baseURL string, sess pipeline.Session, coord pipeline.Refresher, esc Escalator, opts ...Option) (*Bridge, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("realtime: base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("realtime: unsupported scheme %q", u.Scheme)
	}
	u.Path += Path
	b := &Bridge{url: u.String(), dialer: websocket.DefaultDialer, sess: sess, coord: coord, esc: esc, log: zap.NewNop()}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Connect opens the socket. A 401 handshake is retried once after a refresh;
// a second 401 or a marked 403 tears the session down.
func (b *Bridge) Connect(ctx context.Context) (*Conn, error) {
	used := b.sess.AccessToken()
	if used == "" {
		return nil, errs.ErrUnauthorized
	}
	if b.sess.RefreshToken() != "" && b.sess.IsTokenNearExpiry() {
		var err error
		if used, err = b.coord.RefreshStale(ctx, used); err != nil {
			return nil, err
		}
	}

	ws, status, err := b.dial(ctx, used)
	if status == http.StatusUnauthorized {
		if b.sess.RefreshToken() == "" {
			b.esc.Teardown(ctx, expiry.ReasonUnauthorized, "", used)
			return nil, errs.ErrSessionExpired
		}
		token, rerr := b.coord.RefreshStale(ctx, used)
		if rerr != nil {
			return nil, rerr
		}
		ws, status, err = b.dial(ctx, token)
		if status == http.StatusUnauthorized {
			b.esc.Teardown(ctx, expiry.ReasonUnauthorized, "", token)
			return nil, errs.ErrSessionExpired
		}
	}
	if err != nil {
		return nil, err
	}
	b.log.Debug("realtime connected", zap.String("url", b.url))
	return &Conn{ws: ws, esc: b.esc, log: b.log}, nil
}

// dial returns the handshake status when the server refused the upgrade.
func (b *Bridge) dial(ctx context.Context, token string) (*websocket.Conn, int, error) {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := b.dialer.DialContext(ctx, b.url, h)
	if err == nil {
		return ws, http.StatusSwitchingProtocols, nil
	}
	if resp == nil {
		return nil, 0, fmt.Errorf("%w: realtime dial: %w", errs.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusForbidden && pipeline.HeaderMarked(resp.Header.Get(pipeline.ForceLogoutHeader)) {
		b.esc.Teardown(ctx, expiry.ReasonForbidden, "", "")
		return nil, resp.StatusCode, errs.ErrSessionExpired
	}
	return nil, resp.StatusCode, &errs.APIError{Status: resp.StatusCode, Message: "realtime handshake rejected"}
}

// Conn is an open realtime connection. Send is safe for concurrent use; Run
// must have a single caller.
type Conn struct {
	ws  *websocket.Conn
	esc Escalator
	log *zap.Logger

	wmu sync.Mutex
}

// Send writes one event.
func (c *Conn) Send(ev Event) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteJSON(ev)
}

// Run delivers server events to fn until ctx ends or the connection closes.
// A force_logout event tears the session down and ends Run with ErrSessionExpired.
func (c *Conn) Run(ctx context.Context, fn func(Event)) error {
	stop := context.AfterFunc(ctx, func() { _ = c.ws.Close() })
	defer stop()

	for {
		var ev Event
		if err := c.ws.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var syn *json.SyntaxError
			if errors.As(err, &syn) {
				c.log.Debug("skipping malformed realtime frame", zap.Error(err))
				continue
			}
			return err
		}
		switch ev.Type {
		case EventForceLogout:
			var body struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(ev.Data, &body)
			c.esc.Teardown(ctx, expiry.ReasonServerEvent, body.Message, "")
			_ = c.Close()
			return errs.ErrSessionExpired
		case EventPing:
			if err := c.Send(Event{Type: "pong"}); err != nil {
				return err
			}
			continue
		}
		if fn != nil {
			fn(ev)
		}
	}
}

// Close sends a close frame and closes the socket.
func (c *Conn) Close() error {
	c.wmu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.wmu.Unlock()
	return c.ws.Close()
}
