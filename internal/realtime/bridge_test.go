package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/market-client/internal/errs"
	"github.com/and161185/market-client/internal/expiry"
	"github.com/and161185/market-client/internal/model"
	"github.com/and161185/market-client/internal/session"
	"github.com/and161185/market-client/internal/storage/memory"
)

func makeJWT(t *testing.T, sub string, ttl time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: sub, ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl))}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
	require.NoError(t, err)
	return s
}

type fakeCoord struct {
	sess  *session.Store
	next  string
	calls atomic.Int32
}

func (f *fakeCoord) RefreshStale(ctx context.Context, _ string) (string, error) {
	f.calls.Add(1)
	if f.next == "" {
		return "", errs.ErrRefreshExhausted
	}
	return f.next, f.sess.SetAccessToken(ctx, f.next)
}

type recordingEscalator struct {
	mu      sync.Mutex
	reasons []expiry.Reason
	msgs    []string
}

func (r *recordingEscalator) Teardown(_ context.Context, reason expiry.Reason, message, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
	r.msgs = append(r.msgs, message)
}

// wsServer accepts one bearer token and runs script on each upgraded connection.
func wsServer(t *testing.T, accept *atomic.Value, script func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != Path {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+accept.Load().(string) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer func() { _ = conn.Close() }()
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func setup(t *testing.T, srv *httptest.Server, access, refreshToken string) (*Bridge, *session.Store, *fakeCoord, *recordingEscalator) {
	t.Helper()
	sess := session.Open(context.Background(), memory.New())
	require.NoError(t, sess.SetTokens(context.Background(), model.Tokens{AccessToken: access, RefreshToken: refreshToken}))
	coord := &fakeCoord{sess: sess}
	esc := &recordingEscalator{}
	b, err := New(srv.URL, sess, coord, esc, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return b, sess, coord, esc
}

func TestNew_SchemeMapping(t *testing.T) {
	t.Parallel()
	b, err := New("https://api.example.test/", nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "wss://api.example.test/api/ws", b.url)

	_, err = New("ftp://x", nil, nil, nil)
	require.Error(t, err)
}

func TestConnect_DeliversEvents(t *testing.T) {
	access := makeJWT(t, "u1", 10*time.Minute)
	var accept atomic.Value
	accept.Store(access)
	srv := wsServer(t, &accept, func(c *websocket.Conn) {
		_ = c.WriteJSON(Event{Type: "notification", Data: json.RawMessage(`{"id":"n1"}`)})
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})
	b, _, coord, _ := setup(t, srv, access, "r1")

	conn, err := b.Connect(context.Background())
	require.NoError(t, err)

	var got []Event
	require.NoError(t, conn.Run(context.Background(), func(ev Event) { got = append(got, ev) }))
	require.Len(t, got, 1)
	require.Equal(t, "notification", got[0].Type)
	require.JSONEq(t, `{"id":"n1"}`, string(got[0].Data))
	require.Zero(t, coord.calls.Load())
}

func TestConnect_RefreshesOnceOnUnauthorizedHandshake(t *testing.T) {
	fresh := makeJWT(t, "fresh", 10*time.Minute)
	var accept atomic.Value
	accept.Store(fresh)
	srv := wsServer(t, &accept, func(c *websocket.Conn) {
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})
	b, _, coord, esc := setup(t, srv, makeJWT(t, "stale", 10*time.Minute), "r1")
	coord.next = fresh

	conn, err := b.Connect(context.Background())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	require.EqualValues(t, 1, coord.calls.Load())
	require.Empty(t, esc.reasons)
}

func TestConnect_SecondUnauthorizedTearsDown(t *testing.T) {
	var accept atomic.Value
	accept.Store("never")
	srv := wsServer(t, &accept, func(*websocket.Conn) {})
	b, _, coord, esc := setup(t, srv, makeJWT(t, "stale", 10*time.Minute), "r1")
	coord.next = makeJWT(t, "also-bad", 10*time.Minute)

	_, err := b.Connect(context.Background())
	require.ErrorIs(t, err, errs.ErrSessionExpired)
	require.EqualValues(t, 1, coord.calls.Load())
	require.Equal(t, []expiry.Reason{expiry.ReasonUnauthorized}, esc.reasons)
}

func TestConnect_NoSession(t *testing.T) {
	var accept atomic.Value
	accept.Store("x")
	srv := wsServer(t, &accept, func(*websocket.Conn) {})
	b, _, _, _ := setup(t, srv, "", "")

	_, err := b.Connect(context.Background())
	require.True(t, errors.Is(err, errs.ErrUnauthorized))
}

func TestRun_ForceLogoutEvent(t *testing.T) {
	access := makeJWT(t, "u1", 10*time.Minute)
	var accept atomic.Value
	accept.Store(access)
	srv := wsServer(t, &accept, func(c *websocket.Conn) {
		_ = c.WriteJSON(Event{Type: EventForceLogout, Data: json.RawMessage(`{"message":"account suspended"}`)})
		_, _, _ = c.ReadMessage()
	})
	b, _, _, esc := setup(t, srv, access, "r1")

	conn, err := b.Connect(context.Background())
	require.NoError(t, err)
	err = conn.Run(context.Background(), func(Event) { t.Error("force_logout must not reach the handler") })
	require.ErrorIs(t, err, errs.ErrSessionExpired)
	require.Equal(t, []expiry.Reason{expiry.ReasonServerEvent}, esc.reasons)
	require.Equal(t, []string{"account suspended"}, esc.msgs)
}

func TestRun_AnswersPingAndStopsOnCancel(t *testing.T) {
	access := makeJWT(t, "u1", 10*time.Minute)
	var accept atomic.Value
	accept.Store(access)
	pong := make(chan Event, 1)
	srv := wsServer(t, &accept, func(c *websocket.Conn) {
		_ = c.WriteJSON(Event{Type: EventPing})
		var ev Event
		if c.ReadJSON(&ev) == nil {
			pong <- ev
		}
		_, _, _ = c.ReadMessage()
	})
	b, _, _, _ := setup(t, srv, access, "r1")

	conn, err := b.Connect(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- conn.Run(ctx, nil) }()

	select {
	case ev := <-pong:
		require.Equal(t, "pong", ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no pong")
	}
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
