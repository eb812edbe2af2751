package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/market-client/internal/authapi"
	"github.com/and161185/market-client/internal/expiry"
	"github.com/and161185/market-client/internal/model"
	"github.com/and161185/market-client/internal/refresh"
	"github.com/and161185/market-client/internal/session"
	"github.com/and161185/market-client/internal/storage/memory"
)

func makeJWT(t *testing.T, sub string, ttl time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		ID:        sub + "-" + ttl.String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
	require.NoError(t, err)
	return s
}

// harness is a fake backend plus a fully wired pipeline in front of it.
type harness struct {
	t *testing.T

	srv      *httptest.Server
	sess     *session.Store
	notifier *expiry.Notifier
	esc      *Escalator
	coord    *refresh.Coordinator
	client   *http.Client

	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32
	loginCalls   atomic.Int32

	mu           sync.Mutex
	refreshSeen  []string
	resourceAuth []string
	refreshGate  chan struct{}
	refreshFn    func(n int32, refreshToken string) (int, any)
	resourceFn   func(w http.ResponseWriter, r *http.Request)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t}
	h.refreshFn = func(int32, string) (int, any) {
		return http.StatusOK, map[string]any{"success": true, "accessToken": makeJWT(t, "fresh", 10*time.Minute)}
	}
	h.resourceFn = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}

	mux := http.NewServeMux()
	mux.HandleFunc(authapi.PathRefresh, func(w http.ResponseWriter, r *http.Request) {
		n := h.refreshCalls.Add(1)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		h.mu.Lock()
		h.refreshSeen = append(h.refreshSeen, body["refreshToken"])
		gate := h.refreshGate
		h.mu.Unlock()
		if gate != nil {
			<-gate
		}
		status, out := h.refreshFn(n, body["refreshToken"])
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc(authapi.PathLogout, func(w http.ResponseWriter, r *http.Request) {
		h.logoutCalls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc(authapi.PathLogin, func(w http.ResponseWriter, r *http.Request) {
		h.loginCalls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"success":false,"message":"bad credentials"}`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.resourceAuth = append(h.resourceAuth, r.Header.Get("Authorization"))
		h.mu.Unlock()
		h.resourceFn(w, r)
	})
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)

	log := zaptest.NewLogger(t)
	h.sess = session.Open(context.Background(), memory.New(), session.WithLogger(log))
	h.notifier = expiry.NewNotifier(h.sess)

	auth, err := authapi.New(h.srv.URL, h.srv.Client())
	require.NoError(t, err)
	h.esc = NewEscalator(h.sess, h.notifier, WithLogoutNotifier(auth, time.Second), WithEscalatorLogger(log))
	h.coord = refresh.New(auth, h.sess, refresh.WithFailureHandler(h.esc), refresh.WithLogger(log), refresh.WithTimeout(2*time.Second))
	tr := NewTransport(h.sess, h.coord, h.esc, authapi.PathRefresh, WithBase(h.srv.Client().Transport), WithLogger(log))
	h.client = &http.Client{Transport: tr}
	return h
}

func (h *harness) login(access, refreshToken string) {
	h.t.Helper()
	require.NoError(h.t, h.sess.SetTokens(context.Background(), model.Tokens{AccessToken: access, RefreshToken: refreshToken}))
	require.NoError(h.t, h.sess.SetUser(context.Background(), &model.User{ID: "u1", Role: model.RoleClient}))
}

func (h *harness) get(path string) *http.Response {
	h.t.Helper()
	resp, err := h.do(http.MethodGet, path)
	require.NoError(h.t, err)
	return resp
}

func (h *harness) do(method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(context.Background(), method, h.srv.URL+path, nil)
	require.NoError(h.t, err)
	return h.client.Do(req)
}

func (h *harness) authSeen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.resourceAuth...)
}
