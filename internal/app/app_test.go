package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/market-client/internal/authapi"
	"github.com/and161185/market-client/internal/config"
	"github.com/and161185/market-client/internal/devapi"
	"github.com/and161185/market-client/internal/errs"
	"github.com/and161185/market-client/internal/expiry"
	"github.com/and161185/market-client/internal/limiter"
	"github.com/and161185/market-client/internal/model"
)

type backend struct {
	svc *devapi.Service
	api *devapi.Server
	srv *httptest.Server
}

func startBackend(t *testing.T, accessTTL time.Duration) backend {
	t.Helper()
	svc := devapi.NewService(devapi.Config{SignKey: []byte("e2e"), AccessTTL: accessTTL, Rotate: true}, limiter.NewMemory(time.Minute, 5, time.Minute))
	api := devapi.NewServer(svc, zaptest.NewLogger(t))
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return backend{svc: svc, api: api, srv: srv}
}

func newApp(t *testing.T, b backend, mut func(*config.Config)) *App {
	t.Helper()
	cfg := config.Default()
	cfg.BaseURL = b.srv.URL
	cfg.StorageKind = config.StorageMemory
	if mut != nil {
		mut(&cfg)
	}
	a, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

type echo struct {
	UserID string `json:"userId"`
}

func register(t *testing.T, a *App, email string) *model.User {
	t.Helper()
	u, err := a.Account.Register(context.Background(), authapi.Registration{Email: email, Password: "pw", Name: "E2E", Role: model.RoleClient})
	require.NoError(t, err)
	return u
}

func TestApp_RegisterAndCallProtectedEndpoint(t *testing.T) {
	b := startBackend(t, 10*time.Minute)
	a := newApp(t, b, nil)
	ctx := context.Background()

	var out echo
	err := a.API.Get(ctx, "/api/echo", &out)
	require.ErrorIs(t, err, errs.ErrUnauthorized, "no session, no bearer")

	u := register(t, a, "one@example.test")
	require.True(t, a.Session.IsLoggedIn())

	require.NoError(t, a.API.Get(ctx, "/api/echo", &out))
	require.Equal(t, u.ID, out.UserID)

	me, err := a.Account.Me(ctx)
	require.NoError(t, err)
	require.Equal(t, "one@example.test", me.Email)
}

func TestApp_ShortLivedTokensRefreshProactively(t *testing.T) {
	// a one minute token is always inside the two minute refresh window
	b := startBackend(t, time.Minute)
	a := newApp(t, b, nil)
	ctx := context.Background()
	register(t, a, "two@example.test")

	before := a.Session.RefreshToken()
	var out echo
	require.NoError(t, a.API.Get(ctx, "/api/echo", &out))
	after := a.Session.RefreshToken()
	require.NotEqual(t, before, after, "rotated during the proactive refresh")

	require.NoError(t, a.API.Get(ctx, "/api/echo", &out))
	require.NotEqual(t, after, a.Session.RefreshToken())
}

func TestApp_ForcedLogoutTearsDown(t *testing.T) {
	b := startBackend(t, 10*time.Minute)
	a := newApp(t, b, nil)
	ctx := context.Background()
	u := register(t, a, "three@example.test")

	resp, err := http.Post(b.srv.URL+"/api/dev/force-logout/"+u.ID, "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	err = a.API.Get(ctx, "/api/echo", &echo{})
	require.ErrorIs(t, err, errs.ErrForbidden)
	require.False(t, a.Session.IsLoggedIn())

	n := <-a.Notifier.C()
	require.Equal(t, expiry.ReasonForbidden, n.Reason)
	redirect, err := a.Notifier.Confirm(ctx)
	require.NoError(t, err)
	require.Equal(t, expiry.LoginRedirect, redirect)

	_, err = a.Account.Login(ctx, "three@example.test", "pw")
	require.NoError(t, err)
	require.False(t, a.Notifier.Active())
	require.NoError(t, a.API.Get(ctx, "/api/echo", &echo{}))
}

func TestApp_RevokedRefreshTokenEndsSession(t *testing.T) {
	b := startBackend(t, time.Minute)
	a := newApp(t, b, nil)
	ctx := context.Background()
	register(t, a, "four@example.test")

	// a second client signs the user out everywhere
	other := newApp(t, b, nil)
	_, err := other.Account.Login(ctx, "four@example.test", "pw")
	require.NoError(t, err)
	require.NoError(t, other.Account.Logout(ctx))
	require.False(t, other.Session.IsLoggedIn())

	err = a.API.Get(ctx, "/api/echo", &echo{})
	require.ErrorIs(t, err, errs.ErrRefreshExhausted)
	require.False(t, a.Session.IsLoggedIn())
	n := <-a.Notifier.C()
	require.Equal(t, expiry.ReasonRefreshFailed, n.Reason)
}

func TestApp_RealtimeForceLogout(t *testing.T) {
	b := startBackend(t, 10*time.Minute)
	a := newApp(t, b, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	u := register(t, a, "five@example.test")

	conn, err := a.Realtime.Connect(ctx)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- conn.Run(ctx, nil) }()

	id := uuid.FromStringOrNil(u.ID)
	require.Eventually(t, func() bool { return b.api.Hub().Connected(id) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, b.svc.ForceLogout(ctx, id, "suspended"))

	require.ErrorIs(t, <-done, errs.ErrSessionExpired)
	n := <-a.Notifier.C()
	require.Equal(t, expiry.ReasonServerEvent, n.Reason)
	require.Equal(t, "suspended", n.Message)
	require.False(t, a.Session.IsLoggedIn())
}

func TestApp_FileSessionSurvivesRestart(t *testing.T) {
	b := startBackend(t, 10*time.Minute)
	path := filepath.Join(t.TempDir(), "s.json")
	mut := func(c *config.Config) {
		c.StorageKind = config.StorageFile
		c.StorageDSN = path
		c.StoragePassphrase = "hunter2"
	}
	a := newApp(t, b, mut)
	u := register(t, a, "six@example.test")

	restarted := newApp(t, b, mut)
	require.True(t, restarted.Session.IsLoggedIn())
	require.Equal(t, u.ID, restarted.Session.User().ID)
	require.NoError(t, restarted.API.Get(context.Background(), "/api/echo", &echo{}))
}
