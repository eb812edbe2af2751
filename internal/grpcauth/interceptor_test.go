package grpcauth

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/and161185/market-client/internal/expiry"
	"github.com/and161185/market-client/internal/model"
	"github.com/and161185/market-client/internal/pipeline"
	"github.com/and161185/market-client/internal/refresh"
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

// gate is the server side: it accepts one bearer token and can force a logout.
type gate struct {
	mu     sync.Mutex
	accept string
	force  bool
	seen   []string
}

func (g *gate) unary(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	var auth string
	if v := md.Get("authorization"); len(v) > 0 {
		auth = v[0]
	}
	g.mu.Lock()
	g.seen = append(g.seen, auth)
	accept, force := g.accept, g.force
	g.mu.Unlock()

	if force {
		_ = grpc.SetHeader(ctx, metadata.Pairs(ForceLogoutKey, "1"))
		return nil, status.Error(codes.PermissionDenied, "account suspended")
	}
	if auth != "Bearer "+accept {
		return nil, status.Error(codes.Unauthenticated, "bad token")
	}
	return next(ctx, req)
}

func (g *gate) tokens() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.seen...)
}

type tokenSource struct {
	calls atomic.Int32
	next  string
}

func (s *tokenSource) Refresh(context.Context, string) (model.Tokens, error) {
	s.calls.Add(1)
	return model.Tokens{AccessToken: s.next}, nil
}

type logoutCounter struct{ n atomic.Int32 }

func (l *logoutCounter) Logout(context.Context, string) error { l.n.Add(1); return nil }

type rig struct {
	gate     *gate
	sess     *session.Store
	notifier *expiry.Notifier
	esc      *pipeline.Escalator
	src      *tokenSource
	logouts  *logoutCounter
	client   healthpb.HealthClient
}

func newRig(t *testing.T) *rig {
	t.Helper()
	log := zaptest.NewLogger(t)
	r := &rig{gate: &gate{}, src: &tokenSource{}, logouts: &logoutCounter{}}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(r.gate.unary))
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	r.sess = session.Open(context.Background(), memory.New())
	r.notifier = expiry.NewNotifier(r.sess)
	r.esc = pipeline.NewEscalator(r.sess, r.notifier, pipeline.WithLogoutNotifier(r.logouts, time.Second))
	coord := refresh.New(r.src, r.sess, refresh.WithFailureHandler(r.esc))
	ic := New(r.sess, coord, r.esc, WithLogger(log), WithExempt(ExemptMethods("/grpc.health.v1.Health/Watch")))

	opts := append(ic.DialOptions(log),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	conn, err := grpc.NewClient("passthrough:///bufnet", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	r.client = healthpb.NewHealthClient(conn)
	return r
}

func (r *rig) check(t *testing.T) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := r.client.Check(ctx, &healthpb.HealthCheckRequest{})
	return err
}

func TestUnary_AttachesBearer(t *testing.T) {
	r := newRig(t)
	access := makeJWT(t, "u1", 10*time.Minute)
	require.NoError(t, r.sess.SetTokens(context.Background(), model.Tokens{AccessToken: access, RefreshToken: "r1"}))
	r.gate.accept = access

	require.NoError(t, r.check(t))
	require.Zero(t, r.src.calls.Load())
	require.Equal(t, []string{"Bearer " + access}, r.gate.tokens())
}

func TestUnary_ProactiveRefresh(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.sess.SetTokens(context.Background(), model.Tokens{AccessToken: makeJWT(t, "u1", 20*time.Second), RefreshToken: "r1"}))
	r.src.next = makeJWT(t, "u1-new", 10*time.Minute)
	r.gate.accept = r.src.next

	require.NoError(t, r.check(t))
	require.EqualValues(t, 1, r.src.calls.Load())
	require.Len(t, r.gate.tokens(), 1)
}

func TestUnary_UnauthenticatedRefreshesOnce(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.sess.SetTokens(context.Background(), model.Tokens{AccessToken: makeJWT(t, "stale", 10*time.Minute), RefreshToken: "r1"}))
	r.src.next = makeJWT(t, "fresh", 10*time.Minute)
	r.gate.accept = r.src.next

	require.NoError(t, r.check(t))
	require.EqualValues(t, 1, r.src.calls.Load())
	require.Len(t, r.gate.tokens(), 2)
	require.Equal(t, r.src.next, r.sess.AccessToken())
}

func TestUnary_RetryRejectedTearsDown(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.sess.SetTokens(context.Background(), model.Tokens{AccessToken: makeJWT(t, "stale", 10*time.Minute), RefreshToken: "r1"}))
	r.src.next = makeJWT(t, "also-rejected", 10*time.Minute)
	r.gate.accept = "nothing"

	err := r.check(t)
	require.Equal(t, codes.Unauthenticated, status.Code(err))
	r.esc.Wait()

	require.Len(t, r.gate.tokens(), 2)
	require.EqualValues(t, 1, r.logouts.n.Load())
	require.False(t, r.sess.IsLoggedIn())
	require.True(t, r.notifier.Active())
}

func TestUnary_PermissionDeniedWithMarker(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.sess.SetTokens(context.Background(), model.Tokens{AccessToken: makeJWT(t, "u1", 10*time.Minute), RefreshToken: "r1"}))
	r.gate.force = true

	err := r.check(t)
	require.Equal(t, codes.PermissionDenied, status.Code(err))

	n := <-r.notifier.C()
	require.Equal(t, expiry.ReasonForbidden, n.Reason)
	require.Empty(t, r.sess.AccessToken())
	require.Zero(t, r.src.calls.Load())
}

func TestExemptMethods(t *testing.T) {
	t.Parallel()
	ex := ExemptMethods("/market.v1.Auth/Login")
	require.True(t, ex("/market.v1.Auth/Login"))
	require.False(t, ex("/market.v1.Orders/List"))
}
