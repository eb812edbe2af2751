// Package app assembles the client: storage, session, refresh coordinator,
// authenticating transport and the API clients built on it.
package app

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/and161185/market-client/internal/account"
	"github.com/and161185/market-client/internal/api"
	"github.com/and161185/market-client/internal/authapi"
	"github.com/and161185/market-client/internal/config"
	"github.com/and161185/market-client/internal/expiry"
	"github.com/and161185/market-client/internal/grpcauth"
	"github.com/and161185/market-client/internal/migrate"
	"github.com/and161185/market-client/internal/pipeline"
	"github.com/and161185/market-client/internal/realtime"
	"github.com/and161185/market-client/internal/refresh"
	"github.com/and161185/market-client/internal/session"
	"github.com/and161185/market-client/internal/storage"
	"github.com/and161185/market-client/internal/storage/file"
	"github.com/and161185/market-client/internal/storage/memory"
	"github.com/and161185/market-client/internal/storage/postgres"
	"github.com/and161185/market-client/internal/storage/redis"
)

// App is a fully wired client.
type App struct {
	Config      config.Config
	Session     *session.Store
	Notifier    *expiry.Notifier
	Escalator   *pipeline.Escalator
	Coordinator *refresh.Coordinator
	Auth        *authapi.Client
	API         *api.Client
	Account     *account.Service
	Realtime    *realtime.Bridge
	GRPC        *grpcauth.Interceptor

	log     *zap.Logger
	closers []func()
}

// Option customises New.
type Option func(*options)

type options struct {
	backend storage.Storage
	base    http.RoundTripper
}

// WithStorage bypasses cfg's storage selection.
func WithStorage(s storage.Storage) Option { return func(o *options) { o.backend = s } }

// WithBaseTransport sets the RoundTripper under the pipeline (tests use httptest's).
func WithBaseTransport(rt http.RoundTripper) Option { return func(o *options) { o.base = rt } }

// New wires an App from cfg.
func New(ctx context.Context, cfg config.Config, log *zap.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	o := options{base: http.DefaultTransport}
	for _, fn := range opts {
		fn(&o)
	}

	a := &App{Config: cfg, log: log}
	backend := o.backend
	if backend == nil {
		var closeFn func()
		var err error
		if backend, closeFn, err = OpenStorage(ctx, cfg, log); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closeFn)
	}

	a.Session = session.Open(ctx, backend,
		session.WithLogger(log.Named("session")),
		session.WithLeadTime(cfg.RefreshLeadTime),
	)
	a.Notifier = expiry.NewNotifier(a.Session)

	// auth calls bypass the pipeline so a refresh or logout can never recurse into it
	raw := &http.Client{Transport: o.base, Timeout: cfg.RequestTimeout}
	auth, err := authapi.New(cfg.BaseURL, raw)
	if err != nil {
		return nil, err
	}
	a.Auth = auth

	a.Escalator = pipeline.NewEscalator(a.Session, a.Notifier,
		pipeline.WithLogoutNotifier(auth, cfg.LogoutTimeout),
		pipeline.WithEscalatorLogger(log.Named("escalator")),
	)
	a.Coordinator = refresh.New(auth, a.Session,
		refresh.WithTimeout(cfg.RefreshTimeout),
		refresh.WithLogger(log.Named("refresh")),
	)
	a.Coordinator.SetFailureHandler(a.Escalator)

	tr := pipeline.NewTransport(a.Session, a.Coordinator, a.Escalator, authapi.PathRefresh,
		pipeline.WithBase(o.base),
		pipeline.WithLogger(log.Named("pipeline")),
	)
	if a.API, err = api.New(cfg.BaseURL, &http.Client{Transport: tr, Timeout: cfg.RequestTimeout}); err != nil {
		return nil, err
	}
	a.Account = account.New(auth, a.API, a.Session, a.Notifier, log.Named("account"))

	if a.Realtime, err = realtime.New(cfg.BaseURL, a.Session, a.Coordinator, a.Escalator, realtime.WithLogger(log.Named("realtime"))); err != nil {
		return nil, err
	}
	a.GRPC = grpcauth.New(a.Session, a.Coordinator, a.Escalator, grpcauth.WithLogger(log.Named("grpc")))
	return a, nil
}

// Close waits for best-effort logout calls and releases storage.
func (a *App) Close() {
	a.Escalator.Wait()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// OpenStorage opens the backend selected by cfg.StorageKind.
func OpenStorage(ctx context.Context, cfg config.Config, log *zap.Logger) (storage.Storage, func(), error) {
	switch cfg.StorageKind {
	case config.StorageMemory:
		return memory.New(), func() {}, nil
	case config.StorageFile:
		st := file.New(cfg.SessionPath(), file.WithPassphrase(cfg.StoragePassphrase))
		log.Debug("file session storage", zap.String("path", st.Path()))
		return st, func() {}, nil
	case config.StoragePostgres:
		if err := migrate.Up(ctx, cfg.StorageDSN, log); err != nil {
			return nil, nil, fmt.Errorf("migrate up: %w", err)
		}
		db, err := postgres.Connect(ctx, cfg.StorageDSN)
		if err != nil {
			return nil, nil, err
		}
		return postgres.New(db, cfg.Profile), db.Close, nil
	case config.StorageRedis:
		rdb, err := redis.Dial(ctx, cfg.StorageDSN)
		if err != nil {
			return nil, nil, err
		}
		return redis.New(rdb, cfg.Profile), func() { _ = rdb.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown storage %q", cfg.StorageKind)
}
