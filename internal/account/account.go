// Package account starts, inspects and ends user sessions.
package account

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/market-client/internal/api"
	"github.com/and161185/market-client/internal/authapi"
	"github.com/and161185/market-client/internal/errs"
	"github.com/and161185/market-client/internal/model"
	"github.com/and161185/market-client/internal/session"
)

// Rearmer re-arms the session-expired prompt after a new sign-in.
type Rearmer interface {
	Dismiss()
}

// Service ties the auth endpoints to the session store.
type Service struct {
	auth   *authapi.Client
	api    *api.Client
	sess   *session.Store
	prompt Rearmer
	log    *zap.Logger
}

// New constructs a Service. apiClient must use the authenticating transport.
func New(auth *authapi.Client, apiClient *api.Client, sess *session.Store, prompt Rearmer, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{auth: auth, api: apiClient, sess: sess, prompt: prompt, log: log}
}

// Login signs in with email and password.
func (s *Service) Login(ctx context.Context, email, password string) (*model.User, error) {
	res, err := s.auth.Login(ctx, authapi.Credentials{Email: email, Password: password})
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return s.start(ctx, res)
}

// Register creates an account and signs it in.
func (s *Service) Register(ctx context.Context, r authapi.Registration) (*model.User, error) {
	res, err := s.auth.Register(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return s.start(ctx, res)
}

// CompleteOAuth stores the tokens handed over by the OAuth callback and loads the profile.
func (s *Service) CompleteOAuth(ctx context.Context, accessToken, refreshToken string) (*model.User, error) {
	res, err := authapi.CompleteOAuth(accessToken, refreshToken)
	if err != nil {
		return nil, err
	}
	return s.start(ctx, res)
}

// start replaces any previous session with res; a response without a user is
// completed from the profile endpoint.
func (s *Service) start(ctx context.Context, res authapi.Result) (*model.User, error) {
	if err := s.sess.Clear(ctx); err != nil {
		s.log.Warn("clearing previous session", zap.Error(err))
	}
	if err := s.sess.SetTokens(ctx, res.Tokens); err != nil {
		s.log.Warn("persisting tokens", zap.Error(err))
	}
	if s.prompt != nil {
		s.prompt.Dismiss()
	}
	if res.User != nil {
		if err := s.sess.SetUser(ctx, res.User); err != nil {
			s.log.Warn("persisting user", zap.Error(err))
		}
		return res.User.Clone(), nil
	}
	return s.Me(ctx)
}

type meEnvelope struct {
	Success bool        `json:"success"`
	User    *model.User `json:"user"`
}

// Me fetches the current profile through the pipeline and caches it.
func (s *Service) Me(ctx context.Context) (*model.User, error) {
	var env meEnvelope
	if err := s.api.Get(ctx, authapi.PathMe, &env); err != nil {
		return nil, fmt.Errorf("me: %w", err)
	}
	if env.User == nil {
		return nil, fmt.Errorf("me: %w", errs.ErrNotFound)
	}
	if err := s.sess.SetUser(ctx, env.User); err != nil {
		s.log.Warn("persisting user", zap.Error(err))
	}
	return env.User.Clone(), nil
}

// CurrentUser returns the cached profile, or ErrSessionExpired when signed out.
func (s *Service) CurrentUser() (*model.User, error) {
	if !s.sess.IsLoggedIn() {
		return nil, errs.ErrSessionExpired
	}
	if u := s.sess.User(); u != nil {
		return u, nil
	}
	return nil, errs.ErrNotFound
}

// CompleteOnboarding records that the onboarding flow finished.
func (s *Service) CompleteOnboarding(ctx context.Context) error {
	return s.sess.SetOnboardingCompleted(ctx, true)
}

// Logout clears the local session and tells the backend. The local session is
// gone even when the backend call fails.
func (s *Service) Logout(ctx context.Context) error {
	token := s.sess.AccessToken()
	clearErr := s.sess.Clear(ctx)
	if token == "" {
		return clearErr
	}
	if err := s.auth.Logout(ctx, token); err != nil {
		s.log.Debug("backend logout failed", zap.Error(err))
	}
	return clearErr
}

// IsExpired reports whether err means the user has to sign in again.
func IsExpired(err error) bool {
	return errors.Is(err, errs.ErrSessionExpired) || errors.Is(err, errs.ErrRefreshExhausted)
}
