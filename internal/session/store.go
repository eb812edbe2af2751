// Package session holds the authenticated session: tokens, cached user and onboarding state,
// written through to a durable storage.Storage.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/market-client/internal/model"
	"github.com/and161185/market-client/internal/storage"
)

// Storage keys.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyUser         = "user"
	KeyOnboarding   = "onboarding_completed"
)

var allKeys = []string{KeyAccessToken, KeyRefreshToken, KeyUser, KeyOnboarding}

// DefaultLeadTime is the proactive refresh window used when none is configured.
const DefaultLeadTime = 2 * time.Minute

// Store is the single source of truth for tokens and identity.
// Reads are served from memory; every mutator writes through to the backend.
// Writes are serialized with their storage call so memory and backend agree.
type Store struct {
	backend storage.Storage
	log     *zap.Logger
	lead    time.Duration
	now     func() time.Time

	wmu sync.Mutex // held across a memory update and its persist

	mu   sync.RWMutex
	sess model.Session
	gen  uint64 // bumped by Clear
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.log = l } }

// WithLeadTime sets the window in which a token counts as near expiry.
func WithLeadTime(d time.Duration) Option { return func(s *Store) { s.lead = d } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// Open loads the persisted session. A backend that cannot be read yields an empty session.
func Open(ctx context.Context, backend storage.Storage, opts ...Option) *Store {
	s := &Store{backend: backend, log: zap.NewNop(), lead: DefaultLeadTime, now: time.Now}
	for _, o := range opts {
		o(s)
	}

	kv, err := backend.Load(ctx)
	if err != nil {
		s.log.Warn("session storage unreadable, starting logged out", zap.Error(err))
		return s
	}
	s.sess.AccessToken = kv[KeyAccessToken]
	s.sess.RefreshToken = kv[KeyRefreshToken]
	s.sess.OnboardingCompleted = kv[KeyOnboarding] == "true"
	if raw := kv[KeyUser]; raw != "" {
		var u model.User
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			s.log.Warn("cached user unreadable, ignoring", zap.Error(err))
		} else {
			s.sess.User = &u
		}
	}
	return s
}

// AccessToken returns the current access token or "".
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess.AccessToken
}

// RefreshToken returns the current refresh token or "".
func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess.RefreshToken
}

// User returns a copy of the cached user or nil.
func (s *Store) User() *model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess.User.Clone()
}

// OnboardingCompleted reports the provider onboarding flag.
func (s *Store) OnboardingCompleted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess.OnboardingCompleted
}

// RefreshState returns the refresh token together with the session generation it
// belongs to; Clear starts a new generation.
func (s *Store) RefreshState() (string, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess.RefreshToken, s.gen
}

// Snapshot returns a copy of the whole session.
func (s *Store) Snapshot() model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.sess
	c.User = s.sess.User.Clone()
	return c
}

// SetAccessToken overwrites and persists the access token; "" removes it.
func (s *Store) SetAccessToken(ctx context.Context, tok string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.mu.Lock()
	s.sess.AccessToken = tok
	s.mu.Unlock()
	return s.persist(ctx, map[string]string{KeyAccessToken: tok})
}

// SetRefreshToken overwrites and persists the refresh token; "" removes it.
func (s *Store) SetRefreshToken(ctx context.Context, tok string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.mu.Lock()
	s.sess.RefreshToken = tok
	s.mu.Unlock()
	return s.persist(ctx, map[string]string{KeyRefreshToken: tok})
}

// SetTokens stores a freshly issued pair. An empty refresh token keeps the existing one.
func (s *Store) SetTokens(ctx context.Context, t model.Tokens) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.mu.Lock()
	kv := s.applyTokens(t)
	s.mu.Unlock()
	return s.persist(ctx, kv)
}

// SetTokensIf stores t only while the session is still generation gen. It reports
// false, writing nothing, when the session was cleared in between.
func (s *Store) SetTokensIf(ctx context.Context, gen uint64, t model.Tokens) (bool, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false, nil
	}
	kv := s.applyTokens(t)
	s.mu.Unlock()
	return true, s.persist(ctx, kv)
}

// applyTokens updates memory under s.mu and returns the keys to persist.
func (s *Store) applyTokens(t model.Tokens) map[string]string {
	kv := map[string]string{KeyAccessToken: t.AccessToken}
	s.sess.AccessToken = t.AccessToken
	if t.RefreshToken != "" {
		s.sess.RefreshToken = t.RefreshToken
		kv[KeyRefreshToken] = t.RefreshToken
	}
	return kv
}

// SetUser updates the cached identity; nil clears it.
func (s *Store) SetUser(ctx context.Context, u *model.User) error {
	val := ""
	if u != nil {
		b, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("encode user: %w", err)
		}
		val = string(b)
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.mu.Lock()
	s.sess.User = u.Clone()
	s.mu.Unlock()
	return s.persist(ctx, map[string]string{KeyUser: val})
}

// SetOnboardingCompleted persists the onboarding flag.
func (s *Store) SetOnboardingCompleted(ctx context.Context, done bool) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.mu.Lock()
	s.sess.OnboardingCompleted = done
	s.mu.Unlock()
	if !done {
		return s.persist(ctx, map[string]string{KeyOnboarding: ""})
	}
	return s.persist(ctx, map[string]string{KeyOnboarding: "true"})
}

// Clear removes tokens, user and onboarding flag from memory and storage and starts a
// new generation, so results computed for the old session are rejected.
func (s *Store) Clear(ctx context.Context) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.mu.Lock()
	s.sess = model.Session{}
	s.gen++
	s.mu.Unlock()
	if err := s.backend.Delete(ctx, allKeys...); err != nil {
		s.log.Warn("session storage clear failed", zap.Error(err))
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// IsLoggedIn reports whether an access token exists and is not expired by the local clock.
// A token without exp counts as valid; an undecodable one does not.
func (s *Store) IsLoggedIn() bool {
	tok := s.AccessToken()
	if tok == "" {
		return false
	}
	exp, ok, err := DecodeExpiry(tok)
	if err != nil {
		return false
	}
	return !ok || s.now().Before(exp)
}

// IsTokenNearExpiry reports whether the access token expires within the lead window.
// Undecodable tokens count as near expiry; absent tokens do not.
func (s *Store) IsTokenNearExpiry() bool {
	tok := s.AccessToken()
	if tok == "" {
		return false
	}
	exp, ok, err := DecodeExpiry(tok)
	if err != nil {
		return true
	}
	if !ok {
		return false
	}
	return !s.now().Add(s.lead).Before(exp)
}

// AccessExpiry returns the decoded exp claim of the access token.
func (s *Store) AccessExpiry() (time.Time, bool) {
	exp, ok, err := DecodeExpiry(s.AccessToken())
	if err != nil {
		return time.Time{}, false
	}
	return exp, ok
}

// persist writes non-empty values and deletes keys mapped to "".
func (s *Store) persist(ctx context.Context, kv map[string]string) error {
	put := map[string]string{}
	var del []string
	for k, v := range kv {
		if v == "" {
			del = append(del, k)
			continue
		}
		put[k] = v
	}
	if len(put) > 0 {
		if err := s.backend.Put(ctx, put); err != nil {
			s.log.Warn("session storage write failed", zap.Error(err))
			return fmt.Errorf("persist session: %w", err)
		}
	}
	if len(del) > 0 {
		if err := s.backend.Delete(ctx, del...); err != nil {
			s.log.Warn("session storage delete failed", zap.Error(err))
			return fmt.Errorf("persist session: %w", err)
		}
	}
	return nil
}
