// Package devapi is a development backend speaking the marketplace auth protocol.
// It issues HS256 access tokens, rotates refresh tokens and can force a user out,
// which is enough to drive every branch of the client pipeline end to end.
package devapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	pkgcrypto "github.com/and161185/market-client/internal/crypto"
	"github.com/and161185/market-client/internal/errs"
	"github.com/and161185/market-client/internal/limiter"
	"github.com/and161185/market-client/internal/model"
)

// ErrForceLogout marks an access token whose owner was forced out.
var ErrForceLogout = errors.New("forced logout")

// Config tunes token lifetimes.
type Config struct {
	SignKey    []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// Rotate issues a new refresh token on every refresh and revokes the old one.
	Rotate bool
}

// accessClaims adds the account generation to the registered claims.
type accessClaims struct {
	jwt.RegisteredClaims
	Gen int `json:"gen"`
}

type grant struct {
	userID uuid.UUID
	exp    time.Time
}

// Service implements the auth operations behind the HTTP and gRPC surfaces.
type Service struct {
	users UserRepository
	lim   limiter.Limiter
	cfg   Config
	now   func() time.Time

	mu     sync.Mutex
	grants map[string]grant

	// onForce is called after a forced logout, e.g. to push a realtime event.
	onForce func(userID uuid.UUID, message string)
}

// NewService constructs a Service with in-memory accounts.
func NewService(cfg Config, lim limiter.Limiter) *Service {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	return &Service{users: newMemUsers(), lim: lim, cfg: cfg, now: time.Now, grants: map[string]grant{}}
}

// Issued is a token pair with the account it belongs to.
type Issued struct {
	Tokens model.Tokens
	User   model.User
}

// Register creates an account and signs it in.
func (s *Service) Register(ctx context.Context, email, password, name string, role model.Role) (Issued, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return Issued{}, fmt.Errorf("%w: empty email/password", errs.ErrValidationRejected)
	}
	if !role.Valid() || role == model.RoleAdmin {
		return Issued{}, fmt.Errorf("%w: role %q", errs.ErrValidationRejected, role)
	}
	uid, err := uuid.NewV4()
	if err != nil {
		return Issued{}, err
	}
	hash, err := pkgcrypto.HashPassword([]byte(password))
	if err != nil {
		return Issued{}, err
	}
	a := &Account{
		ID:      uid,
		User:    model.User{ID: uid.String(), Email: email, Name: name, Role: role, VerificationStatus: "pending"},
		PwdHash: hash,
	}
	if err := s.users.Create(ctx, a); err != nil {
		return Issued{}, err
	}
	return s.issue(a, true)
}

// Login authenticates with rate limiting by (email, ip).
func (s *Service) Login(ctx context.Context, email, password, ip string) (Issued, error) {
	key := limiter.Key(strings.ToLower(email), ip)
	allowed, _, err := s.lim.Allow(ctx, key)
	if err != nil {
		return Issued{}, err
	}
	if !allowed {
		return Issued{}, errs.ErrRateLimited
	}

	a, err := s.users.GetByEmail(ctx, email)
	if err != nil || !pkgcrypto.VerifyPassword([]byte(password), a.PwdHash) {
		if blocked, _, ferr := s.lim.Failure(ctx, key); ferr == nil && blocked {
			return Issued{}, errs.ErrRateLimited
		}
		// unknown email and wrong password look the same
		return Issued{}, errs.ErrUnauthorized
	}
	_ = s.lim.Success(ctx, key)
	return s.issue(a, true)
}

// Refresh exchanges a refresh token. With rotation the old token is revoked and the
// result carries a new one; otherwise the refresh token is left empty.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (model.Tokens, error) {
	s.mu.Lock()
	g, ok := s.grants[refreshToken]
	if ok && s.cfg.Rotate {
		delete(s.grants, refreshToken)
	}
	s.mu.Unlock()
	if !ok || !s.now().Before(g.exp) {
		return model.Tokens{}, errs.ErrUnauthorized
	}

	a, err := s.users.GetByID(ctx, g.userID)
	if err != nil {
		return model.Tokens{}, errs.ErrUnauthorized
	}
	out, err := s.issue(a, s.cfg.Rotate)
	return out.Tokens, err
}

// Logout revokes every refresh token of the user.
func (s *Service) Logout(_ context.Context, userID uuid.UUID) {
	s.revoke(userID)
}

// ForceLogout revokes the user's refresh tokens and invalidates issued access tokens.
func (s *Service) ForceLogout(ctx context.Context, userID uuid.UUID, message string) error {
	if _, err := s.users.BumpGen(ctx, userID); err != nil {
		return err
	}
	s.revoke(userID)
	if s.onForce != nil {
		s.onForce(userID, message)
	}
	return nil
}

// Me returns the profile of userID.
func (s *Service) Me(ctx context.Context, userID uuid.UUID) (model.User, error) {
	a, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return model.User{}, err
	}
	return a.User, nil
}

// EmailExists reports whether email is registered.
func (s *Service) EmailExists(ctx context.Context, email string) bool {
	_, err := s.users.GetByEmail(ctx, email)
	return err == nil
}

// Authenticate verifies an HS256 access token and returns its subject.
// Tokens from before a forced logout yield ErrForceLogout.
func (s *Service) Authenticate(ctx context.Context, token string) (uuid.UUID, error) {
	var claims accessClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.cfg.SignKey, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return uuid.Nil, errs.ErrUnauthorized
	}
	id, err := uuid.FromString(claims.Subject)
	if err != nil {
		return uuid.Nil, errs.ErrUnauthorized
	}
	a, err := s.users.GetByID(ctx, id)
	if err != nil {
		return uuid.Nil, errs.ErrUnauthorized
	}
	if claims.Gen < a.Gen {
		return uuid.Nil, ErrForceLogout
	}
	return id, nil
}

func (s *Service) issue(a *Account, withRefresh bool) (Issued, error) {
	access, exp, err := s.issueAccessToken(a)
	if err != nil {
		return Issued{}, err
	}
	out := Issued{Tokens: model.Tokens{AccessToken: access, ExpiresAt: exp}, User: a.User}
	if !withRefresh {
		return out, nil
	}
	rt, err := uuid.NewV4()
	if err != nil {
		return Issued{}, err
	}
	s.mu.Lock()
	s.grants[rt.String()] = grant{userID: a.ID, exp: s.now().Add(s.cfg.RefreshTTL)}
	s.mu.Unlock()
	out.Tokens.RefreshToken = rt.String()
	return out, nil
}

// issueAccessToken creates a signed HS256 JWT for the account.
func (s *Service) issueAccessToken(a *Account) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.cfg.AccessTTL)
	jti, err := uuid.NewV4()
	if err != nil {
		return "", time.Time{}, err
	}
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti.String(),
			Subject:   a.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Gen: a.Gen,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.cfg.SignKey)
	return signed, exp, err
}

func (s *Service) revoke(userID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, g := range s.grants {
		if g.userID == userID {
			delete(s.grants, k)
		}
	}
}
