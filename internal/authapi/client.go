// Package authapi talks to the backend's authentication endpoints. It uses a plain
// HTTP client: these calls must never recurse into the authenticating transport.
package authapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/and161185/market-client/internal/api"
	"github.com/and161185/market-client/internal/model"
	"github.com/and161185/market-client/internal/session"
)

// Backend paths.
const (
	PathLogin          = "/api/auth/login"
	PathRegister       = "/api/auth/register"
	PathRefresh        = "/api/auth/refresh-token"
	PathLogout         = "/api/auth/logout"
	PathMe             = "/api/auth/me"
	PathCheckEmail     = "/api/auth/check-email"
	PathForgotPassword = "/api/auth/forgot-password"
	PathResetPassword  = "/api/auth/reset-password"
	PathGoogle         = "/api/auth/google"
)

// ErrRejected is returned when the backend answers 2xx with success=false.
var ErrRejected = errors.New("auth: rejected by backend")

// Credentials is a login request.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Registration is a sign-up request.
type Registration struct {
	Email    string     `json:"email"`
	Password string     `json:"password"`
	Name     string     `json:"name"`
	Role     model.Role `json:"role"`
}

// Result is what login, registration and OAuth completion yield.
type Result struct {
	Tokens model.Tokens
	User   *model.User
}

// tokenEnvelope is the backend's auth response shape.
type tokenEnvelope struct {
	Success      bool        `json:"success"`
	Message      string      `json:"message,omitempty"`
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken,omitempty"`
	User         *model.User `json:"user,omitempty"`
}

// Client calls the auth endpoints.
type Client struct {
	api *api.Client
}

// New returns a Client for baseURL; hc must not use the authenticating transport.
func New(baseURL string, hc *http.Client) (*Client, error) {
	c, err := api.New(baseURL, hc)
	if err != nil {
		return nil, err
	}
	return &Client{api: c}, nil
}

// Login exchanges credentials for a session.
func (c *Client) Login(ctx context.Context, cr Credentials) (Result, error) {
	var env tokenEnvelope
	if err := c.api.Post(ctx, PathLogin, cr, &env); err != nil {
		return Result{}, err
	}
	return env.result()
}

// Register creates an account and returns its first session.
func (c *Client) Register(ctx context.Context, r Registration) (Result, error) {
	if !r.Role.Valid() {
		return Result{}, fmt.Errorf("auth: invalid role %q", r.Role)
	}
	var env tokenEnvelope
	if err := c.api.Post(ctx, PathRegister, r, &env); err != nil {
		return Result{}, err
	}
	return env.result()
}

// Refresh exchanges a refresh token. The returned refresh token is empty when the
// backend did not rotate it.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (model.Tokens, error) {
	var env tokenEnvelope
	if err := c.api.Post(ctx, PathRefresh, map[string]string{"refreshToken": refreshToken}, &env); err != nil {
		return model.Tokens{}, err
	}
	res, err := env.result()
	return res.Tokens, err
}

// Logout tells the backend the session ended. Callers treat it as best effort.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	resp, err := c.api.Raw(ctx, http.MethodPost, PathLogout, bytes.NewReader([]byte("{}")), withBearer(accessToken))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return api.ErrorFromResponse(resp)
	}
	return nil
}

// CheckEmail reports whether an account exists for email.
func (c *Client) CheckEmail(ctx context.Context, email string) (bool, error) {
	var out struct {
		Exists bool `json:"exists"`
	}
	if err := c.api.Post(ctx, PathCheckEmail, map[string]string{"email": email}, &out); err != nil {
		return false, err
	}
	return out.Exists, nil
}

// CompleteOAuth converts the tokens handed over by the OAuth callback into a Result.
func CompleteOAuth(accessToken, refreshToken string) (Result, error) {
	if strings.TrimSpace(accessToken) == "" {
		return Result{}, fmt.Errorf("%w: oauth callback without access token", ErrRejected)
	}
	env := tokenEnvelope{Success: true, AccessToken: accessToken, RefreshToken: refreshToken}
	return env.result()
}

func (e tokenEnvelope) result() (Result, error) {
	if !e.Success || e.AccessToken == "" {
		if e.Message != "" {
			return Result{}, fmt.Errorf("%w: %s", ErrRejected, e.Message)
		}
		return Result{}, ErrRejected
	}
	t := model.Tokens{AccessToken: e.AccessToken, RefreshToken: e.RefreshToken}
	if exp, ok, err := session.DecodeExpiry(e.AccessToken); err == nil && ok {
		t.ExpiresAt = exp
	}
	return Result{Tokens: t, User: e.User}, nil
}

func withBearer(token string) api.RequestOption {
	return func(r *http.Request) {
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
	}
}
