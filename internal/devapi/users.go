package devapi

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/market-client/internal/errs"
	"github.com/and161185/market-client/internal/model"
)

// ErrEmailTaken is returned when registering an existing email.
var ErrEmailTaken = errors.New("email already registered")

// Account is a stored user with its password hash.
type Account struct {
	ID      uuid.UUID
	User    model.User
	PwdHash []byte
	// Gen is bumped by a forced logout; access tokens of older generations are refused.
	Gen int
}

// UserRepository provides access to dev backend accounts.
type UserRepository interface {
	// Create inserts a new account.
	Create(ctx context.Context, a *Account) error
	// GetByID loads an account by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	// GetByEmail loads an account by email, case-insensitively.
	GetByEmail(ctx context.Context, email string) (*Account, error)
	// BumpGen increments the account generation and returns the new value.
	BumpGen(ctx context.Context, id uuid.UUID) (int, error)
}

type memUsers struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]*Account
	byEmail map[string]uuid.UUID
}

func newMemUsers() *memUsers {
	return &memUsers{byID: map[uuid.UUID]*Account{}, byEmail: map[string]uuid.UUID{}}
}

func (r *memUsers) Create(_ context.Context, a *Account) error {
	key := strings.ToLower(a.User.Email)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byEmail[key]; ok {
		return ErrEmailTaken
	}
	c := *a
	c.User = *a.User.Clone()
	r.byID[a.ID] = &c
	r.byEmail[key] = a.ID
	return nil
}

func (r *memUsers) GetByID(_ context.Context, id uuid.UUID) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *a
	c.User = *a.User.Clone()
	return &c, nil
}

func (r *memUsers) GetByEmail(ctx context.Context, email string) (*Account, error) {
	r.mu.RLock()
	id, ok := r.byEmail[strings.ToLower(email)]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *memUsers) BumpGen(_ context.Context, id uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[id]
	if !ok {
		return 0, errs.ErrNotFound
	}
	a.Gen++
	return a.Gen, nil
}
