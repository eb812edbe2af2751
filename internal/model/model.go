// Package model defines entities shared by the session store, API clients and the dev backend.
package model

import (
	"slices"
	"time"
)

// Tokens collects issued access/refresh tokens (refresh optional).
type Tokens struct {
	AccessToken  string
	RefreshToken string    // empty when the backend did not rotate it
	ExpiresAt    time.Time // access token expiry (for diagnostics)
}

// Role is the marketplace role of an account.
type Role string

const (
	RoleClient   Role = "client"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleProvider, RoleAdmin:
		return true
	}
	return false
}

// User is the cached profile of the authenticated account.
type User struct {
	ID                 string   `json:"id"`
	Email              string   `json:"email"`
	Name               string   `json:"name,omitempty"`
	Role               Role     `json:"role"`
	PlanIDs            []string `json:"planIds,omitempty"`
	VerificationStatus string   `json:"verificationStatus,omitempty"`
}

// Clone returns a deep copy; nil stays nil.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.PlanIDs = slices.Clone(u.PlanIDs)
	return &c
}

// Session is the current authentication state. Empty strings mean "absent".
type Session struct {
	AccessToken         string
	RefreshToken        string
	User                *User
	OnboardingCompleted bool
}
