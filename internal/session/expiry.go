package session

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUndecodable is returned for tokens whose claims cannot be read.
var ErrUndecodable = errors.New("token claims undecodable")

// DecodeExpiry reads the exp claim without verifying the signature.
// ok is false when the token carries no exp claim.
func DecodeExpiry(token string) (exp time.Time, ok bool, err error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false, errors.Join(ErrUndecodable, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false, nil
	}
	return claims.ExpiresAt.Time, true, nil
}
