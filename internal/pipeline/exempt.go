package pipeline

import "strings"

// DefaultPublicPaths are the public-auth-flow fragments: requests whose path contains
// one of them are never proactively refreshed and never escalate.
var DefaultPublicPaths = []string{
	"/auth/login",
	"/auth/register",
	"/auth/forgot-password",
	"/auth/reset-password",
	"/auth/check-email",
	"/auth/google",
}

// Exemptions classifies request paths.
type Exemptions struct {
	Public      []string
	RefreshPath string
}

// Exempt reports whether path belongs to the public auth flow or is the refresh endpoint.
func (e Exemptions) Exempt(path string) bool {
	if e.RefreshPath != "" && strings.Contains(path, e.RefreshPath) {
		return true
	}
	for _, p := range e.Public {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}
