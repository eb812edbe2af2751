package pipeline

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderMarked(t *testing.T) {
	t.Parallel()
	for v, want := range map[string]bool{"1": true, "true": true, " TRUE ": true, "0": false, "": false, "yes": false} {
		require.Equal(t, want, HeaderMarked(v), "value %q", v)
	}
}

func TestForceLogoutMarked_BodyStaysReadable(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		`{"forceLogout":true}`:            true,
		`{"force_logout":true}`:           true,
		`{"error":{"forceLogout":true}}`:  true,
		`{"forceLogout":false}`:           false,
		`{"message":"insufficient plan"}`: false,
		`not json`:                        false,
		``:                                false,
	}
	for body, want := range cases {
		resp := &http.Response{
			StatusCode: http.StatusForbidden,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader(body)),
		}
		require.Equal(t, want, forceLogoutMarked(resp), "body %q", body)
		rest, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Equal(t, body, string(rest))
	}
}

func TestExemptions(t *testing.T) {
	t.Parallel()

	e := Exemptions{Public: DefaultPublicPaths, RefreshPath: "/api/auth/refresh-token"}
	require.True(t, e.Exempt("/api/auth/login"))
	require.True(t, e.Exempt("/api/auth/refresh-token"))
	require.True(t, e.Exempt("/api/auth/google/callback"))
	require.False(t, e.Exempt("/api/auth/me"))
	require.False(t, e.Exempt("/api/orders"))
}
