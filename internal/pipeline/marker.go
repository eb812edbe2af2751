package pipeline

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// ForceLogoutHeader is the response header a backend sets to force a logout on 403.
const ForceLogoutHeader = "X-Force-Logout"

const maxMarkerBody = 64 << 10

type forceFlags struct {
	ForceLogout      bool `json:"forceLogout"`
	ForceLogoutSnake bool `json:"force_logout"`
}

func (f forceFlags) set() bool { return f.ForceLogout || f.ForceLogoutSnake }

// HeaderMarked reports whether a force-logout header value is set.
func HeaderMarked(v string) bool {
	v = strings.TrimSpace(v)
	return v == "1" || strings.EqualFold(v, "true")
}

// forceLogoutMarked inspects the header and the JSON body of a 403. The body stays
// readable for the caller.
func forceLogoutMarked(resp *http.Response) bool {
	if HeaderMarked(resp.Header.Get(ForceLogoutHeader)) {
		return true
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return false
	}
	head, err := io.ReadAll(io.LimitReader(resp.Body, maxMarkerBody))
	resp.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), resp.Body), resp.Body}
	if err != nil {
		return false
	}

	var body struct {
		forceFlags
		Error *forceFlags `json:"error"`
	}
	if json.Unmarshal(head, &body) != nil {
		return false
	}
	return body.set() || (body.Error != nil && body.Error.set())
}
