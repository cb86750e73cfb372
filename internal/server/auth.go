package server

import (
	"crypto/subtle"
	"io"
	"net/http"
	"strings"
)

const (
	tokenCookie       = "auth_token"
	tokenCookieMaxAge = 30 * 24 * 60 * 60
)

// authorize applies the access token gate. It returns the request path
// with a leading "/{token}" segment removed. When the request may not
// proceed it writes the response itself and returns false: 401 without a
// token, or a redirect that trades a path token for a cookie.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, token string) (string, bool) {
	path := r.URL.Path

	if token == "" {
		return path, true
	}

	hasCookie := false
	if c, err := r.Cookie(tokenCookie); err == nil {
		hasCookie = equalToken(c.Value, token)
	}

	authHeader := r.Header.Get("Authorization")
	hasHeader := equalToken(strings.TrimPrefix(authHeader, "Bearer "), token)

	prefix := "/" + token
	hasPathToken := path == prefix || strings.HasPrefix(path, prefix+"/")

	if !hasCookie && !hasHeader && !hasPathToken {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, "401 Unauthorized: Invalid or missing token")
		return "", false
	}

	if !hasPathToken {
		return path, true
	}

	stripped := strings.TrimPrefix(path, prefix)
	if stripped == "" {
		stripped = "/"
	}

	if !hasCookie {
		location := stripped
		if r.URL.RawQuery != "" {
			location += "?" + r.URL.RawQuery
		}

		http.SetCookie(w, &http.Cookie{
			Name:     tokenCookie,
			Value:    token,
			Path:     "/",
			MaxAge:   tokenCookieMaxAge,
			HttpOnly: true,
			SameSite: http.SameSiteStrictMode,
		})
		w.Header().Set("Location", location)
		w.WriteHeader(http.StatusFound)
		return "", false
	}

	return stripped, true
}

func equalToken(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
