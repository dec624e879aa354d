package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/noah-isme/storefront-checkout/internal/common"
)

// CSRF protects cookie-session requests with a double-submit token. The
// token cookie is readable by the storefront script, which echoes it in
// Header on every unsafe request.
type CSRF struct {
	Header string
	Cookie string
	Secure bool
}

func (c CSRF) names() (header, cookie string) {
	header = strings.TrimSpace(c.Header)
	if header == "" {
		header = "X-CSRF-Token"
	}
	cookie = strings.TrimSpace(c.Cookie)
	if cookie == "" {
		cookie = "csrf_token"
	}
	return header, cookie
}

// Middleware issues the token cookie when missing and checks unsafe
// methods. Clients that send the session in a header rather than a cookie
// are not exposed to CSRF and pass through.
func (c CSRF) Middleware(next http.Handler) http.Handler {
	headerName, cookieName := c.names()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(cookieName)
		hasCookie := err == nil && strings.TrimSpace(cookie.Value) != ""
		if !hasCookie {
			http.SetCookie(w, &http.Cookie{
				Name:     cookieName,
				Value:    uuid.NewString(),
				Path:     "/",
				Secure:   c.Secure,
				SameSite: http.SameSiteLaxMode,
			})
		}

		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
			next.ServeHTTP(w, r)
			return
		}
		if strings.TrimSpace(r.Header.Get(common.SessionHeader)) != "" {
			next.ServeHTTP(w, r)
			return
		}

		token := strings.TrimSpace(r.Header.Get(headerName))
		if token == "" || !hasCookie {
			common.JSONError(w, http.StatusForbidden, "CSRF_REQUIRED", "missing csrf token", nil)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(cookie.Value)) != 1 {
			common.JSONError(w, http.StatusForbidden, "CSRF_INVALID", "invalid csrf token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
