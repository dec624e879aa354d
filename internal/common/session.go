package common

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type ctxKey string

const sessionIDKey ctxKey = "storefront/session-id"

// SessionCookieName is the cookie carrying the browsing session identifier.
const SessionCookieName = "sid"

// SessionHeader lets non-browser clients pass the session identifier explicitly.
const SessionHeader = "X-Session-ID"

// WithSessionID stores the browsing session identifier on the provided context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionID extracts the browsing session identifier from the context if present.
func SessionID(ctx context.Context) (string, bool) {
	v := ctx.Value(sessionIDKey)
	if v == nil {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

// Sessions resolves the browsing session for every request, minting a new
// identifier (and cookie) when the client did not present one.
type Sessions struct {
	CookieSecure bool
	MaxAge       int
}

// Middleware implements chi middleware for session resolution.
func (s Sessions) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(SessionHeader))
		if id == "" {
			if c, err := r.Cookie(SessionCookieName); err == nil {
				id = strings.TrimSpace(c.Value)
			}
		}
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
			maxAge := s.MaxAge
			if maxAge <= 0 {
				maxAge = 30 * 24 * 60 * 60
			}
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookieName,
				Value:    id,
				Path:     "/",
				MaxAge:   maxAge,
				HttpOnly: true,
				Secure:   s.CookieSecure,
				SameSite: http.SameSiteLaxMode,
			})
		}
		w.Header().Set(SessionHeader, id)
		next.ServeHTTP(w, r.WithContext(WithSessionID(r.Context(), id)))
	})
}

// RequireSession returns the session id or writes a 400 and reports false.
func RequireSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := SessionID(r.Context())
	if !ok {
		JSONError(w, http.StatusBadRequest, "SESSION_REQUIRED", "browsing session required", nil)
		return "", false
	}
	return id, true
}
