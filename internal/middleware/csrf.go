package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"finitefield.org/market-web/internal/platform/httpx"
)

const (
	// CSRFCookieName is the readable double-submit cookie.
	CSRFCookieName = "csrf_token"
	// CSRFHeader must echo the cookie on unsafe requests.
	CSRFHeader = "X-CSRF-Token"
)

// CSRF issues a per-session token and requires it on unsafe methods. Requests carrying a
// bearer token are programmatic and skip the check.
func CSRF(secure bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s := SessionFromContext(r.Context())
			if s == nil {
				next.ServeHTTP(w, r)
				return
			}
			token := s.csrfToken()

			if c, err := r.Cookie(CSRFCookieName); err != nil || c.Value != token {
				http.SetCookie(w, &http.Cookie{
					Name:     CSRFCookieName,
					Value:    token,
					Path:     "/",
					Secure:   secure,
					SameSite: http.SameSiteLaxMode,
					Expires:  time.Now().Add(24 * time.Hour),
				})
			}

			if !isSafeMethod(r.Method) && !hasBearer(r) {
				c, err := r.Cookie(CSRFCookieName)
				if r.Header.Get(CSRFHeader) != token || err != nil || c.Value != token {
					httpx.WriteError(r.Context(), w, httpx.NewError(httpx.CodeCSRFInvalid, "invalid CSRF token", http.StatusForbidden))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *SessionData) csrfToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CSRFToken == "" {
		s.CSRFToken = newCSRFToken()
		s.dirty = true
	}
	return s.CSRFToken
}

func hasBearer(r *http.Request) bool {
	return strings.HasPrefix(strings.ToLower(r.Header.Get("Authorization")), "bearer ")
}

func newCSRFToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func isSafeMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
