package middleware

import "context"

type ctxKey string

const ctxKeySession ctxKey = "session"

func withSession(ctx context.Context, s *SessionData) context.Context {
	return context.WithValue(ctx, ctxKeySession, s)
}

// SessionFromContext returns the session attached by Sessions, or nil.
func SessionFromContext(ctx context.Context) *SessionData {
	if ctx == nil {
		return nil
	}
	if s, ok := ctx.Value(ctxKeySession).(*SessionData); ok {
		return s
	}
	return nil
}

// SessionToken returns the visitor's bearer token. It satisfies checkout.TokenSource when
// wrapped in checkout.TokenSourceFunc.
func SessionToken(ctx context.Context) (string, bool) {
	s := SessionFromContext(ctx)
	if s == nil || s.Token == "" {
		return "", false
	}
	return s.Token, true
}
