package middleware

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"finitefield.org/market-web/internal/platform/requestctx"
)

// SessionData is persisted inside the signed session cookie.
type SessionData struct {
	ID        string    `json:"id"`
	Token     string    `json:"tok,omitempty"`
	CSRFToken string    `json:"csrf,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	mu    sync.Mutex
	dirty bool
}

// SetToken stores the visitor's auth token for backend calls.
func (s *SessionData) SetToken(token string) {
	token = strings.TrimSpace(token)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Token == token {
		return
	}
	s.Token = token
	s.dirty = true
	s.UpdatedAt = time.Now().UTC()
}

// touch records activity so the idle timeout restarts.
func (s *SessionData) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdatedAt = now
	s.dirty = true
}

func (s *SessionData) lastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.UpdatedAt
}

func (s *SessionData) isDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// SessionConfig configures the cookie.
type SessionConfig struct {
	CookieName string
	HashKey    string
	Secure     bool
	TTL        time.Duration
}

// SessionManager signs, reads and writes the session cookie.
type SessionManager struct {
	name   string
	key    []byte
	secure bool
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionManager builds a manager. Without a hash key a process-ephemeral key is
// generated, which invalidates sessions on restart.
func NewSessionManager(cfg SessionConfig, logger *zap.Logger) (*SessionManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := strings.TrimSpace(cfg.CookieName)
	if name == "" {
		return nil, errors.New("middleware: session cookie name is required")
	}
	key := []byte(cfg.HashKey)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		logger.Warn("session: using ephemeral signing key; set MARKET_WEB_SESSION_HASH_KEY")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &SessionManager{name: name, key: key, secure: cfg.Secure, ttl: ttl, now: time.Now}, nil
}

// Sessions loads or starts a session, stores it on the request context and writes the
// cookie before the first byte of the response when it is new or changed. The TTL is an
// idle timeout: activity re-signs the cookie once a tenth of the TTL has passed since the
// last write.
func (m *SessionManager) Sessions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sd, fromCookie := m.read(r)
		if sd == nil {
			now := m.now().UTC()
			sd = &SessionData{ID: randID(), CreatedAt: now, UpdatedAt: now, dirty: true}
		}
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			sd.SetToken(strings.TrimPrefix(auth, "Bearer "))
		}
		if now := m.now().UTC(); fromCookie && now.Sub(sd.lastActivity()) >= m.ttl/10 {
			sd.touch(now)
		}

		ctx := withSession(r.Context(), sd)
		ctx = requestctx.WithSessionID(ctx, sd.ID)
		sw := &sessionWriter{ResponseWriter: w, flush: func() {
			if sd.isDirty() || !fromCookie {
				m.write(w, sd)
			}
		}}
		next.ServeHTTP(sw, r.WithContext(ctx))
		sw.ensure()
	})
}

func (m *SessionManager) read(r *http.Request) (*SessionData, bool) {
	c, err := r.Cookie(m.name)
	if err != nil || c.Value == "" {
		return nil, false
	}
	payload, sig, ok := strings.Cut(c.Value, ".")
	if !ok {
		return nil, false
	}
	payloadB, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, false
	}
	sigB, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return nil, false
	}
	if !hmac.Equal(sigB, m.sign(payloadB)) {
		return nil, false
	}
	var sd SessionData
	if err := json.Unmarshal(payloadB, &sd); err != nil || sd.ID == "" {
		return nil, false
	}
	if m.now().Sub(sd.UpdatedAt) > m.ttl {
		return nil, false
	}
	return &sd, true
}

func (m *SessionManager) write(w http.ResponseWriter, sd *SessionData) {
	sd.mu.Lock()
	b, _ := json.Marshal(sd)
	sd.dirty = false
	sd.mu.Unlock()
	http.SetCookie(w, &http.Cookie{
		Name:     m.name,
		Value:    base64.RawURLEncoding.EncodeToString(b) + "." + base64.RawURLEncoding.EncodeToString(m.sign(b)),
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  m.now().Add(m.ttl),
	})
}

func (m *SessionManager) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, m.key)
	_, _ = mac.Write(payload)
	return mac.Sum(nil)
}

// sessionWriter sets the cookie just before the response header is committed.
type sessionWriter struct {
	http.ResponseWriter
	flush func()
	once  sync.Once
}

func (w *sessionWriter) ensure() { w.once.Do(w.flush) }

func (w *sessionWriter) WriteHeader(status int) {
	w.ensure()
	w.ResponseWriter.WriteHeader(status)
}

func (w *sessionWriter) Write(b []byte) (int, error) {
	w.ensure()
	return w.ResponseWriter.Write(b)
}

func (w *sessionWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func randID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
