// Package session keeps per-browser state (username, credential, language,
// flashes) on the server, keyed by an opaque cookie token.
package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vagifmammadli/finalexam/internal/model"
)

// CookieName is the name of the session cookie.
const CookieName = "session"

// DefaultTTL is how long an idle session is kept.
const DefaultTTL = 24 * time.Hour

// ErrNotFound is returned for unknown or expired sessions.
var ErrNotFound = errors.New("session not found")

// Store persists sessions.
type Store interface {
	Get(ctx context.Context, id string) (*model.Session, error)
	Save(ctx context.Context, s *model.Session) error
	Delete(ctx context.Context, id string) error
	// DeleteExpired removes sessions that expired before now and returns how many.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Manager binds sessions to requests through a cookie.
type Manager struct {
	store      Store
	ttl        time.Duration
	cookiePath string
	secure     bool
	logger     *zap.Logger
	now        func() time.Time
}

// NewManager creates a Manager. basePath scopes the cookie for sub-path deployments.
func NewManager(store Store, ttl time.Duration, basePath string, secure bool, logger *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cookiePath := "/"
	if basePath != "" {
		cookiePath = basePath + "/"
	}
	return &Manager{
		store:      store,
		ttl:        ttl,
		cookiePath: cookiePath,
		secure:     secure,
		logger:     logger,
		now:        time.Now,
	}
}

// Store returns the underlying store.
func (m *Manager) Store() Store {
	return m.store
}

// Middleware loads the session named by the cookie, or starts a fresh unsaved
// one, and stores it in the request context.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := m.load(r)
		ctx := model.ContextWithSession(r.Context(), sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Manager) load(r *http.Request) *model.Session {
	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		sess, err := m.store.Get(r.Context(), cookie.Value)
		switch {
		case err == nil && sess.ExpiresAt.After(m.now()):
			return sess
		case err != nil && !errors.Is(err, ErrNotFound):
			m.logger.Error("load session", zap.Error(err))
		}
	}
	return m.newSession()
}

func (m *Manager) newSession() *model.Session {
	now := m.now().UTC()
	return &model.Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
}

// Save persists the session, extends its lifetime and sets the cookie.
func (m *Manager) Save(w http.ResponseWriter, r *http.Request, sess *model.Session) error {
	sess.ExpiresAt = m.now().UTC().Add(m.ttl)
	if err := m.store.Save(r.Context(), sess); err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    sess.ID,
		Path:     m.cookiePath,
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   m.secure,
	})
	return nil
}

// Destroy deletes the session and clears the cookie.
func (m *Manager) Destroy(w http.ResponseWriter, r *http.Request, sess *model.Session) error {
	var err error
	if sess != nil {
		err = m.store.Delete(r.Context(), sess.ID)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     m.cookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
	})
	return err
}

// AddFlash queues a notice for the next page and saves the session.
func (m *Manager) AddFlash(w http.ResponseWriter, r *http.Request, sess *model.Session, kind, message string) error {
	sess.Flashes = append(sess.Flashes, model.Flash{Kind: kind, Message: message})
	return m.Save(w, r, sess)
}

// PopFlashes returns the queued notices and clears them.
func (m *Manager) PopFlashes(w http.ResponseWriter, r *http.Request, sess *model.Session) model.Flashes {
	if sess == nil || len(sess.Flashes) == 0 {
		return nil
	}
	flashes := sess.Flashes
	sess.Flashes = nil
	if err := m.Save(w, r, sess); err != nil {
		m.logger.Error("clear flashes", zap.Error(err))
	}
	return flashes
}
