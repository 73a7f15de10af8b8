package handler

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/vagifmammadli/finalexam/internal/handler/views"
	appI18n "github.com/vagifmammadli/finalexam/internal/i18n"
	"github.com/vagifmammadli/finalexam/internal/model"
)

const csrfCookieName = "csrf_token"

// multipartMemory is how much of a multipart body is kept in memory; the rest spills to disk.
const multipartMemory = 8 << 20

func generateCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func (h *Handler) cookiePath() string {
	if h.config.BasePath != "" {
		return h.config.BasePath + "/"
	}
	return "/"
}

// maxBodyBytes bounds a request body: five images plus the text fields.
func (h *Handler) maxBodyBytes() int64 {
	mb := h.config.MaxUploadMB
	if mb <= 0 {
		mb = 10
	}
	return int64(5*mb+1) << 20
}

func parseForm(r *http.Request) error {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return r.ParseMultipartForm(multipartMemory)
	}
	return r.ParseForm()
}

// csrfMiddleware implements the double-submit cookie check. Safe requests get
// a fresh token; other requests must echo the cookie in the csrf_token field,
// after which the token is rotated.
func (h *Handler) csrfMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes())
			if err := parseForm(r); err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					h.logger.Warn("request body too large", zap.Int64("limit", tooLarge.Limit))
					http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
					return
				}
				h.logger.Warn("parse form", zap.Error(err))
				http.Error(w, "invalid form", http.StatusBadRequest)
				return
			}

			cookie, err := r.Cookie(csrfCookieName)
			if err != nil || cookie.Value == "" {
				h.logger.Warn("CSRF cookie missing", zap.String("path", r.URL.Path))
				http.Error(w, "csrf token missing", http.StatusForbidden)
				return
			}
			formToken := r.FormValue("csrf_token")
			if formToken == "" {
				h.logger.Warn("CSRF form token missing", zap.String("path", r.URL.Path))
				http.Error(w, "csrf token missing", http.StatusForbidden)
				return
			}
			if len(formToken) != len(cookie.Value) || subtle.ConstantTimeCompare([]byte(formToken), []byte(cookie.Value)) != 1 {
				h.logger.Warn("CSRF token mismatch", zap.String("path", r.URL.Path))
				http.Error(w, "invalid csrf token", http.StatusForbidden)
				return
			}
		}

		token, err := generateCSRFToken()
		if err != nil {
			h.serverError(w, "generate CSRF token", err)
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     csrfCookieName,
			Value:    token,
			Path:     h.cookiePath(),
			HttpOnly: false,
			Secure:   h.config.SecureCookies,
			SameSite: http.SameSiteLaxMode,
		})
		ctx := model.ContextWithCSRFToken(r.Context(), token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin lets only sessions that passed the admin login through.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := model.SessionFromContext(r.Context())
		if h.adminHash == nil || sess == nil || !sess.Admin {
			h.redirectToLogin(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	loginPath := h.path("/admin/login")
	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("HX-Redirect", loginPath)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	http.Redirect(w, r, loginPath, http.StatusSeeOther)
}

func (h *Handler) handleAdminLoginPage(w http.ResponseWriter, r *http.Request) {
	data := &views.AdminLoginData{}
	if h.adminHash == nil {
		data.Error = appI18n.T(r.Context(), "AdminDisabled")
	}
	data.Page = h.page(w, r)
	h.render(w, r, http.StatusOK, views.AdminLoginPage(data))
}

func (h *Handler) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if h.adminHash == nil {
		h.renderLoginError(w, r, http.StatusForbidden, "AdminDisabled")
		return
	}
	password := r.FormValue("password")
	if err := bcrypt.CompareHashAndPassword(h.adminHash, []byte(password)); err != nil {
		h.logger.Warn("admin login failed", zap.String("remote", r.RemoteAddr))
		h.renderLoginError(w, r, http.StatusUnauthorized, "LoginError")
		return
	}

	sess := model.SessionFromContext(r.Context())
	sess.Admin = true
	if !h.saveSession(w, r, sess) {
		return
	}
	h.logger.Info("admin logged in", zap.String("remote", r.RemoteAddr))
	h.redirect(w, r, "/admin")
}

func (h *Handler) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	sess := model.SessionFromContext(r.Context())
	sess.Admin = false
	h.flash(w, r, "success", "LoggedOut", nil)
	h.redirect(w, r, "/")
}

func (h *Handler) renderLoginError(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	data := &views.AdminLoginData{Error: appI18n.T(r.Context(), msgID)}
	data.Page = h.page(w, r)
	h.render(w, r, status, views.AdminLoginPage(data))
}
