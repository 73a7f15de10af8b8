package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/a-h/templ"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/vagifmammadli/finalexam/internal/exam"
	"github.com/vagifmammadli/finalexam/internal/handler/views"
	appI18n "github.com/vagifmammadli/finalexam/internal/i18n"
	"github.com/vagifmammadli/finalexam/internal/model"
	"github.com/vagifmammadli/finalexam/internal/session"
	"github.com/vagifmammadli/finalexam/internal/store"
	"github.com/vagifmammadli/finalexam/internal/submission"
	"github.com/vagifmammadli/finalexam/internal/upload"
)

// CredentialChecker validates an oracle credential before it is stored.
type CredentialChecker interface {
	Ping(ctx context.Context, credential string) error
	Provider() string
}

// Deps are the services the handlers use.
type Deps struct {
	Store    *store.Store
	Exams    *submission.Service
	Checker  CredentialChecker
	Uploads  *upload.Storage
	Sessions *session.Manager
	Logger   *zap.Logger
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store     *store.Store
	exams     *submission.Service
	checker   CredentialChecker
	uploads   *upload.Storage
	sessions  *session.Manager
	config    model.Config
	adminHash []byte
	logger    *zap.Logger
}

// New creates a new Handler. An empty cfg.AdminPassword disables the admin area.
func New(deps Deps, cfg model.Config) (*Handler, error) {
	if deps.Store == nil || deps.Exams == nil || deps.Checker == nil ||
		deps.Uploads == nil || deps.Sessions == nil {
		return nil, errors.New("handler: missing dependency")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		store:    deps.Store,
		exams:    deps.Exams,
		checker:  deps.Checker,
		uploads:  deps.Uploads,
		sessions: deps.Sessions,
		config:   cfg,
		logger:   logger,
	}
	if cfg.AdminPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash admin password: %w", err)
		}
		h.adminHash = hash
	}
	return h, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Use(h.sessions.Middleware)
	r.Use(appI18n.Middleware(sessionLang))

	r.Get("/healthz", h.handleHealthz)
	r.Get("/uploads/{name}", h.handleUpload)

	r.Group(func(r chi.Router) {
		r.Use(h.csrfMiddleware)

		r.Get("/", h.handleIndex)
		r.Post("/username", h.handleSetUsername)
		r.Post("/credential", h.handleSetCredential)
		r.Post("/lang", h.handleSetLang)
		r.Post("/logout", h.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(h.requireUser)
			r.Get("/exam/{subjectID}", h.handleExamPage)
			r.Post("/exam/{subjectID}", h.handleSubmitExam)
			r.Get("/history", h.handleHistory)
			r.Get("/dashboard", h.handleDashboard)
		})

		r.Get("/admin/login", h.handleAdminLoginPage)
		r.Post("/admin/login", h.handleAdminLogin)
		r.Group(func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Get("/admin", h.handleAdminPage)
			r.Post("/admin/logout", h.handleAdminLogout)
			r.Post("/admin/subjects", h.handleCreateSubject)
			r.Post("/admin/subjects/{id}/delete", h.handleDeleteSubject)
			r.Post("/admin/questions/upload", h.handleUploadQuestions)
			r.Post("/admin/questions/{id}/delete", h.handleDeleteQuestion)
			r.Post("/admin/results/{id}/delete", h.handleDeleteResult)
		})
	})
}

// BasePathMiddleware makes the deployment prefix available to views.
func (h *Handler) BasePathMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := model.ContextWithBasePath(r.Context(), h.config.BasePath)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionLang(r *http.Request) string {
	if sess := model.SessionFromContext(r.Context()); sess != nil {
		return sess.Lang
	}
	return ""
}

func (h *Handler) path(p string) string {
	return h.config.BasePath + p
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, p string) {
	http.Redirect(w, r, h.path(p), http.StatusSeeOther)
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, c templ.Component) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	if err := c.Render(r.Context(), w); err != nil {
		h.logger.Error("render error", zap.Error(err))
	}
}

// page collects the layout data and consumes pending flashes.
func (h *Handler) page(w http.ResponseWriter, r *http.Request) views.Page {
	sess := model.SessionFromContext(r.Context())
	return views.Page{
		Session: sess,
		Flashes: h.sessions.PopFlashes(w, r, sess),
	}
}

// flash queues a localized notice.
func (h *Handler) flash(w http.ResponseWriter, r *http.Request, kind, msgID string, data map[string]any) {
	sess := model.SessionFromContext(r.Context())
	if sess == nil {
		return
	}
	msg := appI18n.Td(r.Context(), msgID, data)
	if err := h.sessions.AddFlash(w, r, sess, kind, msg); err != nil {
		h.logger.Error("save flash", zap.Error(err))
	}
}

func (h *Handler) saveSession(w http.ResponseWriter, r *http.Request, sess *model.Session) bool {
	if err := h.sessions.Save(w, r, sess); err != nil {
		h.logger.Error("save session", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return false
	}
	return true
}

func (h *Handler) serverError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func parseID(r *http.Request, name string) (uint, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, name), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(id), nil
}

// requireUser redirects to the index page until a username is set.
func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := model.SessionFromContext(r.Context())
		if sess == nil || sess.Username == "" {
			h.flash(w, r, "error", "UsernameRequired", nil)
			h.redirect(w, r, "/")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	body := map[string]any{"provider": h.checker.Provider()}
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Warn("health check: database", zap.Error(err))
		status, code = "unavailable", http.StatusServiceUnavailable
		body["error"] = err.Error()
	}
	body["status"] = status
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	p, err := h.uploads.Path(chi.URLParam(r, "name"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeFile(w, r, p)
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := &views.IndexData{Provider: h.checker.Provider()}
	sess := model.SessionFromContext(r.Context())
	if sess != nil && sess.Username != "" && sess.HasCredential() {
		subjects, err := h.exams.Subjects(r.Context())
		if err != nil {
			h.serverError(w, "list subjects", err)
			return
		}
		data.Subjects = subjects
	}
	data.Page = h.page(w, r)
	h.render(w, r, http.StatusOK, views.IndexPage(data))
}

func (h *Handler) handleSetUsername(w http.ResponseWriter, r *http.Request) {
	sess := model.SessionFromContext(r.Context())
	username := strings.TrimSpace(r.FormValue("username"))
	if username == "" {
		h.flash(w, r, "error", "UsernameEmpty", nil)
		h.redirect(w, r, "/")
		return
	}
	if len([]rune(username)) > 100 {
		username = string([]rune(username)[:100])
	}
	sess.Username = username
	h.flash(w, r, "success", "UsernameSaved", map[string]any{"Name": username})
	h.redirect(w, r, "/")
}

func (h *Handler) handleSetCredential(w http.ResponseWriter, r *http.Request) {
	sess := model.SessionFromContext(r.Context())
	if r.FormValue("clear") != "" {
		sess.Credential = ""
		h.flash(w, r, "success", "CredentialCleared", nil)
		h.redirect(w, r, "/")
		return
	}

	credential := strings.TrimSpace(r.FormValue("credential"))
	if credential == "" {
		h.flash(w, r, "error", "CredentialEmpty", nil)
		h.redirect(w, r, "/")
		return
	}
	if err := h.checker.Ping(r.Context(), credential); err != nil {
		h.logger.Info("credential rejected",
			zap.String("provider", h.checker.Provider()),
			zap.String("username", sess.Username),
			zap.Error(err))
		h.flash(w, r, "error", "CredentialInvalid", map[string]any{"Error": err.Error()})
		h.redirect(w, r, "/")
		return
	}
	sess.Credential = credential
	h.flash(w, r, "success", "CredentialSaved", nil)
	h.redirect(w, r, "/")
}

func (h *Handler) handleSetLang(w http.ResponseWriter, r *http.Request) {
	sess := model.SessionFromContext(r.Context())
	lang := r.FormValue("lang")
	if !appI18n.IsSupported(lang) {
		h.redirect(w, r, "/")
		return
	}
	sess.Lang = lang
	ctx := appI18n.WithLang(r.Context(), lang)
	h.flash(w, r.WithContext(ctx), "success", "LanguageChanged", nil)
	h.redirect(w, r, "/")
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := model.SessionFromContext(r.Context())
	if err := h.sessions.Destroy(w, r, sess); err != nil {
		h.logger.Error("destroy session", zap.Error(err))
	}
	h.redirect(w, r, "/")
}

func (h *Handler) handleExamPage(w http.ResponseWriter, r *http.Request) {
	subjectID, err := parseID(r, "subjectID")
	if err != nil {
		http.Error(w, "invalid subject ID", http.StatusBadRequest)
		return
	}
	sess := model.SessionFromContext(r.Context())
	if !sess.HasCredential() {
		h.flash(w, r, "error", "CredentialRequired", nil)
		h.redirect(w, r, "/")
		return
	}

	subj, questions, err := h.exams.StartExam(r.Context(), subjectID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.NotFound(w, r)
		return
	case errors.Is(err, exam.ErrInsufficientQuestions):
		h.logger.Info("exam refused", zap.Uint("subject_id", subjectID), zap.Error(err))
		h.flash(w, r, "error", "InsufficientQuestions", map[string]any{"Subject": subj.Name})
		h.redirect(w, r, "/")
		return
	case err != nil:
		h.serverError(w, "start exam", err)
		return
	}

	data := &views.ExamData{Subject: subj, Questions: questions}
	for _, q := range questions {
		data.MaxScore += q.MaxPoints()
	}
	data.Page = h.page(w, r)
	h.render(w, r, http.StatusOK, views.ExamPage(data))
}

func (h *Handler) handleSubmitExam(w http.ResponseWriter, r *http.Request) {
	subjectID, err := parseID(r, "subjectID")
	if err != nil {
		http.Error(w, "invalid subject ID", http.StatusBadRequest)
		return
	}
	sess := model.SessionFromContext(r.Context())

	items, closeFiles, err := h.examItems(r)
	defer closeFiles()
	if err != nil {
		h.logger.Warn("read exam form", zap.Error(err))
		http.Error(w, "invalid exam form", http.StatusBadRequest)
		return
	}
	if len(items) == 0 {
		h.flash(w, r, "error", "NoAnswers", nil)
		h.redirect(w, r, "/")
		return
	}

	report, err := h.exams.Submit(r.Context(), submission.Submission{
		Username:   sess.Username,
		SubjectID:  subjectID,
		Credential: sess.Credential,
		Lang:       appI18n.LangFromContext(r.Context()),
		Items:      items,
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.NotFound(w, r)
		return
	case err != nil:
		h.logger.Error("submit exam", zap.Uint("subject_id", subjectID), zap.Error(err))
		h.flash(w, r, "error", "ExamFailed", nil)
		h.redirect(w, r, "/")
		return
	}

	data := &views.ResultData{Report: report}
	data.Page = h.page(w, r)
	h.render(w, r, http.StatusOK, views.ResultPage(data))
}

// examItems reads question_id (repeated), answer_{id} and file_{id} fields.
// The returned func closes every opened upload.
func (h *Handler) examItems(r *http.Request) ([]submission.Item, func(), error) {
	var opened []multipart.File
	closeAll := func() {
		for _, f := range opened {
			f.Close()
		}
	}
	if r.Form == nil {
		if err := parseForm(r); err != nil {
			return nil, closeAll, err
		}
	}

	var items []submission.Item
	for _, raw := range r.Form["question_id"] {
		id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
		if err != nil {
			h.logger.Warn("skip malformed question id", zap.String("value", raw))
			continue
		}
		key := strconv.FormatUint(id, 10)
		item := submission.Item{
			QuestionID: uint(id),
			AnswerText: strings.TrimSpace(r.FormValue("answer_" + key)),
		}
		if r.MultipartForm != nil {
			if headers := r.MultipartForm.File["file_"+key]; len(headers) > 0 && headers[0].Filename != "" {
				f, err := headers[0].Open()
				if err != nil {
					return nil, closeAll, fmt.Errorf("open upload for question %d: %w", id, err)
				}
				opened = append(opened, f)
				item.Upload = &submission.File{Name: headers[0].Filename, Reader: f}
			}
		}
		items = append(items, item)
	}
	return items, closeAll, nil
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess := model.SessionFromContext(r.Context())
	results, err := h.store.ListResultsByUser(r.Context(), sess.Username)
	if err != nil {
		h.serverError(w, "list results", err)
		return
	}
	data := &views.HistoryData{Results: results}
	data.Page = h.page(w, r)
	h.render(w, r, http.StatusOK, views.HistoryPage(data))
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.DashboardStats(r.Context())
	if err != nil {
		h.serverError(w, "dashboard stats", err)
		return
	}
	results, err := h.store.ListResults(r.Context(), false)
	if err != nil {
		h.serverError(w, "list results", err)
		return
	}
	data := &views.DashboardData{Stats: stats, Results: results}
	data.Page = h.page(w, r)
	h.render(w, r, http.StatusOK, views.DashboardPage(data))
}
