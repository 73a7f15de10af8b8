package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/vagifmammadli/finalexam/internal/handler/views"
	"github.com/vagifmammadli/finalexam/internal/store"
)

// maxQuestionsFile caps an uploaded questions JSON file.
const maxQuestionsFile = 10 << 20

func (h *Handler) handleAdminPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subjects, err := h.exams.Subjects(ctx)
	if err != nil {
		h.serverError(w, "list subjects", err)
		return
	}
	data := &views.AdminData{}
	for _, sv := range subjects {
		questions, err := h.store.ListQuestions(ctx, sv.Subject.ID)
		if err != nil {
			h.serverError(w, "list questions", err)
			return
		}
		data.Subjects = append(data.Subjects, views.AdminSubject{SubjectView: sv, Questions: questions})
	}
	data.Results, err = h.store.ListResults(ctx, false)
	if err != nil {
		h.serverError(w, "list results", err)
		return
	}
	data.Page = h.page(w, r)
	h.render(w, r, http.StatusOK, views.AdminPage(data))
}

func (h *Handler) handleCreateSubject(w http.ResponseWriter, r *http.Request) {
	subj, err := h.store.CreateSubject(r.Context(), r.FormValue("name"))
	if err != nil {
		h.logger.Warn("create subject", zap.Error(err))
		h.flash(w, r, "error", "SubjectCreateFailed", map[string]any{"Error": err.Error()})
		h.redirect(w, r, "/admin")
		return
	}
	h.logger.Info("subject created", zap.Uint("subject_id", subj.ID), zap.String("name", subj.Name))
	h.flash(w, r, "success", "SubjectCreated", map[string]any{"Name": subj.Name})
	h.redirect(w, r, "/admin")
}

func (h *Handler) handleDeleteSubject(w http.ResponseWriter, r *http.Request) {
	h.deleteByID(w, r, "SubjectDeleted", "subject", h.store.DeleteSubject)
}

func (h *Handler) handleDeleteQuestion(w http.ResponseWriter, r *http.Request) {
	h.deleteByID(w, r, "QuestionDeleted", "question", h.store.DeleteQuestion)
}

func (h *Handler) handleDeleteResult(w http.ResponseWriter, r *http.Request) {
	h.deleteByID(w, r, "ResultDeleted", "result", h.store.DeleteResult)
}

func (h *Handler) deleteByID(w http.ResponseWriter, r *http.Request, msgID, kind string,
	del func(ctx context.Context, id uint) error) {
	id, err := parseID(r, "id")
	if err != nil {
		http.Error(w, "invalid "+kind+" ID", http.StatusBadRequest)
		return
	}
	err = del(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.NotFound(w, r)
		return
	case err != nil:
		h.serverError(w, "delete "+kind, err)
		return
	}
	h.logger.Info(kind+" deleted", zap.Uint("id", id))
	h.flash(w, r, "success", msgID, nil)
	h.redirect(w, r, "/admin")
}

func (h *Handler) handleUploadQuestions(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("questions_file")
	if err != nil {
		h.flash(w, r, "error", "UploadMissing", nil)
		h.redirect(w, r, "/admin")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxQuestionsFile+1))
	if err != nil {
		h.serverError(w, "read questions file", err)
		return
	}
	name := filepath.Base(header.Filename)
	if len(data) > maxQuestionsFile {
		h.flash(w, r, "error", "UploadInvalid", map[string]any{"Error": "file too large"})
		h.redirect(w, r, "/admin")
		return
	}

	report, err := h.store.ImportQuestionFile(r.Context(), name, data)
	if err != nil {
		h.logger.Warn("import questions", zap.String("filename", name), zap.Error(err))
		h.flash(w, r, "error", "UploadInvalid", map[string]any{"Error": err.Error()})
		h.redirect(w, r, "/admin")
		return
	}

	switch report.Status {
	case store.ImportUnchanged:
		h.flash(w, r, "error", "UploadDuplicate", map[string]any{"File": name})
	case store.ImportChanged:
		h.logger.Warn("questions file changed since last import, skipping", zap.String("filename", name))
		h.flash(w, r, "error", "UploadChanged", map[string]any{"File": name})
	default:
		h.logger.Info("uploaded questions via admin", zap.String("filename", name), zap.Int("count", report.Imported))
		h.flash(w, r, "success", "UploadImported", map[string]any{"File": name, "Count": report.Imported})
	}
	h.redirect(w, r, "/admin")
}
