// Package submission runs one exam attempt from question selection to the final score.
package submission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/vagifmammadli/finalexam/internal/exam"
	"github.com/vagifmammadli/finalexam/internal/grading"
	"github.com/vagifmammadli/finalexam/internal/llm"
	"github.com/vagifmammadli/finalexam/internal/metrics"
	"github.com/vagifmammadli/finalexam/internal/model"
	"github.com/vagifmammadli/finalexam/internal/upload"
)

// ErrEmptyUsername is returned when a submission has no username.
var ErrEmptyUsername = errors.New("username is empty")

// ErrTierFull marks an item beyond the number of questions an exam has in its tier.
var ErrTierFull = errors.New("no more questions of this difficulty in an exam")

// Store is the persistence the service needs.
type Store interface {
	ListSubjects(ctx context.Context) ([]model.Subject, error)
	GetSubject(ctx context.Context, id uint) (*model.Subject, error)
	GetQuestion(ctx context.Context, id uint) (*model.Question, error)
	CreateResult(ctx context.Context, r *model.Result) error
	AddAnswer(ctx context.Context, a *model.Answer) error
	FinalizeResult(ctx context.Context, id uint, total, max int) error
}

// Grader scores a single answer.
type Grader interface {
	Grade(ctx context.Context, req grading.Request) grading.Outcome
}

// Uploads stores and reads answer images.
type Uploads interface {
	Save(originalName string, r io.Reader) (string, error)
	Load(name string) (*llm.Image, error)
}

// File is an uploaded attachment.
type File struct {
	Name   string
	Reader io.Reader
}

// Item is the answer to one question.
type Item struct {
	QuestionID uint
	AnswerText string
	Upload     *File
}

// Submission is a completed exam form.
type Submission struct {
	Username   string
	SubjectID  uint
	Credential string
	Lang       string
	Items      []Item
}

// ItemReport is the outcome for one question.
type ItemReport struct {
	QuestionID   uint
	QuestionText string
	Difficulty   model.Difficulty
	AnswerText   string
	ImagePath    string
	Score        int
	Points       int
	MaxPoints    int
	Feedback     string
	Outcome      model.Outcome
	Reason       grading.Reason
	Err          error
}

// Report is the graded attempt shown on the result page.
type Report struct {
	ResultID    uint
	Username    string
	SubjectName string
	Items       []ItemReport
	TotalScore  int
	MaxScore    int
}

// Failed returns the number of items that could not be processed.
func (r *Report) Failed() int {
	n := 0
	for _, it := range r.Items {
		if it.Outcome == model.OutcomeFailed {
			n++
		}
	}
	return n
}

// Service ties together selector, uploads, grader and store.
type Service struct {
	store    Store
	selector *exam.Selector
	grader   Grader
	uploads  Uploads
	logger   *zap.Logger
}

// NewService creates a Service.
func NewService(store Store, selector *exam.Selector, grader Grader, uploads Uploads, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		selector: selector,
		grader:   grader,
		uploads:  uploads,
		logger:   logger,
	}
}

// Subjects lists every subject with its per-tier question counts.
func (s *Service) Subjects(ctx context.Context) ([]model.SubjectView, error) {
	subjects, err := s.store.ListSubjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	views := make([]model.SubjectView, 0, len(subjects))
	for _, subj := range subjects {
		counts, ready, err := s.selector.Availability(ctx, subj.ID)
		if err != nil {
			return nil, err
		}
		views = append(views, model.SubjectView{Subject: subj, Counts: counts, Ready: ready})
	}
	return views, nil
}

// StartExam draws the questions of a new attempt. No result is stored until Submit.
func (s *Service) StartExam(ctx context.Context, subjectID uint) (*model.Subject, []model.Question, error) {
	subj, err := s.store.GetSubject(ctx, subjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("subject %d: %w", subjectID, err)
	}
	questions, err := s.selector.SelectExam(ctx, subjectID)
	if err != nil {
		return subj, nil, err
	}
	return subj, questions, nil
}

// Submit grades every item and finalizes the result. A failing item scores
// zero and is reported; the remaining items are still graded. Items beyond
// the exam's count for their tier fail and carry no weight.
func (s *Service) Submit(ctx context.Context, sub Submission) (*Report, error) {
	username := strings.TrimSpace(sub.Username)
	if username == "" {
		return nil, ErrEmptyUsername
	}
	subj, err := s.store.GetSubject(ctx, sub.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("subject %d: %w", sub.SubjectID, err)
	}

	result := &model.Result{
		Username:    username,
		SubjectID:   &subj.ID,
		SubjectName: subj.Name,
	}
	if err := s.store.CreateResult(ctx, result); err != nil {
		return nil, fmt.Errorf("create result: %w", err)
	}
	log := s.logger.With(zap.Uint("result_id", result.ID), zap.String("username", username))
	log.Info("exam started", zap.String("subject", subj.Name), zap.Int("items", len(sub.Items)))

	report := &Report{ResultID: result.ID, Username: username, SubjectName: subj.Name}
	seen := make(map[uint]bool, len(sub.Items))
	quota := s.selector.Blueprint()
	for _, item := range sub.Items {
		var ir ItemReport
		if seen[item.QuestionID] {
			ir = failedItem(item, nil, fmt.Errorf("question %d answered twice", item.QuestionID))
		} else {
			seen[item.QuestionID] = true
			ir = s.processItem(ctx, result.ID, subj.ID, sub, item, quota)
		}
		if ir.Outcome == model.OutcomeFailed {
			log.Warn("answer failed", zap.Uint("question_id", item.QuestionID), zap.Error(ir.Err))
		}
		report.TotalScore += ir.Points
		report.MaxScore += ir.MaxPoints
		report.Items = append(report.Items, ir)
	}

	if err := s.store.FinalizeResult(ctx, result.ID, report.TotalScore, report.MaxScore); err != nil {
		return nil, fmt.Errorf("finalize result: %w", err)
	}
	metrics.ExamSubmitted()
	log.Info("exam finalized",
		zap.Int("total", report.TotalScore),
		zap.Int("max", report.MaxScore),
		zap.Int("failed", report.Failed()))
	return report, nil
}

func (s *Service) processItem(ctx context.Context, resultID, subjectID uint, sub Submission, item Item, quota exam.Blueprint) ItemReport {
	q, err := s.store.GetQuestion(ctx, item.QuestionID)
	if err != nil {
		return failedItem(item, nil, fmt.Errorf("question %d: %w", item.QuestionID, err))
	}
	if q.SubjectID != subjectID {
		return failedItem(item, nil, fmt.Errorf("question %d does not belong to subject %d", q.ID, subjectID))
	}
	if quota[q.Difficulty] <= 0 {
		ir := failedItem(item, nil, fmt.Errorf("question %d: %w: %s", q.ID, ErrTierFull, q.Difficulty))
		ir.QuestionText = q.Text
		ir.Difficulty = q.Difficulty
		return ir
	}
	quota[q.Difficulty]--

	var (
		imagePath string
		image     *llm.Image
	)
	if item.Upload != nil && item.Upload.Name != "" {
		imagePath, err = s.uploads.Save(item.Upload.Name, item.Upload.Reader)
		if err != nil {
			// Rejected attachments leave a text-only answer.
			s.logger.Warn("upload rejected", zap.String("file", item.Upload.Name), zap.Error(err))
			imagePath = ""
		} else if image, err = s.uploads.Load(imagePath); err != nil {
			// The oracle still gets the text answer.
			s.logger.Warn("upload not usable as image", zap.String("file", imagePath), zap.Error(err))
			image = nil
		}
	}

	out := s.grader.Grade(ctx, grading.Request{
		QuestionText: q.Text,
		AnswerText:   item.AnswerText,
		Image:        image,
		Credential:   sub.Credential,
		Lang:         sub.Lang,
	})

	maxPoints := q.MaxPoints()
	answer := &model.Answer{
		ResultID:       resultID,
		QuestionID:     &q.ID,
		QuestionText:   q.Text,
		Difficulty:     q.Difficulty,
		AnswerText:     item.AnswerText,
		ImagePath:      imagePath,
		Score:          out.Score,
		Points:         grading.Points(out.Score, maxPoints),
		MaxPoints:      maxPoints,
		Feedback:       out.Feedback,
		Outcome:        out.Status,
		DegradedReason: string(out.Reason),
	}
	if err := s.store.AddAnswer(ctx, answer); err != nil {
		ir := failedItem(item, q, fmt.Errorf("store answer: %w", err))
		ir.ImagePath = imagePath
		return ir
	}

	return ItemReport{
		QuestionID:   q.ID,
		QuestionText: q.Text,
		Difficulty:   q.Difficulty,
		AnswerText:   item.AnswerText,
		ImagePath:    imagePath,
		Score:        answer.Score,
		Points:       answer.Points,
		MaxPoints:    maxPoints,
		Feedback:     answer.Feedback,
		Outcome:      out.Status,
		Reason:       out.Reason,
	}
}

// failedItem reports an item that earned nothing. Unknown questions carry no weight.
func failedItem(item Item, q *model.Question, err error) ItemReport {
	ir := ItemReport{
		QuestionID: item.QuestionID,
		AnswerText: item.AnswerText,
		Outcome:    model.OutcomeFailed,
		Err:        err,
	}
	if q != nil {
		ir.QuestionText = q.Text
		ir.Difficulty = q.Difficulty
		ir.MaxPoints = q.MaxPoints()
	}
	return ir
}

// Uploads is satisfied by *upload.Storage.
var _ Uploads = (*upload.Storage)(nil)
