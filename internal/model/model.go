package model

import (
	"context"
	"strings"
	"time"
)

// Difficulty represents question difficulty tier.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "Easy"
	DifficultyMedium Difficulty = "Medium"
	DifficultyHard   Difficulty = "Hard"
)

// Difficulties lists the tiers in exam order.
var Difficulties = []Difficulty{DifficultyEasy, DifficultyMedium, DifficultyHard}

// MaxPoints returns the points a fully correct answer earns in this tier.
func (d Difficulty) MaxPoints() int {
	switch d {
	case DifficultyEasy:
		return 5
	case DifficultyMedium:
		return 10
	case DifficultyHard:
		return 20
	default:
		return 10
	}
}

// Valid reports whether d is one of the known tiers.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// ParseDifficulty converts user input ("easy", "HARD") to a canonical tier.
func ParseDifficulty(s string) (Difficulty, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "easy":
		return DifficultyEasy, true
	case "medium":
		return DifficultyMedium, true
	case "hard":
		return DifficultyHard, true
	}
	return "", false
}

// ResultStatus tracks an exam attempt through submission.
type ResultStatus string

const (
	ResultStarted   ResultStatus = "started"
	ResultFinalized ResultStatus = "finalized"
)

// Outcome tags how an answer's points were produced.
type Outcome string

const (
	OutcomeGraded   Outcome = "graded"
	OutcomeDegraded Outcome = "degraded"
	OutcomeFailed   Outcome = "failed"
)

// Subject is a course whose questions form an exam pool.
type Subject struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	Name      string     `gorm:"size:100;not null;uniqueIndex" json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	Questions []Question `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// Question is one exam item. Text may embed LaTeX math.
type Question struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	SubjectID  uint       `gorm:"not null;index:idx_questions_subject_difficulty" json:"subject_id"`
	Text       string     `gorm:"type:text;not null" json:"text"`
	Difficulty Difficulty `gorm:"size:20;not null;index:idx_questions_subject_difficulty" json:"difficulty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// MaxPoints returns the question's weight.
func (q Question) MaxPoints() int {
	return q.Difficulty.MaxPoints()
}

// Result is one exam attempt by a user.
type Result struct {
	ID          uint         `gorm:"primaryKey" json:"id"`
	Username    string       `gorm:"size:100;not null;index" json:"username"`
	SubjectID   *uint        `gorm:"index" json:"subject_id,omitempty"`
	Subject     *Subject     `gorm:"constraint:OnUpdate:CASCADE,OnDelete:SET NULL" json:"-"`
	SubjectName string       `gorm:"size:100;not null" json:"subject_name"`
	TotalScore  int          `gorm:"not null;default:0" json:"total_score"`
	MaxScore    int          `gorm:"not null;default:0" json:"max_score"`
	Status      ResultStatus `gorm:"size:20;not null;default:started" json:"status"`
	ExamDate    time.Time    `gorm:"not null;index" json:"exam_date"`
	Answers     []Answer     `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"answers,omitempty"`
}

// Answer is one graded response within a Result.
type Answer struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	ResultID       uint       `gorm:"not null;index" json:"result_id"`
	QuestionID     *uint      `gorm:"index" json:"question_id,omitempty"`
	Question       *Question  `gorm:"constraint:OnUpdate:CASCADE,OnDelete:SET NULL" json:"-"`
	QuestionText   string     `gorm:"type:text;not null" json:"question_text"`
	Difficulty     Difficulty `gorm:"size:20;not null" json:"difficulty"`
	AnswerText     string     `gorm:"type:text" json:"answer_text"`
	ImagePath      string     `gorm:"size:200" json:"image_path,omitempty"`
	Score          int        `gorm:"not null;default:0" json:"score"`
	Points         int        `gorm:"not null;default:0" json:"points"`
	MaxPoints      int        `gorm:"not null;default:10" json:"max_points"`
	Feedback       string     `gorm:"type:text" json:"feedback"`
	Outcome        Outcome    `gorm:"size:20;not null;default:graded" json:"outcome"`
	DegradedReason string     `gorm:"size:40" json:"degraded_reason,omitempty"`
}

// ImportedFile records the hash of a seeded question file.
type ImportedFile struct {
	Path       string `gorm:"primaryKey;size:500"`
	Hash       string `gorm:"size:64;not null"`
	ImportedAt time.Time
}

// QuestionImport is used for loading questions from JSON.
type QuestionImport struct {
	Subject    string `json:"subject"`
	Text       string `json:"text"`
	Difficulty string `json:"difficulty"`
}

// SubjectView pairs a subject with its per-tier question counts.
type SubjectView struct {
	Subject Subject
	Counts  map[Difficulty]int
	Ready   bool
}

// DashboardStats summarizes all results.
type DashboardStats struct {
	TotalUsers   int
	TotalExams   int
	AverageScore float64
}

// Config holds runtime parameters set via CLI flags.
type Config struct {
	BasePath      string // URL prefix for sub-path deployments
	SecureCookies bool
	Provider      string
	DefaultLang   string
	MaxUploadMB   int
	SessionTTL    time.Duration
	AdminPassword string // empty disables the admin area
}

// Session is the server-side state of one browser.
type Session struct {
	ID         string    `gorm:"primaryKey;size:64" json:"id"`
	Username   string    `gorm:"size:100" json:"username"`
	Credential string    `gorm:"size:500" json:"credential"`
	Lang       string    `gorm:"size:10" json:"lang"`
	Admin      bool      `json:"admin"`
	Flashes    Flashes   `gorm:"type:text;serializer:json" json:"flashes"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `gorm:"index" json:"expires_at"`
}

// Flash is a one-shot notice shown on the next page render.
type Flash struct {
	Kind    string `json:"kind"` // "success" or "error"
	Message string `json:"message"`
}

// Flashes is a list of pending notices.
type Flashes []Flash

// HasCredential reports whether an oracle credential is set.
func (s *Session) HasCredential() bool {
	return s != nil && s.Credential != ""
}

type sessionCtxKey struct{}

// ContextWithSession stores the session in the request context.
func ContextWithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, s)
}

// SessionFromContext retrieves the session from context, or nil.
func SessionFromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionCtxKey{}).(*Session)
	return s
}

type basePathCtxKey struct{}

// ContextWithBasePath stores the base path prefix in context.
func ContextWithBasePath(ctx context.Context, basePath string) context.Context {
	return context.WithValue(ctx, basePathCtxKey{}, basePath)
}

// BasePathFromContext retrieves the base path from context (empty string if not set).
func BasePathFromContext(ctx context.Context) string {
	bp, _ := ctx.Value(basePathCtxKey{}).(string)
	return bp
}

type csrfCtxKey struct{}

// ContextWithCSRFToken stores the CSRF token in context.
func ContextWithCSRFToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, csrfCtxKey{}, token)
}

// CSRFTokenFromContext retrieves the CSRF token from context.
func CSRFTokenFromContext(ctx context.Context) string {
	t, _ := ctx.Value(csrfCtxKey{}).(string)
	return t
}
