package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/vagifmammadli/finalexam/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *gorm.DB
}

// New opens the database named by dsn and migrates the schema.
// A postgres URL or keyword DSN selects PostgreSQL; anything else is a SQLite path.
func New(dsn string) (*Store, error) {
	isSQLite := !isPostgresDSN(dsn)

	var dialector gorm.Dialector
	if isSQLite {
		dialector = sqlite.New(sqlite.Config{
			DriverName: "sqlite",
			DSN:        sqliteDSN(dsn),
		})
	} else {
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if isSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql.DB: %w", err)
		}
		// One connection keeps :memory: databases and PRAGMAs consistent.
		sqlDB.SetMaxOpenConns(1)
		if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=")
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the underlying gorm handle for components sharing the database.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&model.Subject{},
		&model.Question{},
		&model.Result{},
		&model.Answer{},
		&model.ImportedFile{},
	)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// CreateSubject stores a new subject.
func (s *Store) CreateSubject(ctx context.Context, name string) (*model.Subject, error) {
	subj := &model.Subject{Name: strings.TrimSpace(name)}
	if subj.Name == "" {
		return nil, errors.New("subject name is empty")
	}
	if err := s.db.WithContext(ctx).Create(subj).Error; err != nil {
		return nil, err
	}
	return subj, nil
}

// EnsureSubject returns the subject with the given name, creating it if needed.
func (s *Store) EnsureSubject(ctx context.Context, name string) (*model.Subject, error) {
	var subj model.Subject
	err := s.db.WithContext(ctx).
		Where(model.Subject{Name: strings.TrimSpace(name)}).
		FirstOrCreate(&subj).Error
	if err != nil {
		return nil, err
	}
	return &subj, nil
}

// GetSubject returns a subject by ID.
func (s *Store) GetSubject(ctx context.Context, id uint) (*model.Subject, error) {
	var subj model.Subject
	if err := s.db.WithContext(ctx).First(&subj, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &subj, nil
}

// ListSubjects returns all subjects ordered by name.
func (s *Store) ListSubjects(ctx context.Context) ([]model.Subject, error) {
	var subjects []model.Subject
	err := s.db.WithContext(ctx).Order("name").Find(&subjects).Error
	return subjects, err
}

// DeleteSubject removes a subject and its questions. Answers that referenced
// those questions and results of the subject are kept with their snapshots.
func (s *Store) DeleteSubject(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var subj model.Subject
		if err := tx.First(&subj, id).Error; err != nil {
			return notFound(err)
		}
		questionIDs := tx.Model(&model.Question{}).Select("id").Where("subject_id = ?", id)
		if err := tx.Model(&model.Answer{}).
			Where("question_id IN (?)", questionIDs).
			Update("question_id", nil).Error; err != nil {
			return fmt.Errorf("detach answers: %w", err)
		}
		if err := tx.Model(&model.Result{}).
			Where("subject_id = ?", id).
			Update("subject_id", nil).Error; err != nil {
			return fmt.Errorf("detach results: %w", err)
		}
		if err := tx.Where("subject_id = ?", id).Delete(&model.Question{}).Error; err != nil {
			return fmt.Errorf("delete questions: %w", err)
		}
		return tx.Delete(&subj).Error
	})
}

// InsertQuestion stores a question.
func (s *Store) InsertQuestion(ctx context.Context, q *model.Question) error {
	if !q.Difficulty.Valid() {
		return fmt.Errorf("invalid difficulty %q", q.Difficulty)
	}
	return s.db.WithContext(ctx).Create(q).Error
}

// GetQuestion returns a question by ID.
func (s *Store) GetQuestion(ctx context.Context, id uint) (*model.Question, error) {
	var q model.Question
	if err := s.db.WithContext(ctx).First(&q, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &q, nil
}

// ListQuestions returns all questions of a subject.
func (s *Store) ListQuestions(ctx context.Context, subjectID uint) ([]model.Question, error) {
	var questions []model.Question
	err := s.db.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Order("id").
		Find(&questions).Error
	return questions, err
}

// ListQuestionsByDifficulty returns the questions of one tier of a subject.
func (s *Store) ListQuestionsByDifficulty(ctx context.Context, subjectID uint, d model.Difficulty) ([]model.Question, error) {
	var questions []model.Question
	err := s.db.WithContext(ctx).
		Where("subject_id = ? AND difficulty = ?", subjectID, d).
		Order("id").
		Find(&questions).Error
	return questions, err
}

// CountQuestionsByDifficulty returns the size of each tier of a subject.
func (s *Store) CountQuestionsByDifficulty(ctx context.Context, subjectID uint) (map[model.Difficulty]int, error) {
	var rows []struct {
		Difficulty model.Difficulty
		N          int
	}
	err := s.db.WithContext(ctx).Model(&model.Question{}).
		Select("difficulty, COUNT(*) AS n").
		Where("subject_id = ?", subjectID).
		Group("difficulty").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[model.Difficulty]int, len(model.Difficulties))
	for _, d := range model.Difficulties {
		counts[d] = 0
	}
	for _, r := range rows {
		counts[r.Difficulty] = r.N
	}
	return counts, nil
}

// DeleteQuestion removes a question. Graded answers keep their snapshot.
func (s *Store) DeleteQuestion(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Answer{}).
			Where("question_id = ?", id).
			Update("question_id", nil).Error; err != nil {
			return fmt.Errorf("detach answers: %w", err)
		}
		res := tx.Delete(&model.Question{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// QuestionCount returns the number of questions in the database.
func (s *Store) QuestionCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Question{}).Count(&count).Error
	return count, err
}

// CreateResult starts an attempt with score 0.
func (s *Store) CreateResult(ctx context.Context, r *model.Result) error {
	r.TotalScore = 0
	r.MaxScore = 0
	r.Status = model.ResultStarted
	if r.ExamDate.IsZero() {
		r.ExamDate = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Omit("Subject", "Answers").Create(r).Error
}

// AddAnswer stores one graded answer of a started result.
func (s *Store) AddAnswer(ctx context.Context, a *model.Answer) error {
	if a.Points < 0 || a.Points > a.MaxPoints {
		return fmt.Errorf("points %d outside [0, %d]", a.Points, a.MaxPoints)
	}
	return s.db.WithContext(ctx).Omit("Question").Create(a).Error
}

// FinalizeResult records the total score of an attempt. It only succeeds once.
func (s *Store) FinalizeResult(ctx context.Context, id uint, total, max int) error {
	res := s.db.WithContext(ctx).Model(&model.Result{}).
		Where("id = ? AND status = ?", id, model.ResultStarted).
		Updates(map[string]any{
			"total_score": total,
			"max_score":   max,
			"status":      model.ResultFinalized,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("finalize result %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetResult returns a result with its answers.
func (s *Store) GetResult(ctx context.Context, id uint) (*model.Result, error) {
	var r model.Result
	err := s.db.WithContext(ctx).
		Preload("Answers", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		First(&r, id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// ListResultsByUser returns a user's finalized results, newest first, with answers.
func (s *Store) ListResultsByUser(ctx context.Context, username string) ([]model.Result, error) {
	var results []model.Result
	err := s.db.WithContext(ctx).
		Preload("Answers", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("username = ? AND status = ?", username, model.ResultFinalized).
		Order("exam_date DESC, id DESC").
		Find(&results).Error
	return results, err
}

// ListResults returns all finalized results, newest first.
func (s *Store) ListResults(ctx context.Context, withAnswers bool) ([]model.Result, error) {
	q := s.db.WithContext(ctx)
	if withAnswers {
		q = q.Preload("Answers", func(db *gorm.DB) *gorm.DB { return db.Order("id") })
	}
	var results []model.Result
	err := q.Where("status = ?", model.ResultFinalized).
		Order("exam_date DESC, id DESC").
		Find(&results).Error
	return results, err
}

// DeleteResult removes a result and its answers.
func (s *Store) DeleteResult(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("result_id = ?", id).Delete(&model.Answer{}).Error; err != nil {
			return fmt.Errorf("delete answers: %w", err)
		}
		res := tx.Delete(&model.Result{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DashboardStats aggregates finalized results.
func (s *Store) DashboardStats(ctx context.Context) (model.DashboardStats, error) {
	var row struct {
		Users    int
		Exams    int
		AvgScore float64
	}
	err := s.db.WithContext(ctx).Model(&model.Result{}).
		Select("COUNT(DISTINCT username) AS users, COUNT(*) AS exams, COALESCE(AVG(total_score), 0) AS avg_score").
		Where("status = ?", model.ResultFinalized).
		Scan(&row).Error
	if err != nil {
		return model.DashboardStats{}, err
	}
	return model.DashboardStats{
		TotalUsers:   row.Users,
		TotalExams:   row.Exams,
		AverageScore: row.AvgScore,
	}, nil
}
