package submission

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vagifmammadli/finalexam/internal/exam"
	"github.com/vagifmammadli/finalexam/internal/grading"
	"github.com/vagifmammadli/finalexam/internal/llm"
	"github.com/vagifmammadli/finalexam/internal/model"
	"github.com/vagifmammadli/finalexam/internal/store"
	"github.com/vagifmammadli/finalexam/internal/upload"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

// scriptedGrader scores answers by question text.
type scriptedGrader struct {
	mu       sync.Mutex
	scores   map[string]int
	requests []grading.Request
}

func (g *scriptedGrader) Grade(_ context.Context, req grading.Request) grading.Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	return grading.Outcome{
		Status:   model.OutcomeGraded,
		Score:    g.scores[req.QuestionText],
		Feedback: "feedback for " + req.QuestionText,
	}
}

type fixture struct {
	store   *store.Store
	uploads *upload.Storage
	subject *model.Subject
	qs      map[string]*model.Question
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	up, err := upload.New(filepath.Join(t.TempDir(), "uploads"), 1<<20)
	require.NoError(t, err)

	ctx := context.Background()
	subj, err := s.CreateSubject(ctx, "Riyazi Analiz")
	require.NoError(t, err)

	f := &fixture{store: s, uploads: up, subject: subj, qs: map[string]*model.Question{}}
	for _, def := range []struct {
		text string
		d    model.Difficulty
	}{
		{"E1", model.DifficultyEasy},
		{"E2", model.DifficultyEasy},
		{"M1", model.DifficultyMedium},
		{"M2", model.DifficultyMedium},
		{"H1", model.DifficultyHard},
	} {
		q := &model.Question{SubjectID: subj.ID, Text: def.text, Difficulty: def.d}
		require.NoError(t, s.InsertQuestion(ctx, q))
		f.qs[def.text] = q
	}
	return f
}

func (f *fixture) service(g Grader) *Service {
	return NewService(f.store, exam.NewSelector(f.store), g, f.uploads, nil)
}

func (f *fixture) items(texts ...string) []Item {
	var items []Item
	for _, text := range texts {
		items = append(items, Item{QuestionID: f.qs[text].ID, AnswerText: "answer to " + text})
	}
	return items
}

func TestSubmitSumsPoints(t *testing.T) {
	f := newFixture(t)
	g := &scriptedGrader{scores: map[string]int{"E1": 9, "E2": 6, "M1": 8, "M2": 9, "H1": 7}}
	svc := f.service(g)

	report, err := svc.Submit(context.Background(), Submission{
		Username:   "aysel",
		SubjectID:  f.subject.ID,
		Credential: "key",
		Lang:       "en",
		Items:      f.items("E1", "E2", "M1", "M2", "H1"),
	})
	require.NoError(t, err)

	points := []int{}
	for _, it := range report.Items {
		points = append(points, it.Points)
	}
	assert.Equal(t, []int{4, 3, 8, 9, 14}, points)
	assert.Equal(t, 38, report.TotalScore)
	assert.Equal(t, 50, report.MaxScore)
	assert.Zero(t, report.Failed())

	stored, err := f.store.GetResult(context.Background(), report.ResultID)
	require.NoError(t, err)
	assert.Equal(t, model.ResultFinalized, stored.Status)
	assert.Equal(t, 38, stored.TotalScore)
	assert.Equal(t, "Riyazi Analiz", stored.SubjectName)
	require.Len(t, stored.Answers, 5)
	sum := 0
	for _, a := range stored.Answers {
		sum += a.Points
		assert.LessOrEqual(t, a.Points, a.MaxPoints)
	}
	assert.Equal(t, stored.TotalScore, sum)

	for _, req := range g.requests {
		assert.Equal(t, "key", req.Credential)
		assert.Equal(t, "en", req.Lang)
	}
}

func TestSubmitMissingCredential(t *testing.T) {
	f := newFixture(t)
	factory := func(cfg llm.ProviderConfig) (llm.Generator, error) {
		t.Error("oracle contacted without a credential")
		return nil, nil
	}
	grader, err := grading.NewWithFactory("fake", factory, llm.ProviderConfig{})
	require.NoError(t, err)
	svc := f.service(grader)

	report, err := svc.Submit(context.Background(), Submission{
		Username:  "murad",
		SubjectID: f.subject.ID,
		Lang:      "az",
		Items:     f.items("E1", "E2", "M1", "M2", "H1"),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, report.TotalScore)

	stored, err := f.store.GetResult(context.Background(), report.ResultID)
	require.NoError(t, err)
	require.Len(t, stored.Answers, 5)
	for _, a := range stored.Answers {
		assert.Equal(t, 0, a.Points)
		assert.Equal(t, "API açarı tapılmadı.", a.Feedback)
		assert.Equal(t, model.OutcomeDegraded, a.Outcome)
		assert.Equal(t, string(grading.ReasonMissingCredential), a.DegradedReason)
	}
}

func TestSubmitIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other, err := f.store.CreateSubject(ctx, "Fizika")
	require.NoError(t, err)
	foreign := &model.Question{SubjectID: other.ID, Text: "F1", Difficulty: model.DifficultyHard}
	require.NoError(t, f.store.InsertQuestion(ctx, foreign))

	g := &scriptedGrader{scores: map[string]int{"E1": 10, "H1": 5}}
	svc := f.service(g)

	items := f.items("E1")
	items = append(items,
		Item{QuestionID: 9999, AnswerText: "ghost"},
		Item{QuestionID: foreign.ID, AnswerText: "wrong subject"},
		Item{QuestionID: f.qs["M1"].ID, Upload: &File{Name: "virus.exe", Reader: strings.NewReader("MZ")}},
		Item{QuestionID: f.qs["E1"].ID, AnswerText: "again"},
	)
	items = append(items, f.items("H1")...)

	report, err := svc.Submit(ctx, Submission{Username: "aysel", SubjectID: f.subject.ID, Credential: "k", Items: items})
	require.NoError(t, err)

	require.Len(t, report.Items, 6)
	outcomes := []model.Outcome{}
	for _, it := range report.Items {
		outcomes = append(outcomes, it.Outcome)
	}
	assert.Equal(t, []model.Outcome{
		model.OutcomeGraded,
		model.OutcomeFailed,
		model.OutcomeFailed,
		model.OutcomeGraded,
		model.OutcomeFailed,
		model.OutcomeGraded,
	}, outcomes)
	assert.Equal(t, 3, report.Failed())
	for _, it := range report.Items {
		if it.Outcome == model.OutcomeFailed {
			assert.Zero(t, it.Points)
			assert.Error(t, it.Err)
		}
	}
	assert.Empty(t, report.Items[3].ImagePath, "rejected upload is not stored")

	assert.Equal(t, 5+0+10, report.TotalScore)
	// E1 + M1 + H1; unknown and duplicate items carry no weight.
	assert.Equal(t, 5+10+20, report.MaxScore)

	stored, err := f.store.GetResult(ctx, report.ResultID)
	require.NoError(t, err)
	assert.Equal(t, model.ResultFinalized, stored.Status)
	assert.Len(t, stored.Answers, 3)
	assert.Equal(t, 15, stored.TotalScore)
}

func TestSubmitWithImage(t *testing.T) {
	f := newFixture(t)
	g := &scriptedGrader{scores: map[string]int{"H1": 10, "E1": 4}}
	svc := f.service(g)

	report, err := svc.Submit(context.Background(), Submission{
		Username:   "aysel",
		SubjectID:  f.subject.ID,
		Credential: "k",
		Items: []Item{
			{QuestionID: f.qs["H1"].ID, Upload: &File{Name: "proof.png", Reader: bytes.NewReader(pngBytes)}},
			{QuestionID: f.qs["E1"].ID, AnswerText: "see photo", Upload: &File{Name: "fake.png", Reader: strings.NewReader("plain text")}},
		},
	})
	require.NoError(t, err)
	require.Len(t, g.requests, 2)

	require.NotNil(t, g.requests[0].Image)
	assert.Equal(t, "image/png", g.requests[0].Image.MIMEType)
	assert.Nil(t, g.requests[1].Image, "non-image uploads are graded text only")

	assert.True(t, strings.HasSuffix(report.Items[0].ImagePath, "_proof.png"))
	assert.Equal(t, 20, report.Items[0].Points)
	assert.Equal(t, model.OutcomeGraded, report.Items[1].Outcome)

	stored, err := f.store.GetResult(context.Background(), report.ResultID)
	require.NoError(t, err)
	assert.Equal(t, report.Items[0].ImagePath, stored.Answers[0].ImagePath)
}

func TestSubmitRejectedAttachmentGradesText(t *testing.T) {
	f := newFixture(t)
	g := &scriptedGrader{scores: map[string]int{"H1": 10}}
	svc := f.service(g)

	report, err := svc.Submit(context.Background(), Submission{
		Username:   "aysel",
		SubjectID:  f.subject.ID,
		Credential: "k",
		Items: []Item{{
			QuestionID: f.qs["H1"].ID,
			AnswerText: "perfect answer",
			Upload:     &File{Name: "work.pdf", Reader: strings.NewReader("%PDF-1.7")},
		}},
	})
	require.NoError(t, err)

	require.Len(t, g.requests, 1, "text answer still graded")
	assert.Equal(t, "perfect answer", g.requests[0].AnswerText)
	assert.Nil(t, g.requests[0].Image)

	require.Len(t, report.Items, 1)
	it := report.Items[0]
	assert.Equal(t, model.OutcomeGraded, it.Outcome)
	assert.Equal(t, 20, it.Points)
	assert.Empty(t, it.ImagePath)
	assert.Equal(t, 20, report.TotalScore)
}

func TestSubmitEnforcesTierCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scores := map[string]int{"H1": 10}
	items := f.items("H1")
	for _, text := range []string{"H2", "H3", "H4", "H5", "H6"} {
		q := &model.Question{SubjectID: f.subject.ID, Text: text, Difficulty: model.DifficultyHard}
		require.NoError(t, f.store.InsertQuestion(ctx, q))
		scores[text] = 10
		items = append(items, Item{QuestionID: q.ID, AnswerText: "answer to " + text})
	}
	g := &scriptedGrader{scores: scores}

	report, err := f.service(g).Submit(ctx, Submission{
		Username:   "aysel",
		SubjectID:  f.subject.ID,
		Credential: "k",
		Items:      items,
	})
	require.NoError(t, err)

	assert.Len(t, g.requests, 1, "only one hard question is graded")
	assert.Equal(t, 20, report.TotalScore)
	assert.Equal(t, 20, report.MaxScore)
	assert.Equal(t, 5, report.Failed())
	for _, it := range report.Items[1:] {
		assert.ErrorIs(t, it.Err, ErrTierFull)
		assert.Zero(t, it.MaxPoints)
		assert.Equal(t, model.DifficultyHard, it.Difficulty)
	}

	stored, err := f.store.GetResult(ctx, report.ResultID)
	require.NoError(t, err)
	assert.Len(t, stored.Answers, 1)
	assert.Equal(t, 20, stored.TotalScore)
}

func TestSubmitFullExamWithinMaximum(t *testing.T) {
	f := newFixture(t)
	g := &scriptedGrader{scores: map[string]int{"E1": 10, "E2": 10, "M1": 10, "M2": 10, "H1": 10}}

	report, err := f.service(g).Submit(context.Background(), Submission{
		Username:   "aysel",
		SubjectID:  f.subject.ID,
		Credential: "k",
		Items:      f.items("E1", "E2", "M1", "M2", "H1"),
	})
	require.NoError(t, err)
	assert.Zero(t, report.Failed())
	assert.Equal(t, 50, report.TotalScore)
	assert.Equal(t, 50, report.MaxScore)
}

func TestSubmitRejectsBeforeWriting(t *testing.T) {
	f := newFixture(t)
	svc := f.service(&scriptedGrader{})
	ctx := context.Background()

	_, err := svc.Submit(ctx, Submission{Username: "  ", SubjectID: f.subject.ID})
	assert.ErrorIs(t, err, ErrEmptyUsername)

	_, err = svc.Submit(ctx, Submission{Username: "aysel", SubjectID: 4242})
	assert.ErrorIs(t, err, store.ErrNotFound)

	results, err := f.store.ListResults(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStartExam(t *testing.T) {
	f := newFixture(t)
	svc := f.service(&scriptedGrader{})
	ctx := context.Background()

	subj, qs, err := svc.StartExam(ctx, f.subject.ID)
	require.NoError(t, err)
	assert.Equal(t, "Riyazi Analiz", subj.Name)
	require.Len(t, qs, 5)
	assert.Equal(t, model.DifficultyEasy, qs[0].Difficulty)
	assert.Equal(t, model.DifficultyHard, qs[4].Difficulty)

	_, _, err = svc.StartExam(ctx, 4242)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, f.store.DeleteQuestion(ctx, f.qs["H1"].ID))
	_, _, err = svc.StartExam(ctx, f.subject.ID)
	assert.ErrorIs(t, err, exam.ErrInsufficientQuestions)

	var n int64
	require.NoError(t, f.store.DB().Model(&model.Result{}).Count(&n).Error)
	assert.Zero(t, n, "starting an exam stores nothing")
}

func TestSubjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.CreateSubject(ctx, "Boş")
	require.NoError(t, err)

	views, err := f.service(&scriptedGrader{}).Subjects(ctx)
	require.NoError(t, err)
	require.Len(t, views, 2)

	ready := map[string]bool{}
	for _, v := range views {
		ready[v.Subject.Name] = v.Ready
	}
	assert.True(t, ready["Riyazi Analiz"])
	assert.False(t, ready["Boş"])
}
