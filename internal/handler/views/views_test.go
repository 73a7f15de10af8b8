package views

import (
	"bytes"
	"context"
	"strings"
	"testing"

	appI18n "github.com/vagifmammadli/finalexam/internal/i18n"
	"github.com/vagifmammadli/finalexam/internal/model"
)

func renderString(t *testing.T, render func(*bytes.Buffer) error) string {
	t.Helper()
	var buf bytes.Buffer
	if err := render(&buf); err != nil {
		t.Fatalf("render: %v", err)
	}
	return buf.String()
}

func testContext(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := appI18n.Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	ctx := appI18n.WithLocalizer(context.Background(), appI18n.NewLocalizer(lang))
	ctx = appI18n.WithLang(ctx, lang)
	ctx = model.ContextWithBasePath(ctx, "/final")
	return model.ContextWithCSRFToken(ctx, "tok123")
}

func TestExamPage(t *testing.T) {
	ctx := testContext(t, "en")
	data := &ExamData{
		Subject: &model.Subject{ID: 7, Name: "Riyazi Analiz"},
		Questions: []model.Question{
			{ID: 11, Text: "Compute $x^2$", Difficulty: model.DifficultyEasy},
			{ID: 12, Text: "Prove it", Difficulty: model.DifficultyHard},
		},
		MaxScore: 25,
	}

	out := renderString(t, func(buf *bytes.Buffer) error { return ExamPage(data).Render(ctx, buf) })

	for _, want := range []string{
		`action="/final/exam/7"`,
		`name="csrf_token" value="tok123"`,
		`name="answer_11"`,
		`name="file_12"`,
		`value="11"`,
		"Compute $x^2$",
		"MathJax",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exam page missing %q", want)
		}
	}
}

func TestIndexPageAzerbaijani(t *testing.T) {
	ctx := testContext(t, "az")
	data := &IndexData{
		Provider: "gemini",
		Subjects: []model.SubjectView{{
			Subject: model.Subject{ID: 1, Name: "Fizika"},
			Counts:  map[model.Difficulty]int{model.DifficultyEasy: 1},
		}},
	}
	data.Session = &model.Session{Username: "aysel", Credential: "key"}

	out := renderString(t, func(buf *bytes.Buffer) error { return IndexPage(data).Render(ctx, buf) })

	if !strings.Contains(out, "Final İmtahan") {
		t.Error("index page not rendered in Azerbaijani")
	}
	if !strings.Contains(out, "Fizika") {
		t.Error("index page missing subject")
	}
	if strings.Contains(out, `href="/final/exam/1"`) {
		t.Error("subject without enough questions should not link to an exam")
	}
}

func TestPageFuncs(t *testing.T) {
	pct := funcs["pct"].(func(int, int) int)
	if got := pct(40, 50); got != 80 {
		t.Errorf("pct(40, 50) = %d, want 80", got)
	}
	if got := pct(1, 0); got != 0 {
		t.Errorf("pct(1, 0) = %d, want 0", got)
	}

	tier := funcs["tier"].(func(model.Difficulty) string)
	if got := tier(model.DifficultyMedium); got != "medium" {
		t.Errorf("tier(Medium) = %q", got)
	}

	count := funcs["count"].(func(map[model.Difficulty]int, string) int)
	if got := count(map[model.Difficulty]int{model.DifficultyHard: 3}, "Hard"); got != 3 {
		t.Errorf("count(Hard) = %d, want 3", got)
	}
}
