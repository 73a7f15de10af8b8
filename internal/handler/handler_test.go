package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vagifmammadli/finalexam/internal/exam"
	"github.com/vagifmammadli/finalexam/internal/grading"
	appI18n "github.com/vagifmammadli/finalexam/internal/i18n"
	"github.com/vagifmammadli/finalexam/internal/llm"
	"github.com/vagifmammadli/finalexam/internal/model"
	"github.com/vagifmammadli/finalexam/internal/session"
	"github.com/vagifmammadli/finalexam/internal/store"
	"github.com/vagifmammadli/finalexam/internal/submission"
	"github.com/vagifmammadli/finalexam/internal/upload"
)

const adminPassword = "s3cret"

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

// oracle is a fake provider shared by all generators of one test.
type oracle struct {
	mu     sync.Mutex
	reply  string
	images int
}

type fakeGenerator struct{ o *oracle }

func (g fakeGenerator) Generate(_ context.Context, _ string, image *llm.Image) (string, error) {
	g.o.mu.Lock()
	defer g.o.mu.Unlock()
	if image != nil {
		g.o.images++
	}
	return g.o.reply, nil
}

func (g fakeGenerator) Ping(context.Context) error { return nil }
func (g fakeGenerator) Name() string              { return "fake" }

type testEnv struct {
	t       *testing.T
	store   *store.Store
	oracle  *oracle
	server  *httptest.Server
	client  *http.Client
	base    string
	math    *model.Subject
	physics *model.Subject
}

func newTestEnv(t *testing.T, cfg model.Config) *testEnv {
	t.Helper()
	require.NoError(t, appI18n.Init("en"))

	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	o := &oracle{reply: "Score: 8/10\nFeedback: Well done"}
	factory := func(pc llm.ProviderConfig) (llm.Generator, error) {
		if pc.APIKey == "bad" {
			return nil, &llm.ProviderError{Provider: "fake", Code: llm.ErrCodeAPIKey, Message: "API key not valid"}
		}
		return fakeGenerator{o: o}, nil
	}
	grader, err := grading.NewWithFactory("fake", factory, llm.ProviderConfig{})
	require.NoError(t, err)

	uploads, err := upload.New(filepath.Join(t.TempDir(), "uploads"), 1<<20)
	require.NoError(t, err)

	sessStore, err := session.NewDBStore(st.DB())
	require.NoError(t, err)
	sessions := session.NewManager(sessStore, 0, cfg.BasePath, false, nil)

	svc := submission.NewService(st, exam.NewSelector(st), grader, uploads, nil)
	h, err := New(Deps{
		Store:    st,
		Exams:    svc,
		Checker:  grader,
		Uploads:  uploads,
		Sessions: sessions,
	}, cfg)
	require.NoError(t, err)

	r := chi.NewRouter()
	if cfg.BasePath != "" {
		r.Route(cfg.BasePath, func(sub chi.Router) {
			sub.Use(h.BasePathMiddleware)
			h.Routes(sub)
		})
	} else {
		r.Use(h.BasePathMiddleware)
		h.Routes(r)
	}
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	env := &testEnv{
		t:      t,
		store:  st,
		oracle: o,
		server: srv,
		client: &http.Client{Jar: jar},
		base:   srv.URL + cfg.BasePath,
	}
	env.seed()
	return env
}

func (e *testEnv) seed() {
	ctx := context.Background()
	var err error
	e.math, err = e.store.CreateSubject(ctx, "Riyazi Analiz")
	require.NoError(e.t, err)
	e.physics, err = e.store.CreateSubject(ctx, "Fizika")
	require.NoError(e.t, err)

	for i, d := range []model.Difficulty{
		model.DifficultyEasy, model.DifficultyEasy,
		model.DifficultyMedium, model.DifficultyMedium,
		model.DifficultyHard,
	} {
		q := &model.Question{SubjectID: e.math.ID, Text: fmt.Sprintf("Math question %d", i+1), Difficulty: d}
		require.NoError(e.t, e.store.InsertQuestion(ctx, q))
	}
	q := &model.Question{SubjectID: e.physics.ID, Text: "Physics question", Difficulty: model.DifficultyEasy}
	require.NoError(e.t, e.store.InsertQuestion(ctx, q))
}

func (e *testEnv) csrfToken() string {
	u, err := url.Parse(e.base + "/")
	require.NoError(e.t, err)
	for _, c := range e.client.Jar.Cookies(u) {
		if c.Name == csrfCookieName {
			return c.Value
		}
	}
	return ""
}

func (e *testEnv) get(path string) (int, string) {
	e.t.Helper()
	resp, err := e.client.Get(e.base + path)
	require.NoError(e.t, err)
	return readBody(e.t, resp)
}

func (e *testEnv) post(path string, form url.Values) (int, string) {
	e.t.Helper()
	if form == nil {
		form = url.Values{}
	}
	if form.Get("csrf_token") == "" {
		form.Set("csrf_token", e.csrfToken())
	}
	resp, err := e.client.PostForm(e.base+path, form)
	require.NoError(e.t, err)
	return readBody(e.t, resp)
}

type formFile struct {
	field, name string
	data        []byte
}

func (e *testEnv) postMultipart(path string, fields url.Values, files ...formFile) (int, string) {
	e.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(e.t, mw.WriteField("csrf_token", e.csrfToken()))
	for key, values := range fields {
		for _, v := range values {
			require.NoError(e.t, mw.WriteField(key, v))
		}
	}
	for _, f := range files {
		fw, err := mw.CreateFormFile(f.field, f.name)
		require.NoError(e.t, err)
		_, err = fw.Write(f.data)
		require.NoError(e.t, err)
	}
	require.NoError(e.t, mw.Close())

	resp, err := e.client.Post(e.base+path, mw.FormDataContentType(), &buf)
	require.NoError(e.t, err)
	return readBody(e.t, resp)
}

func readBody(t *testing.T, resp *http.Response) (int, string) {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

// login walks through the index page: username, then credential.
func (e *testEnv) login(username, credential string) {
	e.t.Helper()
	status, _ := e.get("/")
	require.Equal(e.t, http.StatusOK, status)
	status, _ = e.post("/username", url.Values{"username": {username}})
	require.Equal(e.t, http.StatusOK, status)
	if credential != "" {
		status, _ = e.post("/credential", url.Values{"credential": {credential}})
		require.Equal(e.t, http.StatusOK, status)
	}
}

var questionIDRe = regexp.MustCompile(`name="question_id" value="(\d+)"`)

func TestIndexAsksForUsernameThenCredential(t *testing.T) {
	env := newTestEnv(t, model.Config{})

	status, body := env.get("/")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `name="username"`)

	_, body = env.post("/username", url.Values{"username": {"  "}})
	assert.Contains(t, body, "Username cannot be empty!")
	assert.Contains(t, body, `name="username"`)

	_, body = env.post("/username", url.Values{"username": {"Aysel"}})
	assert.Contains(t, body, "Username set to Aysel.")
	assert.Contains(t, body, `name="credential"`)

	_, body = env.post("/credential", url.Values{"credential": {""}})
	assert.Contains(t, body, "API key was not entered!")

	_, body = env.post("/credential", url.Values{"credential": {"bad"}})
	assert.Contains(t, body, "Invalid API key:")
	assert.Contains(t, body, `name="credential"`)

	_, body = env.post("/credential", url.Values{"credential": {"good"}})
	assert.Contains(t, body, "API key saved.")
	assert.Contains(t, body, "Riyazi Analiz")
	assert.Contains(t, body, fmt.Sprintf(`href="/exam/%d"`, env.math.ID))
	assert.NotContains(t, body, fmt.Sprintf(`href="/exam/%d"`, env.physics.ID))

	// Flashes are shown once.
	_, body = env.get("/")
	assert.NotContains(t, body, "API key saved.")
}

func TestExamFlow(t *testing.T) {
	env := newTestEnv(t, model.Config{})
	env.login("Aysel", "good")

	status, body := env.get(fmt.Sprintf("/exam/%d", env.math.ID))
	require.Equal(t, http.StatusOK, status)
	matches := questionIDRe.FindAllStringSubmatch(body, -1)
	require.Len(t, matches, 5)

	fields := url.Values{}
	for _, m := range matches {
		fields.Add("question_id", m[1])
		fields.Set("answer_"+m[1], "my answer to "+m[1])
	}
	image := formFile{field: "file_" + matches[0][1], name: "graph.png", data: pngBytes}

	status, body = env.postMultipart(fmt.Sprintf("/exam/%d", env.math.ID), fields, image)
	require.Equal(t, http.StatusOK, status)
	// 8/10 on 5+5+10+10+20 points.
	assert.Contains(t, body, "Score: 40 / 50")
	assert.Contains(t, body, "Well done")
	assert.Equal(t, 1, env.oracle.images)

	results, err := env.store.ListResultsByUser(context.Background(), "Aysel")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 40, results[0].TotalScore)
	assert.Equal(t, 50, results[0].MaxScore)
	require.Len(t, results[0].Answers, 5)
	stored := results[0].Answers[0].ImagePath
	require.NotEmpty(t, stored)
	assert.True(t, strings.HasSuffix(stored, "_graph.png"), stored)

	status, body = env.get("/history")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "Riyazi Analiz")
	assert.Contains(t, body, "Score: 40 / 50")

	status, body = env.get("/uploads/" + stored)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(pngBytes), body)

	status, body = env.get("/dashboard")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "Aysel")
	assert.Contains(t, body, "40.0")
}

func TestInsufficientQuestionsRedirectsWithFlash(t *testing.T) {
	env := newTestEnv(t, model.Config{})
	env.login("Aysel", "good")

	status, body := env.get(fmt.Sprintf("/exam/%d", env.physics.ID))
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "Fizika does not have enough questions")
	assert.NotContains(t, body, `name="question_id"`)

	results, err := env.store.ListResults(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestUnknownSubjectIsNotFound(t *testing.T) {
	env := newTestEnv(t, model.Config{})
	env.login("Aysel", "good")

	status, _ := env.get("/exam/9999")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestExamRequiresUsername(t *testing.T) {
	env := newTestEnv(t, model.Config{})

	_, body := env.get(fmt.Sprintf("/exam/%d", env.math.ID))
	assert.Contains(t, body, "Enter your username first!")
	assert.Contains(t, body, `name="username"`)
}

func TestExamPageRequiresCredential(t *testing.T) {
	env := newTestEnv(t, model.Config{})
	env.login("Aysel", "")

	_, body := env.get(fmt.Sprintf("/exam/%d", env.math.ID))
	assert.Contains(t, body, "A username and an API key are required to start an exam!")
}

func TestSubmissionWithoutCredentialScoresZero(t *testing.T) {
	env := newTestEnv(t, model.Config{})
	env.login("Aysel", "")

	questions, err := env.store.ListQuestions(context.Background(), env.math.ID)
	require.NoError(t, err)
	fields := url.Values{}
	for _, q := range questions {
		id := fmt.Sprint(q.ID)
		fields.Add("question_id", id)
		fields.Set("answer_"+id, "answer")
	}

	status, body := env.postMultipart(fmt.Sprintf("/exam/%d", env.math.ID), fields)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "Score: 0 / 50")
	assert.Contains(t, body, "API key not found.")

	results, err := env.store.ListResultsByUser(context.Background(), "Aysel")
	require.NoError(t, err)
	require.Len(t, results, 1)
	for _, a := range results[0].Answers {
		assert.Equal(t, 0, a.Points)
		assert.Equal(t, model.OutcomeDegraded, a.Outcome)
		assert.Equal(t, "API key not found.", a.Feedback)
	}
}

func TestCSRFRejectsMissingToken(t *testing.T) {
	env := newTestEnv(t, model.Config{})
	env.get("/")

	resp, err := env.client.PostForm(env.base+"/username", url.Values{"username": {"Aysel"}})
	require.NoError(t, err)
	status, _ := readBody(t, resp)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = env.post("/username", url.Values{"username": {"Aysel"}, "csrf_token": {"forged"}})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestLanguageSwitch(t *testing.T) {
	env := newTestEnv(t, model.Config{})
	env.get("/")

	_, body := env.post("/lang", url.Values{"lang": {"az"}})
	assert.Contains(t, body, "Dil dəyişdirildi.")
	assert.Contains(t, body, `<html lang="az">`)
	assert.Contains(t, body, "İstifadəçi adı")

	_, body = env.post("/username", url.Values{"username": {""}})
	assert.Contains(t, body, "İstifadəçi adı boş ola bilməz!")
}

func TestAcceptLanguageSelectsAzerbaijani(t *testing.T) {
	env := newTestEnv(t, model.Config{})

	req, err := http.NewRequest(http.MethodGet, env.base+"/", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Language", "az-AZ,az;q=0.9")
	resp, err := env.client.Do(req)
	require.NoError(t, err)
	_, body := readBody(t, resp)
	assert.Contains(t, body, "Xoş gəlmisiniz")
}

func TestLogoutDropsSession(t *testing.T) {
	env := newTestEnv(t, model.Config{})
	env.login("Aysel", "good")

	_, body := env.post("/logout", nil)
	assert.Contains(t, body, `name="username"`)
	assert.NotContains(t, body, "Aysel")
}

func TestAdminFlow(t *testing.T) {
	env := newTestEnv(t, model.Config{AdminPassword: adminPassword})
	env.login("Aysel", "good")

	_, body := env.get("/admin")
	assert.Contains(t, body, `name="password"`)

	status, body := env.post("/admin/login", url.Values{"password": {"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, body, "Wrong password.")

	status, body = env.post("/admin/login", url.Values{"password": {adminPassword}})
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "Administration")
	assert.Contains(t, body, "Math question 1")

	questions := []byte(`[
	  {"subject": "Kimya", "text": "What is a mole?", "difficulty": "easy"},
	  {"subject": "Kimya", "text": "Balance H2 + O2.", "difficulty": "HARD"}
	]`)
	file := formFile{field: "questions_file", name: "kimya.json", data: questions}
	_, body = env.postMultipart("/admin/questions/upload", nil, file)
	assert.Contains(t, body, "Imported 2 questions from kimya.json.")
	assert.Contains(t, body, "What is a mole?")

	_, body = env.postMultipart("/admin/questions/upload", nil, file)
	assert.Contains(t, body, "kimya.json was already imported.")

	bad := formFile{field: "questions_file", name: "bad.json", data: []byte(`[{"subject":"X","text":"y","difficulty":"Extreme"}]`)}
	_, body = env.postMultipart("/admin/questions/upload", nil, bad)
	assert.Contains(t, body, "Could not import questions:")

	_, body = env.post("/admin/subjects", url.Values{"name": {"Tarix"}})
	assert.Contains(t, body, "Subject Tarix created.")

	_, body = env.post("/admin/subjects", url.Values{"name": {""}})
	assert.Contains(t, body, "Could not create subject:")

	_, body = env.post(fmt.Sprintf("/admin/subjects/%d/delete", env.physics.ID), nil)
	assert.Contains(t, body, "Subject deleted.")
	_, err := env.store.GetSubject(context.Background(), env.physics.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	status, _ = env.post("/admin/results/9999/delete", nil)
	assert.Equal(t, http.StatusNotFound, status)

	_, body = env.post("/admin/logout", nil)
	assert.Contains(t, body, "You have been logged out.")
	_, body = env.get("/admin")
	assert.Contains(t, body, `name="password"`)
}

func TestAdminDeletesQuestionAndResult(t *testing.T) {
	env := newTestEnv(t, model.Config{AdminPassword: adminPassword})
	ctx := context.Background()

	r := &model.Result{Username: "Aysel", SubjectID: &env.math.ID, SubjectName: env.math.Name}
	require.NoError(t, env.store.CreateResult(ctx, r))
	require.NoError(t, env.store.FinalizeResult(ctx, r.ID, 0, 0))

	env.get("/")
	_, body := env.post("/admin/login", url.Values{"password": {adminPassword}})
	require.Contains(t, body, "Administration")

	questions, err := env.store.ListQuestions(ctx, env.physics.ID)
	require.NoError(t, err)
	require.Len(t, questions, 1)
	_, body = env.post(fmt.Sprintf("/admin/questions/%d/delete", questions[0].ID), nil)
	assert.Contains(t, body, "Question deleted.")

	_, body = env.post(fmt.Sprintf("/admin/results/%d/delete", r.ID), nil)
	assert.Contains(t, body, "Result deleted.")
	_, err = env.store.GetResult(ctx, r.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAdminDisabledWithoutPassword(t *testing.T) {
	env := newTestEnv(t, model.Config{})

	_, body := env.get("/admin")
	assert.Contains(t, body, "The administration area is disabled on this server.")

	status, _ := env.post("/admin/login", url.Values{"password": {""}})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, model.Config{})

	status, body := env.get("/healthz")
	require.Equal(t, http.StatusOK, status)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, "ok", got["status"])
	assert.Equal(t, "fake", got["provider"])
}

func TestUploadNotFound(t *testing.T) {
	env := newTestEnv(t, model.Config{})

	status, _ := env.get("/uploads/missing.png")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = env.get("/uploads/.env")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestBasePath(t *testing.T) {
	env := newTestEnv(t, model.Config{BasePath: "/final"})

	status, body := env.get("/")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `action="/final/username"`)

	_, body = env.post("/username", url.Values{"username": {"Aysel"}})
	assert.Contains(t, body, "Username set to Aysel.")
}
