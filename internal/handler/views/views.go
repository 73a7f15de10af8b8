// Package views renders the HTML pages as templ components backed by
// embedded html/template files.
package views

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/a-h/templ"

	appI18n "github.com/vagifmammadli/finalexam/internal/i18n"
	"github.com/vagifmammadli/finalexam/internal/model"
	"github.com/vagifmammadli/finalexam/internal/submission"
)

//go:embed templates/*.html
var templateFS embed.FS

// Page carries what the layout needs on every page.
type Page struct {
	Ctx     context.Context
	Title   string // message ID
	Flashes model.Flashes
	Session *model.Session
}

func (p *Page) page() *Page { return p }

type pageData interface {
	page() *Page
}

type IndexData struct {
	Page
	Provider string
	Subjects []model.SubjectView
}

type ExamData struct {
	Page
	Subject   *model.Subject
	Questions []model.Question
	MaxScore  int
}

type ResultData struct {
	Page
	Report *submission.Report
}

type HistoryData struct {
	Page
	Results []model.Result
}

type DashboardData struct {
	Page
	Stats   model.DashboardStats
	Results []model.Result
}

type AdminLoginData struct {
	Page
	Error string
}

// AdminSubject is a subject row of the admin page.
type AdminSubject struct {
	model.SubjectView
	Questions []model.Question
}

type AdminData struct {
	Page
	Subjects []AdminSubject
	Results  []model.Result
}

var pages = map[string]*template.Template{}

func init() {
	for _, name := range []string{
		"index", "exam", "result", "history", "dashboard", "admin_login", "admin",
	} {
		pages[name] = template.Must(template.New(name).Funcs(funcs).ParseFS(
			templateFS, "templates/layout.html", "templates/"+name+".html"))
	}
}

var funcs = template.FuncMap{
	"t": appI18n.T,
	"td": func(ctx context.Context, id string, kv ...any) string {
		data := make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			data[fmt.Sprint(kv[i])] = kv[i+1]
		}
		return appI18n.Td(ctx, id, data)
	},
	"tp":   appI18n.Tp,
	"lang": appI18n.LangFromContext,
	"langs": func() []string {
		out := make([]string, 0, len(appI18n.Supported))
		for _, tag := range appI18n.Supported {
			out = append(out, tag.String())
		}
		return out
	},
	"path": func(ctx context.Context, p string) string {
		return model.BasePathFromContext(ctx) + p
	},
	"csrf": model.CSRFTokenFromContext,
	"tier": func(d model.Difficulty) string {
		return strings.ToLower(string(d))
	},
	"count": func(counts map[model.Difficulty]int, d string) int {
		return counts[model.Difficulty(d)]
	},
	"date": func(t time.Time) string {
		return t.Local().Format("2006-01-02 15:04")
	},
	"inc": func(i int) int { return i + 1 },
	"pct": func(part, whole int) int {
		if whole <= 0 {
			return 0
		}
		return part * 100 / whole
	},
}

func render(name string, data pageData) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		p := data.page()
		p.Ctx = ctx
		if p.Session == nil {
			p.Session = model.SessionFromContext(ctx)
		}
		if p.Session == nil {
			p.Session = &model.Session{}
		}
		return pages[name].ExecuteTemplate(w, "layout", data)
	})
}

func IndexPage(d *IndexData) templ.Component {
	d.Title = "IndexTitle"
	return render("index", d)
}

func ExamPage(d *ExamData) templ.Component {
	d.Title = "ExamTitle"
	return render("exam", d)
}

func ResultPage(d *ResultData) templ.Component {
	d.Title = "ResultTitle"
	return render("result", d)
}

func HistoryPage(d *HistoryData) templ.Component {
	d.Title = "HistoryTitle"
	return render("history", d)
}

func DashboardPage(d *DashboardData) templ.Component {
	d.Title = "DashboardTitle"
	return render("dashboard", d)
}

func AdminLoginPage(d *AdminLoginData) templ.Component {
	d.Title = "AdminLoginTitle"
	return render("admin_login", d)
}

func AdminPage(d *AdminData) templ.Component {
	d.Title = "AdminTitle"
	return render("admin", d)
}
