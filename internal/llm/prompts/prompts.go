// Package prompts renders the grading prompt sent to the model.
package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// DefaultLang is used when a template for the requested language is missing.
const DefaultLang = "en"

const maxAnswerRunes = 10000

//go:embed templates/grading.yaml
var embedded embed.FS

var (
	inlineMathRegex  = regexp.MustCompile(`\\\((.*?)\\\)`)
	displayMathRegex = regexp.MustCompile(`\\\[(.*?)\\\]`)
	spaceRegex       = regexp.MustCompile(`\s+`)

	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// GradeData holds template data for grading prompts.
type GradeData struct {
	Question string
	Answer   string
	Weights  map[string]int
}

type templateFile struct {
	Weights map[string]int    `yaml:"weights"`
	Prompts map[string]string `yaml:"prompts"`
}

// Set is a parsed collection of grading templates keyed by language.
type Set struct {
	weights   map[string]int
	templates map[string]*template.Template
}

var (
	defaultOnce sync.Once
	defaultSet  *Set
	defaultErr  error
)

// Default returns the embedded template set. It is parsed once.
func Default() (*Set, error) {
	defaultOnce.Do(func() {
		defaultSet, defaultErr = Load(embedded, "templates/grading.yaml")
	})
	return defaultSet, defaultErr
}

// Load parses a YAML template file from fsys.
func Load(fsys fs.FS, path string) (*Set, error) {
	content, err := fs.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("read prompt file %s: %w", path, err)
	}

	var file templateFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parse prompt file %s: %w", path, err)
	}
	if len(file.Prompts) == 0 {
		return nil, errors.New("prompt file " + path + " defines no prompts")
	}
	if _, ok := file.Prompts[DefaultLang]; !ok {
		return nil, fmt.Errorf("prompt file %s has no %q prompt", path, DefaultLang)
	}

	set := &Set{
		weights:   file.Weights,
		templates: make(map[string]*template.Template, len(file.Prompts)),
	}
	for lang, text := range file.Prompts {
		tmpl, err := template.New(lang).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse %s prompt: %w", lang, err)
		}
		set.templates[lang] = tmpl
	}
	return set, nil
}

// Languages returns the languages with a template.
func (s *Set) Languages() []string {
	langs := make([]string, 0, len(s.templates))
	for lang := range s.templates {
		langs = append(langs, lang)
	}
	return langs
}

// BuildGradePrompt renders the grading prompt for a question and answer.
// Both are normalized with NormalizeMath; the answer is also sanitized.
func (s *Set) BuildGradePrompt(lang, question, answer string) (string, error) {
	tmpl, ok := s.templates[lang]
	if !ok {
		tmpl = s.templates[DefaultLang]
	}

	data := GradeData{
		Question: NormalizeMath(question),
		Answer:   sanitizeAnswer(NormalizeMath(answer)),
		Weights:  s.weights,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// NormalizeMath rewrites \( \) and \[ \] delimiters as $ $, drops the
// remaining backslashes and collapses whitespace.
func NormalizeMath(text string) string {
	if text == "" {
		return ""
	}
	text = inlineMathRegex.ReplaceAllString(text, `$$${1}$$`)
	text = displayMathRegex.ReplaceAllString(text, `$$${1}$$`)
	text = strings.ReplaceAll(text, `\`, "")
	text = spaceRegex.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

func sanitizeAnswer(answer string) string {
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		runes = runes[:maxAnswerRunes]
		answer = string(runes) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
