package i18n

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"go.uber.org/zap"
	"golang.org/x/text/language"
)

var jsonUnmarshal = json.Unmarshal

//go:embed locales/*.json
var localeFS embed.FS

type ctxKey struct{}
type langCtxKey struct{}

// Supported lists the interface languages, default first.
var Supported = []language.Tag{language.English, language.Azerbaijani}

var (
	mu          sync.RWMutex
	bundle      *i18n.Bundle
	defaultLang = "en"
	matcher     = language.NewMatcher(Supported)
)

// Init loads the translation bundle with lang as the default language.
func Init(lang string) error {
	tag, err := language.Parse(lang)
	if err != nil {
		return fmt.Errorf("parse language %q: %w", lang, err)
	}

	b := i18n.NewBundle(tag)
	b.RegisterUnmarshalFunc("json", jsonUnmarshal)

	// Load all locale files from embedded FS.
	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		return fmt.Errorf("read locales dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := localeFS.ReadFile("locales/" + e.Name())
		if err != nil {
			return fmt.Errorf("read locale file %s: %w", e.Name(), err)
		}
		if _, err := b.ParseMessageFileBytes(data, e.Name()); err != nil {
			return fmt.Errorf("parse locale file %s: %w", e.Name(), err)
		}
		zap.L().Debug("loaded locale file", zap.String("file", e.Name()))
	}

	mu.Lock()
	bundle = b
	defaultLang = tag.String()
	mu.Unlock()
	return nil
}

func currentBundle() *i18n.Bundle {
	mu.RLock()
	b := bundle
	mu.RUnlock()
	if b != nil {
		return b
	}
	if err := Init("en"); err != nil {
		zap.L().Error("load translations", zap.Error(err))
	}
	mu.RLock()
	defer mu.RUnlock()
	return bundle
}

// DefaultLang returns the language passed to Init.
func DefaultLang() string {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLang
}

// Match picks the supported language closest to the given preferences,
// for example an Accept-Language header.
func Match(prefs ...string) string {
	var tags []language.Tag
	for _, p := range prefs {
		if p == "" {
			continue
		}
		parsed, _, err := language.ParseAcceptLanguage(p)
		if err != nil {
			continue
		}
		tags = append(tags, parsed...)
	}
	if len(tags) == 0 {
		return DefaultLang()
	}
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		return DefaultLang()
	}
	base, _ := Supported[idx].Base()
	return base.String()
}

// IsSupported reports whether lang is one of the interface languages.
func IsSupported(lang string) bool {
	for _, tag := range Supported {
		if tag.String() == lang {
			return true
		}
	}
	return false
}

// NewLocalizer creates a localizer for the given languages, falling back to the default.
func NewLocalizer(langs ...string) *i18n.Localizer {
	return i18n.NewLocalizer(currentBundle(), append(langs, DefaultLang())...)
}

// WithLocalizer stores a localizer in the context.
func WithLocalizer(ctx context.Context, loc *i18n.Localizer) context.Context {
	return context.WithValue(ctx, ctxKey{}, loc)
}

// WithLang stores the language and a matching localizer in the context.
func WithLang(ctx context.Context, lang string) context.Context {
	ctx = context.WithValue(ctx, langCtxKey{}, lang)
	return WithLocalizer(ctx, NewLocalizer(lang))
}

// LangFromContext returns the request language, or the default.
func LangFromContext(ctx context.Context) string {
	if lang, ok := ctx.Value(langCtxKey{}).(string); ok && lang != "" {
		return lang
	}
	return DefaultLang()
}

// localizerFromCtx retrieves the localizer from context.
func localizerFromCtx(ctx context.Context) *i18n.Localizer {
	if loc, ok := ctx.Value(ctxKey{}).(*i18n.Localizer); ok {
		return loc
	}
	return NewLocalizer()
}

func localize(loc *i18n.Localizer, cfg *i18n.LocalizeConfig) string {
	s, err := loc.Localize(cfg)
	if err != nil {
		zap.L().Warn("missing translation", zap.String("id", cfg.MessageID), zap.Error(err))
		return cfg.MessageID
	}
	return s
}

// T translates a message by ID.
func T(ctx context.Context, msgID string) string {
	return localize(localizerFromCtx(ctx), &i18n.LocalizeConfig{MessageID: msgID})
}

// Td translates a message by ID with template data.
func Td(ctx context.Context, msgID string, data map[string]any) string {
	return localize(localizerFromCtx(ctx), &i18n.LocalizeConfig{
		MessageID:    msgID,
		TemplateData: data,
	})
}

// Tp translates a pluralized message by ID.
func Tp(ctx context.Context, msgID string, count int) string {
	return localize(localizerFromCtx(ctx), &i18n.LocalizeConfig{
		MessageID:    msgID,
		PluralCount:  count,
		TemplateData: map[string]any{"Count": count},
	})
}

// Translate translates a message for lang outside of a request.
func Translate(lang, msgID string, data map[string]any) string {
	return localize(NewLocalizer(lang), &i18n.LocalizeConfig{
		MessageID:    msgID,
		TemplateData: data,
	})
}
