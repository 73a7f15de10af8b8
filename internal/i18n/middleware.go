package i18n

import "net/http"

// LangSource returns an explicit language choice for a request, or "".
type LangSource func(r *http.Request) string

// Middleware injects the request language and its localizer into every request context.
// An explicit choice from source wins over the Accept-Language header.
func Middleware(source LangSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lang := ""
			if source != nil {
				lang = source(r)
			}
			if !IsSupported(lang) {
				lang = Match(r.Header.Get("Accept-Language"))
			}
			ctx := WithLang(r.Context(), lang)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
