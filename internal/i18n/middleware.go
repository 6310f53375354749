package i18n

import "net/http"

// Middleware picks the response language from Accept-Language, falling back
// to the configured default, and stores its localizer in the request context.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lang := Match(r.Header.Get("Accept-Language"))
			w.Header().Set("Content-Language", lang)
			ctx := WithLanguage(r.Context(), lang)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
