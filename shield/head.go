package shield

import (
	"context"
	"net/http"
)

type methodKey struct{}

// HeadToGet lets HEAD reach the GET routes. net/http discards the body the
// handler writes. The method the client sent stays readable through Method.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		r2 := r.WithContext(context.WithValue(r.Context(), methodKey{}, http.MethodHead))
		r2.Method = http.MethodGet
		next.ServeHTTP(w, r2)
	})
}

// Method returns the method the client sent, undoing HeadToGet.
func Method(r *http.Request) string {
	if m, ok := r.Context().Value(methodKey{}).(string); ok {
		return m
	}
	return r.Method
}
