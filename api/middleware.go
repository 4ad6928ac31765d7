package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/warp/lesson-engine/engine"
)

// TokenParser turns a bearer token into a verified caller. *auth.Issuer
// implements it.
type TokenParser interface {
	Parse(token string) (engine.Caller, error)
}

type callerKey struct{}

// Bearer authenticates every request with an "Authorization: Bearer" header.
// Requests without a valid token get 401 before reaching a handler.
func Bearer(tokens TokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				writeError(w, engine.ErrUnauthorized)
				return
			}
			caller, err := tokens.Parse(strings.TrimSpace(raw))
			if err != nil {
				writeError(w, engine.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

func WithCaller(ctx context.Context, c engine.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the zero Caller when the request was not authenticated;
// the engine rejects that as Unauthorized.
func CallerFrom(ctx context.Context) engine.Caller {
	c, _ := ctx.Value(callerKey{}).(engine.Caller)
	return c
}
