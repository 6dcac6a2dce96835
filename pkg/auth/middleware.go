package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/fault"
)

type contextKey string

const callerContextKey contextKey = "caller"

// Middleware resolves the bearer credential and injects the caller into the
// request context. Requests without a resolvable caller are rejected at the
// edge; no session is touched.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		bearer := ""
		authHeader := req.Header.Get("Authorization")
		if authHeader != "" {
			bearer = strings.TrimPrefix(authHeader, "Bearer ")
			if bearer == authHeader {
				writeAuthError(w, fault.New(fault.AuthInvalid, "auth.Middleware",
					"invalid Authorization format, expected: Bearer <token>"))
				return
			}
		}

		caller, err := r.Resolve(req.Context(), bearer)
		if err != nil {
			writeAuthError(w, err)
			return
		}

		ctx := context.WithValue(req.Context(), callerContextKey, caller)
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

// CallerFrom returns the caller injected by Middleware, or nil.
func CallerFrom(ctx context.Context) *Caller {
	if c, ok := ctx.Value(callerContextKey).(*Caller); ok {
		return c
	}
	return nil
}

// WithCaller returns a context carrying the caller, for tests and internal
// dispatch paths that bypass the HTTP middleware.
func WithCaller(ctx context.Context, caller *Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, caller)
}

func writeAuthError(w http.ResponseWriter, err error) {
	kind := fault.External(fault.KindOf(err))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(fault.HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": string(kind),
	})
}
