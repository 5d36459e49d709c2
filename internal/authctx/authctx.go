// Package authctx resolves the validated-auth context the interception
// pipeline (C11) and routing table (C3) read through a small interface
// rather than named field access (Design Notes §9: "Replace with an
// interface-typed AuthContext resolved by a small chain-of-responsibility
// middleware"). Grounded on
// internal/rbac-and-tokens/middleware.go's AuthMiddleware/context-value
// shape, stripped of the teacher's own token minting/validation (spec.md
// §1 explicitly places that out of scope -- authentication is consumed
// here only as an opaque bus operation, never validated locally).
package authctx

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
)

// Context is the validated-auth payload a guard upstream of the gateway
// (out of scope per spec.md §1) is expected to have already attached to
// the request. The routing table's RequireAuthContext/RequireUserID
// combinators read it through this interface.
type Context map[string]any

// Subject returns the "sub" field conventionally carrying the user id,
// matching spec.md §4.1's requireUserId fallback.
func (c Context) Subject() string {
	if c == nil {
		return ""
	}
	for _, key := range []string{"sub", "userId", "id"} {
		if v, ok := c[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

type contextKey struct{}

// WithContext attaches a validated-auth Context to ctx. Call this from a
// guard middleware upstream of the interception pipeline.
func WithContext(ctx context.Context, ac Context) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

// FromContext recovers the validated-auth Context a guard attached, or
// nil if none was set.
func FromContext(ctx context.Context) Context {
	ac, _ := ctx.Value(contextKey{}).(Context)
	return ac
}

// Chain composes zero or more guard middlewares in order, the way a
// chain-of-responsibility validates a request before it reaches the
// interception pipeline. Each link may call next or short-circuit.
func Chain(mws ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		h := final
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		return h
	}
}

// DecodeBearerUserID best-effort extracts sub|userId|id from the second
// (payload) segment of a bearer JWT, per spec.md §4.6 step 3: "no
// cryptographic validation happens here" -- any decode failure simply
// leaves the user id unset rather than rejecting the request.
func DecodeBearerUserID(authorizationHeader string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authorizationHeader, prefix) {
		return ""
	}
	token := strings.TrimPrefix(authorizationHeader, prefix)
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return ""
	}
	decoded, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims map[string]any
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return ""
	}
	for _, key := range []string{"sub", "userId", "id"} {
		if v, ok := claims[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
