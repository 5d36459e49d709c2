// Package adminauth guards the gateway's `/admin/*` and `/queue-control/*`
// surfaces (internal/httpapi) with bearer-token authentication, per-subject
// rate limiting, and an audit trail. Adapted from
// internal/admin-api/middleware.go and audit.go's HMAC-JWT validation,
// token-bucket limiter, and rotating audit log, generalized from that
// package's REST admin API onto this gateway's queue-admin/worker-control/
// queue-control routes. The hand-rolled token bucket is replaced with
// golang.org/x/time/rate and the hand-rolled file-rotation logic is replaced with
// gopkg.in/natefinch/lumberjack.v2 (a teacher go.mod dependency that had
// no caller before this package).
package adminauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"
)

type contextKey string

const contextKeyClaims contextKey = "adminauth.claims"

// Claims is the HMAC-signed token payload admin callers present as a
// Bearer token. There is no external identity provider in this gateway's
// scope, so tokens are self-issued and verified against a shared secret,
// the same scheme internal/admin-api/middleware.go used.
type Claims struct {
	Subject   string   `json:"sub"`
	Roles     []string `json:"roles"`
	ExpiresAt int64    `json:"exp"`
	IssuedAt  int64    `json:"iat"`
}

var ErrInvalidToken = errors.New("adminauth: invalid or expired token")

// ClaimsFromRequest returns the validated claims AuthMiddleware attached
// to the request context, if any.
func ClaimsFromRequest(r *http.Request) (*Claims, bool) {
	c, ok := r.Context().Value(contextKeyClaims).(*Claims)
	return c, ok
}

// AuthMiddleware validates an HMAC-signed bearer token on every request.
// When denyByDefault is false the middleware is a no-op passthrough,
// matching internal/admin-api's dev-mode escape hatch.
func AuthMiddleware(secret string, denyByDefault bool, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !denyByDefault {
				next.ServeHTTP(w, r)
				return
			}
			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeError(w, http.StatusUnauthorized, "admin auth required")
				return
			}
			claims, err := validateToken(parts[1], secret)
			if err != nil {
				if log != nil {
					log.Warn("adminauth: token rejected", zap.Error(err))
				}
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			ctx := r.Context()
			ctx = contextWithClaims(ctx, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func contextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKeyClaims, claims)
}

// RateLimiter applies a per-subject token bucket (golang.org/x/time/rate)
// to admin routes, keyed by the authenticated subject or, absent auth, the
// caller's IP.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perSec   rate.Limit
	burst    int
}

func NewRateLimiter(perMinute, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: map[string]*rate.Limiter{},
		perSec:   rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
	}
}

func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)
			if !rl.allow(key) {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) allow(key string) bool {
	rl.mu.Lock()
	lim, ok := rl.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rl.perSec, rl.burst)
		rl.limiters[key] = lim
	}
	rl.mu.Unlock()
	return lim.Allow()
}

func clientKey(r *http.Request) string {
	if claims, ok := ClaimsFromRequest(r); ok {
		return claims.Subject
	}
	return clientIP(r)
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	return r.RemoteAddr
}

// AuditEntry is one admin-action record.
type AuditEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Subject   string         `json:"subject"`
	Method    string         `json:"method"`
	Path      string         `json:"path"`
	Status    int            `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditLogger appends AuditEntry records as newline-delimited JSON to a
// lumberjack-rotated file.
type AuditLogger struct {
	out *lumberjack.Logger
}

func NewAuditLogger(path string, maxSizeMB, maxBackups int) *AuditLogger {
	return &AuditLogger{out: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}}
}

func (a *AuditLogger) Log(entry AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = a.out.Write(data)
	return err
}

func (a *AuditLogger) Close() error { return a.out.Close() }

// Middleware records every request's outcome through the audit logger.
func (a *AuditLogger) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			subject := ""
			if claims, ok := ClaimsFromRequest(r); ok {
				subject = claims.Subject
			}
			_ = a.Log(AuditEntry{
				Timestamp: time.Now(),
				Subject:   subject,
				Method:    r.Method,
				Path:      r.URL.Path,
				Status:    rec.status,
			})
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func validateToken(tokenString, secret string) (*Claims, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return nil, ErrInvalidToken
	}
	message := parts[0] + "." + parts[1]
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	if !hmac.Equal(sig, h.Sum(nil)) {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
