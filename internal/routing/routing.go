// Package routing implements the routing table (C3): a deterministic,
// declarative map from (verb, path-template) to (subject, payload).
// Design Notes call for "a declarative, data-only table with a small set
// of payload-builder combinators rather than one function per rule";
// this package provides exactly that (Param, Query, Header, UserID,
// AuthContext, Body combinators composed by Fields).
package routing

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opsgateway/async-gateway/internal/job"
)

// MissingFieldError is a resolution-time failure, not a runtime panic: a
// payload builder needed a field the request didn't carry. The
// interception pipeline treats it as "no async routing".
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("routing: missing required field %q", e.Field)
}

func missingField(name string) error { return &MissingFieldError{Field: name} }

// FieldBuilder resolves one payload field from the job and the route
// parameters bound by template matching.
type FieldBuilder func(j *job.Job, params map[string]string) (key string, value any, err error)

// RequireParam fails with MissingFieldError if the named route param is
// empty, per spec.md §4.1's requireParam.
func RequireParam(name string) FieldBuilder {
	return func(j *job.Job, params map[string]string) (string, any, error) {
		v, ok := params[name]
		if !ok || v == "" {
			return "", nil, missingField(name)
		}
		return name, v, nil
	}
}

// Param is the optional counterpart: it's simply omitted when absent.
func Param(name string) FieldBuilder {
	return func(j *job.Job, params map[string]string) (string, any, error) {
		v := params[name]
		return name, v, nil
	}
}

// RequireQuery fails if the query key is missing or empty; a multi-value
// query reduces to its first element (spec.md §4.1 requireQuery).
func RequireQuery(key string) FieldBuilder {
	return func(j *job.Job, params map[string]string) (string, any, error) {
		v, ok := j.QueryParams.First(key)
		if !ok || v == "" {
			return "", nil, missingField(key)
		}
		return key, v, nil
	}
}

func Query(key string) FieldBuilder {
	return func(j *job.Job, params map[string]string) (string, any, error) {
		v, _ := j.QueryParams.First(key)
		return key, v, nil
	}
}

// RequireHeader fails if the (already lower-cased) header is absent.
func RequireHeader(name string) FieldBuilder {
	lower := strings.ToLower(name)
	return func(j *job.Job, params map[string]string) (string, any, error) {
		v, ok := j.Headers[lower]
		if !ok || v == "" {
			return "", nil, missingField(lower)
		}
		return lower, v, nil
	}
}

// RequireUserID returns job.UserID if present, else the "sub" field of
// the validated-auth context, else fails (spec.md §4.1 requireUserId).
func RequireUserID() FieldBuilder {
	return func(j *job.Job, params map[string]string) (string, any, error) {
		if j.UserID != "" {
			return "userId", j.UserID, nil
		}
		if j.Context != nil {
			if sub, ok := j.Context["sub"]; ok {
				return "userId", sub, nil
			}
		}
		return "", nil, missingField("userId")
	}
}

// RequireAuthContext returns the validated-auth context or fails
// (spec.md §4.1 requireAuthValidation).
func RequireAuthContext() FieldBuilder {
	return func(j *job.Job, params map[string]string) (string, any, error) {
		if j.Context == nil {
			return "", nil, missingField("authContext")
		}
		return "auth", j.Context, nil
	}
}

// Body decodes the job's JSON body (present for write methods) and
// nests it under key. An absent body is not an error for methods that
// carry no body; rules requiring a body should compose RequireParam-style
// checks separately if a body is mandatory.
func Body(key string) FieldBuilder {
	return func(j *job.Job, params map[string]string) (string, any, error) {
		if len(j.Body) == 0 {
			return key, nil, nil
		}
		var v any
		if err := json.Unmarshal(j.Body, &v); err != nil {
			return "", nil, fmt.Errorf("routing: decode body: %w", err)
		}
		return key, v, nil
	}
}

// Const always supplies a fixed value, useful for discriminator fields.
func Const(key string, value any) FieldBuilder {
	return func(j *job.Job, params map[string]string) (string, any, error) {
		return key, value, nil
	}
}

// PayloadBuilder is a pure function of the job producing the bus payload.
type PayloadBuilder func(j *job.Job, params map[string]string) (json.RawMessage, error)

// RawBody forwards the request body to the bus unchanged, for rules where
// spec.md §8's scenarios describe "payload equal to the body" rather than
// a nested DTO shape (e.g. plain resource create/update endpoints).
func RawBody() PayloadBuilder {
	return func(j *job.Job, params map[string]string) (json.RawMessage, error) {
		if len(j.Body) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return j.Body, nil
	}
}

// WithParam merges route params into the raw body under the given keys,
// the "{id, body:'update*Dto'}" shape Design Notes §9 calls for: the
// common PATCH/PUT case of an id plus the unchanged request body.
func WithParam(name string) PayloadBuilder {
	return func(j *job.Job, params map[string]string) (json.RawMessage, error) {
		v, ok := params[name]
		if !ok || v == "" {
			return nil, missingField(name)
		}
		out := map[string]any{name: v}
		if len(j.Body) > 0 {
			var body any
			if err := json.Unmarshal(j.Body, &body); err != nil {
				return nil, fmt.Errorf("routing: decode body: %w", err)
			}
			out["body"] = body
		}
		return json.Marshal(out)
	}
}

// Fields composes FieldBuilders into a single JSON object payload,
// stopping at the first MissingFieldError (no partial payloads are ever
// sent to the bus).
func Fields(builders ...FieldBuilder) PayloadBuilder {
	return func(j *job.Job, params map[string]string) (json.RawMessage, error) {
		out := make(map[string]any, len(builders))
		for _, b := range builders {
			key, value, err := b(j, params)
			if err != nil {
				return nil, err
			}
			if value == nil {
				continue
			}
			out[key] = value
		}
		return json.Marshal(out)
	}
}

// Rule is one declared (verb, path-template) -> (subject, payload) mapping.
type Rule struct {
	Verb            string
	Template        string
	Subject         string
	Build           PayloadBuilder
	CompletionEvent string // defaults to Subject + ".completed" when empty
}

func (r Rule) completionEvent() string {
	if r.CompletionEvent != "" {
		return r.CompletionEvent
	}
	return r.Subject + ".completed"
}

// Table is the ordered, declarative rule set. The first matching rule in
// declaration order wins; there is no backtracking (spec.md §4.1).
type Table struct {
	rules []Rule
}

func NewTable(rules ...Rule) *Table {
	return &Table{rules: rules}
}

// Resolution is the successful outcome of Resolve.
type Resolution struct {
	Subject         string
	Payload         json.RawMessage
	CompletionEvent string
	RouteParams     map[string]string
}

// Resolve finds the first rule whose verb and path template match the
// job, binds route params, and runs its payload builder. It returns
// (nil, false, nil) when no rule's pattern matches at all -- a
// ResolutionMiss, not an error. A matching rule whose builder fails
// returns the MissingFieldError so the caller can fall back
// synchronously, per spec.md §4.1 and §7.
func (t *Table) Resolve(j *job.Job) (*Resolution, bool, error) {
	verb := strings.ToUpper(j.Verb)
	path := job.NormalizePath(j.NormalizedPath)
	for _, rule := range t.rules {
		if !strings.EqualFold(rule.Verb, verb) {
			continue
		}
		params, ok := matchTemplate(rule.Template, path)
		if !ok {
			continue
		}
		payload, err := rule.Build(j, params)
		if err != nil {
			return nil, true, err
		}
		return &Resolution{
			Subject:         rule.Subject,
			Payload:         payload,
			CompletionEvent: rule.completionEvent(),
			RouteParams:     params,
		}, true, nil
	}
	return nil, false, nil
}

// matchTemplate compares a declared template (literal, ":name", or "*"
// segments) against a normalized actual path, segment by segment.
func matchTemplate(template, path string) (map[string]string, bool) {
	template = job.NormalizePath(template)
	tSegs := splitSegments(template)
	pSegs := splitSegments(path)
	if len(tSegs) != len(pSegs) {
		return nil, false
	}
	params := map[string]string{}
	for i, t := range tSegs {
		p := pSegs[i]
		switch {
		case t == "*":
			continue
		case strings.HasPrefix(t, ":"):
			params[t[1:]] = p
		case t != p:
			return nil, false
		}
	}
	return params, true
}

func splitSegments(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return []string{}
	}
	return strings.Split(path, "/")
}
