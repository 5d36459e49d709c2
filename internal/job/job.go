// Package job defines the Job record intercepted HTTP requests are frozen
// into (spec.md §3) and its wire encoding for the broker and key-value store.
package job

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state a JobStatusUpdate (C10) or JobResultRecord
// (C9) carries.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusProgress   Status = "progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is created by the interception pipeline (C11), consumed by the
// worker pool (C7), and mutated only by the job processor (C8, adding
// result/status) and the status fabric (C10, status transitions).
//
// Subject and Payload are set exactly once, immediately before enqueue;
// once enqueued, ID, Verb, NormalizedPath and Subject are immutable.
type Job struct {
	ID             string            `json:"id"`
	Verb           string            `json:"verb"`
	NormalizedPath string            `json:"normalizedPath"`
	RawURL         string            `json:"rawUrl"`
	Body           json.RawMessage   `json:"body,omitempty"`
	QueryParams    OrderedParams     `json:"queryParams,omitempty"`
	RouteParams    map[string]string `json:"routeParams,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	UserID         string            `json:"userId,omitempty"`
	ClientIP       string            `json:"clientIp,omitempty"`
	CreatedAt      int64             `json:"createdAt"`
	Context        map[string]any    `json:"context,omitempty"`
	Subject        string            `json:"subject,omitempty"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	Attempts       int               `json:"attempts"`
	QueueName      string            `json:"queueName,omitempty"`
	WorkerID       string            `json:"workerId,omitempty"`
}

// OrderedParams preserves query-string declaration order; a repeated key
// reduces to its first value per spec.md §4.1 (requireQuery).
type OrderedParams []KV

type KV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (p OrderedParams) First(key string) (string, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// New builds a Job with a time-lexicographic id (yyyymmddHHMMss + 6 random
// base36 characters) and normalized verb/path, per spec.md §4.6 step 3.
func New(verb, rawURL, normalizedPath string) (*Job, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}
	return &Job{
		ID:             id,
		Verb:           strings.ToUpper(verb),
		NormalizedPath: NormalizePath(normalizedPath),
		RawURL:         rawURL,
		Headers:        map[string]string{},
		CreatedAt:      time.Now().UnixMilli(),
		Attempts:       0,
	}, nil
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func newID() (string, error) {
	ts := time.Now().UTC().Format("20060102150405")
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate job id suffix: %w", err)
	}
	suffix := make([]byte, 6)
	for i, b := range buf {
		suffix[i] = base36Alphabet[int(b)%len(base36Alphabet)]
	}
	return ts + string(suffix), nil
}

// NormalizePath strips a query string, forces a leading slash, and trims
// a trailing slash (a lone root remains "/"), per spec.md §4.1.
func NormalizePath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.ToLower(path)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	return path
}

// NormalizeHeaders lower-cases keys and joins repeated values with ", ",
// per spec.md §4.6 step 3.
func NormalizeHeaders(raw map[string][]string) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}

func (j *Job) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

func Unmarshal(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &j, nil
}
