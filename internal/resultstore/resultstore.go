// Package resultstore implements the result repository (C9): a
// per-job JobResultRecord under a bounded TTL, plus newest-first rolling
// completed/failed history lists trimmed to a configured bound. Grounded
// on internal/worker/worker.go's LPush-to-completed/dead-letter-list
// pattern (generalized from fixed lists to per-record TTL keys plus
// history lists) and internal/admin/admin.go's key-scanning conventions.
package resultstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opsgateway/async-gateway/internal/job"
	"github.com/opsgateway/async-gateway/internal/kvstore"
)

// Record is spec.md §3's JobResultRecord.
type Record struct {
	JobID        string          `json:"jobId"`
	QueueName    string          `json:"queueName"`
	Verb         string          `json:"verb"`
	URL          string          `json:"url"`
	Status       job.Status      `json:"status"` // completed|failed
	Success      bool            `json:"success"`
	StatusCode   int             `json:"statusCode,omitempty"`
	Body         json.RawMessage `json:"body,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	RequestBody  json.RawMessage `json:"requestBody,omitempty"`
	Query        map[string]string `json:"query,omitempty"`
	CacheHit     bool            `json:"cacheHit"`
	Error        *ErrorInfo      `json:"error,omitempty"`
	Attempts     int             `json:"attempts"`
	FinishedAt   int64           `json:"finishedAt"`
	WorkerID     string          `json:"workerId"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// ErrorInfo classifies a failure per spec.md §4.4: timeout, http,
// exception, unknown.
type ErrorInfo struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode,omitempty"`
}

const (
	ErrTimeout   = "timeout"
	ErrHTTP      = "http"
	ErrException = "exception"
	ErrUnknown   = "unknown"
)

const (
	historyCompletedKey = "jobs:history:completed"
	historyFailedKey    = "jobs:history:failed"
)

type Store struct {
	kv           *kvstore.Store
	resultTTL    time.Duration
	historyLimit int64
}

func New(kv *kvstore.Store, resultTTL time.Duration, historyLimit int64) *Store {
	if resultTTL < 60*time.Second {
		resultTTL = 60 * time.Second // spec.md §4.4 "min 60s"
	}
	if historyLimit <= 0 {
		historyLimit = 100
	}
	return &Store{kv: kv, resultTTL: resultTTL, historyLimit: historyLimit}
}

func resultKey(jobID string) string { return fmt.Sprintf("job:result:%s", jobID) }

// Save persists the per-job record and appends it to the appropriate
// rolling history list, newest-first (spec.md §4.4 step 4, §5 "History
// lists are ordered newest-first").
func (s *Store) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("resultstore: marshal record: %w", err)
	}
	if err := s.kv.SetTTL(ctx, resultKey(rec.JobID), string(data), s.resultTTL); err != nil {
		return fmt.Errorf("resultstore: persist record: %w", err)
	}
	historyKey := historyCompletedKey
	if rec.Status == job.StatusFailed {
		historyKey = historyFailedKey
	}
	if err := s.kv.LPushTrim(ctx, historyKey, string(data), s.historyLimit); err != nil {
		return fmt.Errorf("resultstore: append history: %w", err)
	}
	return nil
}

// Get reads the per-job record, or (zero, false) if it has expired or
// never existed (the poll endpoint falls back to live broker state).
func (s *Store) Get(ctx context.Context, jobID string) (Record, bool, error) {
	raw, err := s.kv.Get(ctx, resultKey(jobID))
	if err == kvstore.ErrNotFound {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false, fmt.Errorf("resultstore: decode record: %w", err)
	}
	return rec, true, nil
}

// History returns up to limit newest-first records from the completed
// or failed list (spec.md §6 "History" endpoint); limit is clamped to
// [1, 500] by the caller (the HTTP layer), not here.
func (s *Store) History(ctx context.Context, failed bool, limit int64) ([]Record, error) {
	key := historyCompletedKey
	if failed {
		key = historyFailedKey
	}
	raws, err := s.kv.LRange(ctx, key, 0, limit-1)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(raws))
	for _, raw := range raws {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// HistoryLen reports LLEN for the completed/failed list, used by
// spec.md §8's "History bound" property.
func (s *Store) HistoryLen(ctx context.Context, failed bool) (int64, error) {
	key := historyCompletedKey
	if failed {
		key = historyFailedKey
	}
	return s.kv.LLen(ctx, key)
}
