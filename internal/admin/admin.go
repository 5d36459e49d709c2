// Copyright 2025 James Ross
//
// Package admin implements the operator commands behind cmd/gateway-admin:
// stats, peek, purge and a synthetic-load bench. Grounded on
// internal/admin/admin.go's Stats/Peek/PurgeDLQ/Bench shape, adapted from
// a fixed high/low/completed/dead_letter list set to the dynamic named
// queues internal/queueregistry manages.
package admin

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/opsgateway/async-gateway/internal/job"
	"github.com/opsgateway/async-gateway/internal/kvstore"
	"github.com/opsgateway/async-gateway/internal/queueregistry"
	"github.com/opsgateway/async-gateway/internal/resultstore"
	"github.com/opsgateway/async-gateway/internal/workerpool"
)

// QueueStats is one queue's snapshot of the three observable buckets
// plus the gateway-wide completed/failed result history counts (the
// history lists are shared by all queues, so every queue reports the
// same two values).
type QueueStats struct {
	Name             string `json:"name"`
	Waiting          int64  `json:"waiting"`
	Processing       int64  `json:"processing"`
	Delayed          int64  `json:"delayed"`
	CompletedHistory int64  `json:"completedHistory"`
	FailedHistory    int64  `json:"failedHistory"`
}

// StatsResult is the full-fleet snapshot.
type StatsResult struct {
	Queues []QueueStats `json:"queues"`
}

// Stats reports every registered queue's waiting/processing/delayed
// depth alongside the shared result history sizes.
func Stats(ctx context.Context, kv *kvstore.Store, registry *queueregistry.Registry, results *resultstore.Store) (StatsResult, error) {
	defs := registry.List()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	var res StatsResult
	for _, def := range defs {
		keys := workerpool.KeysFor(def.Name)
		waiting, err := kv.LLen(ctx, keys.Waiting)
		if err != nil {
			return res, fmt.Errorf("admin: waiting length for %q: %w", def.Name, err)
		}
		processing, err := kv.LLen(ctx, keys.Processing)
		if err != nil {
			return res, fmt.Errorf("admin: processing length for %q: %w", def.Name, err)
		}
		delayed, err := kv.ZCard(ctx, keys.Delayed)
		if err != nil {
			return res, fmt.Errorf("admin: delayed size for %q: %w", def.Name, err)
		}
		completed, err := results.HistoryLen(ctx, false)
		if err != nil {
			return res, fmt.Errorf("admin: completed history size: %w", err)
		}
		failed, err := results.HistoryLen(ctx, true)
		if err != nil {
			return res, fmt.Errorf("admin: failed history size: %w", err)
		}
		res.Queues = append(res.Queues, QueueStats{
			Name: def.Name, Waiting: waiting, Processing: processing, Delayed: delayed,
			CompletedHistory: completed, FailedHistory: failed,
		})
	}
	return res, nil
}

// PeekResult is the next-to-be-processed slice of one queue's waiting
// list, taken from the tail since BRPOPLPUSH consumes from there.
type PeekResult struct {
	Queue string   `json:"queue"`
	Items []string `json:"items"`
}

func Peek(ctx context.Context, kv *kvstore.Store, registry *queueregistry.Registry, queueName string, n int64) (PeekResult, error) {
	if _, ok := registry.Get(queueName); !ok {
		return PeekResult{}, fmt.Errorf("admin: unknown queue %q", queueName)
	}
	if n <= 0 {
		n = 10
	}
	keys := workerpool.KeysFor(queueName)
	items, err := kv.LRange(ctx, keys.Waiting, -n, -1)
	if err != nil {
		return PeekResult{}, err
	}
	return PeekResult{Queue: queueName, Items: items}, nil
}

// List identifies which of a queue's three lists/sets to operate on.
type List string

const (
	ListWaiting    List = "waiting"
	ListProcessing List = "processing"
	ListDelayed    List = "delayed"
)

// Purge clears one list of a named queue, mirroring PurgeDLQ's
// single-key delete but addressed by (queue, list) instead of a fixed
// dead-letter key.
func Purge(ctx context.Context, kv *kvstore.Store, registry *queueregistry.Registry, queueName string, list List) error {
	if _, ok := registry.Get(queueName); !ok {
		return fmt.Errorf("admin: unknown queue %q", queueName)
	}
	keys := workerpool.KeysFor(queueName)
	var key string
	switch list {
	case ListWaiting:
		key = keys.Waiting
	case ListProcessing:
		key = keys.Processing
	case ListDelayed:
		key = keys.Delayed
	default:
		return fmt.Errorf("admin: unknown list %q, want waiting|processing|delayed", list)
	}
	return kv.Del(ctx, key)
}

// BenchResult mirrors the teacher's throughput/latency summary.
type BenchResult struct {
	Count      int           `json:"count"`
	Completed  int           `json:"completed"`
	Duration   time.Duration `json:"duration"`
	Throughput float64       `json:"throughputJobsPerSec"`
	P50        time.Duration `json:"p50Latency"`
	P95        time.Duration `json:"p95Latency"`
}

// Bench enqueues count synthetic queue.test echo jobs directly onto a
// queue's waiting list (bypassing HTTP interception, since this tool
// talks straight to the key-value store) and polls the result store for
// completion, computing simple throughput/latency stats the same way
// internal/admin/admin.go's Bench did against the old fixed lists.
func Bench(ctx context.Context, kv *kvstore.Store, registry *queueregistry.Registry, results *resultstore.Store, queueName string, count int, rate int, timeout time.Duration) (BenchResult, error) {
	res := BenchResult{Count: count}
	if count <= 0 {
		return res, fmt.Errorf("admin: bench count must be > 0")
	}
	if _, ok := registry.Get(queueName); !ok {
		return res, fmt.Errorf("admin: unknown queue %q", queueName)
	}
	if rate <= 0 {
		rate = 100
	}
	keys := workerpool.KeysFor(queueName)

	ids := make([]string, 0, count)
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()
	start := time.Now()
	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
		j, err := job.New("POST", "/queue-test/echo", "/queue-test/echo")
		if err != nil {
			return res, err
		}
		j.Subject = "queue.test"
		j.QueueName = queueName
		j.Payload = []byte(fmt.Sprintf(`{"bench":%d}`, i))
		data, err := j.Marshal()
		if err != nil {
			return res, err
		}
		if err := kv.LPush(ctx, keys.Waiting, string(data)); err != nil {
			return res, err
		}
		ids = append(ids, j.ID)
	}

	deadline := time.Now().Add(timeout)
	startMS := start.UnixMilli()
	var latencies []time.Duration
	pending := map[string]bool{}
	for _, id := range ids {
		pending[id] = true
	}
	for time.Now().Before(deadline) && len(pending) > 0 {
		for id := range pending {
			rec, ok, err := results.Get(ctx, id)
			if err != nil || !ok {
				continue
			}
			latencies = append(latencies, time.Duration(rec.FinishedAt-startMS)*time.Millisecond)
			delete(pending, id)
		}
		if len(pending) > 0 {
			time.Sleep(50 * time.Millisecond)
		}
	}
	res.Duration = time.Since(start)
	res.Completed = count - len(pending)
	if res.Duration > 0 {
		res.Throughput = float64(res.Completed) / res.Duration.Seconds()
	}
	res.P50, res.P95 = percentile(latencies, 0.50), percentile(latencies, 0.95)
	return res, nil
}

func percentile(latencies []time.Duration, pct float64) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	i := int(pct * float64(len(sorted)-1))
	if i < 0 {
		i = 0
	}
	return sorted[i]
}
