// Copyright 2025 James Ross
package reaper

import (
	"context"
	"time"

	"github.com/opsgateway/async-gateway/internal/job"
	"github.com/opsgateway/async-gateway/internal/kvstore"
	"github.com/opsgateway/async-gateway/internal/obs"
	"github.com/opsgateway/async-gateway/internal/queueregistry"
	"github.com/opsgateway/async-gateway/internal/workerpool"
	"go.uber.org/zap"
)

// staleMultiple bounds how long a job may sit in a queue's processing
// list before the reaper considers its worker dead and requeues it.
// There is no per-worker heartbeat in this design (workerpool.Pool
// holds worker state in-process only); a job still present long after
// its own queue timeout could plausibly have elapsed is the only
// available signal that the worker handling it crashed mid-dispatch.
const staleMultiple = 3

// Reaper recovers jobs abandoned in a queue's processing list when the
// worker handling them crashes between BRPOPLPUSH and the
// LREM/ack that normally removes the entry (spec.md §5's durability
// requirement that no job can be lost to a crashed worker).
type Reaper struct {
	kv       *kvstore.Store
	registry *queueregistry.Registry
	log      *zap.Logger
	interval time.Duration
}

func New(kv *kvstore.Store, registry *queueregistry.Registry, log *zap.Logger) *Reaper {
	return &Reaper{kv: kv, registry: registry, log: log, interval: 5 * time.Second}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) {
	for _, def := range r.registry.List() {
		keys := workerpool.KeysFor(def.Name)
		r.reapQueue(ctx, keys, def.Timeout())
	}
}

func (r *Reaper) reapQueue(ctx context.Context, keys workerpool.Keys, timeout time.Duration) {
	staleAfter := timeout * staleMultiple
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}

	items, err := r.kv.LRange(ctx, keys.Processing, 0, -1)
	if err != nil {
		r.log.Warn("reaper scan error", obs.String("key", keys.Processing), obs.Err(err))
		return
	}

	now := time.Now()
	for _, raw := range items {
		j, err := job.Unmarshal([]byte(raw))
		if err != nil {
			continue
		}
		age := now.Sub(time.UnixMilli(j.CreatedAt))
		if age < staleAfter {
			continue
		}
		if err := r.kv.LRem(ctx, keys.Processing, 1, raw); err != nil {
			r.log.Warn("reaper lrem error", obs.Err(err))
			continue
		}
		if err := r.kv.LPush(ctx, keys.Waiting, raw); err != nil {
			r.log.Error("reaper requeue failed", obs.Err(err))
			continue
		}
		obs.ReaperRecovered.WithLabelValues(j.QueueName).Inc()
		r.log.Warn("requeued abandoned job",
			obs.String("id", j.ID), obs.String("queue", j.QueueName), obs.Int("attempts", j.Attempts))
	}
}
