// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/opsgateway/async-gateway/internal/config"
	"github.com/opsgateway/async-gateway/internal/kvstore"
	"github.com/opsgateway/async-gateway/internal/queueregistry"
	"github.com/opsgateway/async-gateway/internal/workerpool"
	"go.uber.org/zap"
)

// StartQueueLengthUpdater samples every registered queue's waiting and
// delayed list sizes on an interval and updates the gateway_queue_length
// and gateway_queue_delayed_length gauges (spec.md §5 housekeeping,
// "sample queue lengths for observability").
func StartQueueLengthUpdater(ctx context.Context, cfg *config.Config, kv *kvstore.Store, registry *queueregistry.Registry, log *zap.Logger) {
	interval := 2 * time.Second
	if cfg.Observability.QueueSampleInterval > 0 {
		interval = cfg.Observability.QueueSampleInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, def := range registry.List() {
					keys := workerpool.KeysFor(def.Name)
					n, err := kv.LLen(ctx, keys.Waiting)
					if err != nil {
						log.Debug("queue length poll error", String("queue", def.Name), Err(err))
						continue
					}
					QueueLength.WithLabelValues(def.Name).Set(float64(n))

					delayed, err := kv.ZCard(ctx, keys.Delayed)
					if err != nil {
						log.Debug("delayed queue poll error", String("queue", def.Name), Err(err))
						continue
					}
					QueueDelayedLength.WithLabelValues(def.Name).Set(float64(delayed))
				}
			}
		}
	}()
}
