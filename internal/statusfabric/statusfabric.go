// Package statusfabric implements the job-status fabric (C10): an
// in-memory, authoritative job-status map plus subscriber fan-out for
// the push channel. Grounded on Design Notes' call for "a thin event
// interface" between components and
// internal/event-hooks/nats.go's subscriber bookkeeping
// (ID/filter/healthy fields, mutex-guarded registration), adapted from
// NATS-subject fan-out to an in-process map of job-id subscriptions.
package statusfabric

import (
	"sync"
	"time"

	"github.com/opsgateway/async-gateway/internal/job"
)

// Update is spec.md §3's JobStatusUpdate. A newer Timestamp strictly
// supersedes an older one for the same job id (spec.md §5, §8
// "Status monotonicity").
type Update struct {
	JobID                  string     `json:"jobId"`
	Status                 job.Status `json:"status"`
	Progress               *int       `json:"progress,omitempty"`
	EstimatedTimeRemaining *int64     `json:"estimatedTimeRemaining,omitempty"`
	QueueName              string     `json:"queueName"`
	Timestamp              int64      `json:"timestamp"`
	Result                 any        `json:"result,omitempty"`
	Error                  any        `json:"error,omitempty"`
}

// Subscriber receives fan-out notifications. Send must be non-blocking
// from the fabric's point of view: an implementation that would block
// (a slow consumer) is disconnected by the fabric instead (spec.md §5
// "Subscriber fan-out is non-blocking; a slow subscriber is
// disconnected").
type Subscriber interface {
	Send(Update) error
}

type binding struct {
	sub      Subscriber
	jobIDs   map[string]bool
	lastSeen time.Time
}

// Statistics answers C10's getStatistics() query.
type Statistics struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"byStatus"`
	OldestUnixMS   int64          `json:"oldestTimestamp"`
}

// Fabric is the component's concurrency-safe state: exclusive mutation
// by its owner, consistent snapshots for readers (spec.md §5).
type Fabric struct {
	mu          sync.RWMutex
	statuses    map[string]Update
	subscribers map[string]*binding // keyed by an opaque handle id
}

func New() *Fabric {
	return &Fabric{
		statuses:    map[string]Update{},
		subscribers: map[string]*binding{},
	}
}

// Publish writes jobID's status if ts is not stale, then fans out to
// every subscriber bound to that id. A broadcast failure disconnects
// the subscriber entirely (spec.md §4.5, §7 "SubscriberError").
func (f *Fabric) Publish(u Update) {
	f.mu.Lock()
	if existing, ok := f.statuses[u.JobID]; ok && existing.Timestamp > u.Timestamp {
		f.mu.Unlock()
		return // stale update discarded, per spec.md's monotonicity invariant
	}
	f.statuses[u.JobID] = u
	var toNotify []*binding
	var toDrop []string
	for handle, b := range f.subscribers {
		if b.jobIDs[u.JobID] {
			toNotify = append(toNotify, b)
			_ = handle
		}
	}
	f.mu.Unlock()

	for _, b := range toNotify {
		if err := b.sub.Send(u); err != nil {
			toDrop = append(toDrop, f.handleFor(b))
		}
	}
	for _, h := range toDrop {
		if h != "" {
			f.Unsubscribe(h, "")
			f.Disconnect(h)
		}
	}
}

func (f *Fabric) handleFor(target *binding) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for h, b := range f.subscribers {
		if b == target {
			return h
		}
	}
	return ""
}

// Subscribe registers handle's interest in jobID, registering the handle
// itself on first use.
func (f *Fabric) Subscribe(handle string, sub Subscriber, jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.subscribers[handle]
	if !ok {
		b = &binding{sub: sub, jobIDs: map[string]bool{}, lastSeen: time.Now()}
		f.subscribers[handle] = b
	}
	b.jobIDs[jobID] = true
	b.lastSeen = time.Now()
}

func (f *Fabric) Unsubscribe(handle, jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.subscribers[handle]
	if !ok {
		return
	}
	if jobID == "" {
		delete(b.jobIDs, "")
		return
	}
	delete(b.jobIDs, jobID)
}

// Disconnect removes handle and every one of its subscriptions (spec.md
// §3 SubscriberBinding invariant: "removing the handle removes every
// binding").
func (f *Fabric) Disconnect(handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscribers, handle)
}

func (f *Fabric) GetStatus(jobID string) (Update, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	u, ok := f.statuses[jobID]
	return u, ok
}

func (f *Fabric) GetStatistics() Statistics {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := Statistics{Total: len(f.statuses), ByStatus: map[string]int{}}
	var oldest int64
	first := true
	for _, u := range f.statuses {
		stats.ByStatus[string(u.Status)]++
		if first || u.Timestamp < oldest {
			oldest, first = u.Timestamp, false
		}
	}
	stats.OldestUnixMS = oldest
	return stats
}

// Housekeep drops status entries older than statusMaxAge and
// disconnects handles idle longer than handleMaxAge, per spec.md §4.5
// ("every 5 min, drop status entries older than 1h and disconnect
// handles older than 5 min").
func (f *Fabric) Housekeep(statusMaxAge, handleMaxAge time.Duration) (droppedStatuses, droppedHandles int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for id, u := range f.statuses {
		if now.Sub(time.UnixMilli(u.Timestamp)) > statusMaxAge {
			delete(f.statuses, id)
			droppedStatuses++
		}
	}
	for h, b := range f.subscribers {
		if now.Sub(b.lastSeen) > handleMaxAge {
			delete(f.subscribers, h)
			droppedHandles++
		}
	}
	return droppedStatuses, droppedHandles
}

// Touch refreshes a handle's last-seen time, called whenever it sends a
// ping or subscribe/unsubscribe frame on the push channel.
func (f *Fabric) Touch(handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.subscribers[handle]; ok {
		b.lastSeen = time.Now()
	}
}
