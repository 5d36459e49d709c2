package statusfabric

import (
	"fmt"
	"testing"
	"time"

	"github.com/opsgateway/async-gateway/internal/job"
)

type recordingSub struct {
	updates []Update
	fail    bool
}

func (r *recordingSub) Send(u Update) error {
	if r.fail {
		return fmt.Errorf("disconnected")
	}
	r.updates = append(r.updates, u)
	return nil
}

func TestPublishDiscardsStaleTimestamp(t *testing.T) {
	f := New()
	f.Publish(Update{JobID: "j1", Status: job.StatusQueued, Timestamp: 100})
	f.Publish(Update{JobID: "j1", Status: job.StatusProcessing, Timestamp: 50})
	u, ok := f.GetStatus("j1")
	if !ok || u.Status != job.StatusQueued {
		t.Fatalf("expected stale update to be discarded, got %+v", u)
	}
}

func TestPublishAcceptsNewerTimestamp(t *testing.T) {
	f := New()
	f.Publish(Update{JobID: "j1", Status: job.StatusQueued, Timestamp: 100})
	f.Publish(Update{JobID: "j1", Status: job.StatusCompleted, Timestamp: 200})
	u, _ := f.GetStatus("j1")
	if u.Status != job.StatusCompleted {
		t.Fatalf("expected completed, got %v", u.Status)
	}
}

func TestSubscribeFansOutToBoundJobID(t *testing.T) {
	f := New()
	sub := &recordingSub{}
	f.Subscribe("h1", sub, "j1")
	f.Publish(Update{JobID: "j1", Status: job.StatusQueued, Timestamp: 1})
	f.Publish(Update{JobID: "j2", Status: job.StatusQueued, Timestamp: 1})
	if len(sub.updates) != 1 {
		t.Fatalf("expected exactly one update for bound job, got %d", len(sub.updates))
	}
}

func TestFailingSubscriberIsDisconnected(t *testing.T) {
	f := New()
	sub := &recordingSub{fail: true}
	f.Subscribe("h1", sub, "j1")
	f.Publish(Update{JobID: "j1", Status: job.StatusQueued, Timestamp: 1})
	f.mu.RLock()
	_, stillThere := f.subscribers["h1"]
	f.mu.RUnlock()
	if stillThere {
		t.Fatal("expected failing subscriber to be dropped")
	}
}

func TestDisconnectRemovesAllBindings(t *testing.T) {
	f := New()
	sub := &recordingSub{}
	f.Subscribe("h1", sub, "j1")
	f.Subscribe("h1", sub, "j2")
	f.Disconnect("h1")
	f.Publish(Update{JobID: "j1", Status: job.StatusQueued, Timestamp: 1})
	if len(sub.updates) != 0 {
		t.Fatal("expected no updates after disconnect")
	}
}

func TestHousekeepDropsOldStatusesAndHandles(t *testing.T) {
	f := New()
	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	f.Publish(Update{JobID: "old", Status: job.StatusQueued, Timestamp: old})
	f.Publish(Update{JobID: "new", Status: job.StatusQueued, Timestamp: time.Now().UnixMilli()})
	sub := &recordingSub{}
	f.Subscribe("stale-handle", sub, "x")
	f.subscribers["stale-handle"].lastSeen = time.Now().Add(-10 * time.Minute)

	droppedStatuses, droppedHandles := f.Housekeep(time.Hour, 5*time.Minute)
	if droppedStatuses != 1 {
		t.Fatalf("expected 1 dropped status, got %d", droppedStatuses)
	}
	if droppedHandles != 1 {
		t.Fatalf("expected 1 dropped handle, got %d", droppedHandles)
	}
	if _, ok := f.GetStatus("old"); ok {
		t.Fatal("expected old status to be gone")
	}
	if _, ok := f.GetStatus("new"); !ok {
		t.Fatal("expected new status to survive")
	}
}

func TestGetStatistics(t *testing.T) {
	f := New()
	f.Publish(Update{JobID: "j1", Status: job.StatusQueued, Timestamp: 100})
	f.Publish(Update{JobID: "j2", Status: job.StatusCompleted, Timestamp: 50})
	stats := f.GetStatistics()
	if stats.Total != 2 {
		t.Fatalf("expected 2 total, got %d", stats.Total)
	}
	if stats.ByStatus[string(job.StatusQueued)] != 1 || stats.ByStatus[string(job.StatusCompleted)] != 1 {
		t.Fatalf("unexpected by-status counts: %+v", stats.ByStatus)
	}
	if stats.OldestUnixMS != 50 {
		t.Fatalf("expected oldest 50, got %d", stats.OldestUnixMS)
	}
}
