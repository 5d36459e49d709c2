package resultstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/opsgateway/async-gateway/internal/config"
	"github.com/opsgateway/async-gateway/internal/job"
	"github.com/opsgateway/async-gateway/internal/kvstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := &config.Config{}
	cfg.Redis.Addr = mr.Addr()
	kv := kvstore.New(cfg)
	return New(kv, time.Hour, 3)
}

func TestSaveAndGetRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := Record{JobID: "j1", QueueName: "standard", Status: job.StatusCompleted, Success: true}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.Get(ctx, "j1")
	if err != nil || !ok {
		t.Fatalf("expected record, ok=%v err=%v", ok, err)
	}
	if got.Status != job.StatusCompleted {
		t.Fatalf("expected completed, got %v", got.Status)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Get(context.Background(), "ghost")
	if err != nil || ok {
		t.Fatalf("expected not-found, got ok=%v err=%v", ok, err)
	}
}

func TestHistoryBoundedAndNewestFirst(t *testing.T) {
	s := newTestStore(t) // historyLimit 3
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		rec := Record{JobID: string(rune('a' + i)), Status: job.StatusCompleted}
		if err := s.Save(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.HistoryLen(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected history bounded to 3, got %d", n)
	}
	recs, err := s.History(ctx, false, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 || recs[0].JobID != "e" {
		t.Fatalf("expected newest-first [e,d,c], got %+v", recs)
	}
}

func TestFailedRecordsGoToFailedHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, Record{JobID: "f1", Status: job.StatusFailed}); err != nil {
		t.Fatal(err)
	}
	n, _ := s.HistoryLen(ctx, true)
	if n != 1 {
		t.Fatalf("expected 1 failed record, got %d", n)
	}
	n, _ = s.HistoryLen(ctx, false)
	if n != 0 {
		t.Fatalf("expected 0 completed records, got %d", n)
	}
}
