package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/opsgateway/async-gateway/internal/config"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	cfg := &config.Config{}
	cfg.Redis.Addr = mr.Addr()
	cfg.Redis.PoolSizeMultiplier = 1
	return New(cfg), mr
}

func TestSetTTLAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.SetTTL(ctx, "k", "v", time.Minute); err != nil {
		t.Fatal(err)
	}
	v, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if v != "v" {
		t.Fatalf("got %q want %q", v, "v")
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Get(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLPushTrimBoundsHistory(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.LPushTrim(ctx, "hist", "x", 3); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.LLen(ctx, "hist")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected length bounded to 3, got %d", n)
	}
}

func TestBRPopLPushMovesElement(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.LPush(ctx, "src", "job1"); err != nil {
		t.Fatal(err)
	}
	v, err := s.BRPopLPush(ctx, "src", "dst", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if v != "job1" {
		t.Fatalf("got %q want job1", v)
	}
	n, _ := s.LLen(ctx, "dst")
	if n != 1 {
		t.Fatalf("expected job1 moved to dst, got len %d", n)
	}
}

func TestZAddAndZPopDue(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.ZAdd(ctx, "delayed", 100, "job1"); err != nil {
		t.Fatal(err)
	}
	if err := s.ZAdd(ctx, "delayed", 200, "job2"); err != nil {
		t.Fatal(err)
	}
	due, err := s.ZPopDue(ctx, "delayed", 150, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0] != "job1" {
		t.Fatalf("expected only job1 due, got %v", due)
	}
	n, _ := s.ZCard(ctx, "delayed")
	if n != 1 {
		t.Fatalf("expected job2 to remain, got card %d", n)
	}
}
