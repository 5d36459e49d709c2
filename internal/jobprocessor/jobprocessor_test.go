package jobprocessor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/opsgateway/async-gateway/internal/breaker"
	"github.com/opsgateway/async-gateway/internal/cache"
	"github.com/opsgateway/async-gateway/internal/config"
	"github.com/opsgateway/async-gateway/internal/job"
	"github.com/opsgateway/async-gateway/internal/kvstore"
	"github.com/opsgateway/async-gateway/internal/queueregistry"
	"github.com/opsgateway/async-gateway/internal/resultstore"
	"github.com/opsgateway/async-gateway/internal/statusfabric"
)

type fakeDispatcher struct {
	response []byte
	err      error
	calls    int
}

func (f *fakeDispatcher) Request(ctx context.Context, subject string, payload []byte) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func newHarness(t *testing.T, disp Dispatcher) (*Processor, *resultstore.Store, *statusfabric.Fabric) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := &config.Config{}
	cfg.Redis.Addr = mr.Addr()
	kv := kvstore.New(cfg)
	results := resultstore.New(kv, time.Hour, 100)
	status := statusfabric.New()
	c := cache.New(config.Cache{MaxSize: 100, DefaultTTL: time.Minute})
	breakers := breaker.NewRegistry(config.CircuitBreaker{FailureThreshold: 0.5, Window: time.Minute, CooldownPeriod: time.Second, MinSamples: 1000})
	return New(disp, breakers, c, config.Cache{MaxSize: 100, DefaultTTL: time.Minute, Exclusions: []string{"/admin"}}, results, status, nil), results, status
}

func testJob(verb, path, subject string) *job.Job {
	j, _ := job.New(verb, path, path)
	j.Subject = subject
	j.Payload = json.RawMessage(`{"x":1}`)
	return j
}

func TestProcessEchoesReservedSubject(t *testing.T) {
	p, results, status := newHarness(t, &fakeDispatcher{})
	j := testJob("POST", "/x", ReservedEchoSubject)
	def := queueregistry.QueueDefinition{Name: "standard", TimeoutSeconds: 5}
	out := p.Process(context.Background(), j, def, "w1")
	if !out.Success {
		t.Fatalf("expected success, got %+v", out)
	}
	rec, ok, _ := results.Get(context.Background(), j.ID)
	if !ok || rec.Status != job.StatusCompleted {
		t.Fatalf("expected persisted completed record, got %+v", rec)
	}
	u, _ := status.GetStatus(j.ID)
	if u.Status != job.StatusCompleted {
		t.Fatalf("expected status fabric to show completed, got %v", u.Status)
	}
}

func TestProcessDispatchesAndPersistsSuccess(t *testing.T) {
	disp := &fakeDispatcher{response: []byte(`{"statusCode":200,"ok":true}`)}
	p, results, _ := newHarness(t, disp)
	j := testJob("POST", "/courses", "programs.courses.create")
	def := queueregistry.QueueDefinition{Name: "standard", TimeoutSeconds: 5}
	out := p.Process(context.Background(), j, def, "w1")
	if !out.Success {
		t.Fatalf("expected success, got %+v", out)
	}
	if disp.calls != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", disp.calls)
	}
	rec, _, _ := results.Get(context.Background(), j.ID)
	if rec.StatusCode != 200 {
		t.Fatalf("expected status code 200, got %d", rec.StatusCode)
	}
}

func TestProcessOnlyPersistsOnTerminalFailure(t *testing.T) {
	disp := &fakeDispatcher{err: errors.New("connection refused")}
	p, results, status := newHarness(t, disp)
	def := queueregistry.QueueDefinition{Name: "standard", TimeoutSeconds: 5, Attempts: 3}

	j := testJob("POST", "/courses", "programs.courses.create")
	out := p.Process(context.Background(), j, def, "w1")
	if out.Success {
		t.Fatal("expected failure")
	}
	if _, ok, _ := results.Get(context.Background(), j.ID); ok {
		t.Fatal("expected no persisted record for a non-terminal attempt")
	}
	n, _ := results.HistoryLen(context.Background(), true)
	if n != 0 {
		t.Fatalf("expected no failure history entry for a non-terminal attempt, got %d", n)
	}
	u, _ := status.GetStatus(j.ID)
	if u.Status != job.StatusFailed {
		t.Fatalf("expected status fabric to still see the failed attempt, got %v", u.Status)
	}

	j.Attempts = def.Attempts - 1 // simulate the retry that exhausts Attempts
	out = p.Process(context.Background(), j, def, "w1")
	if out.Success {
		t.Fatal("expected terminal failure")
	}
	rec, ok, _ := results.Get(context.Background(), j.ID)
	if !ok || rec.Status != job.StatusFailed {
		t.Fatalf("expected a persisted failed record on terminal failure, got %+v, ok=%v", rec, ok)
	}
	n, _ = results.HistoryLen(context.Background(), true)
	if n != 1 {
		t.Fatalf("expected exactly one failure history entry after exhausting retries, got %d", n)
	}
}

func TestProcessClassifiesDownstreamError(t *testing.T) {
	disp := &fakeDispatcher{err: errors.New("connection refused")}
	p, results, _ := newHarness(t, disp)
	j := testJob("POST", "/courses", "programs.courses.create")
	def := queueregistry.QueueDefinition{Name: "standard", TimeoutSeconds: 5}
	out := p.Process(context.Background(), j, def, "w1")
	if out.Success {
		t.Fatal("expected failure")
	}
	rec, _, _ := results.Get(context.Background(), j.ID)
	if rec.Status != job.StatusFailed || rec.Error == nil || rec.Error.Type != resultstore.ErrHTTP {
		t.Fatalf("expected classified http error, got %+v", rec)
	}
}

func TestProcessUsesCacheOnSecondCall(t *testing.T) {
	disp := &fakeDispatcher{response: []byte(`{"statusCode":200,"data":"x"}`)}
	p, _, _ := newHarness(t, disp)
	def := queueregistry.QueueDefinition{Name: "standard", TimeoutSeconds: 5}

	j1 := testJob("GET", "/courses", "programs.courses.list")
	out1 := p.Process(context.Background(), j1, def, "w1")
	if !out1.Success || out1.Record.CacheHit {
		t.Fatalf("expected first call to miss cache, got %+v", out1.Record)
	}

	j2 := testJob("GET", "/courses", "programs.courses.list")
	out2 := p.Process(context.Background(), j2, def, "w1")
	if !out2.Record.CacheHit {
		t.Fatalf("expected second call to hit cache, got %+v", out2.Record)
	}
	if disp.calls != 1 {
		t.Fatalf("expected no second dispatch on cache hit, got %d calls", disp.calls)
	}
}
