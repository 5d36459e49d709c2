package intercept

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/opsgateway/async-gateway/internal/config"
	"github.com/opsgateway/async-gateway/internal/idempotency"
	"github.com/opsgateway/async-gateway/internal/job"
	"github.com/opsgateway/async-gateway/internal/kvstore"
	"github.com/opsgateway/async-gateway/internal/queueregistry"
	"github.com/opsgateway/async-gateway/internal/routing"
	"github.com/opsgateway/async-gateway/internal/statusfabric"
)

type fakeEnqueuer struct {
	jobs []*job.Job
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, j *job.Job) error {
	f.jobs = append(f.jobs, j)
	return nil
}

type fixedChooser struct{ name string }

func (f fixedChooser) ChooseQueue(ctx context.Context, path string) string { return f.name }

func newRegistry(t *testing.T) *queueregistry.Registry {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := &config.Config{}
	cfg.Redis.Addr = mr.Addr()
	cfg.QueueSystem = config.QueueSystem{
		DefaultQueueName: "standard",
		ConfigKey:        "queues:config",
		ConfigChannel:    "queues:config:events",
	}
	kv := kvstore.New(cfg)
	r := queueregistry.New(cfg, kv, nil)
	if err := r.Bootstrap(context.Background(), []config.QueueDefinitionConfig{
		{Name: "standard", Priority: 1, TimeoutSeconds: 5, Attempts: 3, Concurrency: 1, Workers: 1, Enabled: true, URLPatterns: []string{"/*"}},
	}); err != nil {
		t.Fatal(err)
	}
	return r
}

func newPipeline(t *testing.T, enq *fakeEnqueuer, idem idempotency.Store) (*Pipeline, bool) {
	t.Helper()
	table := routing.NewTable(routing.Rule{
		Verb: "POST", Template: "/courses", Subject: "programs.courses.create",
		Build: routing.Fields(routing.Body("body")),
	})
	registry := newRegistry(t)
	fallbackCalled := false
	fallback := func(w http.ResponseWriter, r *http.Request) {
		fallbackCalled = true
		w.WriteHeader(http.StatusOK)
	}
	p := New(StaticSettings{QueueSystemEnabled: true, PathExclusions: []string{"/admin", "/health"}},
		table, fixedChooser{name: "standard"}, registry, enq, statusfabric.New(), idem, nil, fallback)
	return p, fallbackCalled
}

func TestServeHTTPEnqueuesMatchedRoute(t *testing.T) {
	enq := &fakeEnqueuer{}
	p, _ := newPipeline(t, enq, nil)
	req := httptest.NewRequest(http.MethodPost, "/courses", strings.NewReader(`{"code":"INF110"}`))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(enq.jobs) != 1 {
		t.Fatalf("expected one enqueued job, got %d", len(enq.jobs))
	}
	var resp acceptedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "queued" || resp.QueueType != "standard" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.CheckStatusURL != "/queues/job/"+resp.JobID+"/status" {
		t.Fatalf("unexpected check status url: %s", resp.CheckStatusURL)
	}
}

func TestServeHTTPFallsBackOnExcludedPath(t *testing.T) {
	enq := &fakeEnqueuer{}
	p, _ := newPipeline(t, enq, nil)
	req := httptest.NewRequest(http.MethodGet, "/admin/queues", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected fallback 200, got %d", rec.Code)
	}
	if len(enq.jobs) != 0 {
		t.Fatal("expected no job enqueued for excluded path")
	}
}

func TestServeHTTPFallsBackOnUnmatchedRoute(t *testing.T) {
	enq := &fakeEnqueuer{}
	p, _ := newPipeline(t, enq, nil)
	req := httptest.NewRequest(http.MethodGet, "/unmapped/thing", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected fallback 200, got %d", rec.Code)
	}
}

func TestServeHTTPDecodesBearerUserID(t *testing.T) {
	enq := &fakeEnqueuer{}
	p, _ := newPipeline(t, enq, nil)
	req := httptest.NewRequest(http.MethodPost, "/courses", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+makeJWT(t, `{"sub":"u1"}`))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	if len(enq.jobs) != 1 || enq.jobs[0].UserID != "u1" {
		t.Fatalf("expected decoded userId u1, got %+v", enq.jobs)
	}
}

func TestIdempotentConcurrentCallsShareOneDispatch(t *testing.T) {
	enq := &fakeEnqueuer{}
	idem := idempotency.NewMemoryStore(config.Idempotency{TTL: time.Hour})
	defer idem.Close()
	p, _ := newPipeline(t, enq, idem)

	req1 := httptest.NewRequest(http.MethodPost, "/courses", strings.NewReader(`{"x":1}`))
	req1.Header.Set("X-Idempotency-Key", "k1")
	rec1 := httptest.NewRecorder()
	p.ServeHTTP(rec1, req1)

	req2 := httptest.NewRequest(http.MethodPost, "/courses", strings.NewReader(`{"x":1}`))
	req2.Header.Set("X-Idempotency-Key", "k1")
	rec2 := httptest.NewRecorder()
	p.ServeHTTP(rec2, req2)

	if len(enq.jobs) != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", len(enq.jobs))
	}
	var resp1, resp2 acceptedResponse
	if err := json.Unmarshal(rec1.Body.Bytes(), &resp1); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(rec2.Body.Bytes(), &resp2); err != nil {
		t.Fatal(err)
	}
	if resp1.JobID != resp2.JobID {
		t.Fatalf("expected both callers to see the same job id, got %s vs %s", resp1.JobID, resp2.JobID)
	}
	if resp1.Idempotency == nil || !resp1.Idempotency.IsNew {
		t.Fatalf("expected first caller isNew:true, got %+v", resp1.Idempotency)
	}
	if resp2.Idempotency == nil || resp2.Idempotency.IsNew {
		t.Fatalf("expected second caller isNew:false, got %+v", resp2.Idempotency)
	}
}

func makeJWT(t *testing.T, payloadJSON string) string {
	t.Helper()
	enc := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }
	return enc("{}") + "." + enc(payloadJSON) + "." + enc("sig")
}
