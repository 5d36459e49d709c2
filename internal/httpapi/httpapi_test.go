package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/opsgateway/async-gateway/internal/config"
	"github.com/opsgateway/async-gateway/internal/job"
	"github.com/opsgateway/async-gateway/internal/kvstore"
	"github.com/opsgateway/async-gateway/internal/queueregistry"
	"github.com/opsgateway/async-gateway/internal/resultstore"
	"github.com/opsgateway/async-gateway/internal/statusfabric"
	"github.com/opsgateway/async-gateway/internal/workerpool"
)

type fakeWorkerControl struct {
	paused  map[string]bool
	allPaused bool
	ensured []string
}

func newFakeWorkerControl() *fakeWorkerControl {
	return &fakeWorkerControl{paused: map[string]bool{}}
}
func (f *fakeWorkerControl) PauseAll()  { f.allPaused = true }
func (f *fakeWorkerControl) ResumeAll() { f.allPaused = false }
func (f *fakeWorkerControl) PauseQueue(name string)  { f.paused[name] = true }
func (f *fakeWorkerControl) ResumeQueue(name string) { f.paused[name] = false }
func (f *fakeWorkerControl) Status() []workerpool.WorkerStatus {
	return []workerpool.WorkerStatus{{ID: "standard-redis-1", Queue: "standard", State: "active"}}
}
func (f *fakeWorkerControl) EnsureWorkers(def queueregistry.QueueDefinition) {
	f.ensured = append(f.ensured, def.Name)
}

type fakeLoad struct{}

func (fakeLoad) Load(ctx context.Context, queueName string) (float64, error) { return 0, nil }

func newHarness(t *testing.T) (*Handlers, *queueregistry.Registry, *resultstore.Store, *statusfabric.Fabric, *fakeWorkerControl) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := &config.Config{}
	cfg.Redis.Addr = mr.Addr()
	cfg.QueueSystem = config.QueueSystem{DefaultQueueName: "standard", ConfigKey: "queues:config", ConfigChannel: "queues:config:events"}
	kv := kvstore.New(cfg)
	registry := queueregistry.New(cfg, kv, nil)
	if err := registry.Bootstrap(context.Background(), []config.QueueDefinitionConfig{
		{Name: "standard", Priority: 1, TimeoutSeconds: 5, Attempts: 3, Concurrency: 1, Workers: 1, Enabled: true, URLPatterns: []string{"/*"}},
	}); err != nil {
		t.Fatal(err)
	}
	results := resultstore.New(kv, time.Hour, 100)
	status := statusfabric.New()
	workers := newFakeWorkerControl()
	excl := &fakeExclusionStore{enabled: true, exclusions: []string{"/admin"}}
	h := New(registry, results, status, workers, fakeLoad{}, excl, nil)
	return h, registry, results, status, workers
}

type fakeExclusionStore struct {
	enabled    bool
	exclusions []string
}

func (f *fakeExclusionStore) Enabled() bool          { return f.enabled }
func (f *fakeExclusionStore) SetEnabled(v bool)      { f.enabled = v }
func (f *fakeExclusionStore) Exclusions() []string   { return f.exclusions }
func (f *fakeExclusionStore) SetExclusions(v []string) { f.exclusions = v }

func newRouter(h *Handlers) *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func TestJobStatusReturns404WhenUnknown(t *testing.T) {
	h, _, _, _, _ := newHarness(t)
	router := newRouter(h)
	req := httptest.NewRequest(http.MethodGet, "/queues/job/nope/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestJobStatusReflectsPersistedResult(t *testing.T) {
	h, _, results, _, _ := newHarness(t)
	router := newRouter(h)
	_ = results.Save(context.Background(), resultstore.Record{
		JobID: "j1", QueueName: "standard", Status: job.StatusCompleted, Success: true,
		Result: json.RawMessage(`{"ok":true}`), FinishedAt: time.Now().UnixMilli(),
	})
	req := httptest.NewRequest(http.MethodGet, "/queues/job/j1/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "completed" || string(resp.Result) != `{"ok":true}` {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCreateAndGetQueue(t *testing.T) {
	h, _, _, _, workers := newHarness(t)
	router := newRouter(h)

	body := `{"name":"priority","priority":20,"workers":2,"concurrency":3,"urlPatterns":["/vip/*"],"timeoutSeconds":5,"attempts":3}`
	req := httptest.NewRequest(http.MethodPost, "/admin/queues", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/admin/queues/priority", nil)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec2.Code)
	}
	var def queueregistry.QueueDefinition
	if err := json.Unmarshal(rec2.Body.Bytes(), &def); err != nil {
		t.Fatal(err)
	}
	if def.Workers != 2 || def.Priority != 20 {
		t.Fatalf("unexpected queue definition: %+v", def)
	}
	_ = workers
}

func TestPauseAllWorkers(t *testing.T) {
	h, _, _, _, workers := newHarness(t)
	router := newRouter(h)
	req := httptest.NewRequest(http.MethodPost, "/admin/queues/workers/pause-all", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !workers.allPaused {
		t.Fatal("expected all workers paused")
	}
}

func TestHistoryClampsLimitAndFiltersByQueue(t *testing.T) {
	h, _, results, _, _ := newHarness(t)
	router := newRouter(h)
	for i := 0; i < 3; i++ {
		_ = results.Save(context.Background(), resultstore.Record{
			JobID: "c" + string(rune('a'+i)), QueueName: "standard", Status: job.StatusCompleted, Success: true,
			FinishedAt: time.Now().UnixMilli(),
		})
	}
	req := httptest.NewRequest(http.MethodGet, "/queues/results/success?limit=2&queue=standard", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var recs []resultstore.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &recs); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected limit clamp to 2 records, got %d", len(recs))
	}
}

func TestQueueControlToggle(t *testing.T) {
	h, _, _, _, _ := newHarness(t)
	router := newRouter(h)
	req := httptest.NewRequest(http.MethodPost, "/queue-control/toggle", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["enabled"] != false {
		t.Fatalf("expected toggled to disabled (was enabled), got %+v", resp)
	}
}
