package queueregistry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/opsgateway/async-gateway/internal/config"
	"github.com/opsgateway/async-gateway/internal/kvstore"
)

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := &config.Config{}
	cfg.Redis.Addr = mr.Addr()
	cfg.QueueSystem.ConfigKey = "queues:config"
	cfg.QueueSystem.ConfigChannel = "queues:config:events"
	cfg.QueueSystem.DefaultQueueName = "standard"
	cfg.QueueSystem.JobTTL = 24 * time.Hour
	cfg.QueueSystem.PollingTimeout = 30 * time.Second
	kv := kvstore.New(cfg)
	return New(cfg, kv, nil), mr
}

func bootstrapDefs() []config.QueueDefinitionConfig {
	return []config.QueueDefinitionConfig{
		{Name: "critical", Priority: 30, Concurrency: 2, Workers: 1, Enabled: true, URLPatterns: []string{"/atomic-enrollment/*"}},
		{Name: "standard", Priority: 10, Concurrency: 4, Workers: 2, Enabled: true, URLPatterns: []string{"/*"}},
	}
}

func TestBootstrapSeedsFromDefaults(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if err := reg.Bootstrap(context.Background(), bootstrapDefs()); err != nil {
		t.Fatal(err)
	}
	if len(reg.List()) != 2 {
		t.Fatalf("expected 2 queues, got %d", len(reg.List()))
	}
	if reg.DefaultQueueName() != "standard" {
		t.Fatalf("got default queue %q", reg.DefaultQueueName())
	}
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	if err := reg.Bootstrap(ctx, bootstrapDefs()); err != nil {
		t.Fatal(err)
	}
	err := reg.Create(ctx, QueueDefinition{Name: "standard", Concurrency: 1, Enabled: true})
	if err != ErrExists {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestRemoveUnknownQueueFails(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if err := reg.Remove(context.Background(), "ghost"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateReportsRebuildForStructuralFields(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	if err := reg.Bootstrap(ctx, bootstrapDefs()); err != nil {
		t.Fatal(err)
	}
	newConcurrency := 8
	rebuilt, err := reg.Update(ctx, "standard", Partial{Concurrency: &newConcurrency})
	if err != nil {
		t.Fatal(err)
	}
	if !rebuilt {
		t.Fatal("expected concurrency change to require rebuild")
	}
	def, ok := reg.Get("standard")
	if !ok || def.Concurrency != 8 {
		t.Fatalf("expected concurrency 8, got %+v", def)
	}
}

func TestSetWorkersDoesNotRequireRebuild(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	if err := reg.Bootstrap(ctx, bootstrapDefs()); err != nil {
		t.Fatal(err)
	}
	if err := reg.SetWorkers(ctx, "standard", 5); err != nil {
		t.Fatal(err)
	}
	def, _ := reg.Get("standard")
	if def.Workers != 5 {
		t.Fatalf("expected 5 workers, got %d", def.Workers)
	}
}

type recordingObserver struct {
	created, updated, removed []string
}

func (o *recordingObserver) OnQueueCreated(def QueueDefinition)          { o.created = append(o.created, def.Name) }
func (o *recordingObserver) OnQueueUpdated(def QueueDefinition, _ bool)  { o.updated = append(o.updated, def.Name) }
func (o *recordingObserver) OnQueueRemoved(name string)                  { o.removed = append(o.removed, name) }

func TestObserversNotifiedOnMutation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	obs := &recordingObserver{}
	reg.Subscribe(obs)
	if err := reg.Bootstrap(ctx, bootstrapDefs()); err != nil {
		t.Fatal(err)
	}
	if err := reg.Create(ctx, QueueDefinition{Name: "background", Concurrency: 1, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Remove(ctx, "background"); err != nil {
		t.Fatal(err)
	}
	if len(obs.created) != 1 || obs.created[0] != "background" {
		t.Fatalf("expected OnQueueCreated(background), got %v", obs.created)
	}
	if len(obs.removed) != 1 || obs.removed[0] != "background" {
		t.Fatalf("expected OnQueueRemoved(background), got %v", obs.removed)
	}
}

func TestPersistsAcrossRegistryInstances(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()
	if err := reg.Bootstrap(ctx, bootstrapDefs()); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{}
	cfg.Redis.Addr = mr.Addr()
	cfg.QueueSystem.ConfigKey = "queues:config"
	cfg.QueueSystem.ConfigChannel = "queues:config:events"
	cfg.QueueSystem.DefaultQueueName = "standard"
	kv2 := kvstore.New(cfg)
	reg2 := New(cfg, kv2, nil)
	if err := reg2.Bootstrap(ctx, bootstrapDefs()); err != nil {
		t.Fatal(err)
	}
	if len(reg2.List()) != 2 {
		t.Fatalf("expected persisted config to be reloaded, got %d queues", len(reg2.List()))
	}
}
