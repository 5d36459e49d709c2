// Package queueregistry implements the queue registry (C4): a dynamic,
// runtime-mutable set of named priority queues, persisted atomically to
// the key-value store and propagated to other gateway instances via a
// change-event channel. Grounded on internal/config/config.go's
// viper-driven Config shape for defaults, and internal/admin/admin.go's
// key-naming conventions for the persisted layout.
package queueregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/opsgateway/async-gateway/internal/config"
	"github.com/opsgateway/async-gateway/internal/kvstore"
	"go.uber.org/zap"
)

// QueueDefinition is owned exclusively by the registry (spec.md §3).
type QueueDefinition struct {
	Name               string   `json:"name"`
	Label              string   `json:"label"`
	Priority           int      `json:"priority"`
	TimeoutSeconds     int      `json:"timeoutSeconds"`
	Attempts           int      `json:"attempts"`
	RetryDelayMS       int      `json:"retryDelayMs"`
	Concurrency        int      `json:"concurrency"`
	Workers            int      `json:"workers"`
	URLPatterns        []string `json:"urlPatterns"`
	ProcessingDelayMS  int      `json:"processingDelayMs"`
	RetentionCompleted int      `json:"retentionCompleted"`
	RetentionFailed    int      `json:"retentionFailed"`
	Enabled            bool     `json:"enabled"`
}

func (d QueueDefinition) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

func (d QueueDefinition) RetryDelay() time.Duration {
	return time.Duration(d.RetryDelayMS) * time.Millisecond
}

// QueueSystemConfig is the full persisted document under queues:config.
type QueueSystemConfig struct {
	Queues           []QueueDefinition `json:"queues"`
	DefaultQueueName string            `json:"defaultQueueName"`
	JobTTLSeconds    int               `json:"jobTtlSeconds"`
	PollingTimeoutMS int               `json:"pollingTimeoutMs"`
}

// ChangeEvent is published on the config-change channel for every mutation.
type ChangeEvent struct {
	Type      string `json:"type"` // created|updated|removed
	QueueName string `json:"queueName"`
	Timestamp int64  `json:"timestamp"`
}

// Observer lets workers (C7) reconcile without the registry reaching
// into worker internals (Design Notes: "a thin event interface...
// workers subscribe and reconcile").
type Observer interface {
	OnQueueCreated(def QueueDefinition)
	OnQueueUpdated(def QueueDefinition, rebuilt bool)
	OnQueueRemoved(name string)
}

var (
	ErrExists   = fmt.Errorf("queueregistry: queue already exists")
	ErrNotFound = fmt.Errorf("queueregistry: queue not found")
)

// Partial carries only the fields an Update call intends to change.
type Partial struct {
	Label              *string
	Priority           *int
	TimeoutSeconds      *int
	Attempts            *int
	RetryDelayMS        *int
	Concurrency         *int
	URLPatterns         []string
	ProcessingDelayMS   *int
	RetentionCompleted  *int
	RetentionFailed     *int
	Enabled             *bool
}

// Registry is the in-memory, authoritative live state (spec.md §3:
// "in-memory copy in C4 is the authoritative live state").
type Registry struct {
	mu               sync.RWMutex
	kv               *kvstore.Store
	configKey        string
	configChannel    string
	defaultQueueName string
	jobTTL           time.Duration
	pollingTimeout   time.Duration
	order            []string
	defs             map[string]QueueDefinition
	observers        []Observer
	log              *zap.Logger
}

func New(cfg *config.Config, kv *kvstore.Store, log *zap.Logger) *Registry {
	return &Registry{
		kv:               kv,
		configKey:        cfg.QueueSystem.ConfigKey,
		configChannel:    cfg.QueueSystem.ConfigChannel,
		defaultQueueName: cfg.QueueSystem.DefaultQueueName,
		jobTTL:           cfg.QueueSystem.JobTTL,
		pollingTimeout:   cfg.QueueSystem.PollingTimeout,
		defs:             map[string]QueueDefinition{},
		log:              log,
	}
}

// Subscribe registers an observer for create/update/remove notifications.
func (r *Registry) Subscribe(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Bootstrap seeds the registry from config.QueueDefinitionConfig the first
// time the gateway starts against an empty key-value store.
func (r *Registry) Bootstrap(ctx context.Context, defs []config.QueueDefinitionConfig) error {
	existing, err := r.loadPersisted(ctx)
	if err != nil {
		return err
	}
	if existing != nil {
		return r.applyConfig(*existing)
	}
	cfg := QueueSystemConfig{DefaultQueueName: r.defaultQueueName, JobTTLSeconds: int(r.jobTTL.Seconds()), PollingTimeoutMS: int(r.pollingTimeout.Milliseconds())}
	for _, d := range defs {
		cfg.Queues = append(cfg.Queues, QueueDefinition{
			Name: d.Name, Label: d.Label, Priority: d.Priority, TimeoutSeconds: d.TimeoutSeconds,
			Attempts: d.Attempts, RetryDelayMS: d.RetryDelayMS, Concurrency: d.Concurrency, Workers: d.Workers,
			URLPatterns: d.URLPatterns, ProcessingDelayMS: d.ProcessingDelayMS,
			RetentionCompleted: d.RetentionCompleted, RetentionFailed: d.RetentionFailed, Enabled: d.Enabled,
		})
	}
	if err := r.applyConfig(cfg); err != nil {
		return err
	}
	return r.persist(ctx)
}

func (r *Registry) loadPersisted(ctx context.Context) (*QueueSystemConfig, error) {
	raw, err := r.kv.Get(ctx, r.configKey)
	if err == kvstore.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg QueueSystemConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("queueregistry: decode persisted config: %w", err)
	}
	return &cfg, nil
}

func (r *Registry) applyConfig(cfg QueueSystemConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = make(map[string]QueueDefinition, len(cfg.Queues))
	r.order = r.order[:0]
	for _, d := range cfg.Queues {
		r.defs[d.Name] = d
		r.order = append(r.order, d.Name)
	}
	if cfg.DefaultQueueName != "" {
		r.defaultQueueName = cfg.DefaultQueueName
	}
	return nil
}

func (r *Registry) snapshot() QueueSystemConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg := QueueSystemConfig{
		DefaultQueueName: r.defaultQueueName,
		JobTTLSeconds:    int(r.jobTTL.Seconds()),
		PollingTimeoutMS: int(r.pollingTimeout.Milliseconds()),
	}
	for _, name := range r.order {
		cfg.Queues = append(cfg.Queues, r.defs[name])
	}
	return cfg
}

func (r *Registry) persist(ctx context.Context) error {
	cfg := r.snapshot()
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return r.kv.SetTTL(ctx, r.configKey, string(data), 0)
}

func (r *Registry) publish(ctx context.Context, typ, name string) {
	evt := ChangeEvent{Type: typ, QueueName: name, Timestamp: time.Now().UnixMilli()}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := r.kv.Publish(ctx, r.configChannel, string(data)); err != nil && r.log != nil {
		r.log.Warn("queueregistry: publish change event failed", zap.Error(err))
	}
}

// Create adds a new named queue; fails if the name already exists.
func (r *Registry) Create(ctx context.Context, def QueueDefinition) error {
	r.mu.Lock()
	if _, exists := r.defs[def.Name]; exists {
		r.mu.Unlock()
		return ErrExists
	}
	r.defs[def.Name] = def
	r.order = append(r.order, def.Name)
	r.mu.Unlock()

	if err := r.persist(ctx); err != nil {
		return err
	}
	r.publish(ctx, "created", def.Name)
	r.notifyCreated(def)
	return nil
}

// Remove deletes a named queue; fails if absent.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	if _, exists := r.defs[name]; !exists {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.defs, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if err := r.persist(ctx); err != nil {
		return err
	}
	r.publish(ctx, "removed", name)
	r.notifyRemoved(name)
	return nil
}

// structuralFieldsChanged reports whether a partial update touches a field
// that requires the broker-side queue (and therefore its workers) to be
// rebuilt: priority/timeout/attempts/retry/retention caps, per spec.md §4.2.
func structuralFieldsChanged(p Partial) bool {
	return p.Priority != nil || p.TimeoutSeconds != nil || p.Attempts != nil ||
		p.RetryDelayMS != nil || p.Concurrency != nil || p.RetentionCompleted != nil || p.RetentionFailed != nil
}

// Update merges a partial definition into the named queue. It reports
// whether the change requires workers to be rebuilt.
func (r *Registry) Update(ctx context.Context, name string, p Partial) (bool, error) {
	r.mu.Lock()
	def, ok := r.defs[name]
	if !ok {
		r.mu.Unlock()
		return false, ErrNotFound
	}
	if p.Label != nil {
		def.Label = *p.Label
	}
	if p.Priority != nil {
		def.Priority = *p.Priority
	}
	if p.TimeoutSeconds != nil {
		def.TimeoutSeconds = *p.TimeoutSeconds
	}
	if p.Attempts != nil {
		def.Attempts = *p.Attempts
	}
	if p.RetryDelayMS != nil {
		def.RetryDelayMS = *p.RetryDelayMS
	}
	if p.Concurrency != nil {
		def.Concurrency = *p.Concurrency
	}
	if p.URLPatterns != nil {
		def.URLPatterns = p.URLPatterns
	}
	if p.ProcessingDelayMS != nil {
		def.ProcessingDelayMS = *p.ProcessingDelayMS
	}
	if p.RetentionCompleted != nil {
		def.RetentionCompleted = *p.RetentionCompleted
	}
	if p.RetentionFailed != nil {
		def.RetentionFailed = *p.RetentionFailed
	}
	if p.Enabled != nil {
		def.Enabled = *p.Enabled
	}
	r.defs[name] = def
	r.mu.Unlock()

	rebuilt := structuralFieldsChanged(p)
	if err := r.persist(ctx); err != nil {
		return rebuilt, err
	}
	r.publish(ctx, "updated", name)
	r.notifyUpdated(def, rebuilt)
	return rebuilt, nil
}

// SetWorkers changes only the configured worker-group size for a queue.
func (r *Registry) SetWorkers(ctx context.Context, name string, n int) error {
	if n < 0 {
		return fmt.Errorf("queueregistry: workers must be >= 0")
	}
	r.mu.Lock()
	def, ok := r.defs[name]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	def.Workers = n
	r.defs[name] = def
	r.mu.Unlock()

	if err := r.persist(ctx); err != nil {
		return err
	}
	r.publish(ctx, "updated", name)
	r.notifyUpdated(def, false)
	return nil
}

// SetConcurrency changes per-worker in-flight concurrency, which always
// requires a rebuild (broker workers bind concurrency at construction).
func (r *Registry) SetConcurrency(ctx context.Context, name string, k int) error {
	if k < 1 {
		return fmt.Errorf("queueregistry: concurrency must be >= 1")
	}
	_, err := r.Update(ctx, name, Partial{Concurrency: &k})
	return err
}

func (r *Registry) Get(name string) (QueueDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

func (r *Registry) List() []QueueDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]QueueDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.defs[name])
	}
	return out
}

func (r *Registry) DefaultQueueName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultQueueName
}

func (r *Registry) JobTTL() time.Duration      { return r.jobTTL }
func (r *Registry) PollingTimeout() time.Duration { return r.pollingTimeout }

// WatchChanges subscribes to the config-change channel and reloads from
// storage whenever another gateway instance publishes a mutation
// (spec.md §4.2: "On receipt of an externally-originated change event,
// the registry reloads from storage").
func (r *Registry) WatchChanges(ctx context.Context) {
	sub := r.kv.Subscribe(ctx, r.configChannel)
	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					continue
				}
				cfg, err := r.loadPersisted(ctx)
				if err != nil || cfg == nil {
					continue
				}
				before := r.snapshotNames()
				_ = r.applyConfig(*cfg)
				r.reconcileObservers(before, *cfg)
			}
		}
	}()
}

func (r *Registry) snapshotNames() map[string]QueueDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]QueueDefinition, len(r.defs))
	for k, v := range r.defs {
		out[k] = v
	}
	return out
}

func (r *Registry) reconcileObservers(before map[string]QueueDefinition, after QueueSystemConfig) {
	seen := map[string]bool{}
	for _, d := range after.Queues {
		seen[d.Name] = true
		if old, ok := before[d.Name]; !ok {
			r.notifyCreated(d)
		} else if old != d {
			r.notifyUpdated(d, true)
		}
	}
	for name := range before {
		if !seen[name] {
			r.notifyRemoved(name)
		}
	}
}

func (r *Registry) notifyCreated(def QueueDefinition) {
	r.mu.RLock()
	obs := append([]Observer(nil), r.observers...)
	r.mu.RUnlock()
	for _, o := range obs {
		o.OnQueueCreated(def)
	}
}

func (r *Registry) notifyUpdated(def QueueDefinition, rebuilt bool) {
	r.mu.RLock()
	obs := append([]Observer(nil), r.observers...)
	r.mu.RUnlock()
	for _, o := range obs {
		o.OnQueueUpdated(def, rebuilt)
	}
}

func (r *Registry) notifyRemoved(name string) {
	r.mu.RLock()
	obs := append([]Observer(nil), r.observers...)
	r.mu.RUnlock()
	for _, o := range obs {
		o.OnQueueRemoved(name)
	}
}
