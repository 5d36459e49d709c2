// Package workerpool implements the worker pool (C7): per-queue worker
// groups with configurable concurrency, pause/resume/scale control, and
// lifecycle tied to queue presence via the queueregistry.Observer
// interface. Grounded on internal/worker/worker.go's goroutine-per-worker
// BRPOPLPUSH loop and circuit-breaker-gated dispatch, generalized from a
// single fixed priority ladder to one worker group per dynamically
// registered queue.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opsgateway/async-gateway/internal/job"
	"github.com/opsgateway/async-gateway/internal/jobprocessor"
	"github.com/opsgateway/async-gateway/internal/kvstore"
	"github.com/opsgateway/async-gateway/internal/queueregistry"
	"go.uber.org/zap"
)

// KeysFor derives the Redis key layout for a named queue: a FIFO waiting
// list, a shared in-flight processing list (workers LRem their own
// payload by value on completion, so sharing the list across a queue's
// workers is safe), and a delayed-retry sorted set scored by ready-at
// epoch-ms.
type Keys struct {
	Waiting    string
	Processing string
	Delayed    string
}

func KeysFor(queueName string) Keys {
	return Keys{
		Waiting:    fmt.Sprintf("queue:%s:waiting", queueName),
		Processing: fmt.Sprintf("queue:%s:processing", queueName),
		Delayed:    fmt.Sprintf("queue:%s:delayed", queueName),
	}
}

type workerState int

const (
	stateActive workerState = iota
	statePaused
	stateStopped
)

type worker struct {
	id     string
	cancel context.CancelFunc
	mu     sync.Mutex
	state  workerState
}

func (w *worker) State() workerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *worker) setState(s workerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

type group struct {
	def     queueregistry.QueueDefinition
	workers []*worker
	wg      sync.WaitGroup
	n       int // monotonically increasing worker ordinal for naming
}

// Pool owns every live worker; exclusive mutation under mu, readers take
// a consistent snapshot (spec.md §5).
type Pool struct {
	mu        sync.Mutex
	kv        *kvstore.Store
	processor *jobprocessor.Processor
	strategy  string
	log       *zap.Logger
	groups    map[string]*group
	baseCtx   context.Context
}

func New(baseCtx context.Context, kv *kvstore.Store, processor *jobprocessor.Processor, strategy string, log *zap.Logger) *Pool {
	if strategy == "" {
		strategy = "redis"
	}
	return &Pool{kv: kv, processor: processor, strategy: strategy, log: log, groups: map[string]*group{}, baseCtx: baseCtx}
}

// --- queueregistry.Observer ---

func (p *Pool) OnQueueCreated(def queueregistry.QueueDefinition) {
	p.reconcile(def)
}

func (p *Pool) OnQueueUpdated(def queueregistry.QueueDefinition, rebuilt bool) {
	if rebuilt {
		p.teardown(def.Name)
	}
	p.reconcile(def)
}

func (p *Pool) OnQueueRemoved(name string) {
	p.teardown(name)
}

// --- control API (spec.md §4.4) ---

// EnsureWorkers reconciles the live worker count for name to its
// definition's configured Workers, by add/remove.
func (p *Pool) EnsureWorkers(def queueregistry.QueueDefinition) {
	p.reconcile(def)
}

func (p *Pool) reconcile(def queueregistry.QueueDefinition) {
	p.mu.Lock()
	g, ok := p.groups[def.Name]
	if !ok {
		g = &group{def: def}
		p.groups[def.Name] = g
	}
	g.def = def
	target := def.Workers
	if !def.Enabled {
		target = 0
	}
	for len(g.workers) < target {
		p.startWorkerLocked(g)
	}
	for len(g.workers) > target {
		p.stopLastWorkerLocked(g)
	}
	p.mu.Unlock()
}

func (p *Pool) startWorkerLocked(g *group) {
	g.n++
	id := fmt.Sprintf("%s-%s-%d", g.def.Name, p.strategy, g.n)
	ctx, cancel := context.WithCancel(p.baseCtx)
	w := &worker{id: id, cancel: cancel, state: stateActive}
	g.workers = append(g.workers, w)
	g.wg.Add(1)
	go p.run(ctx, g, w)
}

// stopLastWorkerLocked removes the most-recently-added worker, per
// spec.md §4.4's removeWorker contract.
func (p *Pool) stopLastWorkerLocked(g *group) {
	if len(g.workers) == 0 {
		return
	}
	last := g.workers[len(g.workers)-1]
	g.workers = g.workers[:len(g.workers)-1]
	last.cancel()
}

func (p *Pool) teardown(name string) {
	p.mu.Lock()
	g, ok := p.groups[name]
	if ok {
		delete(p.groups, name)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	for _, w := range g.workers {
		w.cancel()
	}
	g.wg.Wait() // "the broker promises to await in-flight completions before releasing"
}

// PauseAll/ResumeAll/PauseQueue/ResumeQueue implement spec.md §4.4's
// pause semantics: paused workers accept no new jobs but let in-flight
// jobs finish (they are never canceled).
func (p *Pool) PauseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, g := range p.groups {
		for _, w := range g.workers {
			w.setState(statePaused)
		}
	}
}

func (p *Pool) ResumeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, g := range p.groups {
		for _, w := range g.workers {
			w.setState(stateActive)
		}
	}
}

func (p *Pool) PauseQueue(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.groups[name]; ok {
		for _, w := range g.workers {
			w.setState(statePaused)
		}
	}
}

func (p *Pool) ResumeQueue(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.groups[name]; ok {
		for _, w := range g.workers {
			w.setState(stateActive)
		}
	}
}

// WorkerStatus reports one worker's id and observable state.
type WorkerStatus struct {
	ID       string `json:"id"`
	Queue    string `json:"queue"`
	State    string `json:"state"`
}

func (p *Pool) Status() []WorkerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []WorkerStatus
	for name, g := range p.groups {
		for _, w := range g.workers {
			out = append(out, WorkerStatus{ID: w.id, Queue: name, State: stateName(w.State())})
		}
	}
	return out
}

func stateName(s workerState) string {
	switch s {
	case statePaused:
		return "paused"
	case stateStopped:
		return "stopped"
	default:
		return "active"
	}
}

// --- C5 LoadProvider ---

// Load reports the live load for a queue: waiting + processing +
// delayed counts, per spec.md's Glossary "Load". A lookup failure
// returns +Inf upstream (queuerouter.Router handles that), so this
// simply surfaces the error.
func (p *Pool) Load(ctx context.Context, queueName string) (float64, error) {
	keys := KeysFor(queueName)
	waiting, err := p.kv.LLen(ctx, keys.Waiting)
	if err != nil {
		return 0, err
	}
	processing, err := p.kv.LLen(ctx, keys.Processing)
	if err != nil {
		return 0, err
	}
	delayed, err := p.kv.ZCard(ctx, keys.Delayed)
	if err != nil {
		return 0, err
	}
	return float64(waiting + processing + delayed), nil
}

// Enqueue places a job on its queue's waiting list, per spec.md §4.6
// step 7.
func (p *Pool) Enqueue(ctx context.Context, j *job.Job) error {
	data, err := j.Marshal()
	if err != nil {
		return fmt.Errorf("workerpool: marshal job: %w", err)
	}
	return p.kv.LPush(ctx, KeysFor(j.QueueName).Waiting, string(data))
}

// run is one worker's dequeue loop: up to def.Concurrency jobs in
// flight, each handled by a spawned goroutine so the loop keeps polling
// while jobs are still finishing.
func (p *Pool) run(ctx context.Context, g *group, w *worker) {
	defer g.wg.Done()
	keys := KeysFor(g.def.Name)
	sem := make(chan struct{}, maxInt(g.def.Concurrency, 1))
	var inflight sync.WaitGroup
	defer func() {
		inflight.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if w.State() == statePaused {
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		p.promoteDueDelayed(ctx, keys)

		payload, err := p.kv.BRPopLPush(ctx, keys.Waiting, keys.Processing, time.Second)
		if err == kvstore.ErrNotFound || (err != nil && ctx.Err() != nil) {
			<-sem
			continue
		}
		if err != nil {
			if p.log != nil {
				p.log.Warn("workerpool: dequeue error", zap.String("queue", g.def.Name), zap.Error(err))
			}
			<-sem
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if w.State() == statePaused {
			// Paused while blocked in BRPOPLPUSH: return the job to the
			// dequeue end of waiting instead of processing it.
			_ = p.kv.LRem(ctx, keys.Processing, 1, payload)
			_ = p.kv.Client().RPush(ctx, keys.Waiting, payload).Err()
			<-sem
			continue
		}

		inflight.Add(1)
		go func(raw string) {
			defer inflight.Done()
			defer func() { <-sem }()
			p.handle(context.Background(), g, w, keys, raw)
		}(payload)
	}
}

func (p *Pool) handle(ctx context.Context, g *group, w *worker, keys Keys, raw string) {
	j, err := job.Unmarshal([]byte(raw))
	if err != nil {
		if p.log != nil {
			p.log.Error("workerpool: invalid job payload", zap.Error(err))
		}
		_ = p.kv.LRem(ctx, keys.Processing, 1, raw)
		return
	}

	j.WorkerID = w.id
	outcome := p.processor.Process(ctx, j, g.def, w.id)
	_ = p.kv.LRem(ctx, keys.Processing, 1, raw)

	if outcome.Success {
		return
	}

	j.Attempts++
	if j.Attempts >= g.def.Attempts {
		return // terminal failure; already recorded by the processor
	}
	data, merr := j.Marshal()
	if merr != nil {
		return
	}
	readyAt := time.Now().Add(backoff(j.Attempts, g.def.RetryDelay())).UnixMilli()
	if err := p.kv.ZAdd(ctx, keys.Delayed, float64(readyAt), string(data)); err != nil && p.log != nil {
		p.log.Error("workerpool: schedule retry failed", zap.Error(err), zap.String("job_id", j.ID))
	}
}

// promoteDueDelayed moves ready delayed-retry jobs back onto the
// waiting list, implementing the exponential-backoff retry spec.md §4.4
// describes without requiring a separate scheduler goroutine.
func (p *Pool) promoteDueDelayed(ctx context.Context, keys Keys) {
	due, err := p.kv.ZPopDue(ctx, keys.Delayed, float64(time.Now().UnixMilli()), 10)
	if err != nil || len(due) == 0 {
		return
	}
	for _, payload := range due {
		_ = p.kv.LPush(ctx, keys.Waiting, payload)
	}
}

func backoff(attempts int, base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base * time.Duration(1<<uint(attempts-1))
	const cap = 5 * time.Minute
	if d > cap || d <= 0 {
		return cap
	}
	return d
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
