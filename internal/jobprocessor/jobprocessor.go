// Package jobprocessor implements the job processor (C8): for each
// dequeued job, check the response cache, dispatch via the broker (or
// synthesize the reserved "queue.test" echo) bounded by the job's
// timeout, persist the outcome, and update the status fabric. Grounded
// on internal/worker/worker.go's processJob control flow (dispatch,
// classify, retry/dead-letter), adapted from the work queue's simulated
// file-processing payload to a real broker request-reply call guarded
// per subject family by a circuit breaker.
package jobprocessor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opsgateway/async-gateway/internal/breaker"
	"github.com/opsgateway/async-gateway/internal/cache"
	"github.com/opsgateway/async-gateway/internal/config"
	"github.com/opsgateway/async-gateway/internal/job"
	"github.com/opsgateway/async-gateway/internal/queueregistry"
	"github.com/opsgateway/async-gateway/internal/resultstore"
	"github.com/opsgateway/async-gateway/internal/statusfabric"
	"go.uber.org/zap"
)

// ReservedEchoSubject synthesizes a result locally instead of calling
// the broker, per spec.md §4.4 step 3.
const ReservedEchoSubject = "queue.test"

// Dispatcher is the C1 broker capability the processor needs: a
// request-reply call bounded by ctx's deadline.
type Dispatcher interface {
	Request(ctx context.Context, subject string, payload []byte) ([]byte, error)
}

// Outcome is the result of processing one job, used by the worker pool
// to decide retry vs completion.
type Outcome struct {
	Success bool
	Record  resultstore.Record
}

type Processor struct {
	dispatcher Dispatcher
	breakers   *breaker.Registry
	cache      *cache.Cache
	cacheCfg   config.Cache
	results    *resultstore.Store
	status     *statusfabric.Fabric
	log        *zap.Logger
}

func New(dispatcher Dispatcher, breakers *breaker.Registry, c *cache.Cache, cacheCfg config.Cache, results *resultstore.Store, status *statusfabric.Fabric, log *zap.Logger) *Processor {
	return &Processor{dispatcher: dispatcher, breakers: breakers, cache: c, cacheCfg: cacheCfg, results: results, status: status, log: log}
}

// Process implements spec.md §4.4's numbered steps 1-5. def supplies the
// queue's configured processing timeout (def.Timeout()); workerID identifies
// the caller for the persisted record.
func (p *Processor) Process(ctx context.Context, j *job.Job, def queueregistry.QueueDefinition, workerID string) Outcome {
	p.publish(j, job.StatusProcessing, def.Name, nil)

	cacheKey := ""
	cacheable := cache.Admits(p.cacheCfg, j.Verb, j.NormalizedPath)
	if cacheable {
		cacheKey = cache.Key(j.Verb, j.NormalizedPath, queryMultiMap(j.QueryParams), j.UserID)
		if hit, ok := p.cache.Get(ctx, cacheKey); ok {
			return p.complete(ctx, j, def, workerID, hit, true, 200)
		}
	}

	result, statusCode, err := p.dispatch(ctx, j, def)
	if err != nil {
		return p.fail(ctx, j, def, workerID, err)
	}

	if cacheable {
		ttl := cache.TTLFor(p.cacheCfg, j.NormalizedPath)
		redacted := cache.Redact(result)
		p.cache.Set(ctx, cacheKey, redacted, ttl) // fire-and-forget, per spec.md §4.4 step 3
	}
	return p.complete(ctx, j, def, workerID, result, false, statusCode)
}

func (p *Processor) dispatch(ctx context.Context, j *job.Job, def queueregistry.QueueDefinition) (json.RawMessage, int, error) {
	if j.Subject == ReservedEchoSubject {
		echo := map[string]any{
			"success":     true,
			"echo":        json.RawMessage(j.Payload),
			"jobId":       j.ID,
			"processedAt": time.Now().UnixMilli(),
		}
		out, _ := json.Marshal(echo)
		return out, 200, nil
	}

	cb := p.breakers.For(j.Subject)
	if !cb.Allow() {
		return nil, 0, fmt.Errorf("%w: circuit open for %s", ErrDownstream, breaker.Family(j.Subject))
	}

	dctx, cancel := context.WithTimeout(ctx, def.Timeout())
	defer cancel()
	data, err := p.dispatcher.Request(dctx, j.Subject, j.Payload)
	cb.Record(err == nil)
	if err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return nil, 0, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, 0, fmt.Errorf("%w: %v", ErrDownstream, err)
	}

	var shape struct {
		StatusCode int `json:"statusCode"`
	}
	_ = json.Unmarshal(data, &shape)
	statusCode := shape.StatusCode
	if statusCode == 0 {
		statusCode = 200
	}
	if statusCode >= 400 {
		return data, statusCode, fmt.Errorf("%w: downstream returned %d", ErrDownstream, statusCode)
	}
	return data, statusCode, nil
}

func (p *Processor) complete(ctx context.Context, j *job.Job, def queueregistry.QueueDefinition, workerID string, result json.RawMessage, cacheHit bool, statusCode int) Outcome {
	rec := resultstore.Record{
		JobID: j.ID, QueueName: def.Name, Verb: j.Verb, URL: j.RawURL,
		Status: job.StatusCompleted, Success: true, StatusCode: statusCode,
		Result: result, CacheHit: cacheHit, Attempts: j.Attempts + 1,
		FinishedAt: time.Now().UnixMilli(), WorkerID: workerID,
		RequestBody: j.Body,
	}
	if err := p.results.Save(ctx, rec); err != nil && p.log != nil {
		p.log.Error("jobprocessor: persist completed record failed", zap.Error(err), zap.String("job_id", j.ID))
	}
	p.publish(j, job.StatusCompleted, def.Name, result)
	return Outcome{Success: true, Record: rec}
}

// fail records a failed attempt. Per spec.md §4.4 step 5 and §7, only the
// attempt that exhausts the queue's configured Attempts is a terminal
// failure: that is the one JobResultRecord persisted to job:result:{id}
// and pushed onto jobs:history:failed (spec.md §8's admission-invariance
// and history-bound properties -- one record per admitted request, not
// one per retry). Intermediate attempts still markFailed through the
// status fabric so subscribers see the transition, but are not
// persisted; workerpool.handle schedules the retry afterward.
func (p *Processor) fail(ctx context.Context, j *job.Job, def queueregistry.QueueDefinition, workerID string, cause error) Outcome {
	info := classify(cause)
	terminal := j.Attempts+1 >= def.Attempts
	rec := resultstore.Record{
		JobID: j.ID, QueueName: def.Name, Verb: j.Verb, URL: j.RawURL,
		Status: job.StatusFailed, Success: false, Error: info,
		Attempts: j.Attempts + 1, FinishedAt: time.Now().UnixMilli(),
		WorkerID: workerID, RequestBody: j.Body,
	}
	if terminal {
		if err := p.results.Save(ctx, rec); err != nil && p.log != nil {
			p.log.Error("jobprocessor: persist failed record failed", zap.Error(err), zap.String("job_id", j.ID))
		}
	}
	p.publish(j, job.StatusFailed, def.Name, nil)
	return Outcome{Success: false, Record: rec}
}

func (p *Processor) publish(j *job.Job, status job.Status, queueName string, result any) {
	p.status.Publish(statusfabric.Update{
		JobID: j.ID, Status: status, QueueName: queueName,
		Timestamp: time.Now().UnixMilli(), Result: result,
	})
}

// Sentinel causes wrapped by classify into spec.md §4.4's error taxonomy.
var (
	ErrTimeout    = errors.New("jobprocessor: dispatch timeout")
	ErrDownstream = errors.New("jobprocessor: downstream error")
)

func classify(err error) *resultstore.ErrorInfo {
	switch {
	case errors.Is(err, ErrTimeout):
		return &resultstore.ErrorInfo{Type: resultstore.ErrTimeout, Message: err.Error()}
	case errors.Is(err, ErrDownstream):
		return &resultstore.ErrorInfo{Type: resultstore.ErrHTTP, Message: err.Error()}
	case err != nil:
		return &resultstore.ErrorInfo{Type: resultstore.ErrException, Message: err.Error()}
	default:
		return &resultstore.ErrorInfo{Type: resultstore.ErrUnknown, Message: "unknown error"}
	}
}

func queryMultiMap(params job.OrderedParams) map[string][]string {
	out := map[string][]string{}
	for _, kv := range params {
		out[kv.Key] = append(out[kv.Key], kv.Value)
	}
	return out
}
