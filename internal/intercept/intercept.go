// Package intercept implements the interception pipeline (C11): the
// top-level HTTP handler that decides bypass, builds a Job, resolves it
// through the routing table (C3), selects a queue (C5), enqueues it
// (C7), pushes the initial status (C10), and answers with `202
// Accepted`. Grounded on spec.md §4.6's numbered steps and, for the
// gorilla/mux-based registration shape and fail-open synchronous
// fallback idea, on internal/worker-fleet-controls/handlers.go.
package intercept

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opsgateway/async-gateway/internal/authctx"
	"github.com/opsgateway/async-gateway/internal/idempotency"
	"github.com/opsgateway/async-gateway/internal/job"
	"github.com/opsgateway/async-gateway/internal/queueregistry"
	"github.com/opsgateway/async-gateway/internal/routing"
	"github.com/opsgateway/async-gateway/internal/statusfabric"
	"go.uber.org/zap"
)

// Enqueuer is the C7 capability the pipeline needs: place a built job
// onto its queue's waiting list.
type Enqueuer interface {
	Enqueue(ctx context.Context, j *job.Job) error
}

// QueueChooser is C5's capability.
type QueueChooser interface {
	ChooseQueue(ctx context.Context, normalizedPath string) string
}

// Fallback is invoked whenever the pipeline declines to intercept a
// request (disabled, excluded, no route, no queue, or an error during
// steps 3-7): it must serve the request synchronously, per spec.md
// §4.6's closing paragraph ("the client is never denied service because
// of the queue").
type Fallback func(w http.ResponseWriter, r *http.Request)

const idempotencyHeader = "X-Idempotency-Key"

// Settings is the runtime-mutable subset of config the pipeline
// consults on every request (spec.md §4.6 steps 1-2): whether the queue
// system is globally enabled and which path prefixes bypass
// interception. It is read through an interface rather than a snapshot
// so a live store (internal/queuecontrol.Store) can back it and
// /queue-control/* toggles take effect immediately, with no pipeline
// restart.
type Settings interface {
	Enabled() bool
	Exclusions() []string
}

// StaticSettings is a fixed Settings value for deployments or tests that
// don't need runtime toggling.
type StaticSettings struct {
	QueueSystemEnabled bool
	PathExclusions     []string
}

func (s StaticSettings) Enabled() bool        { return s.QueueSystemEnabled }
func (s StaticSettings) Exclusions() []string { return s.PathExclusions }

type Pipeline struct {
	settings   Settings
	table      *routing.Table
	router     QueueChooser
	registry   *queueregistry.Registry
	enqueuer   Enqueuer
	status     *statusfabric.Fabric
	idempotent idempotency.Store
	log        *zap.Logger
	fallback   Fallback
}

func New(settings Settings, table *routing.Table, router QueueChooser, registry *queueregistry.Registry, enqueuer Enqueuer, status *statusfabric.Fabric, idempotent idempotency.Store, log *zap.Logger, fallback Fallback) *Pipeline {
	return &Pipeline{
		settings: settings, table: table, router: router, registry: registry,
		enqueuer: enqueuer, status: status, idempotent: idempotent, log: log, fallback: fallback,
	}
}

// acceptedResponse is spec.md §6's 202 shape.
type acceptedResponse struct {
	JobID          string    `json:"jobId"`
	Status         string    `json:"status"`
	EstimatedTime  int       `json:"estimatedTime"`
	CheckStatusURL string    `json:"checkStatusUrl"`
	QueueType      string    `json:"queueType"`
	Timestamp      int64     `json:"timestamp"`
	Metadata       metadata  `json:"metadata"`
	Idempotency    *idemMeta `json:"idempotency,omitempty"`
}

type metadata struct {
	Timeout    int `json:"timeout"`
	Priority   int `json:"priority"`
	RetryCount int `json:"retryCount"`
}

type idemMeta struct {
	IsNew bool `json:"isNew"`
}

// ServeHTTP implements spec.md §4.6 steps 1-9.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !p.settings.Enabled() {
		p.fallback(w, r)
		return
	}
	if isExcluded(r.URL.Path, p.settings.Exclusions()) {
		p.fallback(w, r)
		return
	}

	j, err := p.buildJob(r)
	if err != nil {
		p.logf("build job failed, falling back synchronously", err)
		p.fallback(w, r)
		return
	}

	resolution, matched, err := p.table.Resolve(j)
	if err != nil || !matched {
		p.fallback(w, r)
		return
	}
	j.Subject = resolution.Subject
	j.Payload = resolution.Payload
	j.RouteParams = resolution.RouteParams

	queueName := p.router.ChooseQueue(r.Context(), j.NormalizedPath)
	def, ok := p.registry.Get(queueName)
	if !ok {
		p.fallback(w, r)
		return
	}
	j.QueueName = def.Name

	idemKey := r.Header.Get(idempotencyHeader)
	if idemKey != "" && p.idempotent != nil {
		p.serveIdempotent(w, r, j, def, idemKey)
		return
	}

	if err := p.enqueuer.Enqueue(r.Context(), j); err != nil {
		p.logf("enqueue failed, falling back synchronously", err)
		p.fallback(w, r)
		return
	}
	p.status.Publish(statusfabric.Update{
		JobID: j.ID, Status: job.StatusQueued, QueueName: def.Name,
		Timestamp: time.Now().UnixMilli(),
	})
	writeAccepted(w, j, def, nil)
}

// serveIdempotent implements spec.md §5's idempotency guard and §8
// scenario 2: the first caller for a key enqueues and answers 202 with
// idempotency.isNew:true; every later caller within the TTL window
// receives that same acceptance (same jobId) with isNew:false, without a
// second dispatch.
func (p *Pipeline) serveIdempotent(w http.ResponseWriter, r *http.Request, j *job.Job, def queueregistry.QueueDefinition, key string) {
	isNew, wait, cached := p.idempotent.Begin(r.Context(), key)
	if !isNew {
		if cached != nil {
			writeIdempotentResult(w, j, def, false, *cached)
			return
		}
		select {
		case <-wait:
		case <-r.Context().Done():
			p.fallback(w, r)
			return
		}
		isNew2, _, result := p.idempotent.Begin(r.Context(), key)
		if !isNew2 && result != nil {
			writeIdempotentResult(w, j, def, false, *result)
			return
		}
	}

	if err := p.enqueuer.Enqueue(r.Context(), j); err != nil {
		p.idempotent.Finish(key, idempotency.Result{Err: err})
		p.logf("enqueue failed, falling back synchronously", err)
		p.fallback(w, r)
		return
	}
	p.status.Publish(statusfabric.Update{
		JobID: j.ID, Status: job.StatusQueued, QueueName: def.Name,
		Timestamp: time.Now().UnixMilli(),
	})
	body, _ := json.Marshal(acceptedBody(j, def))
	p.idempotent.Finish(key, idempotency.Result{Payload: body})
	writeAccepted(w, j, def, &idemMeta{IsNew: true})
}

// writeIdempotentResult serves a later caller sharing an idempotency key
// with an earlier one. Per spec.md §8's idempotency property and
// scenario 2, this caller must observe idempotency.isNew:false -- the
// first caller's envelope is decoded and re-stamped rather than echoed
// verbatim, since acceptedBody (marshaled into result.Payload by the
// first caller's Finish) carries no idempotency field at all.
func writeIdempotentResult(w http.ResponseWriter, j *job.Job, def queueregistry.QueueDefinition, isNew bool, result idempotency.Result) {
	resp := acceptedBody(j, def)
	if result.Payload != nil {
		_ = json.Unmarshal(result.Payload, &resp)
	}
	resp.Idempotency = &idemMeta{IsNew: isNew}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

func acceptedBody(j *job.Job, def queueregistry.QueueDefinition) acceptedResponse {
	return acceptedResponse{
		JobID: j.ID, Status: string(job.StatusQueued),
		CheckStatusURL: "/queues/job/" + j.ID + "/status",
		QueueType:      def.Name,
		Timestamp:      time.Now().UnixMilli(),
		Metadata:       metadata{Timeout: def.TimeoutSeconds * 1000, Priority: def.Priority, RetryCount: 0},
	}
}

func writeAccepted(w http.ResponseWriter, j *job.Job, def queueregistry.QueueDefinition, idem *idemMeta) {
	resp := acceptedBody(j, def)
	resp.Idempotency = idem
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

// buildJob implements spec.md §4.6 step 3.
func (p *Pipeline) buildJob(r *http.Request) (*job.Job, error) {
	j, err := job.New(r.Method, r.URL.String(), r.URL.Path)
	if err != nil {
		return nil, err
	}
	j.RouteParams = map[string]string{}
	j.Headers = job.NormalizeHeaders(r.Header)
	j.QueryParams = parseOrderedQuery(r.URL.RawQuery)
	j.ClientIP = clientIP(r)

	if auth := r.Header.Get("Authorization"); auth != "" {
		j.UserID = authctx.DecodeBearerUserID(auth)
	}
	if ac := authctx.FromContext(r.Context()); ac != nil {
		j.Context = ac
	}

	switch strings.ToUpper(r.Method) {
	case http.MethodGet, http.MethodDelete:
		// read methods carry no body, per spec.md §4.6 step 3
	default:
		if r.Body != nil {
			const maxBody = 10 << 20 // 10MB, matching the teacher's admission-surface body cap
			buf, readErr := io.ReadAll(io.LimitReader(r.Body, maxBody))
			if readErr != nil {
				return nil, readErr
			}
			if len(buf) > 0 {
				j.Body = json.RawMessage(buf)
			}
		}
	}
	return j, nil
}

// parseOrderedQuery preserves declaration order, which net/url.ParseQuery
// (map-based) does not; OrderedParams.First needs that order to
// implement spec.md §4.1's "multi-value query reduces to the first
// element" rule correctly.
func parseOrderedQuery(raw string) job.OrderedParams {
	if raw == "" {
		return nil
	}
	var out job.OrderedParams
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		key, err := url.QueryUnescape(kv[0])
		if err != nil {
			key = kv[0]
		}
		value := ""
		if len(kv) == 2 {
			if value, err = url.QueryUnescape(kv[1]); err != nil {
				value = kv[1]
			}
		}
		out = append(out, job.KV{Key: key, Value: value})
	}
	return out
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return r.RemoteAddr
}

func isExcluded(path string, exclusions []string) bool {
	lower := strings.ToLower(path)
	for _, prefix := range exclusions {
		if strings.HasPrefix(lower, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

func (p *Pipeline) logf(msg string, err error) {
	if p.log != nil {
		p.log.Info(msg, zap.Error(err))
	}
}
