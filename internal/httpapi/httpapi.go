// Package httpapi registers the gateway's poll, history, queue-admin,
// worker-control, and queue-control HTTP surface (spec.md §6), in the
// gorilla/mux `RegisterRoutes(router)` + JSON-helper style of
// internal/worker-fleet-controls/handlers.go.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/opsgateway/async-gateway/internal/queueregistry"
	"github.com/opsgateway/async-gateway/internal/resultstore"
	"github.com/opsgateway/async-gateway/internal/statusfabric"
	"github.com/opsgateway/async-gateway/internal/workerpool"
	"go.uber.org/zap"
)

// LoadLookup exposes C7's per-queue live load for /admin/queues/health/check.
type LoadLookup interface {
	Load(ctx context.Context, queueName string) (float64, error)
}

// WorkerControl is the subset of C7's control API the HTTP surface
// drives (spec.md §6 "worker control").
type WorkerControl interface {
	PauseAll()
	ResumeAll()
	PauseQueue(name string)
	ResumeQueue(name string)
	Status() []workerpool.WorkerStatus
	EnsureWorkers(def queueregistry.QueueDefinition)
}

// ExclusionStore holds the mutable path-prefix exclusion list the
// queue-control surface edits at runtime (spec.md §6 "queue control").
type ExclusionStore interface {
	Exclusions() []string
	SetExclusions([]string)
	Enabled() bool
	SetEnabled(bool)
}

type Handlers struct {
	registry   *queueregistry.Registry
	results    *resultstore.Store
	status     *statusfabric.Fabric
	workers    WorkerControl
	load       LoadLookup
	exclusions ExclusionStore
	log        *zap.Logger
}

func New(registry *queueregistry.Registry, results *resultstore.Store, status *statusfabric.Fabric, workers WorkerControl, load LoadLookup, exclusions ExclusionStore, log *zap.Logger) *Handlers {
	return &Handlers{registry: registry, results: results, status: status, workers: workers, load: load, exclusions: exclusions, log: log}
}

// RegisterRoutes wires every route spec.md §6 names onto router.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/queues/job/{id}/status", h.JobStatus).Methods(http.MethodGet)
	router.HandleFunc("/queues/status", h.BatchStatus).Methods(http.MethodGet)
	router.HandleFunc("/queues/results/success", h.History(true)).Methods(http.MethodGet)
	router.HandleFunc("/queues/results/failure", h.History(false)).Methods(http.MethodGet)

	admin := router.PathPrefix("/admin/queues").Subrouter()
	admin.HandleFunc("", h.CreateQueue).Methods(http.MethodPost)
	admin.HandleFunc("/{name}", h.GetQueue).Methods(http.MethodGet)
	admin.HandleFunc("/{name}", h.UpdateQueue).Methods(http.MethodPut)
	admin.HandleFunc("/{name}", h.DeleteQueue).Methods(http.MethodDelete)
	admin.HandleFunc("/workers/pause-all", h.PauseAllWorkers).Methods(http.MethodPost)
	admin.HandleFunc("/workers/resume-all", h.ResumeAllWorkers).Methods(http.MethodPost)
	admin.HandleFunc("/workers/{queue}/pause", h.PauseQueueWorkers).Methods(http.MethodPost)
	admin.HandleFunc("/workers/{queue}/resume", h.ResumeQueueWorkers).Methods(http.MethodPost)
	admin.HandleFunc("/workers/{queue}", h.EnsureQueueWorkers).Methods(http.MethodPost)
	admin.HandleFunc("/workers/{queue}", h.RemoveQueueWorkers).Methods(http.MethodDelete)
	admin.HandleFunc("/health/check", h.HealthCheck).Methods(http.MethodGet)

	qc := router.PathPrefix("/queue-control").Subrouter()
	qc.HandleFunc("/status", h.QueueControlStatus).Methods(http.MethodGet)
	qc.HandleFunc("/enable", h.QueueControlEnable).Methods(http.MethodPost)
	qc.HandleFunc("/disable", h.QueueControlDisable).Methods(http.MethodPost)
	qc.HandleFunc("/toggle", h.QueueControlToggle).Methods(http.MethodPost)
	qc.HandleFunc("/exclusions", h.GetExclusions).Methods(http.MethodGet)
	qc.HandleFunc("/exclusions", h.AddExclusion).Methods(http.MethodPost)
	qc.HandleFunc("/exclusions", h.RemoveExclusion).Methods(http.MethodDelete)
}

// --- poll / history (spec.md §6) ---

type statusResponse struct {
	ID           string          `json:"id"`
	QueueName    string          `json:"queueName"`
	Status       string          `json:"status"`
	Progress     *int            `json:"progress,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        any             `json:"error,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	ProcessedOn  int64           `json:"processedOn,omitempty"`
	FinishedOn   int64           `json:"finishedOn,omitempty"`
}

func (h *Handlers) JobStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	resp, ok := h.lookupStatus(r.Context(), id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "job not found", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// lookupStatus merges the live status fabric (authoritative in-flight
// state) with the persisted result (final outcome), per spec.md §6's
// poll-endpoint shape.
func (h *Handlers) lookupStatus(ctx context.Context, id string) (statusResponse, bool) {
	u, haveStatus := h.status.GetStatus(id)
	rec, haveResult, _ := h.results.Get(ctx, id)
	if !haveStatus && !haveResult {
		return statusResponse{}, false
	}
	resp := statusResponse{ID: id}
	if haveStatus {
		resp.QueueName = u.QueueName
		resp.Status = string(u.Status)
		resp.Progress = u.Progress
	}
	if haveResult {
		resp.QueueName = rec.QueueName
		resp.Status = string(rec.Status)
		resp.FinishedOn = rec.FinishedAt
		if rec.Success {
			resp.Result = rec.Result
		} else if rec.Error != nil {
			resp.Error = rec.Error
			resp.FailedReason = rec.Error.Message
		}
	}
	return resp, true
}

func (h *Handlers) BatchStatus(w http.ResponseWriter, r *http.Request) {
	idsParam := r.URL.Query().Get("ids")
	var ids []string
	for _, id := range strings.Split(idsParam, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			ids = append(ids, id)
		}
	}
	const cap = 50
	if len(ids) > cap {
		ids = ids[:cap]
	}
	counts := map[string]int{}
	records := make([]statusResponse, 0, len(ids))
	for _, id := range ids {
		resp, ok := h.lookupStatus(r.Context(), id)
		if !ok {
			continue
		}
		counts[resp.Status]++
		records = append(records, resp)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"counts": counts, "jobs": records})
}

func (h *Handlers) History(success bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := clampLimit(r.URL.Query().Get("limit"), 50, 1, 500)
		queueFilter := r.URL.Query().Get("queue")
		recs, err := h.results.History(r.Context(), !success, int64(limit*4)) // over-fetch, then filter by queue below
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, "failed to read history", err)
			return
		}
		if queueFilter != "" {
			filtered := recs[:0]
			for _, rec := range recs {
				if rec.QueueName == queueFilter {
					filtered = append(filtered, rec)
				}
			}
			recs = filtered
		}
		if len(recs) > limit {
			recs = recs[:limit]
		}
		h.writeJSON(w, http.StatusOK, recs)
	}
}

func clampLimit(raw string, def, min, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

// --- queue admin (spec.md §6 "Queue admin") ---

type queueAdminRequest struct {
	Name               string   `json:"name"`
	Label              string   `json:"label"`
	Priority           int      `json:"priority"`
	TimeoutSeconds     int      `json:"timeoutSeconds"`
	Attempts           int      `json:"attempts"`
	RetryDelayMS       int      `json:"retryDelayMs"`
	Concurrency        int      `json:"concurrency"`
	Workers            int      `json:"workers"`
	URLPatterns        []string `json:"urlPatterns"`
	Enabled            *bool    `json:"enabled"`
	RetentionCompleted int      `json:"retentionCompleted"`
	RetentionFailed    int      `json:"retentionFailed"`
}

func (h *Handlers) CreateQueue(w http.ResponseWriter, r *http.Request) {
	var req queueAdminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	def := queueregistry.QueueDefinition{
		Name: req.Name, Label: req.Label, Priority: req.Priority, TimeoutSeconds: req.TimeoutSeconds,
		Attempts: req.Attempts, RetryDelayMS: req.RetryDelayMS, Concurrency: req.Concurrency, Workers: req.Workers,
		URLPatterns: req.URLPatterns, RetentionCompleted: req.RetentionCompleted, RetentionFailed: req.RetentionFailed,
		Enabled: req.Enabled == nil || *req.Enabled,
	}
	if err := h.registry.Create(r.Context(), def); err != nil {
		h.writeError(w, http.StatusConflict, "failed to create queue", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, def)
}

func (h *Handlers) GetQueue(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	def, ok := h.registry.Get(name)
	if !ok {
		h.writeError(w, http.StatusNotFound, "queue not found", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, def)
}

type partialUpdateRequest struct {
	Label              *string  `json:"label"`
	Priority           *int     `json:"priority"`
	TimeoutSeconds     *int     `json:"timeoutSeconds"`
	Attempts           *int     `json:"attempts"`
	RetryDelayMS       *int     `json:"retryDelayMs"`
	Concurrency        *int     `json:"concurrency"`
	URLPatterns        []string `json:"urlPatterns"`
	ProcessingDelayMS  *int     `json:"processingDelayMs"`
	RetentionCompleted *int     `json:"retentionCompleted"`
	RetentionFailed    *int     `json:"retentionFailed"`
	Enabled            *bool    `json:"enabled"`
}

func (h *Handlers) UpdateQueue(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req partialUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	rebuilt, err := h.registry.Update(r.Context(), name, queueregistry.Partial{
		Label: req.Label, Priority: req.Priority, TimeoutSeconds: req.TimeoutSeconds,
		Attempts: req.Attempts, RetryDelayMS: req.RetryDelayMS, Concurrency: req.Concurrency,
		URLPatterns: req.URLPatterns, ProcessingDelayMS: req.ProcessingDelayMS,
		RetentionCompleted: req.RetentionCompleted, RetentionFailed: req.RetentionFailed, Enabled: req.Enabled,
	})
	if err != nil {
		h.writeError(w, http.StatusNotFound, "failed to update queue", err)
		return
	}
	def, _ := h.registry.Get(name)
	if rebuilt {
		h.workers.EnsureWorkers(def)
	}
	h.writeJSON(w, http.StatusOK, def)
}

func (h *Handlers) DeleteQueue(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.registry.Remove(r.Context(), name); err != nil {
		h.writeError(w, http.StatusNotFound, "failed to remove queue", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- worker control ---

func (h *Handlers) PauseAllWorkers(w http.ResponseWriter, r *http.Request) {
	h.workers.PauseAll()
	h.writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (h *Handlers) ResumeAllWorkers(w http.ResponseWriter, r *http.Request) {
	h.workers.ResumeAll()
	h.writeJSON(w, http.StatusOK, map[string]bool{"resumed": true})
}

func (h *Handlers) PauseQueueWorkers(w http.ResponseWriter, r *http.Request) {
	h.workers.PauseQueue(mux.Vars(r)["queue"])
	h.writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (h *Handlers) ResumeQueueWorkers(w http.ResponseWriter, r *http.Request) {
	h.workers.ResumeQueue(mux.Vars(r)["queue"])
	h.writeJSON(w, http.StatusOK, map[string]bool{"resumed": true})
}

func (h *Handlers) EnsureQueueWorkers(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["queue"]
	def, ok := h.registry.Get(name)
	if !ok {
		h.writeError(w, http.StatusNotFound, "queue not found", nil)
		return
	}
	h.workers.EnsureWorkers(def)
	h.writeJSON(w, http.StatusOK, h.workersForQueue(name))
}

func (h *Handlers) RemoveQueueWorkers(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["queue"]
	def, ok := h.registry.Get(name)
	if !ok {
		h.writeError(w, http.StatusNotFound, "queue not found", nil)
		return
	}
	def.Workers = 0
	h.workers.EnsureWorkers(def)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) workersForQueue(name string) []workerpool.WorkerStatus {
	var out []workerpool.WorkerStatus
	for _, s := range h.workers.Status() {
		if s.Queue == name {
			out = append(out, s)
		}
	}
	return out
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	type queueHealth struct {
		Name    string  `json:"name"`
		Enabled bool    `json:"enabled"`
		Load    float64 `json:"load"`
		Workers int     `json:"workers"`
	}
	defs := h.registry.List()
	health := make([]queueHealth, 0, len(defs))
	healthy := true
	for _, def := range defs {
		load, err := h.load.Load(r.Context(), def.Name)
		if err != nil {
			healthy = false
		}
		health = append(health, queueHealth{Name: def.Name, Enabled: def.Enabled, Load: load, Workers: def.Workers})
	}
	sort.Slice(health, func(i, j int) bool { return health[i].Name < health[j].Name })
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, map[string]any{"healthy": healthy, "queues": health})
}

// --- queue control (spec.md §6 "Queue control") ---

func (h *Handlers) QueueControlStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"enabled":    h.exclusions.Enabled(),
		"exclusions": h.exclusions.Exclusions(),
	})
}

func (h *Handlers) QueueControlEnable(w http.ResponseWriter, r *http.Request) {
	h.exclusions.SetEnabled(true)
	h.writeJSON(w, http.StatusOK, map[string]bool{"enabled": true})
}

func (h *Handlers) QueueControlDisable(w http.ResponseWriter, r *http.Request) {
	h.exclusions.SetEnabled(false)
	h.writeJSON(w, http.StatusOK, map[string]bool{"enabled": false})
}

func (h *Handlers) QueueControlToggle(w http.ResponseWriter, r *http.Request) {
	next := !h.exclusions.Enabled()
	h.exclusions.SetEnabled(next)
	h.writeJSON(w, http.StatusOK, map[string]bool{"enabled": next})
}

func (h *Handlers) GetExclusions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.exclusions.Exclusions())
}

type exclusionRequest struct {
	Prefix string `json:"prefix"`
}

func (h *Handlers) AddExclusion(w http.ResponseWriter, r *http.Request) {
	var req exclusionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prefix == "" {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	current := h.exclusions.Exclusions()
	for _, p := range current {
		if p == req.Prefix {
			h.writeJSON(w, http.StatusOK, current)
			return
		}
	}
	h.exclusions.SetExclusions(append(current, req.Prefix))
	h.writeJSON(w, http.StatusOK, h.exclusions.Exclusions())
}

func (h *Handlers) RemoveExclusion(w http.ResponseWriter, r *http.Request) {
	var req exclusionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prefix == "" {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	current := h.exclusions.Exclusions()
	out := current[:0]
	for _, p := range current {
		if p != req.Prefix {
			out = append(out, p)
		}
	}
	h.exclusions.SetExclusions(out)
	h.writeJSON(w, http.StatusOK, h.exclusions.Exclusions())
}

// --- shared response helpers, matching internal/worker-fleet-controls/handlers.go ---

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil && h.log != nil {
		h.log.Error("httpapi: failed to encode JSON response", zap.Error(err))
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := map[string]any{"error": message, "timestamp": time.Now().UTC().Format(time.RFC3339)}
	if err != nil {
		resp["details"] = err.Error()
	}
	h.writeJSON(w, status, resp)
}
