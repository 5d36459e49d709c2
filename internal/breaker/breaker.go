// Package breaker implements a sliding-window circuit breaker, kept from
// the work queue's internal/breaker almost unchanged (same Closed ->
// Open -> HalfOpen state machine and single-probe semantics), and adds a
// Registry that keys one breaker per message-bus subject family so a
// failing downstream microservice degrades only its own dispatch path
// (SPEC_FULL.md §4 "circuit breaker per downstream subject").
package breaker

import (
	"strings"
	"sync"
	"time"

	"github.com/opsgateway/async-gateway/internal/config"
)

type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

type result struct {
	t  time.Time
	ok bool
}

// CircuitBreaker guards calls for a single subject family with a sliding
// failure-rate window and a cooldown before admitting a half-open probe.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            State
	window           time.Duration
	cooldown         time.Duration
	failureThresh    float64
	minSamples       int
	lastTransition   time.Time
	results          []result
	halfOpenInFlight bool
}

func New(window, cooldown time.Duration, failureThresh float64, minSamples int) *CircuitBreaker {
	return &CircuitBreaker{state: Closed, window: window, cooldown: cooldown, failureThresh: failureThresh, minSamples: minSamples, lastTransition: time.Now()}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case Open:
		if time.Since(cb.lastTransition) >= cb.cooldown {
			cb.state = HalfOpen
			cb.lastTransition = time.Now()
			cb.halfOpenInFlight = true
			return true
		}
		return false
	case HalfOpen:
		if cb.halfOpenInFlight {
			return false
		}
		cb.halfOpenInFlight = true
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) Record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-cb.window)
	filtered := cb.results[:0]
	for _, r := range cb.results {
		if r.t.After(cutoff) {
			filtered = append(filtered, r)
		}
	}
	cb.results = append(filtered, result{t: now, ok: ok})

	total := len(cb.results)
	if total < cb.minSamples {
		if cb.state == HalfOpen {
			if ok {
				cb.state = Closed
			} else {
				cb.state = Open
			}
			cb.halfOpenInFlight = false
			cb.lastTransition = now
		}
		return
	}
	fails := 0
	for _, r := range cb.results {
		if !r.ok {
			fails++
		}
	}
	rate := float64(fails) / float64(total)
	switch cb.state {
	case Closed:
		if rate >= cb.failureThresh {
			cb.state = Open
			cb.lastTransition = now
		}
	case HalfOpen:
		if ok {
			cb.state = Closed
		} else {
			cb.state = Open
		}
		cb.halfOpenInFlight = false
		cb.lastTransition = now
	case Open:
	}
}

// Registry lazily creates one CircuitBreaker per subject family (the
// first dot-delimited segment of a subject, e.g. "enrollments" for
// "enrollments.atomic.enroll").
type Registry struct {
	mu  sync.Mutex
	cfg config.CircuitBreaker
	m   map[string]*CircuitBreaker
}

func NewRegistry(cfg config.CircuitBreaker) *Registry {
	return &Registry{cfg: cfg, m: map[string]*CircuitBreaker{}}
}

func Family(subject string) string {
	if i := strings.IndexByte(subject, '.'); i >= 0 {
		return subject[:i]
	}
	return subject
}

func (r *Registry) For(subject string) *CircuitBreaker {
	family := Family(subject)
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.m[family]
	if !ok {
		cb = New(r.cfg.Window, r.cfg.CooldownPeriod, r.cfg.FailureThreshold, r.cfg.MinSamples)
		r.m[family] = cb
	}
	return cb
}

// States returns a snapshot of every known family's current state. No
// caller in the gateway reads it; the circuit_breaker_state gauge is not
// populated from it.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.m))
	for k, cb := range r.m {
		out[k] = cb.State()
	}
	return out
}
