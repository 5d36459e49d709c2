// Package queuerouter implements the queue router (C5): given a
// normalized URL, it picks the matching, enabled queue definition with
// the lowest live load, falling back to the registry's default queue.
// Grounded on spec.md §4.2's chooseQueue algorithm; load lookups use
// the same rdb.LLen-based counting internal/admin/admin.go's Stats and
// StatsKeys use for queue depth.
package queuerouter

import (
	"context"
	"math"
	"strings"

	"github.com/opsgateway/async-gateway/internal/queueregistry"
)

// LoadProvider reports a queue's live load: the sum of waiting, active,
// delayed, and paused job counts (spec.md §4.2, §Glossary "Load"). A
// failed lookup must return (+Inf, nil) or a non-nil error -- either way
// Router treats the queue as unusable rather than stealing traffic for
// a broken queue (spec.md §4.2 "Failure semantics").
type LoadProvider interface {
	Load(ctx context.Context, queueName string) (float64, error)
}

type Router struct {
	registry *queueregistry.Registry
	load     LoadProvider
}

func New(registry *queueregistry.Registry, load LoadProvider) *Router {
	return &Router{registry: registry, load: load}
}

// ChooseQueue implements spec.md §4.2's chooseQueue(url) -> name.
func (r *Router) ChooseQueue(ctx context.Context, normalizedPath string) string {
	candidates := r.matchingEnabled(normalizedPath)
	if len(candidates) == 0 {
		return r.registry.DefaultQueueName()
	}

	type scored struct {
		def   queueregistry.QueueDefinition
		load  float64
		index int
	}
	scoredCandidates := make([]scored, 0, len(candidates))
	for i, def := range candidates {
		load, err := r.load.Load(ctx, def.Name)
		if err != nil {
			load = math.Inf(1)
		}
		scoredCandidates = append(scoredCandidates, scored{def: def, load: load, index: i})
	}

	best := scoredCandidates[0]
	for _, c := range scoredCandidates[1:] {
		switch {
		case c.load < best.load:
			best = c
		case c.load == best.load && c.def.Priority > best.def.Priority:
			best = c
		case c.load == best.load && c.def.Priority == best.def.Priority && c.index < best.index:
			best = c
		}
	}
	return best.def.Name
}

func (r *Router) matchingEnabled(normalizedPath string) []queueregistry.QueueDefinition {
	var out []queueregistry.QueueDefinition
	for _, def := range r.registry.List() {
		if !def.Enabled {
			continue
		}
		for _, pattern := range def.URLPatterns {
			if matchPattern(pattern, normalizedPath) {
				out = append(out, def)
				break
			}
		}
	}
	return out
}

// matchPattern implements spec.md §4.2's "/*" one-or-more-segment
// prefix match; a pattern without a trailing "/*" must match exactly.
func matchPattern(pattern, path string) bool {
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		if prefix == "" {
			return true // "/*" matches everything
		}
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	}
	return pattern == path
}
