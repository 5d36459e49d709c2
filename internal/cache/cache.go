// Package cache implements the response cache (C6): a single-process
// LRU cache with per-entry TTL, policy-driven admission and TTL
// selection, sensitive-field redaction, and rolling metrics. Grounded on
// internal/exactly-once-patterns/memory_storage.go's map+mutex+ticker+
// eviction shape, generalized from a fixed-capacity dedupe store into a
// keyed value cache with LRU ordering.
package cache

import (
	"container/list"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opsgateway/async-gateway/internal/config"
)

// Entry is owned exclusively by the cache (spec.md §3). Expiry > CreatedAt
// and LastAccessed >= CreatedAt always hold.
type Entry struct {
	Value        json.RawMessage `json:"value"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	CreatedAt    time.Time       `json:"createdAt"`
	LastAccessed time.Time       `json:"lastAccessed"`
	AccessCount  int64           `json:"accessCount"`
	Size         int             `json:"size"`
}

// Metrics mirrors spec.md §4.3's metrics surface.
type Metrics struct {
	Hits              int64
	Misses            int64
	Size              int
	MaxSize           int
	MemoryUsageBytes  int64
	TotalOperations   int64
	Evictions         int64
	LastCleanup       time.Time
	AvgResponseTimeMS float64
}

func (m Metrics) HitRate() float64 {
	total := m.Hits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.Hits) / float64(total)
}

var sensitiveFields = []string{"token", "password", "jwt"}

type Cache struct {
	mu      sync.Mutex
	cfg     config.Cache
	ll      *list.List // front = most recently used
	items   map[string]*list.Element
	hits    int64
	misses  int64
	ops     int64
	evicts  int64
	lastGC  time.Time
	samples []float64 // bounded sliding window of response times, ms
}

type elem struct {
	key   string
	entry Entry
}

func New(cfg config.Cache) *Cache {
	return &Cache{
		cfg:   cfg,
		ll:    list.New(),
		items: map[string]*list.Element{},
	}
}

// Admits reports whether a request is cacheable at all: only GET, and
// only when the normalized path carries none of the configured
// exclusion prefixes (spec.md §4.3 "Admission").
func Admits(cfg config.Cache, verb, normalizedPath string) bool {
	if !strings.EqualFold(verb, "GET") {
		return false
	}
	for _, excl := range cfg.Exclusions {
		if excl == "" {
			continue
		}
		if normalizedPath == excl || strings.HasPrefix(normalizedPath, excl+"/") {
			return false
		}
	}
	return true
}

// TTLFor selects the policy TTL by URL prefix, per spec.md §4.3: static
// catalog 15m, user-scoped lists 5m, volatile 1m, default 5m.
func TTLFor(cfg config.Cache, normalizedPath string) time.Duration {
	switch {
	case hasAnyPrefix(normalizedPath, "/courses", "/programs", "/rooms"):
		return nonZero(cfg.StaticTTL, 15*time.Minute)
	case hasAnyPrefix(normalizedPath, "/students", "/teachers", "/grades", "/schedules"):
		return nonZero(cfg.UserScopedTTL, 5*time.Minute)
	case hasAnyPrefix(normalizedPath, "/enrollments", "/assessments", "/activity", "/notifications"):
		return nonZero(cfg.VolatileTTL, 1*time.Minute)
	default:
		return nonZero(cfg.DefaultTTL, 5*time.Minute)
	}
}

func hasAnyPrefix(path string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Key derives the cache key per spec.md §4.3: http:md5(VERB:path:query:user:id?).
// Queries normalize to a lexicographic k=v join; array values sort.
func Key(verb, normalizedPath string, query map[string][]string, userID string) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		vals := append([]string(nil), query[k]...)
		sort.Strings(vals)
		parts = append(parts, fmt.Sprintf("%s=%s", k, strings.Join(vals, ",")))
	}
	normalizedQuery := strings.Join(parts, "&")
	raw := fmt.Sprintf("%s:%s:%s:user:%s", strings.ToUpper(verb), normalizedPath, normalizedQuery, userID)
	sum := md5.Sum([]byte(raw))
	return "http:" + hex.EncodeToString(sum[:])
}

// Redact strips token/password/jwt fields from a JSON object before
// storage (spec.md §8 "Sensitive-data redaction") and stamps a _cache
// metadata marker.
func Redact(value json.RawMessage) json.RawMessage {
	var m map[string]any
	if err := json.Unmarshal(value, &m); err != nil {
		return value // not an object; nothing to redact
	}
	for _, f := range sensitiveFields {
		delete(m, f)
	}
	m["_cache"] = map[string]any{"cached": true, "cachedAt": time.Now().UnixMilli()}
	out, err := json.Marshal(m)
	if err != nil {
		return value
	}
	return out
}

// Get reads a value, updating LRU order, access time and count atomically.
// A cache read/write failure is never surfaced as an error to the
// caller's job flow (spec.md §4.3/§7 "CacheError... always swallowed");
// Get instead reports a plain miss via ok=false.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops++
	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	e := el.Value.(*elem)
	if time.Now().After(e.entry.ExpiresAt) {
		c.ll.Remove(el)
		delete(c.items, key)
		c.evicts++
		c.misses++
		return nil, false
	}
	e.entry.LastAccessed = time.Now()
	e.entry.AccessCount++
	c.ll.MoveToFront(el)
	c.hits++
	return e.entry.Value, true
}

// Set admits a value with the given TTL, evicting the least-recently-used
// entry if the cache is at capacity (spec.md §4.3 "LRU").
func (c *Cache) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops++
	now := time.Now()
	entry := Entry{
		Value:        value,
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    now.Add(ttl),
		AccessCount:  0,
		Size:         len(value),
	}
	if el, ok := c.items[key]; ok {
		el.Value.(*elem).entry = entry
		c.ll.MoveToFront(el)
		return
	}
	maxSize := c.cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 10000
	}
	if len(c.items) >= maxSize {
		c.evictOldest()
	}
	el := c.ll.PushFront(&elem{key: key, entry: entry})
	c.items[key] = el
}

func (c *Cache) evictOldest() {
	back := c.ll.Back()
	if back == nil {
		return
	}
	e := back.Value.(*elem)
	c.ll.Remove(back)
	delete(c.items, e.key)
	c.evicts++
}

// ObserveResponseTime records a job-processing latency sample into a
// bounded sliding window used by the average-response-time metric.
func (c *Cache) ObserveResponseTime(ms float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	const windowSize = 256
	c.samples = append(c.samples, ms)
	if len(c.samples) > windowSize {
		c.samples = c.samples[len(c.samples)-windowSize:]
	}
}

// Sweep removes expired entries; called periodically by housekeeping
// (spec.md §4.3 "Cleanup").
func (c *Cache) Sweep() (removed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for key, el := range c.items {
		e := el.Value.(*elem)
		if now.After(e.entry.ExpiresAt) {
			c.ll.Remove(el)
			delete(c.items, key)
			c.evicts++
			removed++
		}
	}
	c.lastGC = now
	return removed
}

func (c *Cache) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	var mem int64
	for _, el := range c.items {
		mem += int64(el.Value.(*elem).entry.Size)
	}
	var avg float64
	if len(c.samples) > 0 {
		var sum float64
		for _, s := range c.samples {
			sum += s
		}
		avg = sum / float64(len(c.samples))
	}
	maxSize := c.cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 10000
	}
	return Metrics{
		Hits: c.hits, Misses: c.misses, Size: len(c.items), MaxSize: maxSize,
		MemoryUsageBytes: mem, TotalOperations: c.ops, Evictions: c.evicts,
		LastCleanup: c.lastGC, AvgResponseTimeMS: avg,
	}
}

// Reset clears every counter and entry, supporting spec.md §4.3's
// metrics reset.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = map[string]*list.Element{}
	c.hits, c.misses, c.ops, c.evicts = 0, 0, 0, 0
	c.samples = nil
}
