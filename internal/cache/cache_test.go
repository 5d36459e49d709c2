package cache

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/opsgateway/async-gateway/internal/config"
)

func testCfg() config.Cache {
	return config.Cache{MaxSize: 2, DefaultTTL: time.Minute, Exclusions: []string{"/admin", "/jobs"}}
}

func TestAdmitsOnlyGETAndNonExcluded(t *testing.T) {
	cfg := testCfg()
	if !Admits(cfg, "GET", "/courses") {
		t.Fatal("expected GET /courses to be admitted")
	}
	if Admits(cfg, "POST", "/courses") {
		t.Fatal("expected POST to never be admitted")
	}
	if Admits(cfg, "GET", "/admin/queues") {
		t.Fatal("expected excluded prefix to be rejected")
	}
}

func TestTTLForByURLPrefix(t *testing.T) {
	cfg := config.Cache{StaticTTL: 15 * time.Minute, UserScopedTTL: 5 * time.Minute, VolatileTTL: time.Minute, DefaultTTL: 5 * time.Minute}
	if got := TTLFor(cfg, "/courses"); got != 15*time.Minute {
		t.Fatalf("static TTL: got %v", got)
	}
	if got := TTLFor(cfg, "/students/42"); got != 5*time.Minute {
		t.Fatalf("user-scoped TTL: got %v", got)
	}
	if got := TTLFor(cfg, "/enrollments"); got != time.Minute {
		t.Fatalf("volatile TTL: got %v", got)
	}
	if got := TTLFor(cfg, "/whatever"); got != 5*time.Minute {
		t.Fatalf("default TTL: got %v", got)
	}
}

func TestKeyIsStableUnderQueryReordering(t *testing.T) {
	k1 := Key("GET", "/courses", map[string][]string{"a": {"1"}, "b": {"2"}}, "u1")
	k2 := Key("GET", "/courses", map[string][]string{"b": {"2"}, "a": {"1"}}, "u1")
	if k1 != k2 {
		t.Fatalf("expected stable key regardless of map order: %q vs %q", k1, k2)
	}
	k3 := Key("GET", "/courses", map[string][]string{"a": {"1"}, "b": {"2"}}, "u2")
	if k1 == k3 {
		t.Fatal("expected distinct users to produce distinct keys")
	}
}

func TestRedactStripsSensitiveFields(t *testing.T) {
	in, _ := json.Marshal(map[string]any{"name": "x", "token": "secret", "password": "pw", "jwt": "j"})
	out := Redact(in)
	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatal(err)
	}
	for _, f := range []string{"token", "password", "jwt"} {
		if _, ok := m[f]; ok {
			t.Fatalf("expected %q to be redacted", f)
		}
	}
	if _, ok := m["_cache"]; !ok {
		t.Fatal("expected _cache metadata marker")
	}
}

func TestGetSetAndLRUEviction(t *testing.T) {
	c := New(testCfg())
	c.Set(nil, "a", json.RawMessage(`1`), time.Minute)
	c.Set(nil, "b", json.RawMessage(`2`), time.Minute)
	if _, ok := c.Get(nil, "a"); !ok {
		t.Fatal("expected hit on a")
	}
	// a is now most-recently-used; inserting c should evict b.
	c.Set(nil, "c", json.RawMessage(`3`), time.Minute)
	if _, ok := c.Get(nil, "b"); ok {
		t.Fatal("expected b to be evicted")
	}
	if _, ok := c.Get(nil, "a"); !ok {
		t.Fatal("expected a to survive eviction")
	}
	if _, ok := c.Get(nil, "c"); !ok {
		t.Fatal("expected c to be present")
	}
}

func TestGetExpiredEntryIsAMiss(t *testing.T) {
	c := New(testCfg())
	c.Set(nil, "a", json.RawMessage(`1`), -time.Second)
	if _, ok := c.Get(nil, "a"); ok {
		t.Fatal("expected expired entry to miss")
	}
	m := c.Metrics()
	if m.Misses == 0 {
		t.Fatal("expected miss to be counted")
	}
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	c := New(testCfg())
	c.Set(nil, "a", json.RawMessage(`1`), -time.Second)
	c.Set(nil, "b", json.RawMessage(`2`), time.Minute)
	removed := c.Sweep()
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if m := c.Metrics(); m.Size != 1 {
		t.Fatalf("expected 1 remaining, got %d", m.Size)
	}
}

func TestHitRateAndReset(t *testing.T) {
	c := New(testCfg())
	c.Set(nil, "a", json.RawMessage(`1`), time.Minute)
	c.Get(nil, "a")
	c.Get(nil, "missing")
	m := c.Metrics()
	if m.HitRate() != 0.5 {
		t.Fatalf("expected hit rate 0.5, got %v", m.HitRate())
	}
	c.Reset()
	m = c.Metrics()
	if m.Hits != 0 || m.Misses != 0 || m.Size != 0 {
		t.Fatalf("expected reset metrics, got %+v", m)
	}
}
