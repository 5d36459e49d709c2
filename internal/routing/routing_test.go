package routing

import (
	"encoding/json"
	"testing"

	"github.com/opsgateway/async-gateway/internal/job"
)

func newJob(t *testing.T, verb, path string) *job.Job {
	t.Helper()
	j, err := job.New(verb, path, path)
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func TestResolveExactMatchAndBody(t *testing.T) {
	table := NewTable(Rule{
		Verb:     "POST",
		Template: "/courses",
		Subject:  "programs.courses.create",
		Build:    Fields(Body("body")),
	})
	j := newJob(t, "POST", "/courses")
	j.Body = json.RawMessage(`{"code":"INF110"}`)

	res, matched, err := table.Resolve(j)
	if err != nil || !matched {
		t.Fatalf("expected match, got matched=%v err=%v", matched, err)
	}
	if res.Subject != "programs.courses.create" {
		t.Fatalf("got subject %q", res.Subject)
	}
	if res.CompletionEvent != "programs.courses.create.completed" {
		t.Fatalf("got completion event %q", res.CompletionEvent)
	}
}

func TestResolveRouteParam(t *testing.T) {
	table := NewTable(Rule{
		Verb:     "GET",
		Template: "/courses/:id",
		Subject:  "programs.courses.get",
		Build:    Fields(RequireParam("id")),
	})
	j := newJob(t, "GET", "/courses/abc123")
	res, matched, err := table.Resolve(j)
	if err != nil || !matched {
		t.Fatalf("expected match, got matched=%v err=%v", matched, err)
	}
	var payload map[string]string
	if err := json.Unmarshal(res.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["id"] != "abc123" {
		t.Fatalf("got id %q", payload["id"])
	}
}

func TestResolveNoMatchReturnsFalse(t *testing.T) {
	table := NewTable(Rule{Verb: "GET", Template: "/courses", Subject: "x", Build: Fields()})
	j := newJob(t, "POST", "/courses")
	_, matched, err := table.Resolve(j)
	if err != nil || matched {
		t.Fatalf("expected no match, got matched=%v err=%v", matched, err)
	}
}

func TestResolveMissingRequiredFieldFails(t *testing.T) {
	table := NewTable(Rule{
		Verb:     "POST",
		Template: "/atomic-enrollment/enroll",
		Subject:  "enrollments.atomic.enroll",
		Build:    Fields(RequireHeader("x-idempotency-key")),
	})
	j := newJob(t, "POST", "/atomic-enrollment/enroll")
	_, matched, err := table.Resolve(j)
	if !matched {
		t.Fatal("expected the rule to match on verb+path even though the builder fails")
	}
	if _, ok := err.(*MissingFieldError); !ok {
		t.Fatalf("expected MissingFieldError, got %v", err)
	}
}

func TestResolveFirstRuleWinsNoBacktrack(t *testing.T) {
	table := NewTable(
		Rule{Verb: "GET", Template: "/courses/:id", Subject: "first", Build: Fields(RequireParam("missing"))},
		Rule{Verb: "GET", Template: "/courses/:id", Subject: "second", Build: Fields()},
	)
	j := newJob(t, "GET", "/courses/1")
	_, matched, err := table.Resolve(j)
	if !matched {
		t.Fatal("expected first rule to match")
	}
	if _, ok := err.(*MissingFieldError); !ok {
		t.Fatalf("expected the first rule's failure, not a fallback to the second rule; err=%v", err)
	}
}

func TestWildcardMatchesOneSegment(t *testing.T) {
	table := NewTable(Rule{Verb: "GET", Template: "/reports/*/summary", Subject: "reports.summary", Build: Fields()})
	j := newJob(t, "GET", "/reports/q1/summary")
	_, matched, err := table.Resolve(j)
	if err != nil || !matched {
		t.Fatalf("expected wildcard to match, got matched=%v err=%v", matched, err)
	}
	j2 := newJob(t, "GET", "/reports/q1/extra/summary")
	_, matched2, _ := table.Resolve(j2)
	if matched2 {
		t.Fatal("expected wildcard to match exactly one segment, not two")
	}
}
