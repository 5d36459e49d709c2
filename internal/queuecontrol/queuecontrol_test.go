package queuecontrol

import "testing"

func TestSetEnabledToggles(t *testing.T) {
	s := New(true, []string{"/admin"})
	if !s.Enabled() {
		t.Fatal("expected initially enabled")
	}
	s.SetEnabled(false)
	if s.Enabled() {
		t.Fatal("expected disabled after SetEnabled(false)")
	}
}

func TestExclusionsAreCopiedNotAliased(t *testing.T) {
	initial := []string{"/admin"}
	s := New(true, initial)
	initial[0] = "/mutated"
	if s.Exclusions()[0] != "/admin" {
		t.Fatalf("expected store's copy to be unaffected, got %v", s.Exclusions())
	}

	got := s.Exclusions()
	got[0] = "/changed"
	if s.Exclusions()[0] != "/admin" {
		t.Fatal("expected Exclusions() to return a defensive copy")
	}
}

func TestSetExclusionsReplacesList(t *testing.T) {
	s := New(true, []string{"/admin"})
	s.SetExclusions([]string{"/health", "/metrics"})
	got := s.Exclusions()
	if len(got) != 2 || got[0] != "/health" || got[1] != "/metrics" {
		t.Fatalf("unexpected exclusions: %v", got)
	}
}
