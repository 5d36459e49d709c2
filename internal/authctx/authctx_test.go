package authctx

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
)

func makeToken(claims map[string]any) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	body, _ := json.Marshal(claims)
	payload := base64.RawURLEncoding.EncodeToString(body)
	return header + "." + payload + ".sig"
}

func TestDecodeBearerUserIDExtractsSub(t *testing.T) {
	tok := makeToken(map[string]any{"sub": "u1"})
	if got := DecodeBearerUserID("Bearer " + tok); got != "u1" {
		t.Fatalf("expected u1, got %q", got)
	}
}

func TestDecodeBearerUserIDFallsBackToUserIdThenId(t *testing.T) {
	tok := makeToken(map[string]any{"userId": "u2"})
	if got := DecodeBearerUserID("Bearer " + tok); got != "u2" {
		t.Fatalf("expected u2, got %q", got)
	}
	tok = makeToken(map[string]any{"id": "u3"})
	if got := DecodeBearerUserID("Bearer " + tok); got != "u3" {
		t.Fatalf("expected u3, got %q", got)
	}
}

func TestDecodeBearerUserIDNeverErrors(t *testing.T) {
	if got := DecodeBearerUserID("not-a-bearer-token"); got != "" {
		t.Fatalf("expected empty on malformed header, got %q", got)
	}
	if got := DecodeBearerUserID("Bearer not.valid"); got != "" {
		t.Fatalf("expected empty on malformed token, got %q", got)
	}
	if got := DecodeBearerUserID("Bearer ...."); got != "" {
		t.Fatalf("expected empty on garbage segments, got %q", got)
	}
}

func TestContextSubjectFallback(t *testing.T) {
	c := Context{"id": "u3"}
	if got := c.Subject(); got != "u3" {
		t.Fatalf("expected u3, got %q", got)
	}
	if got := Context(nil).Subject(); got != "" {
		t.Fatalf("expected empty for nil context, got %q", got)
	}
}

func TestWithContextAndFromContext(t *testing.T) {
	ctx := WithContext(context.Background(), Context{"sub": "u4"})
	got := FromContext(ctx)
	if got.Subject() != "u4" {
		t.Fatalf("expected u4, got %q", got.Subject())
	}
	if FromContext(context.Background()) != nil {
		t.Fatal("expected nil context when none attached")
	}
}
