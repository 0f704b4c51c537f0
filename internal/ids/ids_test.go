package ids

import (
	"encoding/base64"
	"testing"
)

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	if len(a) != 26 {
		t.Fatalf("unexpected ulid length %d", len(a))
	}
	if !(a < b) {
		t.Fatalf("expected monotonic ids, got %s then %s", a, b)
	}
}

func TestSecret(t *testing.T) {
	s, err := Secret(32)
	if err != nil {
		t.Fatalf("Secret: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(raw) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(raw))
	}
	other, _ := Secret(32)
	if other == s {
		t.Fatalf("expected distinct secrets")
	}
	if _, err := Secret(0); err == nil {
		t.Fatalf("expected error for zero length")
	}
}
