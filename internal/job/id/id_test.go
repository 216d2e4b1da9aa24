package id

import (
	"strings"
	"testing"
)

func TestGenerate_Format(t *testing.T) {
	got := Generate()
	if !strings.HasPrefix(got, "dub-") {
		t.Errorf("expected dub- prefix, got %s", got)
	}
	parts := strings.Split(got, "-")
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %d (%s)", len(parts), got)
	}
	if len(parts[2]) != 8 {
		t.Errorf("expected 8 hex chars, got %s", parts[2])
	}
}

func TestGenerate_Unique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := Generate()
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = struct{}{}
	}
}
