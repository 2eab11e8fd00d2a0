package idgen

import (
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	id, err := Generate(PrefixDelta)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.HasPrefix(id, PrefixDelta) {
		t.Errorf("id %q missing prefix %q", id, PrefixDelta)
	}
	if len(id) != len(PrefixDelta)+Length {
		t.Errorf("id %q has length %d, want %d", id, len(id), len(PrefixDelta)+Length)
	}
}

func TestGenerateUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		id, err := Generate(PrefixOutbox)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
