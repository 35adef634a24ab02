package sha256

import (
	"strings"
	"testing"
)

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestKeyIsPrefixedAndStable(t *testing.T) {
	t.Parallel()

	a := Key("dim:", "https://example.com/a.jpg")
	b := Key("dim:", "https://example.com/a.jpg")
	c := Key("dim:", "https://example.com/b.jpg")
	if a != b {
		t.Fatalf("expected stable key, got %s vs %s", a, b)
	}
	if a == c {
		t.Fatalf("expected distinct keys for distinct values")
	}
	if !strings.HasPrefix(a, "dim:") || len(a) != len("dim:")+32 {
		t.Fatalf("unexpected key shape %q", a)
	}
}
