package segment

import "testing"

func TestRegistryBindResolve(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Resolve("missing"); ok {
		t.Fatal("expected no binding for unknown id")
	}

	r.Bind("frag-1", "sentence-1")
	parent, ok := r.Resolve("frag-1")
	if !ok || parent != "sentence-1" {
		t.Fatalf("expected sentence-1, got %q (ok=%v)", parent, ok)
	}
}

func TestRegistryClear(t *testing.T) {
	r := NewRegistry()
	r.Bind("a", "b")
	r.Clear()
	if _, ok := r.Resolve("a"); ok {
		t.Fatal("expected bindings cleared")
	}
}
