package textsim

import "testing"

func TestJaccardIdentical(t *testing.T) {
	if got := Jaccard("Hello world", "hello world"); got != 1.0 {
		t.Fatalf("expected 1.0 for case-insensitive identical strings, got %v", got)
	}
}

func TestJaccardGrowingPrefix(t *testing.T) {
	got := Jaccard("the quick brown", "the quick brown fox")
	if got < 0.7 {
		t.Fatalf("expected growing-prefix similarity above 0.7, got %v", got)
	}
	if got >= 1.0 {
		t.Fatalf("expected growing-prefix similarity below 1.0, got %v", got)
	}
}

func TestJaccardDisjoint(t *testing.T) {
	if got := Jaccard("apple banana", "car truck"); got != 0.0 {
		t.Fatalf("expected 0.0 for disjoint token sets, got %v", got)
	}
}

func TestJaccardEmpty(t *testing.T) {
	if got := Jaccard("", ""); got != 1.0 {
		t.Fatalf("expected 1.0 for two empty strings, got %v", got)
	}
	if got := Jaccard("hello", ""); got != 0.0 {
		t.Fatalf("expected 0.0 for one empty string, got %v", got)
	}
}
