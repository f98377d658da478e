// Package textsim implements the string-similarity metric used by the
// Display Controller's merge threshold (0.7) and the Stream Coalescer's
// collapse threshold (0.95) — spec.md §9 Open Question 1.
//
// Jaccard similarity over whitespace-tokenized, lower-cased word sets was
// chosen over normalized Levenshtein ratio because both call sites compare
// a growing-prefix interim transcript against its predecessor; token-set
// overlap is O(n) to compute per chunk and is insensitive to the
// trailing-word insertions that are exactly how ASR interims grow, whereas
// edit-distance ratio penalizes that growth as dissimilarity.
package textsim

import "strings"

// Jaccard returns |tokens(a) ∩ tokens(b)| / |tokens(a) ∪ tokens(b)|, in
// [0,1]. Two empty strings are defined as identical (similarity 1.0); one
// empty and one non-empty are defined as maximally dissimilar (0.0).
func Jaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)

	if len(setA) == 0 && len(setB) == 0 {
		return 1.0
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0.0
	}

	intersection := 0
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}
