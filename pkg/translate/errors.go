package translate

import "fmt"

// ProviderError wraps a non-2xx HTTP response from a translator's backing
// API. Retryable classifies per §4.5's "rate-limit / transient 5xx" heuristic
// — the exact boundary of which status codes are retryable is unspecified in
// source (SPEC_FULL.md Open Question 3), so this is a conservative read: 429
// and 5xx are retryable, everything else is not.
type ProviderError struct {
	StatusCode int
	Body       interface{}
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (status %d): %v", e.StatusCode, e.Body)
}

func (e *ProviderError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
