// Package coalesce implements the Stream Coalescer (C8): a debounce/
// force-commit gate that reduces the event rate to the UI without losing
// semantic content (spec.md §4.8). Grounded on the teacher's speechEndHold
// timer-race pattern (managed_stream.go:301-322) — a time.NewTimer raced
// against a cancellation signal — generalized from one fixed 300ms grace
// window to per-stream debounce and force-commit windows.
package coalesce

import (
	"sync"
	"time"

	"github.com/classbridge-ai/stream-interpreter/pkg/bus"
	"github.com/classbridge-ai/stream-interpreter/pkg/textsim"
)

// Defaults from spec.md §4.8.
const (
	DefaultDebounceMs    = 160
	DefaultForceCommitMs = 1100
	CollapseThreshold    = 0.95
)

type pending struct {
	kind          bus.Kind
	payload       interface{}
	text          string
	correlationID string
	firstAt       time.Time
	lastAt        time.Time
}

// Coalescer holds one pending "most recent value" per logical stream
// (spec.md §4.8). It is logically single-task: callers serialize
// Push/TickIdle/Flush, same as the segment package's Combiner/Builder.
type Coalescer struct {
	mu sync.Mutex

	bus         *bus.Bus
	clock       func() time.Time
	debounce    time.Duration
	forceCommit time.Duration

	streams map[string]*pending
}

// NewCoalescer creates a Coalescer. Zero durations fall back to spec.md
// defaults.
func NewCoalescer(b *bus.Bus, debounce, forceCommit time.Duration, clock func() time.Time) *Coalescer {
	if debounce <= 0 {
		debounce = DefaultDebounceMs * time.Millisecond
	}
	if forceCommit <= 0 {
		forceCommit = DefaultForceCommitMs * time.Millisecond
	}
	if clock == nil {
		clock = time.Now
	}
	return &Coalescer{bus: b, clock: clock, debounce: debounce, forceCommit: forceCommit, streams: make(map[string]*pending)}
}

// Push admits a new value for streamID. text is the value's textual
// representation used for similarity collapse (§4.8); pass "" to disable
// collapsing for values with no natural text form. If the new value is
// text-similar (≥0.95) to the currently pending one, the pending payload is
// replaced but the force-commit clock is NOT reset — only the debounce
// clock is.
// Push admits a new value for streamID and reports whether it collapsed
// (≥0.95 similar) into the already-pending one — exposed for callers that
// want to observe collapse behavior; it has no effect on the emission
// timers themselves (see firstAt's doc comment below).
func (c *Coalescer) Push(streamID string, kind bus.Kind, payload interface{}, text, correlationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	p, exists := c.streams[streamID]
	if !exists {
		c.streams[streamID] = &pending{kind: kind, payload: payload, text: text, correlationID: correlationID, firstAt: now, lastAt: now}
		return false
	}

	collapsed := p.text != "" && text != "" && textsim.Jaccard(p.text, text) >= CollapseThreshold

	// firstAt is deliberately never touched here, collapsed or not: the
	// force-commit window is anchored to when this stream first became
	// pending, so continuous input (collapsed or genuinely new) can never
	// extend it indefinitely (§4.8). Only debounce's lastAt moves.
	p.kind = kind
	p.payload = payload
	p.text = text
	p.correlationID = correlationID
	p.lastAt = now
	return collapsed
}

// TickIdle emits the pending value for any stream whose debounce or
// force-commit window has elapsed. Called periodically by the owning
// pipeline loop.
func (c *Coalescer) TickIdle(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, p := range c.streams {
		if now.Sub(p.lastAt) >= c.debounce || now.Sub(p.firstAt) >= c.forceCommit {
			c.emitLocked(p)
			delete(c.streams, id)
		}
	}
}

// Flush immediately emits every stream's pending value, used on pipeline
// stop (§4.8 "Flush on close").
func (c *Coalescer) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, p := range c.streams {
		c.emitLocked(p)
		delete(c.streams, id)
	}
}

func (c *Coalescer) emitLocked(p *pending) {
	if c.bus != nil {
		c.bus.Publish(p.kind, p.payload, p.correlationID)
	}
}
