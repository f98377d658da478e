// Package display implements the Display Controller (C7): the three-line
// rolling recent/older/oldest visible state plus a fading transitional slot
// (spec.md §4.7). It has no direct teacher analogue — there is no "rolling
// display slots" concept anywhere in the corpus — so its shape is new
// business logic expressed in the teacher's mutex-guarded, single-struct
// idiom (pkg/orchestrator/managed_stream.go's ManagedStream).
package display

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classbridge-ai/stream-interpreter/pkg/domain"
	"github.com/classbridge-ai/stream-interpreter/pkg/textsim"
)

// Timings and thresholds from spec.md §4.7.
const (
	MergeThreshold    = 0.7
	MinDisplayTime    = 1500 * time.Millisecond
	FadeInDuration    = 200 * time.Millisecond
	FadeOutDuration   = 300 * time.Millisecond
	FadingRemoveAfter = 3000 * time.Millisecond
)

// Opacity targets for the steady (non-fading) slots.
const (
	OpacityRecent = 1.0
	OpacityOlder  = 0.6
	OpacityOldest = 0.3
)

type entry struct {
	seg        domain.DisplaySegment
	admittedAt time.Time
	demotedAt  time.Time // zero until the segment enters the fading slot
}

// Snapshot is the payload of a display_update event: the full 3-slot state
// after a change (spec.md §4.7 Output).
type Snapshot struct {
	Recent *domain.DisplaySegment
	Older  *domain.DisplaySegment
	Oldest *domain.DisplaySegment
	Fading []domain.DisplaySegment
}

// Controller owns the three named slots plus the fading set (C7). It does
// not publish to the Event Bus itself: the owning pipeline reads Snapshot
// after each state-changing call and routes it through the Stream Coalescer
// (C8), which is the sole publisher of display_update (spec.md §4.7, §4.8).
type Controller struct {
	mu sync.Mutex

	clock func() time.Time

	recent, older, oldest *entry
	fading                []*entry
}

// NewController creates a Controller. clock defaults to time.Now when nil.
func NewController(clock func() time.Time) *Controller {
	if clock == nil {
		clock = time.Now
	}
	return &Controller{clock: clock}
}

// Admit presents new source (and optionally target) text for display. If it
// is similar enough to the current `recent` segment (§4.7 similarity
// merging, threshold 0.7), it updates `recent` in place; otherwise a new
// segment is born into `recent` and the existing chain shifts down one slot,
// demoting `oldest` into `fading`.
func (c *Controller) Admit(sourceText, targetText string, sourceIsFinal bool) domain.DisplaySegment {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()

	if c.recent != nil && textsim.Jaccard(sourceText, c.recent.seg.SourceText) >= MergeThreshold {
		c.recent.seg.SourceText = sourceText
		if targetText != "" {
			c.recent.seg.TargetText = targetText
		}
		c.recent.seg.SourceIsFinal = sourceIsFinal
		c.recent.seg.UpdatedAt = now
		return c.recent.seg
	}

	if c.oldest != nil {
		c.oldest.demotedAt = now
		c.fading = append(c.fading, c.oldest)
	}
	c.oldest = c.older
	c.older = c.recent

	c.recent = &entry{
		seg: domain.DisplaySegment{
			ID: uuid.NewString(), SourceText: sourceText, TargetText: targetText,
			SourceIsFinal: sourceIsFinal, CreatedAt: now, UpdatedAt: now, Slot: domain.SlotRecent,
		},
		admittedAt: now,
	}
	return c.recent.seg
}

// UpdateTranslation applies a late-arriving translation result to whichever
// slot currently holds segmentID (spec.md §4.7 point 3): "a segment may
// receive a translation update after admission". Returns false if the
// segment is no longer tracked (already aged out of fading).
func (c *Controller) UpdateTranslation(segmentID, targetText string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	for _, e := range c.allLocked() {
		if e.seg.ID == segmentID {
			e.seg.TargetText = targetText
			e.seg.UpdatedAt = now
			return true
		}
	}
	return false
}

// TickFade removes fading segments whose fade-out has completed and is past
// their minimum-display guarantee. Called periodically by the owning
// pipeline loop. Returns true if any segment was removed.
func (c *Controller) TickFade(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	var remaining []*entry
	changed := false
	for _, e := range c.fading {
		elapsedSinceAdmit := now.Sub(e.admittedAt)
		elapsedSinceDemote := now.Sub(e.demotedAt)
		if elapsedSinceDemote >= FadingRemoveAfter && elapsedSinceAdmit >= MinDisplayTime {
			changed = true
			continue
		}
		remaining = append(remaining, e)
	}
	c.fading = remaining
	return changed
}

func (c *Controller) allLocked() []*entry {
	var all []*entry
	if c.recent != nil {
		all = append(all, c.recent)
	}
	if c.older != nil {
		all = append(all, c.older)
	}
	if c.oldest != nil {
		all = append(all, c.oldest)
	}
	all = append(all, c.fading...)
	return all
}

// Snapshot returns the current 3-slot + fading state with opacity computed
// for the present moment (§4.7 opacity targets).
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	now := c.clock()
	snap := Snapshot{}
	if c.recent != nil {
		seg := c.recent.seg
		seg.Opacity = fadeInOpacity(now.Sub(c.recent.admittedAt), OpacityRecent)
		seg.Slot = domain.SlotRecent
		snap.Recent = &seg
	}
	if c.older != nil {
		seg := c.older.seg
		seg.Opacity = OpacityOlder
		seg.Slot = domain.SlotOlder
		snap.Older = &seg
	}
	if c.oldest != nil {
		seg := c.oldest.seg
		seg.Opacity = OpacityOldest
		seg.Slot = domain.SlotOldest
		snap.Oldest = &seg
	}
	for _, e := range c.fading {
		seg := e.seg
		seg.Opacity = fadeOutOpacity(now.Sub(e.demotedAt))
		seg.Slot = domain.SlotFading
		snap.Fading = append(snap.Fading, seg)
	}
	return snap
}

func fadeInOpacity(elapsed time.Duration, target float64) float64 {
	if elapsed >= FadeInDuration {
		return target
	}
	if elapsed <= 0 {
		return 0
	}
	return target * float64(elapsed) / float64(FadeInDuration)
}

func fadeOutOpacity(elapsed time.Duration) float64 {
	if elapsed >= FadeOutDuration {
		return 0
	}
	if elapsed <= 0 {
		return 1.0
	}
	return 1.0 - float64(elapsed)/float64(FadeOutDuration)
}
