package segment

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classbridge-ai/stream-interpreter/pkg/bus"
	"github.com/classbridge-ai/stream-interpreter/pkg/domain"
)

// sentenceTerminators is the trigger-(a) punctuation set from spec.md §4.3.
var sentenceTerminators = []rune{'.', '!', '?', '。', '！', '？'}

// DefaultMaxFragmentsPerSentence is trigger-(b)'s default (spec.md §4.3).
const DefaultMaxFragmentsPerSentence = 10

// DefaultSentenceIdleMs is trigger-(c)'s default (spec.md §4.3).
const DefaultSentenceIdleMs = 2000

// Combiner implements C3: it accumulates final Transcript Fragments and
// closes a Sentence on whichever trigger fires first — terminal punctuation,
// a fragment-count cap, or idle timeout. It is logically single-task
// (spec.md §5): callers must serialize Push/TickIdle/Flush, which is what
// pipeline.Pipeline's single reactive run loop does.
//
// Grounded on the teacher's accumulate-then-flush-or-reset shape in
// managed_stream.go's speechEndHold handling (managed_stream.go:301-322).
type Combiner struct {
	mu sync.Mutex

	bus          *bus.Bus
	registry     *Registry
	maxFragments int
	idleTimeout  time.Duration

	pending       []domain.Fragment
	lastFragment  time.Time
}

// NewCombiner creates a Combiner. maxFragments <= 0 and idleTimeout <= 0
// fall back to their spec.md defaults.
func NewCombiner(b *bus.Bus, reg *Registry, maxFragments int, idleTimeout time.Duration) *Combiner {
	if maxFragments <= 0 {
		maxFragments = DefaultMaxFragmentsPerSentence
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultSentenceIdleMs * time.Millisecond
	}
	return &Combiner{
		bus:          b,
		registry:     reg,
		maxFragments: maxFragments,
		idleTimeout:  idleTimeout,
	}
}

// Push admits a fragment. Interim (non-final) fragments are ignored
// entirely (spec.md §4.3). It returns the closed Sentence if this fragment
// triggered a close.
func (c *Combiner) Push(f domain.Fragment, correlationID string) *domain.Sentence {
	if !f.IsFinal {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = append(c.pending, f)
	c.lastFragment = f.ReceivedAt
	if c.lastFragment.IsZero() {
		c.lastFragment = time.Now()
	}

	if endsWithTerminator(f.Text) || len(c.pending) >= c.maxFragments {
		return c.closeLocked(correlationID)
	}
	return nil
}

// TickIdle closes the pending sentence if idleTimeout has elapsed since the
// last admitted fragment. Called periodically by the owning pipeline loop.
func (c *Combiner) TickIdle(now time.Time, correlationID string) *domain.Sentence {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return nil
	}
	if now.Sub(c.lastFragment) < c.idleTimeout {
		return nil
	}
	return c.closeLocked(correlationID)
}

// Flush force-closes any pending accumulator, used on pipeline stop
// (spec.md §4.3 "On pipeline stop").
func (c *Combiner) Flush(correlationID string) *domain.Sentence {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return nil
	}
	return c.closeLocked(correlationID)
}

func (c *Combiner) closeLocked(correlationID string) *domain.Sentence {
	fragments := c.pending
	c.pending = nil

	ids := make([]string, len(fragments))
	texts := make([]string, len(fragments))
	var confSum float64
	for i, f := range fragments {
		ids[i] = f.ID
		texts[i] = strings.TrimSpace(f.Text)
		confSum += f.Confidence
	}

	s := &domain.Sentence{
		ID:             uuid.NewString(),
		FragmentIDs:    ids,
		SourceText:     strings.Join(texts, " "),
		SourceLanguage: fragments[0].Language,
		StartTime:      fragments[0].ReceivedAt,
		EndTime:        fragments[len(fragments)-1].ReceivedAt,
		FragmentCount:  len(fragments),
		AvgConfidence:  confSum / float64(len(fragments)),
	}

	for _, id := range ids {
		c.registry.Bind(id, s.ID)
	}

	if c.bus != nil {
		c.bus.Publish(bus.KindSentence, *s, correlationID)
	}
	return s
}

func endsWithTerminator(text string) bool {
	trimmed := strings.TrimRightFunc(text, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' })
	if trimmed == "" {
		return false
	}
	last := []rune(trimmed)
	lastRune := last[len(last)-1]
	for _, t := range sentenceTerminators {
		if lastRune == t {
			return true
		}
	}
	return false
}
