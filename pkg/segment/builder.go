package segment

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classbridge-ai/stream-interpreter/pkg/bus"
	"github.com/classbridge-ai/stream-interpreter/pkg/domain"
)

// Defaults from spec.md §4.4.
const (
	DefaultMinParagraphMs  = 10000
	DefaultMaxParagraphMs  = 60000
	DefaultParagraphSilence = 2000
)

// Builder implements C4: it accumulates Sentences into a Paragraph, closing
// on whichever trigger fires first — max duration, or a silence gap once
// the minimum duration has been reached. Like Combiner, it is logically
// single-task; callers serialize Push/TickIdle/Flush.
type Builder struct {
	mu sync.Mutex

	bus      *bus.Bus
	registry *Registry
	minDur   time.Duration
	maxDur   time.Duration
	silence  time.Duration

	sentenceIDs []string
	texts       []string
	startTime   time.Time
	lastEnd     time.Time
}

// NewBuilder creates a Builder. Zero/negative durations fall back to
// spec.md defaults.
func NewBuilder(b *bus.Bus, reg *Registry, minDur, maxDur, silence time.Duration) *Builder {
	if minDur <= 0 {
		minDur = DefaultMinParagraphMs * time.Millisecond
	}
	if maxDur <= 0 {
		maxDur = DefaultMaxParagraphMs * time.Millisecond
	}
	if silence <= 0 {
		silence = DefaultParagraphSilence * time.Millisecond
	}
	return &Builder{bus: b, registry: reg, minDur: minDur, maxDur: maxDur, silence: silence}
}

// Push admits a sentence. It returns the closed Paragraph if the new
// sentence pushed accumulated duration past maxDur (trigger a).
func (p *Builder) Push(s domain.Sentence, correlationID string) *domain.Paragraph {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.sentenceIDs) == 0 {
		p.startTime = s.StartTime
	}
	p.sentenceIDs = append(p.sentenceIDs, s.ID)
	p.texts = append(p.texts, strings.TrimSpace(s.SourceText))
	p.lastEnd = s.EndTime

	if p.lastEnd.Sub(p.startTime) >= p.maxDur {
		return p.closeLocked(correlationID)
	}
	return nil
}

// TickIdle closes the pending paragraph if the silence gap since the last
// sentence exceeds the configured threshold AND the minimum paragraph
// duration has already been reached (trigger b).
func (p *Builder) TickIdle(now time.Time, correlationID string) *domain.Paragraph {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.sentenceIDs) == 0 {
		return nil
	}
	if now.Sub(p.lastEnd) < p.silence {
		return nil
	}
	if p.lastEnd.Sub(p.startTime) < p.minDur {
		return nil
	}
	return p.closeLocked(correlationID)
}

// Flush force-closes the pending paragraph on session stop (trigger c).
func (p *Builder) Flush(correlationID string) *domain.Paragraph {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.sentenceIDs) == 0 {
		return nil
	}
	return p.closeLocked(correlationID)
}

func (p *Builder) closeLocked(correlationID string) *domain.Paragraph {
	sourceText := strings.Join(p.texts, " ")
	para := &domain.Paragraph{
		ID:          uuid.NewString(),
		SentenceIDs: p.sentenceIDs,
		SourceText:  sourceText,
		StartTime:   p.startTime,
		EndTime:     p.lastEnd,
		Duration:    p.lastEnd.Sub(p.startTime),
		WordCount:   len(strings.Fields(sourceText)),
	}

	for _, id := range p.sentenceIDs {
		p.registry.Bind(id, para.ID)
	}

	p.sentenceIDs = nil
	p.texts = nil
	p.startTime = time.Time{}
	p.lastEnd = time.Time{}

	if p.bus != nil {
		p.bus.Publish(bus.KindParagraph, *para, correlationID)
	}
	return para
}
