// Package pipeline implements the Pipeline Orchestrator (C10): the explicit
// lifecycle state machine that wires C2-C9 through the Event Bus and is the
// only component authorized to drive state transitions (spec.md §3, §4.10).
// Grounded on the teacher's pkg/orchestrator/orchestrator.go (a
// provider-holding struct with Config/NewWithLogger) and ManagedStream's
// cancel-first, closeOnce shutdown idiom.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/classbridge-ai/stream-interpreter/pkg/asr"
	"github.com/classbridge-ai/stream-interpreter/pkg/audio"
	"github.com/classbridge-ai/stream-interpreter/pkg/bus"
	"github.com/classbridge-ai/stream-interpreter/pkg/coalesce"
	"github.com/classbridge-ai/stream-interpreter/pkg/display"
	"github.com/classbridge-ai/stream-interpreter/pkg/domain"
	"github.com/classbridge-ai/stream-interpreter/pkg/segment"
	"github.com/classbridge-ai/stream-interpreter/pkg/translate"
)

// DefaultStopGrace is the drain window given to in-flight translation
// requests on a graceful stop (spec.md §4.10).
const DefaultStopGrace = 5 * time.Second

const tickInterval = 100 * time.Millisecond

// Config bundles every sub-component's tunables, each defaulted by its own
// constructor when zero.
type Config struct {
	SourceLanguage       domain.Language
	TargetLanguage       domain.Language
	ASR                  asr.Config
	ASRDialer            asr.Dialer
	Translator           translate.Translator
	ParagraphTranslator  translate.Translator // defaults to Translator if nil (§4.6 "strong model" for high quality tier)
	CombinerMaxFragments int
	CombinerIdleTimeout  time.Duration
	BuilderMinDuration   time.Duration
	BuilderMaxDuration   time.Duration
	BuilderSilence       time.Duration
	QueueConcurrency     int
	QueueItemTimeout     time.Duration
	QueueStarvation      time.Duration
	DebounceMs           time.Duration
	ForceCommitMs        time.Duration
	StopGrace            time.Duration
}

// Pipeline is C10. It owns the active PipelineState and the set of live
// component instances (spec.md §3 Ownership); it never hands out direct
// references to them.
type Pipeline struct {
	mu sync.Mutex

	bus    *bus.Bus
	cfg    Config
	logger domain.Logger

	state domain.PipelineState

	session   *asr.Session
	combiner  *segment.Combiner
	builder   *segment.Builder
	registry  *segment.Registry
	queue     *translate.Queue
	paraQueue *translate.Queue
	display   *display.Controller
	coalescer *coalesce.Coalescer

	cancel    context.CancelFunc
	loopDone  chan struct{}
	audioGate bool
	audioBuf  *audio.Buffer

	// segmentByUnit maps a sentence or paragraph id to the display segment it
	// was admitted into, so a later-arriving TranslationResult (keyed by the
	// same SourceUnitID) knows which slot to update (spec.md §4.9). Touched
	// only from the single run loop goroutine, or from Stop after that loop
	// has exited — never concurrently.
	segmentByUnit map[string]string
}

// New constructs a Pipeline wired from cfg but does not start anything
// (spec.md §4.10: transitions happen only on command).
func New(b *bus.Bus, cfg Config, logger domain.Logger) *Pipeline {
	if logger == nil {
		logger = domain.NoOpLogger{}
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.ParagraphTranslator == nil {
		cfg.ParagraphTranslator = cfg.Translator
	}

	registry := segment.NewRegistry()
	return &Pipeline{
		bus:           b,
		cfg:           cfg,
		logger:        logger,
		state:         domain.StateIdle,
		registry:      registry,
		segmentByUnit: make(map[string]string),
		audioBuf:      audio.NewBuffer(0),
		combiner:      segment.NewCombiner(b, registry, cfg.CombinerMaxFragments, cfg.CombinerIdleTimeout),
		builder:       segment.NewBuilder(b, registry, cfg.BuilderMinDuration, cfg.BuilderMaxDuration, cfg.BuilderSilence),
		queue:         translate.NewQueue(b, cfg.Translator, cfg.QueueConcurrency, cfg.QueueItemTimeout, cfg.QueueStarvation, nil),
		paraQueue:     translate.NewQueue(b, cfg.ParagraphTranslator, cfg.QueueConcurrency, cfg.QueueItemTimeout, cfg.QueueStarvation, nil),
		display:       display.NewController(nil),
		coalescer:     coalesce.NewCoalescer(b, cfg.DebounceMs, cfg.ForceCommitMs, nil),
	}
}

func (p *Pipeline) State() domain.PipelineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) transition(from []domain.PipelineState, to domain.PipelineState, correlationID string) error {
	p.mu.Lock()
	ok := false
	for _, f := range from {
		if p.state == f {
			ok = true
			break
		}
	}
	if !ok {
		current := p.state
		p.mu.Unlock()
		err := fmt.Errorf("invalid transition from %s to %s", current, to)
		if p.bus != nil {
			p.bus.Publish(bus.KindError, bus.ErrorPayload{
				Code: bus.ErrCodeInvalidTransition, Message: err.Error(), CorrelationID: correlationID,
			}, correlationID)
		}
		return err
	}
	p.state = to
	p.mu.Unlock()

	if p.bus != nil {
		p.bus.Publish(bus.KindStatus, bus.StatusPayload{State: string(to)}, correlationID)
	}
	return nil
}

// Start issues the `start` command (idle -> starting -> listening).
func (p *Pipeline) Start(ctx context.Context, correlationID string) error {
	if err := p.transition([]domain.PipelineState{domain.StateIdle}, domain.StateStarting, correlationID); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.session = asr.NewSession(p.bus, p.cfg.ASR, p.cfg.ASRDialer, nil, p.logger)
	p.audioGate = true
	p.loopDone = make(chan struct{})
	p.mu.Unlock()

	if err := p.session.Start(runCtx, correlationID); err != nil {
		p.transitionToError(err, correlationID)
		return err
	}

	sub, unsub := p.bus.Subscribe()
	go p.run(runCtx, sub, unsub)

	return p.transition([]domain.PipelineState{domain.StateStarting}, domain.StateListening, correlationID)
}

func (p *Pipeline) transitionToError(err error, correlationID string) {
	p.mu.Lock()
	p.state = domain.StateError
	p.mu.Unlock()
	if p.bus != nil {
		p.bus.Publish(bus.KindError, bus.ErrorPayload{
			Code: bus.ErrCodeInternal, Message: err.Error(), Fatal: true, CorrelationID: correlationID,
		}, correlationID)
	}
}

// Pause issues the `pause` command: C2 holds its connection but the
// pipeline stops forwarding audio frames (spec.md §4.10).
func (p *Pipeline) Pause(correlationID string) error {
	if err := p.transition([]domain.PipelineState{domain.StateListening}, domain.StatePaused, correlationID); err != nil {
		return err
	}
	p.mu.Lock()
	p.audioGate = false
	p.mu.Unlock()
	return nil
}

// Resume issues the `resume` command.
func (p *Pipeline) Resume(correlationID string) error {
	if err := p.transition([]domain.PipelineState{domain.StatePaused}, domain.StateListening, correlationID); err != nil {
		return err
	}
	p.mu.Lock()
	p.audioGate = true
	p.mu.Unlock()
	return nil
}

// SendAudio admits a capture-callback chunk (any length) into the frame
// accumulator, gated by the current state (no-op while paused/stopped, per
// spec.md §4.10), and forwards every complete 20ms frame it yields to the
// ASR session. A chunk that overflows the accumulator's high-water mark
// drops its oldest buffered bytes and reports AUDIO_BACKPRESSURE_DROP
// rather than blocking the capture device (spec.md §5).
func (p *Pipeline) SendAudio(ctx context.Context, chunk []byte) error {
	p.mu.Lock()
	gate := p.audioGate
	session := p.session
	var frames [][]byte
	if gate && session != nil {
		if dropped := p.audioBuf.Write(chunk); dropped > 0 {
			p.bus.Publish(bus.KindError, bus.ErrorPayload{
				Code:        bus.ErrCodeAudioBackpressure,
				Message:     fmt.Sprintf("dropped %d bytes of buffered audio under backpressure", dropped),
				Recoverable: true,
			}, "")
		}
		for {
			f := p.audioBuf.TakeFrame(audio.FrameBytes)
			if f == nil {
				break
			}
			frames = append(frames, f)
		}
	}
	p.mu.Unlock()

	if !gate || session == nil {
		return nil
	}
	for _, f := range frames {
		if err := audio.ValidateFrame(f); err != nil {
			return err
		}
		if err := session.Send(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// TranslateUserText services the `translate_user_text` command: a
// user-initiated ad-hoc translation at high priority, realtime quality
// (spec.md §4.5 priority assignment policy).
func (p *Pipeline) TranslateUserText(sourceText string, sourceLang, targetLang domain.Language, correlationID string) string {
	return p.queue.Enqueue(domain.TranslationRequest{
		RequestID: requestID(), SourceUnitID: requestID(), SourceText: sourceText,
		SourceLanguage: sourceLang, TargetLanguage: targetLang,
		Priority: domain.PriorityHigh, QualityTier: domain.QualityRealtime, CorrelationID: correlationID,
	})
}

// Stop issues the `stop` command: listening|paused -> stopping -> idle,
// draining C5 and flushing pending units (spec.md §4.10).
func (p *Pipeline) Stop(ctx context.Context, correlationID string) error {
	if err := p.transition([]domain.PipelineState{domain.StateListening, domain.StatePaused}, domain.StateStopping, correlationID); err != nil {
		return err
	}

	p.mu.Lock()
	session := p.session
	cancel := p.cancel
	loopDone := p.loopDone
	p.audioGate = false
	p.mu.Unlock()

	// Cancel the run loop (and the ASR session's derived context) first, so
	// everything below runs single-threaded against the now-idle components
	// instead of racing the loop's own TickIdle calls.
	if cancel != nil {
		cancel()
	}
	if loopDone != nil {
		<-loopDone
	}

	if s := p.combiner.Flush(correlationID); s != nil {
		p.onSentenceClosed(*s, correlationID)
	}
	if para := p.builder.Flush(correlationID); para != nil {
		p.enqueueParagraph(*para, correlationID)
	}
	p.coalescer.Flush()

	drainCtx, drainCancel := context.WithTimeout(ctx, p.cfg.StopGrace)
	defer drainCancel()
	_ = p.queue.Drain(drainCtx)
	_ = p.paraQueue.Drain(drainCtx)

	if session != nil {
		session.Stop()
	}

	p.registry.Clear()
	p.segmentByUnit = make(map[string]string)
	p.audioBuf.Reset()

	return p.transition([]domain.PipelineState{domain.StateStopping}, domain.StateIdle, correlationID)
}

func (p *Pipeline) enqueueParagraph(para domain.Paragraph, correlationID string) {
	// A paragraph-level refinement updates whichever display segment its
	// last sentence landed in, rather than claiming a slot of its own.
	if len(para.SentenceIDs) > 0 {
		if segID, ok := p.segmentByUnit[para.SentenceIDs[len(para.SentenceIDs)-1]]; ok {
			p.segmentByUnit[para.ID] = segID
		}
	}
	p.paraQueue.Enqueue(domain.TranslationRequest{
		RequestID: para.ID, SourceUnitID: para.ID, SourceText: para.SourceText,
		SourceLanguage: p.cfg.SourceLanguage, TargetLanguage: p.cfg.TargetLanguage,
		Priority: domain.PriorityLow, QualityTier: domain.QualityHigh, CorrelationID: correlationID,
	})
}

// run is the single reactive loop driving every logically single-task
// component (Combiner/Builder/Coalescer per spec.md §5): it owns the only
// calls into their Push/TickIdle methods, so no external synchronization
// between them is needed beyond each component's own mutex.
func (p *Pipeline) run(ctx context.Context, sub <-chan bus.Event, unsub func()) {
	defer unsub()
	defer close(p.loopDone)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub:
			p.handleEvent(ev)
		case now := <-ticker.C:
			p.tick(now)
		}
	}
}

func (p *Pipeline) handleEvent(ev bus.Event) {
	switch ev.Kind {
	case bus.KindFragment:
		frag, ok := ev.Payload.(domain.Fragment)
		if !ok {
			return
		}
		seg := p.display.Admit(frag.Text, "", frag.IsFinal)
		p.segmentByUnit[frag.ID] = seg.ID
		p.publishDisplay(ev.CorrelationID)
		if s := p.combiner.Push(frag, ev.CorrelationID); s != nil {
			p.onSentenceClosed(*s, ev.CorrelationID)
		}
	case bus.KindSentence:
		// Emitted by combiner itself; the builder already received this
		// sentence through onSentenceClosed, called in this loop with the
		// combiner's return value, so the bus echo is ignored.
	case bus.KindTranslationDelta:
		delta, ok := ev.Payload.(domain.TranslationDelta)
		if !ok {
			return
		}
		p.coalescer.Push("delta:"+delta.RequestID, bus.KindTranslationDelta, delta, delta.Text, ev.CorrelationID)
	case bus.KindTranslationComplete:
		result, ok := ev.Payload.(domain.TranslationResult)
		if !ok {
			return
		}
		p.coalescer.Push("translation:"+result.SourceUnitID, bus.KindTranslationComplete, result, result.TargetText, ev.CorrelationID)
		if segID, ok := p.segmentByUnit[result.SourceUnitID]; ok {
			if p.display.UpdateTranslation(segID, result.TargetText) {
				p.publishDisplay(ev.CorrelationID)
			}
		}
	}
}

// publishDisplay routes the controller's current snapshot through the
// Stream Coalescer rather than publishing display_update directly, so
// fragment-rate admissions (many per second) get the same debounce/
// force-commit gating as every other coalesced stream (spec.md §4.7, §4.8).
// handleEvent deliberately has no case for bus.KindDisplayUpdate: the
// coalescer's own re-publish of that kind must not be fed back into Admit.
func (p *Pipeline) publishDisplay(correlationID string) {
	p.coalescer.Push("display", bus.KindDisplayUpdate, p.display.Snapshot(), "", correlationID)
}

func (p *Pipeline) onSentenceClosed(s domain.Sentence, correlationID string) {
	// The sentence's final text re-admits into display, merging (via
	// similarity) into the same segment its own fragments already occupy;
	// this is the segment a later translation result updates.
	seg := p.display.Admit(s.SourceText, "", true)
	p.segmentByUnit[s.ID] = seg.ID
	p.publishDisplay(correlationID)

	p.queue.Enqueue(domain.TranslationRequest{
		RequestID: s.ID, SourceUnitID: s.ID, SourceText: s.SourceText,
		SourceLanguage: s.SourceLanguage, TargetLanguage: p.cfg.TargetLanguage,
		Priority: domain.PriorityNormal, QualityTier: domain.QualityRealtime, CorrelationID: correlationID,
	})
	if para := p.builder.Push(s, correlationID); para != nil {
		p.enqueueParagraph(*para, correlationID)
	}
}

func (p *Pipeline) tick(now time.Time) {
	if s := p.combiner.TickIdle(now, ""); s != nil {
		p.onSentenceClosed(*s, "")
	}
	if para := p.builder.TickIdle(now, ""); para != nil {
		p.enqueueParagraph(*para, "")
	}
	p.coalescer.TickIdle(now)
	if p.display.TickFade(now) {
		p.publishDisplay("")
	}
	p.queue.PromoteStarved()
	p.paraQueue.PromoteStarved()
}

var requestSeq uint64
var requestSeqMu sync.Mutex

func requestID() string {
	requestSeqMu.Lock()
	requestSeq++
	n := requestSeq
	requestSeqMu.Unlock()
	return fmt.Sprintf("adhoc-%d", n)
}
