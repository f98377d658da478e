package translate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/classbridge-ai/stream-interpreter/pkg/bus"
	"github.com/classbridge-ai/stream-interpreter/pkg/domain"
)

// stubTranslator is a hand-rolled fake, matching the teacher's no-testify
// test style (e.g. anthropic_test.go's httptest-based fakes).
type stubTranslator struct {
	mu        sync.Mutex
	delay     time.Duration
	delayOnce bool
	fail      error
	failOnce  bool
	calls     int32
}

func (s *stubTranslator) Name() string { return "stub" }

func (s *stubTranslator) Translate(ctx context.Context, sourceText string, sourceLang, targetLang domain.Language) (string, error) {
	atomic.AddInt32(&s.calls, 1)

	s.mu.Lock()
	fail := s.fail
	if s.failOnce {
		s.fail = nil
	}
	delay := s.delay
	if s.delayOnce {
		s.delay = 0
	}
	s.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		}
	}
	if fail != nil {
		return "", fail
	}
	return "translated:" + sourceText, nil
}

// stubStreamingTranslator is a hand-rolled StreamingTranslator fake that
// replays a fixed sequence of deltas before returning the joined result.
type stubStreamingTranslator struct {
	deltas []string
	calls  int32
}

func (s *stubStreamingTranslator) Name() string { return "stub-stream" }

func (s *stubStreamingTranslator) Translate(ctx context.Context, sourceText string, sourceLang, targetLang domain.Language) (string, error) {
	return s.TranslateStream(ctx, sourceText, sourceLang, targetLang, nil)
}

func (s *stubStreamingTranslator) TranslateStream(ctx context.Context, sourceText string, sourceLang, targetLang domain.Language, onDelta func(string)) (string, error) {
	atomic.AddInt32(&s.calls, 1)
	var full string
	for _, d := range s.deltas {
		full += d
		if onDelta != nil {
			onDelta(d)
		}
	}
	return full, nil
}

func newTestQueue(tr Translator, concurrency int) (*Queue, *bus.Bus) {
	b := bus.New(nil)
	q := NewQueue(b, tr, concurrency, 100*time.Millisecond, time.Hour, nil)
	return q, b
}

func TestQueueSameLanguageShortCircuit(t *testing.T) {
	stub := &stubTranslator{}
	q, b := newTestQueue(stub, 3)
	ch, unsub := b.Subscribe()
	defer unsub()

	q.Enqueue(domain.TranslationRequest{
		RequestID: "r1", SourceUnitID: "u1", SourceText: "Test",
		SourceLanguage: "en", TargetLanguage: "en", Priority: domain.PriorityNormal,
	})

	select {
	case ev := <-ch:
		result := ev.Payload.(domain.TranslationResult)
		if result.TargetText != "Test" || result.FirstPaintMs != 0 || result.CompleteMs != 0 {
			t.Fatalf("unexpected short-circuit result: %+v", result)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
	if atomic.LoadInt32(&stub.calls) != 0 {
		t.Fatal("expected no outbound translator call for same-language request")
	}
}

func TestQueueIdempotentEnqueue(t *testing.T) {
	stub := &stubTranslator{}
	q, b := newTestQueue(stub, 3)
	ch, unsub := b.Subscribe()
	defer unsub()

	req := domain.TranslationRequest{RequestID: "r1", SourceUnitID: "u1", SourceText: "Hi", SourceLanguage: "en", TargetLanguage: "fr", Priority: domain.PriorityNormal}
	q.Enqueue(req)
	q.Enqueue(req)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first result")
	}
	select {
	case ev := <-ch:
		t.Fatalf("expected no second result, got %v", ev)
	case <-time.After(200 * time.Millisecond):
	}
	if atomic.LoadInt32(&stub.calls) != 1 {
		t.Fatalf("expected exactly 1 translator call, got %d", stub.calls)
	}
}

func TestQueueConcurrencyCap(t *testing.T) {
	stub := &stubTranslator{delay: 150 * time.Millisecond}
	q, b := newTestQueue(stub, 2)
	ch, unsub := b.Subscribe()
	defer unsub()

	q.itemTimeout = time.Second
	for i := 0; i < 4; i++ {
		q.Enqueue(domain.TranslationRequest{
			RequestID: string(rune('a' + i)), SourceUnitID: string(rune('a' + i)),
			SourceText: "x", SourceLanguage: "en", TargetLanguage: "fr", Priority: domain.PriorityNormal,
		})
	}

	received := 0
	deadline := time.After(2 * time.Second)
	for received < 4 {
		select {
		case <-ch:
			received++
		case <-deadline:
			t.Fatalf("timed out, received %d/4", received)
		}
	}
}

func TestQueueCancelPending(t *testing.T) {
	stub := &stubTranslator{delay: 500 * time.Millisecond}
	q, _ := newTestQueue(stub, 1)

	q.Enqueue(domain.TranslationRequest{RequestID: "r1", SourceUnitID: "u1", SourceText: "x", SourceLanguage: "en", TargetLanguage: "fr", Priority: domain.PriorityNormal})
	ok := q.Cancel("r2")
	if ok {
		t.Fatal("expected cancelling unknown id to return false")
	}

	q.Enqueue(domain.TranslationRequest{RequestID: "r2", SourceUnitID: "u2", SourceText: "y", SourceLanguage: "en", TargetLanguage: "fr", Priority: domain.PriorityNormal})
	if !q.Cancel("r2") {
		t.Fatal("expected cancelling pending r2 to succeed")
	}
}

func TestQueueRetryOnTransientFailure(t *testing.T) {
	stub := &stubTranslator{fail: &ProviderError{StatusCode: 503}, failOnce: true}
	q, b := newTestQueue(stub, 1)
	ch, unsub := b.Subscribe()
	defer unsub()

	q.Enqueue(domain.TranslationRequest{RequestID: "r1", SourceUnitID: "u1", SourceText: "x", SourceLanguage: "en", TargetLanguage: "fr", Priority: domain.PriorityNormal})

	select {
	case ev := <-ch:
		if ev.Kind != bus.KindTranslationComplete {
			t.Fatalf("expected eventual success after retry, got %s", ev.Kind)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for retried result")
	}
	if atomic.LoadInt32(&stub.calls) != 2 {
		t.Fatalf("expected 2 calls (1 fail + 1 retry), got %d", stub.calls)
	}
}

func TestQueuePublishesInterimTimeoutBeforeRetrySucceeds(t *testing.T) {
	// itemTimeout from newTestQueue is 100ms: the first attempt's 200ms
	// delay times out, the retried attempt (delay cleared) succeeds.
	stub := &stubTranslator{delay: 200 * time.Millisecond, delayOnce: true}
	q, b := newTestQueue(stub, 1)
	ch, unsub := b.Subscribe()
	defer unsub()

	q.Enqueue(domain.TranslationRequest{RequestID: "r1", SourceUnitID: "u1", SourceText: "x", SourceLanguage: "en", TargetLanguage: "fr", Priority: domain.PriorityNormal})

	sawTimeout := false
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			switch ev.Kind {
			case bus.KindError:
				payload := ev.Payload.(bus.ErrorPayload)
				if payload.Code == bus.ErrCodeTranslationTimeout {
					sawTimeout = true
				}
			case bus.KindTranslationComplete:
				if !sawTimeout {
					t.Fatal("expected an interim TRANSLATION_TIMEOUT error before the eventual success")
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for timeout-then-success sequence")
		}
	}
}

func TestQueuePublishesTranslationDeltasForRealtimeTier(t *testing.T) {
	stub := &stubStreamingTranslator{deltas: []string{"Bon", "jour", " !"}}
	q, b := newTestQueue(stub, 1)
	ch, unsub := b.Subscribe()
	defer unsub()

	q.Enqueue(domain.TranslationRequest{
		RequestID: "r1", SourceUnitID: "u1", SourceText: "Hi there",
		SourceLanguage: "en", TargetLanguage: "fr", Priority: domain.PriorityNormal,
		QualityTier: domain.QualityRealtime,
	})

	var deltas []string
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			switch ev.Kind {
			case bus.KindTranslationDelta:
				d := ev.Payload.(domain.TranslationDelta)
				if d.RequestID != "r1" {
					t.Fatalf("unexpected delta request id: %+v", d)
				}
				deltas = append(deltas, d.Text)
			case bus.KindTranslationComplete:
				if len(deltas) != 3 {
					t.Fatalf("expected 3 deltas before completion, got %d: %v", len(deltas), deltas)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for deltas and completion")
		}
	}
}

func TestQueueNonRetryableFailsImmediately(t *testing.T) {
	stub := &stubTranslator{fail: errors.New("boom")}
	q, b := newTestQueue(stub, 1)
	ch, unsub := b.Subscribe()
	defer unsub()

	q.Enqueue(domain.TranslationRequest{RequestID: "r1", SourceUnitID: "u1", SourceText: "x", SourceLanguage: "en", TargetLanguage: "fr", Priority: domain.PriorityNormal})

	select {
	case ev := <-ch:
		if ev.Kind != bus.KindError {
			t.Fatalf("expected error event, got %s", ev.Kind)
		}
		payload := ev.Payload.(bus.ErrorPayload)
		if payload.Code != bus.ErrCodeTranslationFailed || payload.Recoverable {
			t.Fatalf("unexpected error payload: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error event")
	}
	if atomic.LoadInt32(&stub.calls) != 1 {
		t.Fatalf("expected exactly 1 call for a non-retryable failure, got %d", stub.calls)
	}
}
