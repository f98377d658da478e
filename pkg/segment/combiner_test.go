package segment

import (
	"testing"
	"time"

	"github.com/classbridge-ai/stream-interpreter/pkg/bus"
	"github.com/classbridge-ai/stream-interpreter/pkg/domain"
)

func TestCombinerSingleFragmentWithTerminator(t *testing.T) {
	b := bus.New(nil)
	reg := NewRegistry()
	c := NewCombiner(b, reg, 0, 0)

	f := domain.Fragment{ID: "f1", Text: "Hello world.", IsFinal: true, Confidence: 0.9, ReceivedAt: time.Now()}
	s := c.Push(f, "corr-1")

	if s == nil {
		t.Fatal("expected a sentence to be closed on terminal punctuation")
	}
	if s.SourceText != "Hello world." {
		t.Fatalf("expected %q, got %q", "Hello world.", s.SourceText)
	}
	if len(s.FragmentIDs) != 1 || s.FragmentIDs[0] != "f1" {
		t.Fatalf("expected fragment_ids [f1], got %v", s.FragmentIDs)
	}
	if parent, ok := reg.Resolve("f1"); !ok || parent != s.ID {
		t.Fatalf("expected registry to bind f1 -> %s, got %q (ok=%v)", s.ID, parent, ok)
	}
}

func TestCombinerIgnoresInterimFragments(t *testing.T) {
	c := NewCombiner(bus.New(nil), NewRegistry(), 0, 0)
	interim := domain.Fragment{ID: "i1", Text: "Hello", IsFinal: false}
	if s := c.Push(interim, ""); s != nil {
		t.Fatal("expected interim fragment to be ignored")
	}
}

func TestCombinerMaxFragmentsTrigger(t *testing.T) {
	c := NewCombiner(bus.New(nil), NewRegistry(), 3, time.Hour)

	var last *domain.Sentence
	now := time.Now()
	for i := 0; i < 3; i++ {
		last = c.Push(domain.Fragment{ID: string(rune('a' + i)), Text: "word", IsFinal: true, ReceivedAt: now}, "")
	}
	if last == nil {
		t.Fatal("expected sentence to close once max fragment count is reached")
	}
	if last.FragmentCount != 3 {
		t.Fatalf("expected 3 fragments, got %d", last.FragmentCount)
	}
}

func TestCombinerIdleTimeout(t *testing.T) {
	c := NewCombiner(bus.New(nil), NewRegistry(), 0, 100*time.Millisecond)

	start := time.Now()
	if s := c.Push(domain.Fragment{ID: "f1", Text: "no terminator yet", IsFinal: true, ReceivedAt: start}, ""); s != nil {
		t.Fatal("expected no sentence before idle timeout")
	}

	if s := c.TickIdle(start.Add(50*time.Millisecond), ""); s != nil {
		t.Fatal("expected no sentence before idle threshold elapses")
	}

	s := c.TickIdle(start.Add(150*time.Millisecond), "")
	if s == nil {
		t.Fatal("expected idle timeout to force-close the sentence")
	}
}

func TestCombinerFlushOnStop(t *testing.T) {
	c := NewCombiner(bus.New(nil), NewRegistry(), 0, time.Hour)
	c.Push(domain.Fragment{ID: "f1", Text: "pending", IsFinal: true, ReceivedAt: time.Now()}, "")

	s := c.Flush("")
	if s == nil {
		t.Fatal("expected Flush to close the pending sentence")
	}
	if c.Flush("") != nil {
		t.Fatal("expected second Flush on empty accumulator to return nil")
	}
}

func TestCombinerEmitsOnBus(t *testing.T) {
	b := bus.New(nil)
	ch, unsub := b.Subscribe()
	defer unsub()

	c := NewCombiner(b, NewRegistry(), 0, 0)
	c.Push(domain.Fragment{ID: "f1", Text: "Done.", IsFinal: true, ReceivedAt: time.Now()}, "corr-9")

	select {
	case ev := <-ch:
		if ev.Kind != bus.KindSentence {
			t.Fatalf("expected sentence event, got %q", ev.Kind)
		}
		if ev.CorrelationID != "corr-9" {
			t.Fatalf("expected correlation id propagated, got %q", ev.CorrelationID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sentence event")
	}
}
