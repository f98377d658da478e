package coalesce

import (
	"testing"
	"time"

	"github.com/classbridge-ai/stream-interpreter/pkg/bus"
)

func TestDebounceEmitsAfterQuietPeriod(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	b := bus.New(nil)
	ch, unsub := b.Subscribe()
	defer unsub()

	c := NewCoalescer(b, 100*time.Millisecond, time.Hour, clock)
	c.Push("s1", bus.KindDisplayUpdate, "v1", "v1", "")

	c.TickIdle(now.Add(50 * time.Millisecond))
	select {
	case <-ch:
		t.Fatal("expected no emission before debounce elapses")
	default:
	}

	c.TickIdle(now.Add(150 * time.Millisecond))
	select {
	case ev := <-ch:
		if ev.Payload != "v1" {
			t.Fatalf("expected v1, got %v", ev.Payload)
		}
	default:
		t.Fatal("expected emission once debounce elapses")
	}
}

func TestForceCommitUnderContinuousInput(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	b := bus.New(nil)
	ch, unsub := b.Subscribe()
	defer unsub()

	c := NewCoalescer(b, 50*time.Millisecond, 150*time.Millisecond, clock)
	c.Push("s1", bus.KindDisplayUpdate, "v0", "Hello world", "")

	// Keep refreshing the pending value every 30ms (< debounce), so
	// debounce's lastAt never goes stale enough to fire on its own — but
	// force-commit is anchored to the stream's first pending input and must
	// still trip once 150ms have elapsed since then.
	for i := 1; i <= 5; i++ {
		now = now.Add(30 * time.Millisecond)
		c.Push("s1", bus.KindDisplayUpdate, i, "A distinct unrelated phrase", "")
		c.TickIdle(now)
	}

	select {
	case <-ch:
	default:
		t.Fatal("expected force-commit emission under continuous input")
	}
}

func TestCollapseDoesNotExtendForceCommitWindow(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	b := bus.New(nil)
	ch, unsub := b.Subscribe()
	defer unsub()

	c := NewCoalescer(b, 50*time.Millisecond, 150*time.Millisecond, clock)
	c.Push("s1", bus.KindDisplayUpdate, "Hello world", "Hello world", "")

	// Repeatedly push a near-duplicate every 30ms — each collapses, which
	// keeps refreshing the debounce clock (lastAt) but must NOT push back
	// the force-commit deadline anchored at t=0.
	for i := 1; i <= 4; i++ {
		now = now.Add(30 * time.Millisecond)
		c.Push("s1", bus.KindDisplayUpdate, "Hello world", "Hello world", "")
		c.TickIdle(now)
	}

	now = now.Add(30 * time.Millisecond) // total 150ms since first push
	c.TickIdle(now)
	select {
	case ev := <-ch:
		if ev.Payload != "Hello world" {
			t.Fatalf("expected collapsed value, got %v", ev.Payload)
		}
	default:
		t.Fatal("expected force-commit to fire despite repeated collapsing")
	}
}

func TestFlushEmitsImmediately(t *testing.T) {
	b := bus.New(nil)
	ch, unsub := b.Subscribe()
	defer unsub()

	c := NewCoalescer(b, time.Hour, time.Hour, nil)
	c.Push("s1", bus.KindDisplayUpdate, "v1", "v1", "")
	c.Flush()

	select {
	case ev := <-ch:
		if ev.Payload != "v1" {
			t.Fatalf("expected v1, got %v", ev.Payload)
		}
	default:
		t.Fatal("expected Flush to emit immediately")
	}
}
