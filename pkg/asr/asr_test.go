package asr

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/classbridge-ai/stream-interpreter/pkg/bus"
	"github.com/classbridge-ai/stream-interpreter/pkg/domain"
)

func TestBuildURLNativeLanguage(t *testing.T) {
	cfg := Config{
		Host: "example.test", Model: "nova-2", SourceLanguage: "es",
		SupportsLanguage: func(l domain.Language) bool { return l == "es" },
	}
	raw, err := BuildURL(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(raw, "language=es") {
		t.Fatalf("expected language=es in url, got %s", raw)
	}
}

func TestBuildURLFallsBackToMultilingual(t *testing.T) {
	cfg := Config{
		Host: "example.test", Model: "nova-2", SourceLanguage: "xx",
		SupportsLanguage: func(domain.Language) bool { return false }, MultilingualToken: "multi",
	}
	raw, err := BuildURL(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(raw, "language=multi") {
		t.Fatalf("expected multilingual fallback, got %s", raw)
	}
}

func TestBuildURLUnsupportedLanguage(t *testing.T) {
	cfg := Config{SourceLanguage: "xx", SupportsLanguage: func(domain.Language) bool { return false }}
	if _, err := BuildURL(cfg); err != ErrUnsupportedLanguage {
		t.Fatalf("expected ErrUnsupportedLanguage, got %v", err)
	}
}

// fakeConn is a hand-rolled Conn fake (no real socket), following the
// teacher's httptest-fake style for HTTP but adapted to the narrower Conn
// interface this package defines for websocket interaction.
type fakeConn struct {
	mu       sync.Mutex
	inbound  [][]byte
	idx      int
	closed   bool
	writes   [][]byte
	readErr  error
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idx < len(c.inbound) {
		msg := c.inbound[c.idx]
		c.idx++
		return websocket.MessageText, msg, nil
	}
	if c.readErr != nil {
		return 0, nil, c.readErr
	}
	<-ctx.Done()
	return 0, nil, ctx.Err()
}

func (c *fakeConn) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestSessionEmitsFragmentFromProviderMessage(t *testing.T) {
	b := bus.New(nil)
	ch, unsub := b.Subscribe()
	defer unsub()

	msg, _ := json.Marshal(map[string]interface{}{
		"type":     "Results",
		"is_final": true,
		"channel": map[string]interface{}{
			"alternatives": []map[string]interface{}{
				{"transcript": "Hello world.", "confidence": 0.95},
			},
		},
	})
	conn := &fakeConn{inbound: [][]byte{msg}}

	s := NewSession(b, Config{
		Host: "example.test", Model: "nova-2", SourceLanguage: "en",
		SupportsLanguage: func(domain.Language) bool { return true },
	}, func(ctx context.Context, rawURL string) (Conn, error) { return conn, nil }, nil, nil)

	if err := s.Start(context.Background(), "corr-1"); err != nil {
		t.Fatalf("unexpected error starting session: %v", err)
	}
	defer s.Stop()

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == bus.KindFragment {
				frag := ev.Payload.(domain.Fragment)
				if frag.Text != "Hello world." || !frag.IsFinal {
					t.Fatalf("unexpected fragment: %+v", frag)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for fragment event")
		}
	}
}

func TestSessionReconnectsOnAbnormalClose(t *testing.T) {
	b := bus.New(nil)
	attempts := 0
	var mu sync.Mutex

	s := NewSession(b, Config{
		Host: "example.test", Model: "nova-2", SourceLanguage: "en",
		SupportsLanguage: func(domain.Language) bool { return true },
	}, func(ctx context.Context, rawURL string) (Conn, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return &fakeConn{readErr: errAbnormal{}}, nil
		}
		return &fakeConn{}, nil
	}, nil, nil)

	if err := s.Start(context.Background(), ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := attempts
		mu.Unlock()
		if n >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected a reconnection attempt after abnormal close")
}

type errAbnormal struct{}

func (errAbnormal) Error() string { return "abnormal closure" }

func TestSessionDoesNotReconnectOnNormalClosure(t *testing.T) {
	b := bus.New(nil)
	attempts := 0
	var mu sync.Mutex

	s := NewSession(b, Config{
		Host: "example.test", Model: "nova-2", SourceLanguage: "en",
		SupportsLanguage: func(domain.Language) bool { return true },
	}, func(ctx context.Context, rawURL string) (Conn, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return &fakeConn{readErr: websocket.CloseError{Code: websocket.StatusNormalClosure}}, nil
	}, nil, nil)

	if err := s.Start(context.Background(), ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Stop()

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	n := attempts
	mu.Unlock()
	if n != 1 {
		t.Fatalf("expected no reconnection attempt after normal closure, got %d attempts", n)
	}
	if s.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", s.State())
	}
}

func TestSessionFailsFastOnUnauthorizedClose(t *testing.T) {
	b := bus.New(nil)
	ch, unsub := b.Subscribe()
	defer unsub()

	s := NewSession(b, Config{
		Host: "example.test", Model: "nova-2", SourceLanguage: "en",
		SupportsLanguage: func(domain.Language) bool { return true },
	}, func(ctx context.Context, rawURL string) (Conn, error) {
		return &fakeConn{readErr: websocket.CloseError{Code: closeCodeUnauthorized}}, nil
	}, nil, nil)

	if err := s.Start(context.Background(), ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Stop()

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == bus.KindError {
				errPayload := ev.Payload.(bus.ErrorPayload)
				if errPayload.Code == bus.ErrCodeASRUnauthorized {
					if s.State() != StateFailed {
						t.Fatalf("expected failed state, got %s", s.State())
					}
					return
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for ASR_UNAUTHORIZED error event")
		}
	}
}
