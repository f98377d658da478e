// Package asr implements the ASR Session (C2): one streaming connection to a
// speech recognizer per pipeline run. Grounded on the teacher's
// pkg/providers/tts/lokutor.go websocket dial/reuse/write/read loop
// (generalized from TTS synthesis frames to STT audio frames) and
// pkg/providers/stt/deepgram.go's query-parameter/Authorization-header
// construction (generalized from one-shot batch calls to a persistent
// stream), with reconnection and keep-alive state modeled on
// pkg/orchestrator/managed_stream.go's cancel-first shutdown idiom.
package asr

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/classbridge-ai/stream-interpreter/pkg/bus"
	"github.com/classbridge-ai/stream-interpreter/pkg/domain"
)

// State is C2's connection state machine (spec.md §4.2).
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Keep-alive timings (spec.md §4.2).
const (
	KeepAliveIdleThreshold = 9 * time.Second
	KeepAlivePingInterval  = 5 * time.Second
	keepAliveZeroFrameDur  = 200 * time.Millisecond
)

// Reconnection policy (spec.md §4.2).
const (
	ReconnectBaseDelay = 1 * time.Second
	ReconnectCapDelay  = 30 * time.Second
	ReconnectMaxTries  = 3
)

// StatsInterval is how often Session publishes a stats snapshot while
// connected (spec.md §4.2 Metrics).
const StatsInterval = 2 * time.Second

// Recognizer application close codes (spec.md §4.2/§6), outside the standard
// WebSocket close-code range: sent by the provider itself to signal a
// request it will never service, as opposed to a transport-level drop.
const (
	closeCodeBadRequest   websocket.StatusCode = 4000
	closeCodeUnauthorized websocket.StatusCode = 4001
)

// Conn is the subset of *websocket.Conn the session needs, narrowed so
// tests can supply a fake instead of dialing a real socket.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a provider connection. The production Dialer wraps
// websocket.Dial; tests inject a fake.
type Dialer func(ctx context.Context, rawURL string) (Conn, error)

// DefaultDialer dials a real websocket using github.com/coder/websocket,
// with no Authorization header. Sessions constructed with an API key use
// NewDefaultDialer instead (see NewSession).
func DefaultDialer(ctx context.Context, rawURL string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// NewDefaultDialer returns a Dialer that authenticates with apiKey via the
// Authorization header, matching Deepgram's "Token <key>" scheme.
func NewDefaultDialer(apiKey string) Dialer {
	return func(ctx context.Context, rawURL string) (Conn, error) {
		hdr := http.Header{}
		if apiKey != "" {
			hdr.Set("Authorization", "Token "+apiKey)
		}
		conn, _, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{HTTPHeader: hdr})
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Config describes one recognizer connection (spec.md §4.2 / §6).
type Config struct {
	Host              string
	APIKey            string
	Model             string
	SourceLanguage    domain.Language
	SupportsLanguage  func(domain.Language) bool
	MultilingualToken string
	SampleRate        int
	Endpointing       int
	UtteranceEndMs    int
	SmartFormat       bool
	Punctuate         bool
	NoDelay           bool
}

// BuildURL constructs the recognizer connection URL from cfg per the
// §4.2/§6 query-parameter contract, resolving the language mapping policy:
// pass the source language if the model supports it natively, else fall
// back to the multilingual token, else fail with ErrUnsupportedLanguage.
func BuildURL(cfg Config) (string, error) {
	lang, err := resolveLanguage(cfg)
	if err != nil {
		return "", err
	}

	u := url.URL{Scheme: "wss", Host: cfg.Host, Path: "/v1/listen"}
	q := u.Query()
	q.Set("model", cfg.Model)
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("channels", "1")
	q.Set("language", string(lang))
	if cfg.Endpointing > 0 {
		q.Set("endpointing", strconv.Itoa(cfg.Endpointing))
	}
	if cfg.UtteranceEndMs > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(cfg.UtteranceEndMs))
	}
	if cfg.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	}
	if cfg.SmartFormat {
		q.Set("smart_format", "true")
	}
	if cfg.Punctuate {
		q.Set("punctuate", "true")
	}
	if cfg.NoDelay {
		q.Set("no_delay", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ErrUnsupportedLanguage is returned by BuildURL/resolveLanguage when
// neither a native nor multilingual mapping exists for the source language.
var ErrUnsupportedLanguage = fmt.Errorf("asr: %s", bus.ErrCodeASRUnsupportedLang)

func resolveLanguage(cfg Config) (domain.Language, error) {
	if cfg.SupportsLanguage != nil && cfg.SupportsLanguage(cfg.SourceLanguage) {
		return cfg.SourceLanguage, nil
	}
	if cfg.MultilingualToken != "" {
		return domain.Language(cfg.MultilingualToken), nil
	}
	return "", ErrUnsupportedLanguage
}

var (
	bytesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asr_session_bytes_total",
		Help: "Bytes transferred on ASR sessions.",
	}, []string{"session_id", "direction"})
	messagesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asr_session_messages_total",
		Help: "Messages transferred on ASR sessions.",
	}, []string{"session_id", "direction"})
)

var tracer trace.Tracer = otel.Tracer("classbridge-ai/stream-interpreter/asr")

// Metrics is a point-in-time snapshot of a Session's counters.
type Metrics struct {
	BytesIn       int64
	BytesOut      int64
	MessagesIn    int64
	MessagesOut   int64
	ConnectedAt   time.Time
	LastActivity  time.Time
}

// Session owns exactly one streaming connection to the recognizer (C2).
// Like the teacher's ManagedStream, all mutable state lives behind one
// mutex and shutdown cancels the context before taking the lock.
type Session struct {
	mu sync.Mutex

	id     string
	cfg    Config
	bus    *bus.Bus
	dial   Dialer
	clock  func() time.Time
	logger domain.Logger

	conn  Conn
	state State

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	bytesIn, bytesOut     int64
	messagesIn, messagesOut int64
	connectedAt, lastActivity time.Time

	closeOnce sync.Once
}

// NewSession constructs a Session. A nil dial defaults to a real websocket
// dialer authenticated with cfg.APIKey; a nil clock defaults to time.Now.
func NewSession(b *bus.Bus, cfg Config, dial Dialer, clock func() time.Time, logger domain.Logger) *Session {
	if dial == nil {
		dial = NewDefaultDialer(cfg.APIKey)
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = domain.NoOpLogger{}
	}
	return &Session{
		id:     uuid.NewString(),
		cfg:    cfg,
		bus:    b,
		dial:   dial,
		clock:  clock,
		logger: logger,
		state:  StateDisconnected,
		done:   make(chan struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Metrics{
		BytesIn: s.bytesIn, BytesOut: s.bytesOut,
		MessagesIn: s.messagesIn, MessagesOut: s.messagesOut,
		ConnectedAt: s.connectedAt, LastActivity: s.lastActivity,
	}
}

func (s *Session) setState(state State, correlationID string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	if s.bus != nil {
		s.bus.Publish(bus.KindStatus, bus.StatusPayload{State: string(state)}, correlationID)
	}
}

// Start dials the recognizer and spawns the read loop and keep-alive timer.
// It blocks until the initial connection succeeds, fails permanently, or ctx
// is cancelled.
func (s *Session) Start(ctx context.Context, correlationID string) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s.connectWithRetry(correlationID)
}

func (s *Session) connectWithRetry(correlationID string) error {
	s.setState(StateConnecting, correlationID)

	delay := ReconnectBaseDelay
	for attempt := 0; ; attempt++ {
		err := s.dialOnce(correlationID)
		if err == nil {
			s.setState(StateConnected, correlationID)
			go s.readLoop(correlationID)
			go s.keepAliveLoop(correlationID)
			go s.statsLoop(correlationID)
			return nil
		}

		if isNonRecoverable(err) {
			s.emitError(bus.ErrCodeASRUnsupportedLang, err.Error(), false, correlationID)
			s.setState(StateFailed, correlationID)
			return err
		}

		if attempt >= ReconnectMaxTries {
			s.emitError(bus.ErrCodeASRReconnectFailed, err.Error(), false, correlationID)
			s.setState(StateFailed, correlationID)
			return err
		}

		s.setState(StateReconnecting, correlationID)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			return s.ctx.Err()
		}
		delay *= 2
		if delay > ReconnectCapDelay {
			delay = ReconnectCapDelay
		}
	}
}

func isNonRecoverable(err error) bool {
	return err == ErrUnsupportedLanguage
}

func (s *Session) dialOnce(correlationID string) error {
	ctx, span := tracer.Start(s.ctx, "asr.connect")
	defer span.End()

	rawURL, err := BuildURL(s.cfg)
	if err != nil {
		span.RecordError(err)
		return err
	}

	conn, err := s.dial(ctx, rawURL)
	if err != nil {
		span.RecordError(err)
		return err
	}

	now := s.clock()
	s.mu.Lock()
	s.conn = conn
	s.connectedAt = now
	s.lastActivity = now
	s.mu.Unlock()
	return nil
}

// Send forwards one audio frame to the recognizer (spec.md §6 audio
// boundary). Updates last-activity for the keep-alive timer.
func (s *Session) Send(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("asr: session not connected")
	}

	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return err
	}

	s.mu.Lock()
	s.bytesOut += int64(len(frame))
	s.messagesOut++
	s.lastActivity = s.clock()
	s.mu.Unlock()
	bytesCounter.WithLabelValues(s.id, "out").Add(float64(len(frame)))
	messagesCounter.WithLabelValues(s.id, "out").Inc()
	return nil
}

func (s *Session) keepAliveLoop(correlationID string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	pinged := false
	var lastPing time.Time
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.clock()
			idle := now.Sub(s.lastActivity)
			conn := s.conn
			s.mu.Unlock()

			if conn == nil || idle < KeepAliveIdleThreshold {
				pinged = false
				continue
			}
			if !pinged {
				// Written straight to the connection rather than through Send,
				// so it does not count as audio activity and reset idle.
				zero := make([]byte, int(float64(s.cfg.SampleRate)*keepAliveZeroFrameDur.Seconds())*2)
				_ = conn.Write(s.ctx, websocket.MessageBinary, zero)
				pinged = true
				lastPing = now
				continue
			}
			if now.Sub(lastPing) >= KeepAlivePingInterval {
				// Protocol-level keep-alive: a minimal binary frame, repeated
				// every KeepAlivePingInterval, prevents recognizer idle-timeout
				// without re-triggering the one-time zero-PCM frame above.
				_ = conn.Write(s.ctx, websocket.MessageBinary, []byte{0})
				lastPing = now
			}
		}
	}
}

func (s *Session) statsLoop(correlationID string) {
	ticker := time.NewTicker(StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.publishStats(correlationID)
		}
	}
}

func (s *Session) publishStats(correlationID string) {
	if s.bus == nil {
		return
	}
	s.mu.Lock()
	stats := domain.SessionStats{
		SessionID:    s.id,
		BytesIn:      s.bytesIn,
		BytesOut:     s.bytesOut,
		MessagesIn:   s.messagesIn,
		MessagesOut:  s.messagesOut,
		LastActivity: s.lastActivity,
	}
	if !s.connectedAt.IsZero() {
		stats.UptimeMs = s.clock().Sub(s.connectedAt).Milliseconds()
	}
	s.mu.Unlock()
	s.bus.Publish(bus.KindStats, stats, correlationID)
}

func (s *Session) readLoop(correlationID string) {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		typ, payload, err := conn.Read(s.ctx)
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.handleAbnormalClose(err, correlationID)
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		s.mu.Lock()
		s.bytesIn += int64(len(payload))
		s.messagesIn++
		s.lastActivity = s.clock()
		s.mu.Unlock()
		bytesCounter.WithLabelValues(s.id, "in").Add(float64(len(payload)))
		messagesCounter.WithLabelValues(s.id, "in").Inc()

		s.handleMessage(payload, correlationID)
	}
}

// handleAbnormalClose inspects the WebSocket close code behind err and
// decides whether the session should reconnect, fail fast as non-recoverable,
// or simply stop because the provider closed cleanly (spec.md §4.2/§6).
func (s *Session) handleAbnormalClose(err error, correlationID string) {
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()

	code := websocket.CloseStatus(err)

	switch code {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		s.setState(StateDisconnected, correlationID)
		return
	case closeCodeBadRequest:
		s.emitError(bus.ErrCodeASRBadRequest, "recognizer closed the connection: bad request", false, correlationID)
		s.setState(StateFailed, correlationID)
		return
	case closeCodeUnauthorized:
		s.emitError(bus.ErrCodeASRUnauthorized, "recognizer closed the connection: unauthorized", false, correlationID)
		s.setState(StateFailed, correlationID)
		return
	}

	if s.bus != nil {
		s.bus.Publish(bus.KindError, bus.ErrorPayload{
			Code: bus.ErrCodeASRConnectionLost, Message: "connection closed abnormally",
			Recoverable: true, CorrelationID: correlationID,
		}, correlationID)
	}

	if err := s.connectWithRetry(correlationID); err != nil {
		s.logger.Error("asr reconnection failed", "error", err)
	}
}

func (s *Session) emitError(code, message string, recoverable bool, correlationID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.KindError, bus.ErrorPayload{
		Code: code, Message: message, Recoverable: recoverable, Fatal: !recoverable, CorrelationID: correlationID,
	}, correlationID)
}

// Stop closes the connection and stops background goroutines. Idempotent.
func (s *Session) Stop() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "")
		}
		s.setState(StateDisconnected, "")
		close(s.done)
	})
}
