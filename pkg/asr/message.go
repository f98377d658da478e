package asr

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/classbridge-ai/stream-interpreter/pkg/bus"
	"github.com/classbridge-ai/stream-interpreter/pkg/domain"
)

// providerMessage is the recognizer's streaming JSON frame shape, grounded
// on deepgram.go's results.channels[].alternatives[].transcript decode,
// generalized from a single batch response to one message per streaming
// update plus an utterance-end hint.
type providerMessage struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal  bool    `json:"is_final"`
	StartMs  float64 `json:"start"`
	Duration float64 `json:"duration"`
}

const utteranceEndType = "UtteranceEnd"

// handleMessage decodes one provider frame and, if it carries a non-empty
// transcript alternative, emits a Fragment (spec.md §4.2 "Fragment
// extraction"). An utterance-end frame instead emits a status hint and
// produces no fragment.
func (s *Session) handleMessage(payload []byte, correlationID string) {
	var msg providerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.Warn("asr: malformed provider message", "error", err)
		return
	}

	if msg.Type == utteranceEndType {
		if s.bus != nil {
			s.bus.Publish(bus.KindStatus, bus.StatusPayload{State: "utterance_end"}, correlationID)
		}
		return
	}

	if len(msg.Channel.Alternatives) == 0 {
		return
	}
	text := msg.Channel.Alternatives[0].Transcript
	if text == "" {
		return
	}

	frag := domain.Fragment{
		ID:         uuid.NewString(),
		Text:       text,
		Confidence: msg.Channel.Alternatives[0].Confidence,
		IsFinal:    msg.IsFinal,
		StartMs:    int64(msg.StartMs * 1000),
		EndMs:      int64((msg.StartMs + msg.Duration) * 1000),
		Language:   s.cfg.SourceLanguage,
		ReceivedAt: s.clock(),
	}

	if s.bus != nil {
		s.bus.Publish(bus.KindFragment, frag, correlationID)
	}
}
