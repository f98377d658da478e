package translate

import (
	"context"
	"strings"

	"github.com/classbridge-ai/stream-interpreter/pkg/domain"
)

// Translator invokes an LLM to translate source_text from source_language to
// target_language (spec §4.6). Implementations wrap a chat-completion-shaped
// HTTP API, grounded on the teacher's pkg/providers/llm/*.go clients.
type Translator interface {
	Name() string
	Translate(ctx context.Context, sourceText string, sourceLang, targetLang domain.Language) (string, error)
}

// StreamingTranslator additionally yields text deltas as they arrive. The
// queue selects streaming translators for the realtime quality tier, where
// first-paint latency matters more than total latency.
type StreamingTranslator interface {
	Translator
	TranslateStream(ctx context.Context, sourceText string, sourceLang, targetLang domain.Language, onDelta func(string)) (string, error)
}

// systemPrompt is the fixed instruction every translator sends as the system
// message (§4.6). It never names a specific language pair.
func systemPrompt(sourceLang, targetLang domain.Language) string {
	return "Translate " + string(sourceLang) + " to " + string(targetLang) + ". Output only the translation, no commentary, no explanation."
}

// postProcess strips a leading/trailing matched quote pair and trailing
// whitespace, per §4.6.
func postProcess(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) >= 2 {
		first, last := trimmed[0], trimmed[len(trimmed)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			trimmed = trimmed[1 : len(trimmed)-1]
		}
	}
	return strings.TrimRight(trimmed, " \t\n")
}
