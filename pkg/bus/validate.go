package bus

import "fmt"

// Validate checks that payload is the type expected for kind. It is used
// both on emit (Bus.Publish) and may be reused by subscribers at their
// receive boundary (spec.md §4.1: "schema-validated on emit and on receive
// boundaries").
func Validate(kind Kind, payload interface{}) error {
	switch kind {
	case KindError:
		if _, ok := payload.(ErrorPayload); !ok {
			return fmt.Errorf("bus: kind %q requires ErrorPayload, got %T", kind, payload)
		}
	case KindStatus:
		if _, ok := payload.(StatusPayload); !ok {
			return fmt.Errorf("bus: kind %q requires StatusPayload, got %T", kind, payload)
		}
	case KindFragment, KindSentence, KindParagraph, KindTranslationDelta,
		KindTranslationComplete, KindDisplayUpdate, KindSummary, KindVocabulary,
		KindFinalReport, KindStats:
		if payload == nil {
			return fmt.Errorf("bus: kind %q requires a non-nil payload", kind)
		}
	default:
		return fmt.Errorf("bus: unknown event kind %q", kind)
	}
	return nil
}
