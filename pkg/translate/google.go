package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/classbridge-ai/stream-interpreter/pkg/domain"
)

// GoogleTranslator calls the Gemini generateContent endpoint, generalized
// from the teacher's pkg/providers/llm/google.go chat client. It only
// implements the non-streaming Translator interface — Gemini's streaming
// response shape (generateContentStream, a JSON array rather than SSE) does
// not fit the same delta-scanning loop as the other two providers, and the
// high quality tier it would typically back is already non-streaming
// (§4.6), so nothing in SPEC_FULL.md needs it to stream.
type GoogleTranslator struct {
	apiKey string
	url    string
	model  string
	client *http.Client
}

func NewGoogleTranslator(apiKey, model string) *GoogleTranslator {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GoogleTranslator{
		apiKey: apiKey,
		url:    "https://generativelanguage.googleapis.com/v1beta/models/" + model + ":generateContent",
		model:  model,
		client: http.DefaultClient,
	}
}

func (t *GoogleTranslator) Name() string { return "google-translator" }

func (t *GoogleTranslator) Translate(ctx context.Context, sourceText string, sourceLang, targetLang domain.Language) (string, error) {
	payload := map[string]interface{}{
		"system_instruction": map[string]interface{}{
			"parts": []map[string]string{{"text": systemPrompt(sourceLang, targetLang)}},
		},
		"contents": []map[string]interface{}{
			{"role": "user", "parts": []map[string]string{{"text": sourceText}}},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url+"?key="+t.apiKey, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return "", &ProviderError{StatusCode: resp.StatusCode, Body: errResp}
	}

	var result struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("google translator: no candidates returned")
	}
	return postProcess(result.Candidates[0].Content.Parts[0].Text), nil
}
