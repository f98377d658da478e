package translate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/classbridge-ai/stream-interpreter/pkg/domain"
)

// OpenAITranslator calls the OpenAI chat-completions endpoint, generalized
// from the teacher's pkg/providers/llm/openai.go chat client into a
// translation call.
type OpenAITranslator struct {
	apiKey string
	url    string
	model  string
	client *http.Client
}

func NewOpenAITranslator(apiKey, model string) *OpenAITranslator {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAITranslator{
		apiKey: apiKey,
		url:    "https://api.openai.com/v1/chat/completions",
		model:  model,
		client: http.DefaultClient,
	}
}

func (t *OpenAITranslator) Name() string { return "openai-translator" }

func (t *OpenAITranslator) messages(sourceText string, sourceLang, targetLang domain.Language) []map[string]string {
	return []map[string]string{
		{"role": "system", "content": systemPrompt(sourceLang, targetLang)},
		{"role": "user", "content": sourceText},
	}
}

func (t *OpenAITranslator) Translate(ctx context.Context, sourceText string, sourceLang, targetLang domain.Language) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model":    t.model,
		"messages": t.messages(sourceText, sourceLang, targetLang),
	})
	if err != nil {
		return "", err
	}

	resp, err := t.do(ctx, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("openai translator: no choices returned")
	}
	return postProcess(result.Choices[0].Message.Content), nil
}

func (t *OpenAITranslator) TranslateStream(ctx context.Context, sourceText string, sourceLang, targetLang domain.Language, onDelta func(string)) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model":    t.model,
		"messages": t.messages(sourceText, sourceLang, targetLang),
		"stream":   true,
	})
	if err != nil {
		return "", err
	}

	resp, err := t.do(ctx, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return postProcess(full.String()), nil
}

func (t *OpenAITranslator) do(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, &ProviderError{StatusCode: resp.StatusCode, Body: errResp}
	}
	return resp, nil
}
