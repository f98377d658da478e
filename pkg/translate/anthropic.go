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

// AnthropicTranslator calls the Anthropic Messages API, generalized from the
// teacher's chat-completion client (pkg/providers/llm/anthropic.go) into a
// translation call: the system prompt is always the fixed instruction from
// systemPrompt, and the single user message is the source text.
type AnthropicTranslator struct {
	apiKey string
	url    string
	model  string
	client *http.Client
}

func NewAnthropicTranslator(apiKey, model string) *AnthropicTranslator {
	if model == "" {
		model = "claude-3-5-haiku-20241022"
	}
	return &AnthropicTranslator{
		apiKey: apiKey,
		url:    "https://api.anthropic.com/v1/messages",
		model:  model,
		client: http.DefaultClient,
	}
}

func (t *AnthropicTranslator) Name() string { return "anthropic-translator" }

func (t *AnthropicTranslator) Translate(ctx context.Context, sourceText string, sourceLang, targetLang domain.Language) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model":      t.model,
		"system":     systemPrompt(sourceLang, targetLang),
		"messages":   []map[string]string{{"role": "user", "content": sourceText}},
		"max_tokens": 1024,
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
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if len(result.Content) == 0 {
		return "", fmt.Errorf("anthropic translator: empty response")
	}
	return postProcess(result.Content[0].Text), nil
}

// TranslateStream consumes Anthropic's server-sent event stream, invoking
// onDelta for each content_block_delta text chunk.
func (t *AnthropicTranslator) TranslateStream(ctx context.Context, sourceText string, sourceLang, targetLang domain.Language, onDelta func(string)) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model":      t.model,
		"system":     systemPrompt(sourceLang, targetLang),
		"messages":   []map[string]string{{"role": "user", "content": sourceText}},
		"max_tokens": 1024,
		"stream":     true,
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
		var event struct {
			Type  string `json:"type"`
			Delta struct {
				Text string `json:"text"`
			} `json:"delta"`
		}
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}
		if event.Type == "content_block_delta" && event.Delta.Text != "" {
			full.WriteString(event.Delta.Text)
			if onDelta != nil {
				onDelta(event.Delta.Text)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return postProcess(full.String()), nil
}

func (t *AnthropicTranslator) do(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", t.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

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
