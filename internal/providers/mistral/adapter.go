// Package mistral implements the provider client for the Mistral chat API.
package mistral

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/modelgate/modelgate/internal/providers"
)

const defaultBaseURL = "https://api.mistral.ai"

// Adapter implements providers.Client for Mistral.
type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.client.Timeout = d }
}

// WithBaseURL overrides the API endpoint (used in tests).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// WithTransport sets the underlying round tripper (e.g. a tracing transport).
func WithTransport(rt http.RoundTripper) Option {
	return func(a *Adapter) { a.client.Transport = rt }
}

// New creates a Mistral adapter bound to one API key.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Provider() string { return "mistral" }

func (a *Adapter) Chat(ctx context.Context, model string, history []providers.Message) (string, error) {
	messages := make([]map[string]any, len(history))
	for i, msg := range history {
		messages[i] = map[string]any{
			"role":    msg.Role,
			"content": msg.Content,
		}
	}
	payload := map[string]any{
		"model":    model,
		"messages": messages,
	}
	return a.complete(ctx, payload)
}

func (a *Adapter) AnalyzeImage(ctx context.Context, model, imageB64, prompt string) (string, error) {
	payload := map[string]any{
		"model": model,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": prompt},
					{"type": "image_url", "image_url": "data:image/jpeg;base64," + imageB64},
				},
			},
		},
	}
	return a.complete(ctx, payload)
}

func (a *Adapter) complete(ctx context.Context, payload any) (string, error) {
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/chat/completions", payload, map[string]string{
		"Authorization": "Bearer " + a.apiKey,
	})
	if err != nil {
		return "", err
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse mistral response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("mistral returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
