// Package gemini implements the provider client for the Google Gemini API.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/modelgate/modelgate/internal/providers"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// Adapter implements providers.Client for Gemini.
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

// New creates a Gemini adapter bound to one API key.
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

func (a *Adapter) Provider() string { return "gemini" }

func (a *Adapter) Chat(ctx context.Context, model string, history []providers.Message) (string, error) {
	contents := make([]map[string]any, 0, len(history))
	for _, msg := range history {
		// Gemini only knows "user" and "model" roles.
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": []map[string]any{{"text": msg.Content}},
		})
	}
	payload := map[string]any{"contents": contents}
	return a.generate(ctx, model, payload)
}

func (a *Adapter) AnalyzeImage(ctx context.Context, model, imageB64, prompt string) (string, error) {
	payload := map[string]any{
		"contents": []map[string]any{
			{
				"role": "user",
				"parts": []map[string]any{
					{"text": prompt},
					{"inline_data": map[string]any{
						"mime_type": "image/jpeg",
						"data":      imageB64,
					}},
				},
			},
		},
	}
	return a.generate(ctx, model, payload)
}

func (a *Adapter) generate(ctx context.Context, model string, payload any) (string, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", a.baseURL, model)
	body, err := providers.DoRequest(ctx, a.client, url, payload, map[string]string{
		"x-goog-api-key": a.apiKey,
	})
	if err != nil {
		return "", err
	}

	var parsed struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse gemini response: %w", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini returned no candidates")
	}
	return parsed.Candidates[0].Content.Parts[0].Text, nil
}
