// Package providers defines the contract provider adapters implement and the
// shared HTTP plumbing they use.
package providers

import (
	"context"
	"fmt"
)

// Message is one turn of chat history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client is a provider SDK bound to one API key. A client is owned by exactly
// one queuer, which guarantees one-call-at-a-time use.
type Client interface {
	// Provider returns the provider identifier ("mistral", "gemini", ...).
	Provider() string
	// Chat sends the history to the model and returns the assistant reply.
	Chat(ctx context.Context, model string, history []Message) (string, error)
	// AnalyzeImage sends a base64-encoded image with a prompt.
	AnalyzeImage(ctx context.Context, model, imageB64, prompt string) (string, error)
}

// StatusError captures a non-2xx HTTP status from a provider response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}
