// Package recordstore is a minimal client for the authenticated JSON record
// service that backs remote usage persistence and key resolution. The API is
// collection-oriented: password auth yields a bearer token, records are
// listed per collection and addressed by server-assigned ids.
package recordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
)

// Config carries the connection settings for one record store.
type Config struct {
	BaseURL  string
	Identity string
	Password string
}

// Record is one stored record: the server id plus its raw fields.
type Record struct {
	ID     string
	Fields map[string]json.RawMessage
}

// GetString decodes a string field, returning "" when absent or mistyped.
func (r Record) GetString(name string) string {
	var s string
	if raw, ok := r.Fields[name]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

// Client talks to one record store. The auth token is acquired lazily on the
// first request and cached; an AuthExpiredError from any call drops the
// cached token so the next attempt re-authenticates.
type Client struct {
	cfg  Config
	http *retryablehttp.Client

	mu    sync.Mutex
	token string
}

// AuthExpiredError signals that the cached token was rejected.
type AuthExpiredError struct{ Status int }

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("record store auth expired (status %d)", e.Status)
}

// New creates a client. No network traffic happens until the first call.
func New(cfg Config) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil
	return &Client{cfg: cfg, http: rc}
}

// List fetches up to perPage records from the collection.
func (c *Client) List(ctx context.Context, collection string, perPage int) ([]Record, error) {
	url := fmt.Sprintf("%s/api/collections/%s/records?perPage=%d", c.cfg.BaseURL, collection, perPage)
	body, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	var page struct {
		Items []map[string]json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode record list: %w", err)
	}
	records := make([]Record, 0, len(page.Items))
	for _, item := range page.Items {
		rec := Record{Fields: item}
		if raw, ok := item["id"]; ok {
			_ = json.Unmarshal(raw, &rec.ID)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Create inserts a record and returns the server-assigned id.
func (c *Client) Create(ctx context.Context, collection string, fields any) (string, error) {
	url := fmt.Sprintf("%s/api/collections/%s/records", c.cfg.BaseURL, collection)
	body, err := c.do(ctx, http.MethodPost, url, fields)
	if err != nil {
		return "", err
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return "", fmt.Errorf("decode created record: %w", err)
	}
	return created.ID, nil
}

// Update overwrites fields on an existing record.
func (c *Client) Update(ctx context.Context, collection, id string, fields any) error {
	url := fmt.Sprintf("%s/api/collections/%s/records/%s", c.cfg.BaseURL, collection, id)
	_, err := c.do(ctx, http.MethodPatch, url, fields)
	return err
}

func (c *Client) do(ctx context.Context, method, url string, payload any) ([]byte, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal record payload: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("record store request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read record store response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Token no longer valid; force re-auth on the next attempt.
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		return nil, &AuthExpiredError{Status: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("record store returned status %d: %s", resp.StatusCode, body)
	}
	return body, nil
}

// ensureToken returns the cached bearer token, authenticating if needed.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}

	payload, _ := json.Marshal(map[string]string{
		"identity": c.cfg.Identity,
		"password": c.cfg.Password,
	})
	url := c.cfg.BaseURL + "/api/collections/_superusers/auth-with-password"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("record store auth: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("record store auth failed with status %d: %s", resp.StatusCode, body)
	}

	var auth struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &auth); err != nil || auth.Token == "" {
		return "", fmt.Errorf("record store auth: missing token in response")
	}
	c.token = auth.Token
	return c.token, nil
}
