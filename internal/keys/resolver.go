// Package keys resolves provider API keys and their rate-limit
// configurations from one of three sources: the process environment, an
// authenticated record store, or a plain HTTP endpoint.
package keys

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/modelgate/modelgate/internal/limits"
	"github.com/modelgate/modelgate/internal/recordstore"
)

// Resolver produces the key configurations for one provider. Implementations
// deduplicate by raw key string.
type Resolver interface {
	Resolve(ctx context.Context, provider string) ([]limits.KeyConfig, error)
	// Reloadable reports whether re-resolving can yield different results.
	// The environment resolver is static, so hot reload is rejected for it.
	Reloadable() bool
}

// entry is the wire shape shared by the record-store and HTTP sources.
type entry struct {
	Key      string          `json:"key"`
	Label    string          `json:"label"`
	Provider string          `json:"provider"`
	Type     string          `json:"type"`
	Limit    json.RawMessage `json:"limit"`
	Delay    int64           `json:"fallbackDelayMs"`
}

func (e entry) matches(provider string) bool {
	return e.Provider == provider || e.Type == provider
}

func (e entry) toConfig() (limits.KeyConfig, error) {
	cfg := limits.KeyConfig{
		Key:             e.Key,
		Label:           e.Label,
		FallbackDelayMS: e.Delay,
	}
	if len(e.Limit) > 0 {
		defaults, perModel, err := ParseLimitField(e.Limit)
		if err != nil {
			return limits.KeyConfig{}, fmt.Errorf("key %q: %w", e.Label, err)
		}
		cfg.DefaultLimits = defaults
		cfg.ModelLimits = perModel
	}
	return cfg, nil
}

// ParseLimitField parses the optional `limit` field of a key entry. Two forms
// are accepted:
//
//	flat:   {"RPS": 1, "TPM": 500000}            -> default limits only
//	nested: {"default": {...}, "model-x": {...}} -> defaults plus per-model
//
// Unknown limit type codes are rejected so typos fail loudly at resolve time
// instead of silently disabling a limit.
func ParseLimitField(raw json.RawMessage) ([]limits.Spec, map[string][]limits.Spec, error) {
	var flat map[string]int64
	if err := json.Unmarshal(raw, &flat); err == nil {
		specs, err := flatSpecs(flat)
		return specs, nil, err
	}

	var nested map[string]map[string]int64
	if err := json.Unmarshal(raw, &nested); err != nil {
		return nil, nil, fmt.Errorf("limit field is neither flat nor nested: %w", err)
	}

	var defaults []limits.Spec
	perModel := make(map[string][]limits.Spec)
	for name, m := range nested {
		specs, err := flatSpecs(m)
		if err != nil {
			return nil, nil, fmt.Errorf("limits for %q: %w", name, err)
		}
		if name == "default" {
			defaults = specs
		} else {
			perModel[name] = specs
		}
	}
	if len(perModel) == 0 {
		perModel = nil
	}
	return defaults, perModel, nil
}

// flatSpecs converts a {type: n} map into specs in KnownTypes order, so
// resolution is deterministic regardless of JSON map iteration.
func flatSpecs(m map[string]int64) ([]limits.Spec, error) {
	for code := range m {
		if !isKnownType(code) {
			return nil, fmt.Errorf("unknown limit type %q", code)
		}
	}
	var specs []limits.Spec
	for _, t := range limits.KnownTypes {
		if n, ok := m[string(t)]; ok {
			specs = append(specs, limits.Spec{Type: t, Limit: n})
		}
	}
	return specs, nil
}

func isKnownType(code string) bool {
	for _, t := range limits.KnownTypes {
		if string(t) == code {
			return true
		}
	}
	return false
}

// dedupe drops entries whose raw key string was already seen, keeping the
// first occurrence.
func dedupe(cfgs []limits.KeyConfig) []limits.KeyConfig {
	seen := make(map[string]bool, len(cfgs))
	out := cfgs[:0]
	for _, c := range cfgs {
		if seen[c.Key] {
			continue
		}
		seen[c.Key] = true
		out = append(out, c)
	}
	return out
}

// Env resolves exactly one key per provider from environment-style lookups.
type Env struct {
	// Lookup maps a provider to its API key ("" when unset).
	Lookup func(provider string) string
	// FallbackDelayMS is applied to the single key since the environment
	// carries no structured limits.
	FallbackDelayMS int64
}

func (e *Env) Reloadable() bool { return false }

func (e *Env) Resolve(_ context.Context, provider string) ([]limits.KeyConfig, error) {
	key := e.Lookup(provider)
	if key == "" {
		return nil, nil
	}
	return []limits.KeyConfig{{
		Key:             key,
		Label:           provider + "-env",
		FallbackDelayMS: e.FallbackDelayMS,
	}}, nil
}

// Store resolves keys from an authenticated record store collection.
type Store struct {
	Client     *recordstore.Client
	Collection string
}

func (s *Store) Reloadable() bool { return true }

func (s *Store) Resolve(ctx context.Context, provider string) ([]limits.KeyConfig, error) {
	records, err := s.Client.List(ctx, s.Collection, 200)
	if err != nil {
		return nil, fmt.Errorf("list key records: %w", err)
	}
	var cfgs []limits.KeyConfig
	for _, rec := range records {
		raw, err := json.Marshal(rec.Fields)
		if err != nil {
			continue
		}
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil || e.Key == "" || !e.matches(provider) {
			continue
		}
		cfg, err := e.toConfig()
		if err != nil {
			return nil, err
		}
		cfgs = append(cfgs, cfg)
	}
	return dedupe(cfgs), nil
}

// HTTP resolves keys from an endpoint returning a JSON array of entries.
type HTTP struct {
	URL    string
	client *retryablehttp.Client
}

// NewHTTP creates an HTTP resolver for the given endpoint.
func NewHTTP(url string) *HTTP {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil
	return &HTTP{URL: url, client: rc}
}

func (h *HTTP) Reloadable() bool { return true }

func (h *HTTP) Resolve(ctx context.Context, provider string) ([]limits.KeyConfig, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch key endpoint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read key endpoint response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key endpoint returned status %d", resp.StatusCode)
	}

	var entries []entry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("decode key endpoint response: %w", err)
	}

	var cfgs []limits.KeyConfig
	for _, e := range entries {
		if e.Key == "" || !e.matches(provider) {
			continue
		}
		cfg, err := e.toConfig()
		if err != nil {
			return nil, err
		}
		cfgs = append(cfgs, cfg)
	}
	return dedupe(cfgs), nil
}
