// Package broker routes incoming requests to the queuer that will dispatch
// them soonest, across all keys of every acceptable provider.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelgate/modelgate/internal/clock"
	"github.com/modelgate/modelgate/internal/keys"
	"github.com/modelgate/modelgate/internal/limits"
	"github.com/modelgate/modelgate/internal/metrics"
	"github.com/modelgate/modelgate/internal/providers"
	"github.com/modelgate/modelgate/internal/queue"
	"github.com/modelgate/modelgate/internal/usage"
)

// DefaultProvider is assumed when a request names a bare model string.
const DefaultProvider = "mistral"

// Defaults for image analysis requests that omit a target or prompt.
const (
	DefaultImageModel  = "magistral-small-2509"
	DefaultImagePrompt = "Analyze this image and describe what you see."
)

// ErrNoAvailableProvider is returned when no requested target has a queuer.
var ErrNoAvailableProvider = errors.New("no available provider for requested targets")

// ErrReloadUnsupported is returned when the key source cannot be re-resolved.
var ErrReloadUnsupported = errors.New("key source does not support reload")

// Target names one acceptable (provider, model) pair for a request.
type Target struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Answer is a completed request enriched with the chosen route.
type Answer struct {
	Response string
	Provider string
	Model    string
}

// QueueStatus is the externally visible state of one queuer.
type QueueStatus struct {
	Label      string `json:"label"`
	Length     int    `json:"queueLength"`
	Processing bool   `json:"processing"`
}

// Factory supplies the collaborators the router needs to build queuer/client
// pairs from resolved key configs.
type Factory struct {
	Resolver  keys.Resolver
	NewClient func(provider, apiKey string) (providers.Client, error)
	NewStore  func(ctx context.Context, label string) (usage.Store, error)
	Estimator queue.Estimator
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *metrics.Registry
}

type entry struct {
	configs []limits.KeyConfig
	queuers []*queue.Queuer
	clients []providers.Client
}

// Router holds the per-provider queuer sets and picks, for every request,
// the queuer reporting the smallest estimated wait. Ties break in first-seen
// order, so routing is deterministic given identical states.
type Router struct {
	factory Factory

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRouter creates an empty router; call Register per provider to populate.
func NewRouter(f Factory) *Router {
	if f.Clock == nil {
		f.Clock = clock.New()
	}
	if f.Logger == nil {
		f.Logger = slog.Default()
	}
	return &Router{factory: f, entries: make(map[string]*entry)}
}

// Register resolves key configs for the provider and installs one
// queuer/client pair per config. It returns the number of keys installed;
// zero keys is not an error here (bootstrap policy is the caller's).
func (r *Router) Register(ctx context.Context, provider string) (int, error) {
	e, err := r.buildEntry(ctx, provider)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	r.entries[provider] = e
	r.mu.Unlock()
	if n := len(e.queuers); n > 0 {
		r.factory.Logger.Info("provider registered",
			slog.String("provider", provider), slog.Int("keys", n))
		return n, nil
	}
	return 0, nil
}

func (r *Router) buildEntry(ctx context.Context, provider string) (*entry, error) {
	configs, err := r.factory.Resolver.Resolve(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("resolve keys for %s: %w", provider, err)
	}

	e := &entry{configs: configs}
	for i, cfg := range configs {
		if cfg.Label == "" {
			cfg.Label = fmt.Sprintf("%s-%d", provider, i)
		}
		client, err := r.factory.NewClient(provider, cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("client for %s key %q: %w", provider, cfg.Label, err)
		}
		store, err := r.factory.NewStore(ctx, cfg.Label)
		if err != nil {
			return nil, fmt.Errorf("usage store for %s key %q: %w", provider, cfg.Label, err)
		}
		q := queue.New(cfg, store,
			queue.WithClock(r.factory.Clock),
			queue.WithLogger(r.factory.Logger),
			queue.WithMetrics(r.factory.Metrics),
			queue.WithEstimator(r.factory.Estimator),
		)
		e.queuers = append(e.queuers, q)
		e.clients = append(e.clients, client)
	}
	return e, nil
}

// route picks the (queuer, client, target) with the smallest estimated wait
// over every queuer of every candidate's provider. Candidates whose provider
// has no queuers are skipped.
func (r *Router) route(targets []Target, tokensFor func(model string) int64) (*queue.Queuer, providers.Client, Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		bestQ *queue.Queuer
		bestC providers.Client
		bestT Target
		best  int64
	)
	for _, t := range targets {
		e, ok := r.entries[t.Provider]
		if !ok || len(e.queuers) == 0 {
			continue
		}
		tokens := tokensFor(t.Model)
		for i, q := range e.queuers {
			wait := q.EstimateWaitMs(t.Model, tokens)
			if bestQ == nil || wait < best {
				bestQ, bestC, bestT, best = q, e.clients[i], t, wait
			}
		}
	}
	if bestQ == nil {
		return nil, nil, Target{}, ErrNoAvailableProvider
	}
	return bestQ, bestC, bestT, nil
}

// Ask routes a chat request to the best queuer among the targets and blocks
// until it completes. The provider call itself is not cancelled if ctx
// expires; only the wait is abandoned.
func (r *Router) Ask(ctx context.Context, history []providers.Message, targets []Target) (*Answer, error) {
	var sb strings.Builder
	for _, m := range history {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(m.Content)
	}
	text := sb.String()

	tokensFor := func(model string) int64 {
		if r.factory.Estimator == nil {
			return 0
		}
		return r.factory.Estimator(text, model)
	}

	q, client, target, err := r.route(targets, tokensFor)
	if err != nil {
		return nil, err
	}

	execCtx := context.WithoutCancel(ctx)
	fut := q.Add(func() (string, error) {
		return client.Chat(execCtx, target.Model, history)
	}, text, target.Model)

	resp, err := fut.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return &Answer{Response: resp, Provider: target.Provider, Model: target.Model}, nil
}

// AnalyzeImage routes an image-analysis request like Ask. The prompt text
// sizes the request for token limits.
func (r *Router) AnalyzeImage(ctx context.Context, imageB64, prompt string, targets []Target) (*Answer, error) {
	if prompt == "" {
		prompt = DefaultImagePrompt
	}
	if len(targets) == 0 {
		targets = []Target{{Provider: DefaultProvider, Model: DefaultImageModel}}
	}

	tokensFor := func(model string) int64 {
		if r.factory.Estimator == nil {
			return 0
		}
		return r.factory.Estimator(prompt, model)
	}

	q, client, target, err := r.route(targets, tokensFor)
	if err != nil {
		return nil, err
	}

	execCtx := context.WithoutCancel(ctx)
	fut := q.Add(func() (string, error) {
		return client.AnalyzeImage(execCtx, target.Model, imageB64, prompt)
	}, prompt, target.Model)

	resp, err := fut.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return &Answer{Response: resp, Provider: target.Provider, Model: target.Model}, nil
}

// Status returns per-provider queue state.
func (r *Router) Status() map[string][]QueueStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]QueueStatus, len(r.entries))
	for provider, e := range r.entries {
		statuses := make([]QueueStatus, 0, len(e.queuers))
		for _, q := range e.queuers {
			statuses = append(statuses, QueueStatus{
				Label:      q.Label(),
				Length:     q.QueueLength(),
				Processing: q.IsProcessing(),
			})
		}
		out[provider] = statuses
	}
	return out
}

// TotalQueueLengths sums pending items per provider.
func (r *Router) TotalQueueLengths() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.entries))
	for provider, e := range r.entries {
		total := 0
		for _, q := range e.queuers {
			total += q.QueueLength()
		}
		out[provider] = total
	}
	return out
}

// Usage returns the per-queue usage snapshots, keyed provider -> label.
func (r *Router) Usage() map[string]map[string]map[string]queue.ModelUsage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]map[string]map[string]queue.ModelUsage, len(r.entries))
	for provider, e := range r.entries {
		byLabel := make(map[string]map[string]queue.ModelUsage, len(e.queuers))
		for _, q := range e.queuers {
			byLabel[q.Label()] = q.UsageSnapshot()
		}
		out[provider] = byLabel
	}
	return out
}

// Models returns, per provider, the sorted deduplicated model names harvested
// from the configured modelLimits keys. Models served solely under default
// limits do not appear.
func (r *Router) Models() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.entries))
	for provider, e := range r.entries {
		seen := make(map[string]bool)
		for _, cfg := range e.configs {
			for model := range cfg.ModelLimits {
				if model == usage.DefaultModelKey {
					continue
				}
				seen[model] = true
			}
		}
		names := make([]string, 0, len(seen))
		for m := range seen {
			names = append(names, m)
		}
		sort.Strings(names)
		out[provider] = names
	}
	return out
}

// Providers returns the registered provider names, sorted.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for p := range r.entries {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

// QueuerCount returns the number of installed queuers across providers.
func (r *Router) QueuerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		n += len(e.queuers)
	}
	return n
}

// Reload re-resolves key configurations for the named provider ("all" for
// every registered provider) and swaps in fresh queuer/client pairs. Old
// queuers finish their in-flight work against their old clients and are then
// disposed; new arrivals land on the new set.
func (r *Router) Reload(ctx context.Context, provider string) error {
	if !r.factory.Resolver.Reloadable() {
		return ErrReloadUnsupported
	}

	var selected []string
	if provider == "all" {
		selected = r.Providers()
	} else {
		r.mu.RLock()
		_, ok := r.entries[provider]
		r.mu.RUnlock()
		if !ok {
			return fmt.Errorf("unknown provider: %s", provider)
		}
		selected = []string{provider}
	}

	for _, p := range selected {
		fresh, err := r.buildEntry(ctx, p)
		if err != nil {
			return err
		}
		r.mu.Lock()
		old := r.entries[p]
		r.entries[p] = fresh
		r.mu.Unlock()

		r.factory.Logger.Info("provider keys reloaded",
			slog.String("provider", p), slog.Int("keys", len(fresh.queuers)))
		if old != nil {
			go disposeWhenIdle(old.queuers)
		}
	}
	return nil
}

// Close disposes every queuer immediately (process shutdown).
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, e := range r.entries {
		for _, q := range e.queuers {
			if err := q.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// disposeWhenIdle waits for replaced queuers to drain before releasing their
// usage stores, so in-flight dispatches can still record.
func disposeWhenIdle(old []*queue.Queuer) {
	for _, q := range old {
		for q.IsProcessing() || q.QueueLength() > 0 {
			time.Sleep(100 * time.Millisecond)
		}
		_ = q.Close()
	}
}
