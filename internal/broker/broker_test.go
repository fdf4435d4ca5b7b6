package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/modelgate/modelgate/internal/clock"
	"github.com/modelgate/modelgate/internal/keys"
	"github.com/modelgate/modelgate/internal/limits"
	"github.com/modelgate/modelgate/internal/providers"
	"github.com/modelgate/modelgate/internal/usage"
)

var testStart = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

// fakeResolver serves canned configs per provider and counts resolves.
type fakeResolver struct {
	mu         sync.Mutex
	configs    map[string][]limits.KeyConfig
	reloadable bool
	resolves   int
}

func (f *fakeResolver) Reloadable() bool { return f.reloadable }

func (f *fakeResolver) Resolve(_ context.Context, provider string) ([]limits.KeyConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves++
	return f.configs[provider], nil
}

func (f *fakeResolver) set(provider string, cfgs []limits.KeyConfig) {
	f.mu.Lock()
	f.configs[provider] = cfgs
	f.mu.Unlock()
}

// fakeClient records which key served each call.
type fakeClient struct {
	provider string
	apiKey   string

	mu    sync.Mutex
	calls []string
}

func (c *fakeClient) Provider() string { return c.provider }

func (c *fakeClient) Chat(_ context.Context, model string, _ []providers.Message) (string, error) {
	c.mu.Lock()
	c.calls = append(c.calls, model)
	c.mu.Unlock()
	return "reply from " + c.apiKey, nil
}

func (c *fakeClient) AnalyzeImage(_ context.Context, model, _, _ string) (string, error) {
	c.mu.Lock()
	c.calls = append(c.calls, model)
	c.mu.Unlock()
	return "analysis from " + c.apiKey, nil
}

type harness struct {
	router   *Router
	resolver *fakeResolver
	clk      *clock.Fake

	mu      sync.Mutex
	clients map[string]*fakeClient   // key -> client
	stores  map[string]*usage.Memory // label -> store
}

func newHarness(t *testing.T, configs map[string][]limits.KeyConfig, reloadable bool) *harness {
	t.Helper()
	h := &harness{
		resolver: &fakeResolver{configs: configs, reloadable: reloadable},
		clk:      clock.NewFakeAt(testStart),
		clients:  make(map[string]*fakeClient),
		stores:   make(map[string]*usage.Memory),
	}
	h.router = NewRouter(Factory{
		Resolver: h.resolver,
		NewClient: func(provider, apiKey string) (providers.Client, error) {
			c := &fakeClient{provider: provider, apiKey: apiKey}
			h.mu.Lock()
			h.clients[apiKey] = c
			h.mu.Unlock()
			return c, nil
		},
		NewStore: func(_ context.Context, label string) (usage.Store, error) {
			s := usage.NewMemory(h.clk)
			h.mu.Lock()
			h.stores[label] = s
			h.mu.Unlock()
			return s, nil
		},
		Clock: h.clk,
	})
	t.Cleanup(func() { _ = h.router.Close() })
	for p := range configs {
		if _, err := h.router.Register(t.Context(), p); err != nil {
			t.Fatalf("register %s: %v", p, err)
		}
	}
	return h
}

func limited(key, label string) limits.KeyConfig {
	return limits.KeyConfig{
		Key:           key,
		Label:         label,
		DefaultLimits: []limits.Spec{{Type: limits.RPS, Limit: 1}},
	}
}

func TestAsk_RoutesToConfiguredProvider(t *testing.T) {
	h := newHarness(t, map[string][]limits.KeyConfig{
		"mistral": {limited("sk-1", "m1")},
	}, false)

	ans, err := h.router.Ask(t.Context(),
		[]providers.Message{{Role: "user", Content: "hello"}},
		[]Target{{Provider: "mistral", Model: "model-a"}})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if ans.Provider != "mistral" || ans.Model != "model-a" {
		t.Fatalf("wrong route: %+v", ans)
	}
	if ans.Response != "reply from sk-1" {
		t.Fatalf("wrong client answered: %q", ans.Response)
	}
}

func TestAsk_NoAvailableProvider(t *testing.T) {
	h := newHarness(t, map[string][]limits.KeyConfig{
		"mistral": {limited("sk-1", "m1")},
	}, false)

	_, err := h.router.Ask(t.Context(),
		[]providers.Message{{Role: "user", Content: "hello"}},
		[]Target{{Provider: "gemini", Model: "model-a"}})
	if !errors.Is(err, ErrNoAvailableProvider) {
		t.Fatalf("expected ErrNoAvailableProvider, got %v", err)
	}
}

func TestAsk_PicksKeyWithSmallestEstimatedWait(t *testing.T) {
	h := newHarness(t, map[string][]limits.KeyConfig{
		"mistral": {limited("sk-busy", "busy"), limited("sk-free", "free")},
	}, false)

	// Fill the busy key's 1-rps window so its estimate is nonzero.
	busy := h.stores["busy"]
	nowMS := h.clk.Now().UnixMilli()
	busy.Set("model-a", limits.Record(nowMS, 0, busy.Get("model-a")))

	ans, err := h.router.Ask(t.Context(),
		[]providers.Message{{Role: "user", Content: "hello"}},
		[]Target{{Provider: "mistral", Model: "model-a"}})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if ans.Response != "reply from sk-free" {
		t.Fatalf("expected the idle key to serve, got %q", ans.Response)
	}
}

func TestAsk_FirstSeenTieBreak(t *testing.T) {
	h := newHarness(t, map[string][]limits.KeyConfig{
		"mistral": {limited("sk-1", "a"), limited("sk-2", "b")},
	}, false)

	// Both keys idle: the first-listed key wins deterministically.
	ans, err := h.router.Ask(t.Context(),
		[]providers.Message{{Role: "user", Content: "hi"}},
		[]Target{{Provider: "mistral", Model: "m"}})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if ans.Response != "reply from sk-1" {
		t.Fatalf("tie should break first-seen, got %q", ans.Response)
	}
}

func TestAnalyzeImage_DefaultsTargetAndPrompt(t *testing.T) {
	h := newHarness(t, map[string][]limits.KeyConfig{
		"mistral": {limited("sk-1", "m1")},
	}, false)

	ans, err := h.router.AnalyzeImage(t.Context(), "aW1hZ2U=", "", nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if ans.Model != DefaultImageModel || ans.Provider != DefaultProvider {
		t.Fatalf("defaults not applied: %+v", ans)
	}
}

func TestModels_HarvestsModelLimitKeys(t *testing.T) {
	cfg := limits.KeyConfig{
		Key:   "sk-1",
		Label: "m1",
		ModelLimits: map[string][]limits.Spec{
			"zeta":                {{Type: limits.RPS, Limit: 1}},
			"alpha":               {{Type: limits.RPS, Limit: 1}},
			usage.DefaultModelKey: {{Type: limits.RPS, Limit: 1}},
		},
	}
	h := newHarness(t, map[string][]limits.KeyConfig{"mistral": {cfg}}, false)

	models := h.router.Models()
	got, ok := models["mistral"]
	if !ok {
		t.Fatalf("provider missing: %v", models)
	}
	want := []string{"alpha", "zeta"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected sorted %v without the default key, got %v", want, got)
	}
}

func TestReload_RejectedForStaticResolver(t *testing.T) {
	h := newHarness(t, map[string][]limits.KeyConfig{
		"mistral": {limited("sk-1", "m1")},
	}, false)

	err := h.router.Reload(t.Context(), "mistral")
	if !errors.Is(err, ErrReloadUnsupported) {
		t.Fatalf("expected ErrReloadUnsupported, got %v", err)
	}
}

func TestReload_SwapsInFreshKeySet(t *testing.T) {
	h := newHarness(t, map[string][]limits.KeyConfig{
		"mistral": {limited("sk-old", "old")},
	}, true)

	h.resolver.set("mistral", []limits.KeyConfig{
		limited("sk-new-1", "new-1"),
		limited("sk-new-2", "new-2"),
	})
	if err := h.router.Reload(t.Context(), "mistral"); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if n := h.router.QueuerCount(); n != 2 {
		t.Fatalf("expected 2 queuers after reload, got %d", n)
	}

	ans, err := h.router.Ask(t.Context(),
		[]providers.Message{{Role: "user", Content: "hi"}},
		[]Target{{Provider: "mistral", Model: "m"}})
	if err != nil {
		t.Fatalf("ask after reload: %v", err)
	}
	if ans.Response == "reply from sk-old" {
		t.Fatal("request served by a replaced key")
	}
}

func TestReload_UnknownProvider(t *testing.T) {
	h := newHarness(t, map[string][]limits.KeyConfig{
		"mistral": {limited("sk-1", "m1")},
	}, true)

	if err := h.router.Reload(t.Context(), "nope"); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestStatusAndQueueLengths(t *testing.T) {
	h := newHarness(t, map[string][]limits.KeyConfig{
		"mistral": {limited("sk-1", "m1")},
		"gemini":  {limited("sk-2", "g1")},
	}, false)

	status := h.router.Status()
	if len(status) != 2 || len(status["mistral"]) != 1 || status["mistral"][0].Label != "m1" {
		t.Fatalf("unexpected status: %+v", status)
	}

	totals := h.router.TotalQueueLengths()
	if totals["mistral"] != 0 || totals["gemini"] != 0 {
		t.Fatalf("idle queues should be empty: %v", totals)
	}

	got := h.router.Providers()
	if len(got) != 2 || got[0] != "gemini" || got[1] != "mistral" {
		t.Fatalf("providers not sorted: %v", got)
	}
}

var _ keys.Resolver = (*fakeResolver)(nil)
