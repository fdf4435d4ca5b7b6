package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/modelgate/modelgate/internal/broker"
	"github.com/modelgate/modelgate/internal/limits"
	"github.com/modelgate/modelgate/internal/metrics"
	"github.com/modelgate/modelgate/internal/providers"
	"github.com/modelgate/modelgate/internal/tokens"
	"github.com/modelgate/modelgate/internal/usage"
)

type stubResolver struct {
	configs    map[string][]limits.KeyConfig
	reloadable bool
}

func (s *stubResolver) Reloadable() bool { return s.reloadable }

func (s *stubResolver) Resolve(_ context.Context, provider string) ([]limits.KeyConfig, error) {
	return s.configs[provider], nil
}

type stubClient struct{ provider string }

func (c *stubClient) Provider() string { return c.provider }

func (c *stubClient) Chat(_ context.Context, model string, _ []providers.Message) (string, error) {
	return "chat:" + model, nil
}

func (c *stubClient) AnalyzeImage(_ context.Context, model, _, _ string) (string, error) {
	return "image:" + model, nil
}

func setupTestServer(t *testing.T, adminToken string, reloadable bool) *httptest.Server {
	t.Helper()

	resolver := &stubResolver{
		configs: map[string][]limits.KeyConfig{
			"mistral": {{
				Key:   "sk-1",
				Label: "m1",
				ModelLimits: map[string][]limits.Spec{
					"limited-model": {{Type: limits.RPS, Limit: 100}},
				},
			}},
		},
		reloadable: reloadable,
	}
	b := broker.NewRouter(broker.Factory{
		Resolver: resolver,
		NewClient: func(provider, _ string) (providers.Client, error) {
			return &stubClient{provider: provider}, nil
		},
		NewStore: func(_ context.Context, _ string) (usage.Store, error) {
			return usage.NewMemory(nil), nil
		},
		Estimator: tokens.Estimate,
	})
	if _, err := b.Register(t.Context(), "mistral"); err != nil {
		t.Fatalf("register: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	guard, err := NewAdminGuard(adminToken)
	if err != nil {
		t.Fatalf("admin guard: %v", err)
	}

	r := chi.NewRouter()
	MountRoutes(r, Dependencies{
		Broker:    b,
		Metrics:   metrics.New(),
		Estimator: tokens.Estimate,
		Admin:     guard,
	})
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealth(t *testing.T) {
	ts := setupTestServer(t, "", false)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body := decode(t, resp)
	if body["status"] != "ok" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestAsk_BareModelString(t *testing.T) {
	ts := setupTestServer(t, "", false)
	resp := postJSON(t, ts.URL+"/ask", map[string]any{
		"history": []map[string]string{{"role": "user", "content": "hello"}},
		"model":   "some-model",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body := decode(t, resp)
	if body["response"] != "chat:some-model" {
		t.Fatalf("unexpected response: %v", body)
	}
	if body["provider"] != "mistral" {
		t.Fatalf("bare model must default to mistral, got %v", body["provider"])
	}
	if _, ok := body["providers"]; !ok {
		t.Fatal("missing queue summary")
	}
}

func TestAsk_TargetObjectAndList(t *testing.T) {
	ts := setupTestServer(t, "", false)

	resp := postJSON(t, ts.URL+"/ask", map[string]any{
		"history": []map[string]string{{"role": "user", "content": "hello"}},
		"model":   map[string]string{"provider": "mistral", "model": "obj-model"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("object form: status %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/ask", map[string]any{
		"history": []map[string]string{{"role": "user", "content": "hello"}},
		"model": []map[string]string{
			{"provider": "gemini", "model": "g"},
			{"provider": "mistral", "model": "m"},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list form: status %d", resp.StatusCode)
	}
	// gemini is not registered, so the mistral target serves.
	body := decode(t, resp)
	if body["provider"] != "mistral" {
		t.Fatalf("expected fallback to mistral, got %v", body["provider"])
	}
}

func TestAsk_ValidationErrors(t *testing.T) {
	ts := setupTestServer(t, "", false)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"empty history", map[string]any{
			"history": []map[string]string{},
			"model":   "m",
		}},
		{"unknown role", map[string]any{
			"history": []map[string]string{{"role": "wizard", "content": "x"}},
			"model":   "m",
		}},
		{"missing model", map[string]any{
			"history": []map[string]string{{"role": "user", "content": "x"}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/ask", tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestAsk_UnknownProviderIs503(t *testing.T) {
	ts := setupTestServer(t, "", false)
	resp := postJSON(t, ts.URL+"/ask", map[string]any{
		"history": []map[string]string{{"role": "user", "content": "x"}},
		"model":   map[string]string{"provider": "nobody", "model": "m"},
	})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestAnalyzeImage_Validation(t *testing.T) {
	ts := setupTestServer(t, "", false)

	resp := postJSON(t, ts.URL+"/analyze-image", map[string]any{"prompt": "what"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing image: expected 400, got %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/analyze-image", map[string]any{"image": "!!not-base64!!"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad base64: expected 400, got %d", resp.StatusCode)
	}
}

func TestAnalyzeImage_DefaultsApplied(t *testing.T) {
	ts := setupTestServer(t, "", false)
	resp := postJSON(t, ts.URL+"/analyze-image", map[string]any{"image": "aW1hZ2U="})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body := decode(t, resp)
	if body["model"] != broker.DefaultImageModel {
		t.Fatalf("expected default image model, got %v", body["model"])
	}
	if body["analysis"] != "image:"+broker.DefaultImageModel {
		t.Fatalf("unexpected analysis: %v", body)
	}
}

func TestModelsEndpoint(t *testing.T) {
	ts := setupTestServer(t, "", false)
	resp, err := http.Get(ts.URL + "/models")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body map[string][]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body["mistral"]) != 1 || body["mistral"][0] != "limited-model" {
		t.Fatalf("unexpected models: %v", body)
	}
}

func TestEstimateTokensEndpoint(t *testing.T) {
	ts := setupTestServer(t, "", false)
	resp, err := http.Get(ts.URL + "/estimate-tokens?text=abcdefgh&model=m")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body := decode(t, resp)
	if body["estimatedTokens"].(float64) != 2 {
		t.Fatalf("expected 2 tokens for 8 chars, got %v", body["estimatedTokens"])
	}
}

func TestUsageEndpoint(t *testing.T) {
	ts := setupTestServer(t, "", false)

	// Drive one limited request through so usage has something to report.
	resp := postJSON(t, ts.URL+"/ask", map[string]any{
		"history": []map[string]string{{"role": "user", "content": "count me"}},
		"model":   "limited-model",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ask: status %d", resp.StatusCode)
	}

	resp2, err := http.Get(ts.URL + "/usage")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp2.Body.Close()
	body := decode(t, resp2)
	agg, ok := body["aggregate"].(map[string]any)
	if !ok {
		t.Fatalf("missing aggregate: %v", body)
	}
	model, ok := agg["limited-model"].(map[string]any)
	if !ok {
		t.Fatalf("model missing from aggregate: %v", agg)
	}
	if model["monthRequests"].(float64) != 1 {
		t.Fatalf("expected 1 recorded request, got %v", model)
	}
}

func TestAdminGuard(t *testing.T) {
	ts := setupTestServer(t, "s3cret", true)

	// No token: rejected.
	resp := postJSON(t, ts.URL+"/admin/reload-keys?provider=mistral", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	// Wrong token: rejected.
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/admin/reload-keys?provider=mistral", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong token, got %d", resp2.StatusCode)
	}

	// Correct token: request goes through to the handler.
	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/admin/reload-keys?provider=mistral", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp3, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp3.StatusCode)
	}
}

func TestReloadKeys_StaticSourceIs409(t *testing.T) {
	ts := setupTestServer(t, "", false)
	resp := postJSON(t, ts.URL+"/admin/reload-keys?provider=mistral", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestReloadKeys_MissingProviderIs400(t *testing.T) {
	ts := setupTestServer(t, "", true)
	resp := postJSON(t, ts.URL+"/admin/reload-keys", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
