package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/modelgate/modelgate/internal/broker"
	"github.com/modelgate/modelgate/internal/providers"
)

var validRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
}

// targetSpec accepts the three wire forms of the model field: a bare model
// name, a single {provider, model} object, or a list of them.
type targetSpec struct {
	targets []broker.Target
}

func (t *targetSpec) UnmarshalJSON(raw []byte) error {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		if name != "" {
			t.targets = []broker.Target{{Provider: broker.DefaultProvider, Model: name}}
		}
		return nil
	}

	var one broker.Target
	if err := json.Unmarshal(raw, &one); err == nil && one.Model != "" {
		if one.Provider == "" {
			one.Provider = broker.DefaultProvider
		}
		t.targets = []broker.Target{one}
		return nil
	}

	var many []broker.Target
	if err := json.Unmarshal(raw, &many); err != nil {
		return fmt.Errorf("model must be a string, an object, or a list")
	}
	for i := range many {
		if many[i].Model == "" {
			return fmt.Errorf("model list entry %d is missing a model name", i)
		}
		if many[i].Provider == "" {
			many[i].Provider = broker.DefaultProvider
		}
	}
	t.targets = many
	return nil
}

type askRequest struct {
	History []providers.Message `json:"history"`
	Model   targetSpec          `json:"model"`
}

// AskHandler routes a chat request and blocks until the answer arrives.
func AskHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req askRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		if len(req.History) == 0 {
			writeError(w, http.StatusBadRequest, "history must not be empty")
			return
		}
		for i, m := range req.History {
			if !validRoles[m.Role] {
				writeError(w, http.StatusBadRequest,
					fmt.Sprintf("history entry %d has unknown role %q", i, m.Role))
				return
			}
		}

		targets := req.Model.targets
		if len(targets) == 0 {
			writeError(w, http.StatusBadRequest, "model is required")
			return
		}

		answer, err := d.Broker.Ask(r.Context(), req.History, targets)
		if err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, broker.ErrNoAvailableProvider) {
				status = http.StatusServiceUnavailable
			}
			writeError(w, status, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"response":  answer.Response,
			"provider":  answer.Provider,
			"model":     answer.Model,
			"providers": providerSummaries(d),
		})
	}
}

type analyzeImageRequest struct {
	Image  string     `json:"image"`
	Prompt string     `json:"prompt"`
	Model  targetSpec `json:"model"`
}

// AnalyzeImageHandler routes an image-analysis request.
func AnalyzeImageHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req analyzeImageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		if req.Image == "" {
			writeError(w, http.StatusBadRequest, "image is required")
			return
		}
		if _, err := base64.StdEncoding.DecodeString(req.Image); err != nil {
			writeError(w, http.StatusBadRequest, "image must be base64-encoded")
			return
		}

		answer, err := d.Broker.AnalyzeImage(r.Context(), req.Image, req.Prompt, req.Model.targets)
		if err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, broker.ErrNoAvailableProvider) {
				status = http.StatusServiceUnavailable
			}
			writeError(w, status, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"analysis":  answer.Response,
			"provider":  answer.Provider,
			"model":     answer.Model,
			"providers": providerSummaries(d),
		})
	}
}

func providerSummaries(d Dependencies) map[string]map[string]int {
	out := make(map[string]map[string]int)
	for provider, total := range d.Broker.TotalQueueLengths() {
		out[provider] = map[string]int{"totalQueueLength": total}
	}
	return out
}

// QueueStatusHandler reports per-provider per-queue state.
func QueueStatusHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.Broker.Status())
	}
}

// UsageHandler reports per-queue snapshots plus a per-model aggregate.
func UsageHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		perQueue := d.Broker.Usage()

		aggregate := make(map[string]map[string]int64)
		for _, byLabel := range perQueue {
			for _, byModel := range byLabel {
				for model, u := range byModel {
					agg, ok := aggregate[model]
					if !ok {
						agg = make(map[string]int64)
						aggregate[model] = agg
					}
					agg["requestsLastMinute"] += int64(u.Requests.Minute)
					agg["requestsLastDay"] += int64(u.Requests.Day)
					agg["monthRequests"] += u.Month.Requests.Count
					agg["monthTokens"] += u.Month.Tokens.Count
				}
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"queues":    perQueue,
			"aggregate": aggregate,
		})
	}
}

// ModelsHandler lists the models with explicit limits, per provider.
func ModelsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.Broker.Models())
	}
}

// EstimateTokensHandler exposes the token estimator for debugging.
func EstimateTokensHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		text := r.URL.Query().Get("text")
		model := r.URL.Query().Get("model")
		var estimated int64
		if d.Estimator != nil {
			estimated = d.Estimator(text, model)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"model":           model,
			"textLength":      len(text),
			"estimatedTokens": estimated,
		})
	}
}

// ReloadKeysHandler re-resolves key configs for one provider or all.
func ReloadKeysHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider := r.URL.Query().Get("provider")
		if provider == "" {
			writeError(w, http.StatusBadRequest, "provider query parameter is required")
			return
		}
		if err := d.Broker.Reload(r.Context(), provider); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, broker.ErrReloadUnsupported) {
				status = http.StatusConflict
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"reloaded": provider,
			"queues":   d.Broker.Status(),
		})
	}
}
