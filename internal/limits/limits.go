// Package limits defines the rate-limit vocabulary shared by key
// configuration and the admission checker: limit types, per-key limit sets,
// and the pure wait/record functions over usage buckets.
package limits

// Type identifies one limit dimension. The two uppercase-M codes are
// calendar-monthly, not per-minute.
type Type string

const (
	RPS Type = "RPS" // requests per sliding 1-second window
	RPm Type = "RPm" // requests per sliding 1-minute window
	RPD Type = "RPD" // requests per sliding 1-day window
	TPm Type = "TPm" // tokens per fixed (tumbling) 1-minute window
	TPM Type = "TPM" // tokens per calendar month
	RPM Type = "RPM" // requests per calendar month
)

// KnownTypes lists every limit type the engine understands, in a stable order.
var KnownTypes = []Type{RPS, RPm, RPD, TPm, TPM, RPM}

// Spec is a single limit entry.
type Spec struct {
	Type  Type  `json:"type"`
	Limit int64 `json:"limit"`
}

// KeyConfig is one resolved API key with its limits. ModelLimits entries
// override same-typed defaults for that model and extend the set otherwise.
type KeyConfig struct {
	Key             string            `json:"key"`
	Label           string            `json:"label"`
	DefaultLimits   []Spec            `json:"defaultLimits"`
	ModelLimits     map[string][]Spec `json:"modelLimits"`
	FallbackDelayMS int64             `json:"fallbackDelayMs"`
}

// ActiveLimits merges the defaults with the model-specific overrides: every
// model entry replaces the matching type in the defaults; entries whose type
// is absent from the defaults are appended.
func (k KeyConfig) ActiveLimits(model string) []Spec {
	overrides := k.ModelLimits[model]
	if len(overrides) == 0 {
		return append([]Spec(nil), k.DefaultLimits...)
	}

	merged := append([]Spec(nil), k.DefaultLimits...)
	for _, o := range overrides {
		replaced := false
		for i := range merged {
			if merged[i].Type == o.Type {
				merged[i] = o
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, o)
		}
	}
	return merged
}

// HasLimits reports whether any limit applies to the given model.
func (k KeyConfig) HasLimits(model string) bool {
	return len(k.DefaultLimits) > 0 || len(k.ModelLimits[model]) > 0
}
