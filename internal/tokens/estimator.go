// Package tokens estimates request sizes for token-based rate limits.
package tokens

// charsPerToken is the heuristic divisor for latin-heavy chat text. Provider
// tokenizers differ, but limits only need a consistent best-effort estimate.
const charsPerToken = 4

// Estimate returns the approximate token count for text. The model name is
// accepted for future per-tokenizer ratios; today every model uses the same
// heuristic. Non-empty text never estimates to zero so token limits cannot be
// bypassed by short prompts.
func Estimate(text, model string) int64 {
	_ = model
	if len(text) == 0 {
		return 0
	}
	n := int64(len(text) / charsPerToken)
	if n < 1 {
		n = 1
	}
	return n
}
