package analyze

import (
	"strings"

	"github.com/contextlens/contextlens/internal/capture"
)

// modelPrice holds USD per million tokens. Cache reads and writes are
// priced separately from fresh input.
type modelPrice struct {
	input      float64
	output     float64
	cacheRead  float64
	cacheWrite float64
}

// priceTable maps model-name substrings to prices. More specific
// substrings come before generic ones; first match wins.
var priceTable = []struct {
	match string
	price modelPrice
}{
	{"claude-opus-4", modelPrice{15, 75, 1.5, 18.75}},
	{"claude-sonnet-4", modelPrice{3, 15, 0.3, 3.75}},
	{"claude-3-7-sonnet", modelPrice{3, 15, 0.3, 3.75}},
	{"claude-3-5-haiku", modelPrice{0.8, 4, 0.08, 1}},
	{"claude-haiku", modelPrice{1, 5, 0.1, 1.25}},
	{"claude", modelPrice{3, 15, 0.3, 3.75}},
	{"gpt-5-mini", modelPrice{0.25, 2, 0.025, 0}},
	{"gpt-5-nano", modelPrice{0.05, 0.4, 0.005, 0}},
	{"gpt-5", modelPrice{1.25, 10, 0.125, 0}},
	{"gpt-4.1-mini", modelPrice{0.4, 1.6, 0.1, 0}},
	{"gpt-4.1", modelPrice{2, 8, 0.5, 0}},
	{"gpt-4o-mini", modelPrice{0.15, 0.6, 0.075, 0}},
	{"gpt-4o", modelPrice{2.5, 10, 1.25, 0}},
	{"o4-mini", modelPrice{1.1, 4.4, 0.275, 0}},
	{"o3", modelPrice{2, 8, 0.5, 0}},
	{"gemini-2.5-pro", modelPrice{1.25, 10, 0.31, 0}},
	{"gemini-2.5-flash", modelPrice{0.3, 2.5, 0.075, 0}},
	{"gemini-2.0-flash", modelPrice{0.1, 0.4, 0.025, 0}},
	{"gemini", modelPrice{1.25, 10, 0.31, 0}},
}

// CostUSD computes the cost of one exchange from reconciled usage and
// the per-model price table. Unknown models cost 0.
func CostUSD(model string, u *capture.TokenUsage) float64 {
	if u == nil || model == "" {
		return 0
	}
	lower := strings.ToLower(model)
	for _, row := range priceTable {
		if !strings.Contains(lower, row.match) {
			continue
		}
		const mtok = 1e6
		return float64(u.InputTokens)/mtok*row.price.input +
			float64(u.OutputTokens)/mtok*row.price.output +
			float64(u.CacheReadTokens)/mtok*row.price.cacheRead +
			float64(u.CacheWriteTokens)/mtok*row.price.cacheWrite
	}
	return 0
}

// contextLimits maps model-name substrings to context window sizes.
var contextLimits = []struct {
	match string
	limit int
}{
	{"claude-sonnet-4", 200000},
	{"claude-opus-4", 200000},
	{"claude", 200000},
	{"gpt-5", 400000},
	{"gpt-4.1", 1047576},
	{"gpt-4o", 128000},
	{"o3", 200000},
	{"o4-mini", 200000},
	{"gemini-1.5-pro", 2097152},
	{"gemini", 1048576},
}

// ContextLimit resolves the context window for a model. Config overrides
// (substring keyed) win over the built-in table; unknown models get 0.
func ContextLimit(model string, overrides map[string]int) int {
	lower := strings.ToLower(model)
	for match, limit := range overrides {
		if strings.Contains(lower, strings.ToLower(match)) {
			return limit
		}
	}
	for _, row := range contextLimits {
		if strings.Contains(lower, row.match) {
			return row.limit
		}
	}
	return 0
}
