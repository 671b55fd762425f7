// Package usage extracts authoritative token usage from provider
// responses and reconciles estimated token counts against it.
package usage

import (
	"github.com/contextlens/contextlens/internal/capture"
)

// Parsed is the usage view extracted from one response body.
type Parsed struct {
	Usage         capture.TokenUsage
	Model         string
	FinishReasons []string
	Streaming     bool
	ResponseID    string
}

// FinishReason returns the first finish reason, if any.
func (p *Parsed) FinishReason() string {
	if len(p.FinishReasons) == 0 {
		return ""
	}
	return p.FinishReasons[0]
}

// ParseResponse extracts usage, model, and finish reasons from a
// response union. Raw-marker responses yield an empty Parsed.
func ParseResponse(resp *capture.ResponseData) *Parsed {
	p := &Parsed{}
	if resp == nil {
		return p
	}

	if resp.Streaming {
		p.Streaming = true
		parseSSE(resp.Chunks, p)
		return p
	}

	if resp.Object != nil {
		mergeObject(resp.Object, p)
	}
	return p
}

// mergeObject folds one response object's usage-bearing fields into p.
// It understands the field spellings of all supported providers; values
// already present are only overwritten by non-zero ones, so fields
// scattered across several SSE events accumulate.
func mergeObject(obj map[string]any, p *Parsed) {
	// Anthropic SSE wraps the message object; Responses API terminal
	// events wrap the response object.
	if inner := getMap(obj, "message"); inner != nil {
		mergeObject(inner, p)
	}
	if inner := getMap(obj, "response"); inner != nil {
		mergeObject(inner, p)
	}

	if m := getString(obj, "model"); m != "" {
		p.Model = m
	}
	if m := getString(obj, "modelVersion"); m != "" && p.Model == "" {
		p.Model = m
	}
	if id := getString(obj, "id"); id != "" {
		p.ResponseID = id
	}

	if u := getMap(obj, "usage"); u != nil {
		mergeUsageFields(u, p)
	}
	if u := getMap(obj, "usageMetadata"); u != nil {
		setNonZero(&p.Usage.InputTokens, intField(u, "promptTokenCount"))
		setNonZero(&p.Usage.OutputTokens, intField(u, "candidatesTokenCount"))
		setNonZero(&p.Usage.CacheReadTokens, intField(u, "cachedContentTokenCount"))
		setNonZero(&p.Usage.ThinkingTokens, intField(u, "thoughtsTokenCount"))
		// Gemini counts cached tokens inside promptTokenCount; keep the
		// fresh-input number separable for pricing.
		if p.Usage.CacheReadTokens > 0 && p.Usage.InputTokens >= p.Usage.CacheReadTokens {
			p.Usage.InputTokens -= p.Usage.CacheReadTokens
		}
	}

	// Finish reasons across providers
	if r := getString(obj, "stop_reason"); r != "" {
		p.FinishReasons = appendReason(p.FinishReasons, r)
	}
	if d := getMap(obj, "delta"); d != nil {
		if r := getString(d, "stop_reason"); r != "" {
			p.FinishReasons = appendReason(p.FinishReasons, r)
		}
	}
	if choices, ok := obj["choices"].([]any); ok {
		for _, c := range choices {
			if cm, ok := c.(map[string]any); ok {
				if r := getString(cm, "finish_reason"); r != "" {
					p.FinishReasons = appendReason(p.FinishReasons, r)
				}
			}
		}
	}
	if cands, ok := obj["candidates"].([]any); ok {
		for _, c := range cands {
			if cm, ok := c.(map[string]any); ok {
				if r := getString(cm, "finishReason"); r != "" {
					p.FinishReasons = appendReason(p.FinishReasons, r)
				}
			}
		}
	}
}

// mergeUsageFields reads the usage sub-object in all provider spellings.
func mergeUsageFields(u map[string]any, p *Parsed) {
	// Anthropic and Responses API
	setNonZero(&p.Usage.InputTokens, intField(u, "input_tokens"))
	setNonZero(&p.Usage.OutputTokens, intField(u, "output_tokens"))
	setNonZero(&p.Usage.CacheReadTokens, intField(u, "cache_read_input_tokens"))
	setNonZero(&p.Usage.CacheWriteTokens, intField(u, "cache_creation_input_tokens"))

	// OpenAI Chat Completions
	setNonZero(&p.Usage.InputTokens, intField(u, "prompt_tokens"))
	setNonZero(&p.Usage.OutputTokens, intField(u, "completion_tokens"))
	if d := getMap(u, "prompt_tokens_details"); d != nil {
		cached := intField(d, "cached_tokens")
		if cached > 0 {
			p.Usage.CacheReadTokens = cached
			if p.Usage.InputTokens >= cached {
				p.Usage.InputTokens -= cached
			}
		}
	}
	if d := getMap(u, "input_tokens_details"); d != nil {
		cached := intField(d, "cached_tokens")
		if cached > 0 {
			p.Usage.CacheReadTokens = cached
			if p.Usage.InputTokens >= cached {
				p.Usage.InputTokens -= cached
			}
		}
	}
	if d := getMap(u, "completion_tokens_details"); d != nil {
		setNonZero(&p.Usage.ThinkingTokens, intField(d, "reasoning_tokens"))
	}
	if d := getMap(u, "output_tokens_details"); d != nil {
		setNonZero(&p.Usage.ThinkingTokens, intField(d, "reasoning_tokens"))
	}
}

func appendReason(reasons []string, r string) []string {
	for _, existing := range reasons {
		if existing == r {
			return reasons
		}
	}
	return append(reasons, r)
}

func setNonZero(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func intField(m map[string]any, key string) int {
	if f, ok := m[key].(float64); ok {
		return int(f)
	}
	return 0
}

func getMap(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
