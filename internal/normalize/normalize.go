// Package normalize parses provider-specific request bodies into the
// canonical capture.ContextInfo representation.
//
// Each provider/apiFormat pair has its own parser, a pure function from
// raw body bytes to ContextInfo. Unrecognized or non-JSON bodies degrade
// to a single synthetic raw message rather than failing normalization.
package normalize

import (
	"strings"

	"github.com/contextlens/contextlens/internal/capture"
)

// API formats.
const (
	FormatAnthropicMessages = "anthropic-messages"
	FormatChatCompletions   = "chat-completions"
	FormatResponses         = "responses"
	FormatGemini            = "gemini"
	FormatUnknown           = "unknown"
)

// rawExcerptLimit caps the excerpt kept for unparsable request bodies.
const rawExcerptLimit = 2000

// Normalize parses a provider-specific request body into a ContextInfo.
// It never fails: bodies that do not match the expected shape fall back
// to a single raw message holding a truncated excerpt.
func Normalize(provider, apiFormat string, rawBody []byte) *capture.ContextInfo {
	var ci *capture.ContextInfo

	switch {
	case apiFormat == FormatAnthropicMessages:
		ci = parseAnthropic(rawBody)
	case apiFormat == FormatChatCompletions:
		ci = parseChatCompletions(rawBody)
	case apiFormat == FormatResponses:
		ci = parseResponses(rawBody)
	case provider == "gemini" || apiFormat == FormatGemini:
		ci = parseGemini(rawBody)
	}

	if ci == nil {
		ci = rawFallback(rawBody)
	}

	ci.Provider = provider
	ci.APIFormat = apiFormat
	ci.RecomputeTotals()
	return ci
}

// DetectAPIFormat infers the API format from the request path.
func DetectAPIFormat(path string) string {
	switch {
	case strings.Contains(path, "/backend-api/"):
		return FormatResponses
	case strings.Contains(path, "/responses"):
		return FormatResponses
	case strings.Contains(path, "/chat/completions"):
		return FormatChatCompletions
	case strings.Contains(path, "/v1/messages"):
		return FormatAnthropicMessages
	case strings.Contains(path, ":generateContent") || strings.Contains(path, ":streamGenerateContent"):
		return FormatGemini
	default:
		return FormatUnknown
	}
}

// rawFallback builds the degraded single-message context for bodies that
// could not be parsed.
func rawFallback(rawBody []byte) *capture.ContextInfo {
	excerpt := string(rawBody)
	if len(excerpt) > rawExcerptLimit {
		excerpt = excerpt[:rawExcerptLimit]
	}

	msg := capture.ParsedMessage{
		Role:    capture.RoleRaw,
		Content: excerpt,
	}
	msg.Tokens = capture.EstimateTokens(msg.Content)

	return &capture.ContextInfo{
		Messages: []capture.ParsedMessage{msg},
	}
}

// finishMessages computes per-message token estimates in place.
func finishMessages(msgs []capture.ParsedMessage) []capture.ParsedMessage {
	for i := range msgs {
		msgs[i].Tokens = capture.MessageTokens(&msgs[i])
	}
	return msgs
}

// systemTokens sums the estimates for a set of system prompts.
func systemTokens(prompts []string) int {
	sum := 0
	for _, p := range prompts {
		sum += capture.EstimateTokens(p)
	}
	return sum
}

// flatText joins the text-bearing parts of a block list for the flattened
// Content field.
func flatText(blocks []capture.ContentBlock) string {
	var parts []string
	for i := range blocks {
		switch blocks[i].Type {
		case capture.BlockText, capture.BlockInputText, capture.BlockThinking:
			if blocks[i].Text != "" {
				parts = append(parts, blocks[i].Text)
			}
		case capture.BlockToolResult:
			if t := blocks[i].ContentText(); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, "\n")
}
