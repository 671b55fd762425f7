// Package analyze derives per-entry analytics from normalized contexts:
// content composition, cost, context limits, health scoring, source tool
// detection, and session stats reporting.
package analyze

import (
	"math"
	"sort"
	"strings"

	"github.com/contextlens/contextlens/internal/capture"
)

// Composition categories.
const (
	CategorySystemPrompt    = "system_prompt"
	CategoryToolDefinitions = "tool_definitions"
	CategoryToolCalls       = "tool_calls"
	CategoryToolResults     = "tool_results"
	CategoryUserText        = "user_text"
	CategoryAssistantText   = "assistant_text"
	CategoryThinking        = "thinking"
	CategorySystemInjection = "system_injection"
	CategoryImages          = "images"
	CategoryOther           = "other"
)

// InjectionMarker tags reminder text that tools splice into otherwise
// normal user content.
const InjectionMarker = "<system-reminder>"

// Composition classifies a context's content into categories, one entry
// per category present, sorted by token count descending. Per-block
// tokens are attributed by distributing each message's (possibly
// reconciled) count across its blocks proportionally to their size
// estimates; NormalizeComposition then squares the total.
func Composition(ci *capture.ContextInfo) []capture.CompositionEntry {
	if ci == nil {
		return nil
	}

	tokens := make(map[string]int)
	counts := make(map[string]int)
	add := func(category string, t, n int) {
		tokens[category] += t
		counts[category] += n
	}

	if ci.SystemTokens > 0 || len(ci.SystemPrompts) > 0 {
		add(CategorySystemPrompt, ci.SystemTokens, len(ci.SystemPrompts))
	}
	if ci.ToolsTokens > 0 || len(ci.Tools) > 0 {
		add(CategoryToolDefinitions, ci.ToolsTokens, len(ci.Tools))
	}

	for i := range ci.Messages {
		classifyMessage(&ci.Messages[i], add)
	}

	entries := make([]capture.CompositionEntry, 0, len(tokens))
	for category, t := range tokens {
		entries = append(entries, capture.CompositionEntry{
			Category: category,
			Tokens:   t,
			Count:    counts[category],
		})
	}
	sort.Slice(entries, func(a, b int) bool {
		if entries[a].Tokens != entries[b].Tokens {
			return entries[a].Tokens > entries[b].Tokens
		}
		return entries[a].Category < entries[b].Category
	})
	return entries
}

func classifyMessage(msg *capture.ParsedMessage, add func(string, int, int)) {
	if len(msg.ContentBlocks) == 0 {
		add(flatCategory(msg), msg.Tokens, 1)
		return
	}

	// distribute the message's token count across blocks by estimate share
	estimates := make([]int, len(msg.ContentBlocks))
	total := 0
	for i := range msg.ContentBlocks {
		estimates[i] = capture.BlockTokens(&msg.ContentBlocks[i])
		total += estimates[i]
	}

	remaining := msg.Tokens
	for i := range msg.ContentBlocks {
		share := 0
		if total > 0 {
			share = int(math.Round(float64(msg.Tokens) * float64(estimates[i]) / float64(total)))
		} else if i == 0 {
			share = msg.Tokens
		}
		if share > remaining {
			share = remaining
		}
		if i == len(msg.ContentBlocks)-1 {
			share = remaining
		}
		remaining -= share
		add(blockCategory(msg.Role, &msg.ContentBlocks[i]), share, 1)
	}
}

func flatCategory(msg *capture.ParsedMessage) string {
	if strings.Contains(msg.Content, InjectionMarker) {
		return CategorySystemInjection
	}
	switch msg.Role {
	case capture.RoleUser:
		return CategoryUserText
	case capture.RoleAssistant:
		return CategoryAssistantText
	default:
		return CategoryOther
	}
}

func blockCategory(role string, b *capture.ContentBlock) string {
	switch b.Type {
	case capture.BlockToolUse:
		return CategoryToolCalls
	case capture.BlockToolResult:
		return CategoryToolResults
	case capture.BlockThinking:
		return CategoryThinking
	case capture.BlockImage:
		return CategoryImages
	case capture.BlockText, capture.BlockInputText:
		if strings.Contains(b.Text, InjectionMarker) {
			return CategorySystemInjection
		}
		switch role {
		case capture.RoleUser:
			return CategoryUserText
		case capture.RoleAssistant:
			return CategoryAssistantText
		}
		return CategoryOther
	default:
		return CategoryOther
	}
}

// NormalizeComposition rescales entries so their token sum equals the
// reconciled total exactly, correcting the rounding residual on the
// largest entry, and recomputes percentages against that total.
func NormalizeComposition(entries []capture.CompositionEntry, total int) []capture.CompositionEntry {
	if len(entries) == 0 {
		return entries
	}

	sum := 0
	for i := range entries {
		sum += entries[i].Tokens
	}

	if total <= 0 {
		for i := range entries {
			entries[i].Tokens = 0
			entries[i].Pct = 0
		}
		return entries
	}

	ratio := 0.0
	if sum > 0 {
		ratio = float64(total) / float64(sum)
	}

	scaled := 0
	for i := range entries {
		entries[i].Tokens = int(math.Round(float64(entries[i].Tokens) * ratio))
		scaled += entries[i].Tokens
	}

	residual := total - scaled
	for residual != 0 {
		largest := 0
		for i := range entries {
			if entries[i].Tokens > entries[largest].Tokens {
				largest = i
			}
		}
		next := entries[largest].Tokens + residual
		if next < 0 {
			residual = next
			entries[largest].Tokens = 0
			continue
		}
		entries[largest].Tokens = next
		residual = 0
	}

	for i := range entries {
		entries[i].Pct = math.Round(float64(entries[i].Tokens)/float64(total)*1000) / 10
	}

	sort.Slice(entries, func(a, b int) bool {
		if entries[a].Tokens != entries[b].Tokens {
			return entries[a].Tokens > entries[b].Tokens
		}
		return entries[a].Category < entries[b].Category
	})
	return entries
}
