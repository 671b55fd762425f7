package normalize

import (
	"encoding/json"

	"github.com/contextlens/contextlens/internal/capture"
)

// anthropicRequest is the Anthropic Messages API request shape.
type anthropicRequest struct {
	Model    string             `json:"model"`
	System   json.RawMessage    `json:"system"`
	Messages []anthropicMessage `json:"messages"`
	Tools    []json.RawMessage  `json:"tools"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// anthropicBlock covers every content block variant the Messages API
// accepts. Unknown fields (cache_control and similar markers) are ignored
// so a block is only ever counted once, under its natural category.
type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

func parseAnthropic(rawBody []byte) *capture.ContextInfo {
	var req anthropicRequest
	if err := json.Unmarshal(rawBody, &req); err != nil || len(req.Messages) == 0 && len(req.System) == 0 {
		return nil
	}

	ci := &capture.ContextInfo{
		Model:         req.Model,
		SystemPrompts: parseAnthropicSystem(req.System),
		Tools:         req.Tools,
	}
	ci.SystemTokens = systemTokens(ci.SystemPrompts)
	ci.ToolsTokens = rawToolsTokens(req.Tools)

	for _, m := range req.Messages {
		ci.Messages = append(ci.Messages, parseAnthropicMessage(m))
	}
	ci.Messages = finishMessages(ci.Messages)
	return ci
}

// parseAnthropicSystem handles the string-or-block-list system field.
func parseAnthropicSystem(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	var blocks []anthropicBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	var prompts []string
	for _, b := range blocks {
		if b.Text != "" {
			prompts = append(prompts, b.Text)
		}
	}
	return prompts
}

func parseAnthropicMessage(m anthropicMessage) capture.ParsedMessage {
	msg := capture.ParsedMessage{Role: m.Role}

	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		msg.Content = s
		return msg
	}

	var blocks []anthropicBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		msg.Content = string(m.Content)
		return msg
	}

	for _, b := range blocks {
		msg.ContentBlocks = append(msg.ContentBlocks, convertAnthropicBlock(b))
	}
	msg.Content = flatText(msg.ContentBlocks)
	return msg
}

func convertAnthropicBlock(b anthropicBlock) capture.ContentBlock {
	switch b.Type {
	case "tool_use":
		return capture.ContentBlock{
			Type:  capture.BlockToolUse,
			ID:    b.ID,
			Name:  b.Name,
			Input: b.Input,
		}
	case "tool_result":
		return capture.ContentBlock{
			Type:      capture.BlockToolResult,
			ToolUseID: b.ToolUseID,
			Content:   b.Content,
		}
	case "thinking", "redacted_thinking":
		return capture.ContentBlock{Type: capture.BlockThinking, Text: b.Thinking}
	case "image":
		return capture.ContentBlock{Type: capture.BlockImage}
	default:
		return capture.ContentBlock{Type: capture.BlockText, Text: b.Text}
	}
}

// rawToolsTokens estimates tokens for opaque provider tool definitions.
func rawToolsTokens(tools []json.RawMessage) int {
	sum := 0
	for _, t := range tools {
		sum += capture.EstimateTokens(string(t))
	}
	return sum
}
