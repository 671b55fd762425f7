package normalize

import (
	"encoding/json"

	"github.com/contextlens/contextlens/internal/capture"
)

// responsesRequest covers the OpenAI Responses API and the ChatGPT
// backend variant used by Codex in subscription mode. The backend wraps
// the same item shapes but may carry `system` instead of `instructions`
// and `messages` instead of `input`.
type responsesRequest struct {
	Model        string            `json:"model"`
	Instructions string            `json:"instructions"`
	System       json.RawMessage   `json:"system"`
	Input        json.RawMessage   `json:"input"`
	Messages     []json.RawMessage `json:"messages"`
	Tools        []json.RawMessage `json:"tools"`
}

// responsesItem is one typed item of the `input` array.
type responsesItem struct {
	Type      string          `json:"type"`
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Name      string          `json:"name"`
	Arguments string          `json:"arguments"`
	CallID    string          `json:"call_id"`
	Output    json.RawMessage `json:"output"`
	Summary   []responsesPart `json:"summary"`
}

type responsesPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func parseResponses(rawBody []byte) *capture.ContextInfo {
	var req responsesRequest
	if err := json.Unmarshal(rawBody, &req); err != nil {
		return nil
	}
	if req.Instructions == "" && len(req.System) == 0 && len(req.Input) == 0 && len(req.Messages) == 0 {
		return nil
	}

	ci := &capture.ContextInfo{
		Model: req.Model,
		Tools: req.Tools,
	}
	ci.ToolsTokens = rawToolsTokens(req.Tools)

	if req.Instructions != "" {
		ci.SystemPrompts = append(ci.SystemPrompts, req.Instructions)
	}
	ci.SystemPrompts = append(ci.SystemPrompts, parseAnthropicSystem(req.System)...)
	ci.SystemTokens = systemTokens(ci.SystemPrompts)

	items := req.Messages
	if len(items) == 0 {
		items = responsesInputItems(req.Input)
	}

	for _, raw := range items {
		if msg, ok := parseResponsesItem(raw); ok {
			ci.Messages = append(ci.Messages, msg)
		}
	}
	ci.Messages = finishMessages(ci.Messages)
	return ci
}

// responsesInputItems handles the string-or-array input field. A plain
// string submission is a single user turn.
func responsesInputItems(raw json.RawMessage) []json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		b, _ := json.Marshal(map[string]any{
			"type":    "message",
			"role":    capture.RoleUser,
			"content": s,
		})
		return []json.RawMessage{b}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	return items
}

func parseResponsesItem(raw json.RawMessage) (capture.ParsedMessage, bool) {
	var item responsesItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return capture.ParsedMessage{}, false
	}

	switch item.Type {
	case "function_call":
		msg := capture.ParsedMessage{
			Role: capture.RoleAssistant,
			ContentBlocks: []capture.ContentBlock{{
				Type:  capture.BlockToolUse,
				ID:    item.CallID,
				Name:  item.Name,
				Input: parseToolArguments(item.Arguments),
			}},
		}
		return msg, true

	case "function_call_output":
		msg := capture.ParsedMessage{
			Role: capture.RoleUser,
			ContentBlocks: []capture.ContentBlock{{
				Type:      capture.BlockToolResult,
				ToolUseID: item.CallID,
				Content:   contentAsJSON(item.Output),
			}},
		}
		msg.Content = flatText(msg.ContentBlocks)
		return msg, true

	case "reasoning":
		text := ""
		for _, p := range item.Summary {
			if p.Text != "" {
				if text != "" {
					text += "\n"
				}
				text += p.Text
			}
		}
		msg := capture.ParsedMessage{
			Role:          capture.RoleAssistant,
			ContentBlocks: []capture.ContentBlock{{Type: capture.BlockThinking, Text: text}},
			Content:       text,
		}
		return msg, true

	case "message", "":
		role := item.Role
		if role == "" {
			return capture.ParsedMessage{}, false
		}
		msg := capture.ParsedMessage{Role: role}
		msg.ContentBlocks = parseResponsesContent(item.Content)
		msg.Content = flatText(msg.ContentBlocks)
		return msg, true

	default:
		// output_text and similar free-standing items carry assistant text
		msg := capture.ParsedMessage{Role: capture.RoleAssistant}
		msg.ContentBlocks = parseResponsesContent(item.Content)
		if len(msg.ContentBlocks) == 0 {
			return capture.ParsedMessage{}, false
		}
		msg.Content = flatText(msg.ContentBlocks)
		return msg, true
	}
}

func parseResponsesContent(raw json.RawMessage) []capture.ContentBlock {
	if len(raw) == 0 {
		return nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return []capture.ContentBlock{{Type: capture.BlockText, Text: s}}
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil
	}

	var blocks []capture.ContentBlock
	for _, p := range parts {
		switch p.Type {
		case "input_text":
			blocks = append(blocks, capture.ContentBlock{Type: capture.BlockInputText, Text: p.Text})
		case "input_image", "image":
			blocks = append(blocks, capture.ContentBlock{Type: capture.BlockImage})
		default:
			// output_text, text, refusal
			blocks = append(blocks, capture.ContentBlock{Type: capture.BlockText, Text: p.Text})
		}
	}
	return blocks
}
