package normalize

import (
	"encoding/json"

	"github.com/contextlens/contextlens/internal/capture"
)

// chatCompletionsRequest is the OpenAI Chat Completions request shape,
// also used by OpenAI-compatible providers (OpenRouter, Groq, etc.).
type chatCompletionsRequest struct {
	Model    string            `json:"model"`
	Messages []chatMessage     `json:"messages"`
	Tools    []json.RawMessage `json:"tools"`
}

type chatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name"`
	ToolCallID string          `json:"tool_call_id"`
	ToolCalls  []chatToolCall  `json:"tool_calls"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// chatContentPart is one element of an array-form content field.
type chatContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

func parseChatCompletions(rawBody []byte) *capture.ContextInfo {
	var req chatCompletionsRequest
	if err := json.Unmarshal(rawBody, &req); err != nil || len(req.Messages) == 0 {
		return nil
	}

	ci := &capture.ContextInfo{
		Model: req.Model,
		Tools: req.Tools,
	}
	ci.ToolsTokens = rawToolsTokens(req.Tools)

	for _, m := range req.Messages {
		// system/developer roles fold into the system prompt list
		if m.Role == capture.RoleSystem || m.Role == capture.RoleDeveloper {
			if text := chatContentText(m.Content); text != "" {
				ci.SystemPrompts = append(ci.SystemPrompts, text)
			}
			continue
		}
		ci.Messages = append(ci.Messages, parseChatMessage(m))
	}

	ci.SystemTokens = systemTokens(ci.SystemPrompts)
	ci.Messages = finishMessages(ci.Messages)
	return ci
}

func parseChatMessage(m chatMessage) capture.ParsedMessage {
	// tool role carries a single tool_result
	if m.Role == "tool" {
		msg := capture.ParsedMessage{
			Role: capture.RoleUser,
			ContentBlocks: []capture.ContentBlock{{
				Type:      capture.BlockToolResult,
				ToolUseID: m.ToolCallID,
				Content:   contentAsJSON(m.Content),
			}},
		}
		msg.Content = flatText(msg.ContentBlocks)
		return msg
	}

	msg := capture.ParsedMessage{Role: m.Role}

	var parts []chatContentPart
	var s string
	switch {
	case json.Unmarshal(m.Content, &s) == nil:
		if s != "" {
			msg.ContentBlocks = append(msg.ContentBlocks, capture.ContentBlock{Type: capture.BlockText, Text: s})
		}
	case json.Unmarshal(m.Content, &parts) == nil:
		for _, p := range parts {
			if p.Type == "image_url" {
				msg.ContentBlocks = append(msg.ContentBlocks, capture.ContentBlock{Type: capture.BlockImage})
				continue
			}
			msg.ContentBlocks = append(msg.ContentBlocks, capture.ContentBlock{Type: capture.BlockText, Text: p.Text})
		}
	}

	for _, tc := range m.ToolCalls {
		msg.ContentBlocks = append(msg.ContentBlocks, capture.ContentBlock{
			Type:  capture.BlockToolUse,
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: parseToolArguments(tc.Function.Arguments),
		})
	}

	msg.Content = flatText(msg.ContentBlocks)
	return msg
}

// chatContentText flattens a string-or-parts content field to text.
func chatContentText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []chatContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	out := ""
	for _, p := range parts {
		if p.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}

// contentAsJSON preserves a content field as raw JSON, wrapping bare
// text so tool_result content is always valid JSON.
func contentAsJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return raw
	}
	b, _ := json.Marshal(string(raw))
	return b
}

// parseToolArguments decodes a serialized arguments string to a map,
// keeping the raw string when the arguments are not an object.
func parseToolArguments(args string) map[string]any {
	if args == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(args), &m); err == nil {
		return m
	}
	return map[string]any{"arguments": args}
}
