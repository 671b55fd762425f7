package normalize

import (
	"encoding/json"

	"github.com/contextlens/contextlens/internal/capture"
)

// geminiRequest is the generateContent request shape. Gemini Code Assist
// wraps the same body under a top-level `request` field with the model
// alongside it.
type geminiRequest struct {
	Model             string            `json:"model"`
	Request           json.RawMessage   `json:"request"`
	SystemInstruction *geminiContent    `json:"systemInstruction"`
	Contents          []geminiContent   `json:"contents"`
	Tools             []json.RawMessage `json:"tools"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text         string `json:"text"`
	FunctionCall *struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	} `json:"functionCall"`
	FunctionResponse *struct {
		Name     string          `json:"name"`
		Response json.RawMessage `json:"response"`
	} `json:"functionResponse"`
	InlineData *struct {
		MimeType string `json:"mimeType"`
	} `json:"inlineData"`
	ExecutableCode *struct {
		Language string `json:"language"`
		Code     string `json:"code"`
	} `json:"executableCode"`
	Thought bool `json:"thought"`
}

func parseGemini(rawBody []byte) *capture.ContextInfo {
	var req geminiRequest
	if err := json.Unmarshal(rawBody, &req); err != nil {
		return nil
	}

	// Code Assist nests the real request one level down.
	if len(req.Request) > 0 {
		var inner geminiRequest
		if err := json.Unmarshal(req.Request, &inner); err != nil {
			return nil
		}
		if inner.Model == "" {
			inner.Model = req.Model
		}
		req = inner
	}

	if req.SystemInstruction == nil && len(req.Contents) == 0 {
		return nil
	}

	ci := &capture.ContextInfo{
		Model: req.Model,
		Tools: req.Tools,
	}
	ci.ToolsTokens = rawToolsTokens(req.Tools)

	if req.SystemInstruction != nil {
		for _, p := range req.SystemInstruction.Parts {
			if p.Text != "" {
				ci.SystemPrompts = append(ci.SystemPrompts, p.Text)
			}
		}
	}
	ci.SystemTokens = systemTokens(ci.SystemPrompts)

	for _, c := range req.Contents {
		ci.Messages = append(ci.Messages, parseGeminiContent(c))
	}
	ci.Messages = finishMessages(ci.Messages)
	return ci
}

func parseGeminiContent(c geminiContent) capture.ParsedMessage {
	role := c.Role
	if role == "model" {
		role = capture.RoleAssistant
	}
	if role == "" {
		role = capture.RoleUser
	}

	msg := capture.ParsedMessage{Role: role}
	for _, p := range c.Parts {
		msg.ContentBlocks = append(msg.ContentBlocks, convertGeminiPart(p))
	}
	msg.Content = flatText(msg.ContentBlocks)
	return msg
}

func convertGeminiPart(p geminiPart) capture.ContentBlock {
	switch {
	case p.FunctionCall != nil:
		return capture.ContentBlock{
			Type:  capture.BlockToolUse,
			Name:  p.FunctionCall.Name,
			Input: p.FunctionCall.Args,
		}
	case p.FunctionResponse != nil:
		return capture.ContentBlock{
			Type:    capture.BlockToolResult,
			Name:    p.FunctionResponse.Name,
			Content: p.FunctionResponse.Response,
		}
	case p.InlineData != nil:
		return capture.ContentBlock{Type: capture.BlockImage}
	case p.ExecutableCode != nil:
		return capture.ContentBlock{Type: capture.BlockText, Text: p.ExecutableCode.Code}
	case p.Thought:
		return capture.ContentBlock{Type: capture.BlockThinking, Text: p.Text}
	default:
		return capture.ContentBlock{Type: capture.BlockText, Text: p.Text}
	}
}
