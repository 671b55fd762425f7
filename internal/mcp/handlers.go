package mcp

import (
	"context"
	"encoding/json"
	"os"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/contextlens/contextlens/internal/analyze"
	"github.com/contextlens/contextlens/internal/config"
	"github.com/contextlens/contextlens/internal/errors"
	"github.com/contextlens/contextlens/internal/lhar"
	"github.com/contextlens/contextlens/internal/store"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	store *store.Store
	cfg   *config.Config
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(st *store.Store, cfg *config.Config) *Handlers {
	return &Handlers{store: st, cfg: cfg}
}

// Request types for each tool

// SessionsRequest represents the arguments for lens_sessions.
type SessionsRequest struct {
	Source string `json:"source,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// SessionEntriesRequest represents the arguments for lens_session_entries.
type SessionEntriesRequest struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit,omitempty"`
}

// EntryDetailRequest represents the arguments for lens_entry_detail.
type EntryDetailRequest struct {
	ID int64 `json:"id"`
}

// TagsGetRequest represents the arguments for lens_tags_get.
type TagsGetRequest struct {
	ConversationID string `json:"conversation_id"`
}

// TagsSetRequest represents the arguments for lens_tags_set.
type TagsSetRequest struct {
	ConversationID string   `json:"conversation_id"`
	Tags           []string `json:"tags"`
}

// ExportRequest represents the arguments for lens_export.
type ExportRequest struct {
	Path           string `json:"path"`
	Privacy        string `json:"privacy,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Result types

// SessionSummary is one session in a lens_sessions result.
type SessionSummary struct {
	ID               string   `json:"id"`
	Label            string   `json:"label,omitempty"`
	Source           string   `json:"source,omitempty"`
	WorkingDirectory string   `json:"workingDirectory,omitempty"`
	FirstSeen        string   `json:"firstSeen"`
	Model            string   `json:"model,omitempty"`
	Entries          int      `json:"entries"`
	TotalTokens      int      `json:"totalTokens"`
	CostUSD          float64  `json:"costUsd,omitempty"`
	Tags             []string `json:"tags,omitempty"`
}

// EntrySummary is one exchange in a lens_session_entries result.
type EntrySummary struct {
	ID           int64   `json:"id"`
	Timestamp    string  `json:"timestamp"`
	Model        string  `json:"model,omitempty"`
	AgentLabel   string  `json:"agentLabel,omitempty"`
	TotalTokens  int     `json:"totalTokens"`
	ContextLimit int     `json:"contextLimit,omitempty"`
	CostUSD      float64 `json:"costUsd,omitempty"`
	FinishReason string  `json:"finishReason,omitempty"`
	HealthRating string  `json:"healthRating,omitempty"`
	StatusCode   int     `json:"responseStatus,omitempty"`
}

// Handler implementations

// HandleSessions handles the lens_sessions tool call.
func (h *Handlers) HandleSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SessionsRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	stats := h.store.Stats()
	sessions := make([]SessionSummary, 0, len(stats))
	for _, st := range stats {
		if input.Source != "" && st.Source != input.Source {
			continue
		}
		if input.Limit > 0 && len(sessions) >= input.Limit {
			break
		}
		summary := SessionSummary{
			ID:          st.ConversationID,
			Label:       st.Label,
			Source:      st.Source,
			Model:       st.Model,
			Entries:     st.Entries,
			TotalTokens: st.TotalTokens,
			CostUSD:     st.CostUSD,
		}
		if conv, err := h.store.Conversation(st.ConversationID); err == nil {
			summary.WorkingDirectory = conv.WorkingDirectory
			summary.FirstSeen = conv.FirstSeen
		}
		if tags, err := h.store.GetTags(st.ConversationID); err == nil {
			summary.Tags = tags
		}
		sessions = append(sessions, summary)
	}

	return successResult(map[string]any{"sessions": sessions})
}

// HandleSessionEntries handles the lens_session_entries tool call.
func (h *Handlers) HandleSessionEntries(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SessionEntriesRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.ConversationID == "" {
		return errorResult(errors.NewInvalidRequest("conversation_id is required")), nil
	}

	entries, err := h.store.ConversationEntries(input.ConversationID)
	if err != nil {
		return errorResult(err), nil
	}

	out := make([]EntrySummary, 0, len(entries))
	for _, e := range entries {
		if input.Limit > 0 && len(out) >= input.Limit {
			break
		}
		summary := EntrySummary{
			ID:           e.ID,
			Timestamp:    e.Timestamp,
			Model:        e.Model,
			AgentLabel:   e.AgentLabel,
			ContextLimit: e.ContextLimit,
			CostUSD:      e.CostUSD,
			FinishReason: e.FinishReason,
			StatusCode:   e.StatusCode,
		}
		if e.ContextInfo != nil {
			summary.TotalTokens = e.ContextInfo.TotalTokens
		}
		if e.Health != nil {
			summary.HealthRating = e.Health.Rating
		}
		out = append(out, summary)
	}

	return successResult(map[string]any{
		"conversationId": input.ConversationID,
		"entries":        out,
	})
}

// HandleEntryDetail handles the lens_entry_detail tool call.
func (h *Handlers) HandleEntryDetail(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[EntryDetailRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.ID <= 0 {
		return errorResult(errors.NewInvalidRequest("id is required")), nil
	}

	entry, err := h.store.Entry(input.ID)
	if err != nil {
		return errorResult(err), nil
	}

	// Prefer the pre-compaction detail; fall back to the compacted form.
	ci := entry.ContextInfo
	if detail, err := h.store.EntryDetail(input.ID); err == nil && detail != nil {
		ci = detail
	}

	return successResult(map[string]any{
		"entry":   entry,
		"context": ci,
	})
}

// HandleTagsGet handles the lens_tags_get tool call.
func (h *Handlers) HandleTagsGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[TagsGetRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.ConversationID == "" {
		return errorResult(errors.NewInvalidRequest("conversation_id is required")), nil
	}

	tags, err := h.store.GetTags(input.ConversationID)
	if err != nil {
		return errorResult(err), nil
	}
	if tags == nil {
		tags = []string{}
	}
	return successResult(map[string]any{
		"conversationId": input.ConversationID,
		"tags":           tags,
	})
}

// HandleTagsSet handles the lens_tags_set tool call.
func (h *Handlers) HandleTagsSet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[TagsSetRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.ConversationID == "" {
		return errorResult(errors.NewInvalidRequest("conversation_id is required")), nil
	}

	if err := h.store.SetTags(input.ConversationID, input.Tags); err != nil {
		return errorResult(err), nil
	}
	tags, err := h.store.GetTags(input.ConversationID)
	if err != nil {
		return errorResult(err), nil
	}
	if tags == nil {
		tags = []string{}
	}
	return successResult(map[string]any{
		"conversationId": input.ConversationID,
		"tags":           tags,
	})
}

// HandleStats handles the lens_stats tool call.
func (h *Handlers) HandleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report := analyze.StatsReport(h.store.Stats())
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: report}},
	}, nil
}

// HandleExport handles the lens_export tool call.
func (h *Handlers) HandleExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ExportRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.Path == "" {
		return errorResult(errors.NewInvalidRequest("path is required")), nil
	}

	level, err := lhar.ParseLevel(input.Privacy)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	var convIDs []string
	if input.ConversationID != "" {
		convIDs = []string{input.ConversationID}
	}
	arc, err := lhar.ExportConversations(h.store, level, convIDs)
	if err != nil {
		return errorResult(err), nil
	}

	f, err := os.Create(input.Path)
	if err != nil {
		return errorResult(errors.NewInternal(err)), nil
	}
	defer f.Close()
	if err := arc.Write(f); err != nil {
		return errorResult(errors.NewInternal(err)), nil
	}

	return successResult(map[string]any{
		"path":     input.Path,
		"privacy":  string(level),
		"sessions": len(arc.Sessions),
	})
}

// Result helpers

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Note: Internal error details are not exposed to prevent leaking sensitive info.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	if lensErr, ok := err.(*errors.LensError); ok {
		errorObj := map[string]any{
			"code":    lensErr.Code,
			"message": lensErr.Message,
			"status":  lensErr.Status,
		}
		if lensErr.Code != errors.ErrInternal && lensErr.Details != nil {
			errorObj["details"] = lensErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    "INTERNAL",
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
