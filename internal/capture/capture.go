// Package capture defines the canonical data model for intercepted
// LLM API exchanges: the normalized context representation, response
// union, captured entries, and conversations.
package capture

import "encoding/json"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleDeveloper = "developer"
	RoleRaw       = "raw"
)

// Content block types.
const (
	BlockText       = "text"
	BlockInputText  = "input_text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockThinking   = "thinking"
	BlockImage      = "image"
)

// ContextInfo is the canonical view of one request's prompt content.
// Invariant: TotalTokens == SystemTokens + ToolsTokens + MessagesTokens
// and MessagesTokens == sum of per-message tokens, after any mutation.
type ContextInfo struct {
	Provider       string            `json:"provider"`
	APIFormat      string            `json:"apiFormat"`
	Model          string            `json:"model,omitempty"`
	SystemTokens   int               `json:"systemTokens"`
	ToolsTokens    int               `json:"toolsTokens"`
	MessagesTokens int               `json:"messagesTokens"`
	TotalTokens    int               `json:"totalTokens"`
	SystemPrompts  []string          `json:"systemPrompts,omitempty"`
	Tools          []json.RawMessage `json:"tools,omitempty"`
	Messages       []ParsedMessage   `json:"messages"`
}

// RecomputeTotals restores both sum invariants from the per-message
// counts and the system/tools sub-totals.
func (ci *ContextInfo) RecomputeTotals() {
	sum := 0
	for i := range ci.Messages {
		sum += ci.Messages[i].Tokens
	}
	ci.MessagesTokens = sum
	ci.TotalTokens = ci.SystemTokens + ci.ToolsTokens + ci.MessagesTokens
}

// SystemText returns all system prompts joined with newlines.
func (ci *ContextInfo) SystemText() string {
	out := ""
	for i, p := range ci.SystemPrompts {
		if i > 0 {
			out += "\n"
		}
		out += p
	}
	return out
}

// ParsedMessage is one message within a normalized context.
type ParsedMessage struct {
	Role          string         `json:"role"`
	Content       string         `json:"content"`
	ContentBlocks []ContentBlock `json:"contentBlocks,omitempty"`
	Tokens        int            `json:"tokens"`
}

// ContentBlock is one tagged unit of message content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use fields
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result fields; Content is a string or a nested block list
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// ContentText returns the tool_result content as flat text: the string
// itself if the content is a JSON string, otherwise the raw JSON.
func (b *ContentBlock) ContentText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	return string(b.Content)
}

// TokenUsage holds authoritative token counts reported by the API.
type TokenUsage struct {
	InputTokens      int `json:"inputTokens"`
	OutputTokens     int `json:"outputTokens"`
	CacheReadTokens  int `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int `json:"cacheWriteTokens,omitempty"`
	ThinkingTokens   int `json:"thinkingTokens,omitempty"`
}

// PromptTotal is the authoritative size of the submitted context:
// fresh input plus cache reads and writes.
func (u *TokenUsage) PromptTotal() int {
	return u.InputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// Timings carries transfer phase durations in milliseconds.
type Timings struct {
	SendMS    int64 `json:"send_ms"`
	WaitMS    int64 `json:"wait_ms"`
	ReceiveMS int64 `json:"receive_ms"`
	TotalMS   int64 `json:"total_ms"`
}

// CompositionEntry is one content category's share of an entry's context.
// After normalization the token sum over all entries equals the entry's
// reconciled TotalTokens exactly.
type CompositionEntry struct {
	Category string  `json:"category"`
	Tokens   int     `json:"tokens"`
	Pct      float64 `json:"pct"`
	Count    int     `json:"count"`
}

// SecurityAlert records one detected prompt-injection or anomaly signal.
type SecurityAlert struct {
	PatternID    string `json:"patternId"`
	Severity     string `json:"severity"` // high, medium, info
	MessageIndex int    `json:"messageIndex"`
	ToolName     string `json:"toolName,omitempty"`
	Excerpt      string `json:"excerpt,omitempty"`
}

// SecuritySummary tallies alerts by severity.
type SecuritySummary struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Info   int `json:"info"`
}

// HealthAudit is one component of a health score.
type HealthAudit struct {
	ID     string `json:"id"`
	Score  int    `json:"score"`
	Detail string `json:"detail,omitempty"`
}

// HealthScore summarizes context health for one exchange.
type HealthScore struct {
	Overall int           `json:"overall"`
	Rating  string        `json:"rating"`
	Audits  []HealthAudit `json:"audits,omitempty"`
}

// CapturedEntry is one captured request/response exchange.
//
// Created once by the store's StoreRequest, analyzed immediately, mutated
// exactly once by compaction after being durably logged, and afterwards
// only by load-time migrations.
type CapturedEntry struct {
	ID              int64             `json:"id"`
	Timestamp       string            `json:"timestamp"`
	ContextInfo     *ContextInfo      `json:"contextInfo"`
	Response        *ResponseData     `json:"response,omitempty"`
	ContextLimit    int               `json:"contextLimit,omitempty"`
	Source          string            `json:"source,omitempty"`
	ConversationID  string            `json:"conversationId,omitempty"`
	AgentKey        string            `json:"agentKey,omitempty"`
	AgentLabel      string            `json:"agentLabel,omitempty"`
	ResponseID      string            `json:"responseId,omitempty"`
	StatusCode      int               `json:"responseStatus,omitempty"`
	Timings         *Timings          `json:"timings,omitempty"`
	RequestBytes    int64             `json:"requestBytes,omitempty"`
	ResponseBytes   int64             `json:"responseBytes,omitempty"`
	TargetURL       string            `json:"targetUrl,omitempty"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	Composition     []CompositionEntry `json:"composition,omitempty"`
	CostUSD         float64           `json:"costUsd,omitempty"`
	Health          *HealthScore      `json:"healthScore,omitempty"`
	SecurityAlerts  []SecurityAlert   `json:"securityAlerts,omitempty"`
	SecuritySummary *SecuritySummary  `json:"securitySummary,omitempty"`
	Usage           *TokenUsage       `json:"usage,omitempty"`
	Model           string            `json:"model,omitempty"`
	FinishReason    string            `json:"finishReason,omitempty"`
	Compacted       bool              `json:"compacted,omitempty"`

	// RawBody is the decoded request body, kept only until compaction for
	// fingerprinting and session-id extraction. Never persisted.
	RawBody string `json:"-"`
}

// Conversation groups entries that belong to one tool session.
type Conversation struct {
	ID               string `json:"id"`
	Label            string `json:"label,omitempty"`
	Source           string `json:"source,omitempty"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	FirstSeen        string `json:"firstSeen"`
	SessionID        string `json:"sessionId,omitempty"`
}

// RawCapture is the wire format produced by the interception add-ons
// (mitmproxy script or embedded proxy) and accepted by the ingest API.
type RawCapture struct {
	Timestamp           string            `json:"timestamp"`
	Method              string            `json:"method"`
	Path                string            `json:"path"`
	Source              string            `json:"source,omitempty"`
	Provider            string            `json:"provider"`
	APIFormat           string            `json:"apiFormat,omitempty"`
	TargetURL           string            `json:"targetUrl,omitempty"`
	RequestHeaders      map[string]string `json:"requestHeaders,omitempty"`
	RequestBody         json.RawMessage   `json:"requestBody"`
	RequestBytes        int64             `json:"requestBytes,omitempty"`
	ResponseStatus      int               `json:"responseStatus,omitempty"`
	ResponseHeaders     map[string]string `json:"responseHeaders,omitempty"`
	ResponseBody        string            `json:"responseBody,omitempty"`
	ResponseIsStreaming bool              `json:"responseIsStreaming,omitempty"`
	ResponseBytes       int64             `json:"responseBytes,omitempty"`
	SessionID           string            `json:"sessionId,omitempty"`
	Timings             *Timings          `json:"timings,omitempty"`
}
