// Package lhar serializes captured exchanges into an LHAR (LLM HTTP
// Archive) document: sessions with sequence-numbered entries and
// per-conversation context growth deltas, at a selectable privacy level.
package lhar

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/contextlens/contextlens/internal/capture"
	"github.com/contextlens/contextlens/internal/store"
)

// Version identifies the archive layout.
const Version = "1.0"

// PrivacyLevel controls how much payload an export carries. Whatever
// the level, headers stay redacted: export never restores values the
// store stripped at capture time.
type PrivacyLevel string

const (
	// PrivacyFull includes the pre-compaction context when the detail
	// file is still available, falling back to the compacted form.
	PrivacyFull PrivacyLevel = "full"
	// PrivacyRedacted includes only the compacted context.
	PrivacyRedacted PrivacyLevel = "redacted"
	// PrivacyMinimal drops message content entirely, keeping token
	// accounting, analytics, and timings.
	PrivacyMinimal PrivacyLevel = "minimal"
)

// ParseLevel maps a user-supplied string to a privacy level.
func ParseLevel(s string) (PrivacyLevel, error) {
	switch PrivacyLevel(s) {
	case PrivacyFull, PrivacyRedacted, PrivacyMinimal:
		return PrivacyLevel(s), nil
	case "":
		return PrivacyRedacted, nil
	}
	return "", fmt.Errorf("unknown privacy level %q (want full, redacted, or minimal)", s)
}

// Archive is the top-level export document.
type Archive struct {
	Version   string    `json:"lharVersion"`
	Creator   string    `json:"creator"`
	CreatedAt string    `json:"createdAt"`
	Privacy   string    `json:"privacy"`
	Sessions  []Session `json:"sessions"`
}

// Session is one conversation with its entries oldest first.
type Session struct {
	ID               string   `json:"id"`
	Label            string   `json:"label,omitempty"`
	Source           string   `json:"source,omitempty"`
	WorkingDirectory string   `json:"workingDirectory,omitempty"`
	SessionID        string   `json:"sessionId,omitempty"`
	FirstSeen        string   `json:"firstSeen"`
	Tags             []string `json:"tags,omitempty"`
	Entries          []Entry  `json:"entries"`
}

// Entry is one captured exchange. Sequence counts from 1 within the
// session; GrowthTokens is the context size change since the previous
// entry of the same session (zero for the first).
type Entry struct {
	Sequence       int                        `json:"sequence"`
	ID             int64                      `json:"id"`
	Timestamp      string                     `json:"timestamp"`
	Model          string                     `json:"model,omitempty"`
	Provider       string                     `json:"provider,omitempty"`
	APIFormat      string                     `json:"apiFormat,omitempty"`
	TotalTokens    int                        `json:"totalTokens"`
	GrowthTokens   int                        `json:"growthTokens"`
	ContextLimit   int                        `json:"contextLimit,omitempty"`
	StatusCode     int                        `json:"responseStatus,omitempty"`
	FinishReason   string                     `json:"finishReason,omitempty"`
	AgentLabel     string                     `json:"agentLabel,omitempty"`
	Usage          *capture.TokenUsage        `json:"usage,omitempty"`
	Timings        *capture.Timings           `json:"timings,omitempty"`
	RequestBytes   int64                      `json:"requestBytes,omitempty"`
	ResponseBytes  int64                      `json:"responseBytes,omitempty"`
	RequestHeaders map[string]string          `json:"requestHeaders,omitempty"`
	Composition    []capture.CompositionEntry `json:"composition,omitempty"`
	CostUSD        float64                    `json:"costUsd,omitempty"`
	Health         *capture.HealthScore       `json:"healthScore,omitempty"`
	SecurityAlerts []capture.SecurityAlert    `json:"securityAlerts,omitempty"`
	Context        *capture.ContextInfo       `json:"context,omitempty"`
}

// Source is the slice of the store an export reads from.
type Source interface {
	Conversations() []*capture.Conversation
	ConversationEntries(convID string) ([]*capture.CapturedEntry, error)
	EntryDetail(id int64) (*capture.ContextInfo, error)
	GetTags(convID string) ([]string, error)
}

var _ Source = (*store.Store)(nil)

// Export builds an archive covering every conversation in src.
func Export(src Source, level PrivacyLevel) (*Archive, error) {
	return ExportConversations(src, level, nil)
}

// ExportConversations builds an archive limited to the given
// conversation IDs. A nil or empty filter exports everything.
func ExportConversations(src Source, level PrivacyLevel, convIDs []string) (*Archive, error) {
	want := make(map[string]bool, len(convIDs))
	for _, id := range convIDs {
		want[id] = true
	}

	arc := &Archive{
		Version:   Version,
		Creator:   "context-lens",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Privacy:   string(level),
		Sessions:  []Session{},
	}

	for _, conv := range src.Conversations() {
		if len(want) > 0 && !want[conv.ID] {
			continue
		}
		sess, err := exportSession(src, level, conv)
		if err != nil {
			return nil, err
		}
		arc.Sessions = append(arc.Sessions, sess)
	}

	if len(want) > 0 && len(arc.Sessions) < len(want) {
		for _, id := range convIDs {
			found := false
			for _, sess := range arc.Sessions {
				if sess.ID == id {
					found = true
					break
				}
			}
			if !found {
				return nil, fmt.Errorf("conversation %q not found", id)
			}
		}
	}
	return arc, nil
}

func exportSession(src Source, level PrivacyLevel, conv *capture.Conversation) (Session, error) {
	entries, err := src.ConversationEntries(conv.ID)
	if err != nil {
		return Session{}, err
	}
	tags, err := src.GetTags(conv.ID)
	if err != nil {
		tags = nil
	}

	sess := Session{
		ID:               conv.ID,
		Label:            conv.Label,
		Source:           conv.Source,
		WorkingDirectory: conv.WorkingDirectory,
		SessionID:        conv.SessionID,
		FirstSeen:        conv.FirstSeen,
		Tags:             tags,
		Entries:          make([]Entry, 0, len(entries)),
	}

	// Store order is newest first; the archive reads oldest first.
	prevTotal := 0
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		out := exportEntry(src, level, e)
		out.Sequence = len(sess.Entries) + 1
		out.GrowthTokens = out.TotalTokens - prevTotal
		if out.Sequence == 1 {
			out.GrowthTokens = 0
		}
		prevTotal = out.TotalTokens
		sess.Entries = append(sess.Entries, out)
	}
	return sess, nil
}

func exportEntry(src Source, level PrivacyLevel, e *capture.CapturedEntry) Entry {
	out := Entry{
		ID:             e.ID,
		Timestamp:      e.Timestamp,
		Model:          e.Model,
		ContextLimit:   e.ContextLimit,
		StatusCode:     e.StatusCode,
		FinishReason:   e.FinishReason,
		AgentLabel:     e.AgentLabel,
		Usage:          e.Usage,
		Timings:        e.Timings,
		RequestBytes:   e.RequestBytes,
		ResponseBytes:  e.ResponseBytes,
		RequestHeaders: e.RequestHeaders,
		Composition:    e.Composition,
		CostUSD:        e.CostUSD,
		Health:         e.Health,
		SecurityAlerts: e.SecurityAlerts,
	}
	if ci := e.ContextInfo; ci != nil {
		out.Provider = ci.Provider
		out.APIFormat = ci.APIFormat
		out.TotalTokens = ci.TotalTokens
	}

	switch level {
	case PrivacyMinimal:
		// Accounting only: no context payload, no header values, and no
		// alert excerpts (they quote message content).
		out.RequestHeaders = nil
		if len(out.SecurityAlerts) > 0 {
			stripped := make([]capture.SecurityAlert, len(out.SecurityAlerts))
			copy(stripped, out.SecurityAlerts)
			for i := range stripped {
				stripped[i].Excerpt = ""
			}
			out.SecurityAlerts = stripped
		}
	case PrivacyFull:
		if detail, err := src.EntryDetail(e.ID); err == nil && detail != nil {
			out.Context = detail
		} else {
			out.Context = e.ContextInfo
		}
	default:
		out.Context = e.ContextInfo
	}
	return out
}

// Write serializes the archive as indented JSON.
func (a *Archive) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(a)
}
