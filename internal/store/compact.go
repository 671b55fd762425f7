package store

import (
	"encoding/json"

	"github.com/contextlens/contextlens/internal/capture"
)

// compactTextLimit caps message and block text after compaction.
const compactTextLimit = 200

// toolInputAllowlist keeps the path-like keys of a tool_use input after
// compaction; everything else is dropped.
var toolInputAllowlist = map[string]bool{
	"file_path": true,
	"path":      true,
	"command":   true,
	"pattern":   true,
	"url":       true,
	"name":      true,
}

// compact strips the heavy fields from an entry after it has been
// durably logged. Token sub-totals are left intact; they describe the
// original exchange, not the surviving projection.
func (s *Store) compact(e *capture.CapturedEntry) {
	if e.Compacted {
		return
	}

	e.Response = nil
	e.RawBody = ""
	e.RequestHeaders = nil

	if ci := e.ContextInfo; ci != nil {
		ci.SystemPrompts = nil
		ci.Tools = nil

		keep := s.cfg.CompactMessageCap
		if keep > 0 && len(ci.Messages) > keep {
			ci.Messages = ci.Messages[len(ci.Messages)-keep:]
		}
		for i := range ci.Messages {
			compactMessage(&ci.Messages[i])
		}
	}

	e.Compacted = true
}

func compactMessage(m *capture.ParsedMessage) {
	m.Content = truncateText(m.Content)
	for i := range m.ContentBlocks {
		compactBlock(&m.ContentBlocks[i])
	}
}

func compactBlock(b *capture.ContentBlock) {
	b.Text = truncateText(b.Text)

	switch b.Type {
	case capture.BlockToolUse:
		if b.Input != nil {
			kept := map[string]any{}
			for k, v := range b.Input {
				if toolInputAllowlist[k] {
					kept[k] = compactInputValue(v)
				}
			}
			b.Input = kept
		}
	case capture.BlockToolResult:
		b.Content = compactResultContent(b.Content)
	}
}

func compactInputValue(v any) any {
	if s, ok := v.(string); ok {
		return truncateText(s)
	}
	return v
}

// compactResultContent truncates tool_result content, recursing into
// nested block arrays.
func compactResultContent(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}

	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		out, _ := json.Marshal(truncateText(str))
		return out
	}

	var blocks []capture.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		for i := range blocks {
			compactBlock(&blocks[i])
		}
		out, err := json.Marshal(blocks)
		if err == nil {
			return out
		}
	}

	if len(raw) > compactTextLimit {
		out, _ := json.Marshal(truncateText(string(raw)))
		return out
	}
	return raw
}

func truncateText(s string) string {
	if len(s) <= compactTextLimit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= compactTextLimit {
		return s
	}
	return string(runes[:compactTextLimit]) + "…"
}
