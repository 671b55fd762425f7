package store

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextlens/contextlens/internal/capture"
	"github.com/contextlens/contextlens/internal/config"
)

func TestCompactCapsMessages(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.CompactMessageCap = 3
	s := newTestStore(t, cfg)

	var messages []capture.ParsedMessage
	for i := 0; i < 10; i++ {
		messages = append(messages, capture.ParsedMessage{
			Role:    capture.RoleUser,
			Content: strings.Repeat("x", 10),
			Tokens:  3,
		})
	}
	ci := &capture.ContextInfo{Messages: messages}
	ci.RecomputeTotals()

	e := &capture.CapturedEntry{ID: 1, ContextInfo: ci, RawBody: "raw"}
	s.compact(e)

	assert.True(t, e.Compacted)
	assert.Len(t, e.ContextInfo.Messages, 3)
	// totals describe the original exchange, not the surviving messages
	assert.Equal(t, 30, e.ContextInfo.MessagesTokens)
}

func TestCompactTruncatesText(t *testing.T) {
	s := newTestStore(t, nil)

	long := strings.Repeat("a", 500)
	ci := &capture.ContextInfo{
		Messages: []capture.ParsedMessage{
			{Role: capture.RoleUser, Content: long, Tokens: 125},
		},
	}
	ci.RecomputeTotals()

	e := &capture.CapturedEntry{ID: 1, ContextInfo: ci}
	s.compact(e)

	got := e.ContextInfo.Messages[0].Content
	assert.LessOrEqual(t, len([]rune(got)), compactTextLimit+1)
	assert.True(t, strings.HasSuffix(got, "…"))
}

func TestCompactToolUseInputAllowlist(t *testing.T) {
	s := newTestStore(t, nil)

	ci := &capture.ContextInfo{
		Messages: []capture.ParsedMessage{
			{
				Role:   capture.RoleAssistant,
				Tokens: 50,
				ContentBlocks: []capture.ContentBlock{
					{
						Type: capture.BlockToolUse,
						ID:   "t1",
						Name: "Edit",
						Input: map[string]any{
							"file_path":  "/src/main.go",
							"old_string": strings.Repeat("z", 5000),
							"new_string": strings.Repeat("w", 5000),
						},
					},
				},
			},
		},
	}
	ci.RecomputeTotals()

	e := &capture.CapturedEntry{ID: 1, ContextInfo: ci}
	s.compact(e)

	input := e.ContextInfo.Messages[0].ContentBlocks[0].Input
	assert.Equal(t, "/src/main.go", input["file_path"])
	assert.NotContains(t, input, "old_string")
	assert.NotContains(t, input, "new_string")
}

func TestCompactToolResultRecursion(t *testing.T) {
	s := newTestStore(t, nil)

	nested, err := json.Marshal([]capture.ContentBlock{
		{Type: capture.BlockText, Text: strings.Repeat("n", 600)},
	})
	require.NoError(t, err)

	ci := &capture.ContextInfo{
		Messages: []capture.ParsedMessage{
			{
				Role:   capture.RoleUser,
				Tokens: 200,
				ContentBlocks: []capture.ContentBlock{
					{Type: capture.BlockToolResult, ToolUseID: "t1", Content: nested},
				},
			},
		},
	}
	ci.RecomputeTotals()

	e := &capture.CapturedEntry{ID: 1, ContextInfo: ci}
	s.compact(e)

	var blocks []capture.ContentBlock
	require.NoError(t, json.Unmarshal(e.ContextInfo.Messages[0].ContentBlocks[0].Content, &blocks))
	require.Len(t, blocks, 1)
	assert.LessOrEqual(t, len([]rune(blocks[0].Text)), compactTextLimit+1)
}

func TestCompactStringToolResult(t *testing.T) {
	s := newTestStore(t, nil)

	content, err := json.Marshal(strings.Repeat("r", 1000))
	require.NoError(t, err)

	ci := &capture.ContextInfo{
		Messages: []capture.ParsedMessage{
			{
				Role:   capture.RoleUser,
				Tokens: 250,
				ContentBlocks: []capture.ContentBlock{
					{Type: capture.BlockToolResult, Content: content},
				},
			},
		},
	}
	ci.RecomputeTotals()

	e := &capture.CapturedEntry{ID: 1, ContextInfo: ci}
	s.compact(e)

	var out string
	require.NoError(t, json.Unmarshal(e.ContextInfo.Messages[0].ContentBlocks[0].Content, &out))
	assert.LessOrEqual(t, len([]rune(out)), compactTextLimit+1)
}

func TestCompactIdempotent(t *testing.T) {
	s := newTestStore(t, nil)

	ci := &capture.ContextInfo{
		Messages: []capture.ParsedMessage{
			{Role: capture.RoleUser, Content: "short", Tokens: 2},
		},
	}
	ci.RecomputeTotals()

	e := &capture.CapturedEntry{ID: 1, ContextInfo: ci}
	s.compact(e)
	first := *e.ContextInfo
	s.compact(e)
	assert.Equal(t, first, *e.ContextInfo)
}
