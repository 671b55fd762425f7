package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextlens/contextlens/internal/capture"
)

func writeLog(t *testing.T, dir string, records ...any) {
	t.Helper()
	var buf []byte
	for _, r := range records {
		typ := recordEntry
		if _, ok := r.(*capture.Conversation); ok {
			typ = recordConversation
		}
		line, err := marshalRecord(typ, r)
		require.NoError(t, err)
		buf = append(buf, line...)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, logFileName), buf, 0600))
}

func loadStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := New(dir, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.LoadState())
	return s
}

func TestMigrateImageTokens(t *testing.T) {
	dir := t.TempDir()

	// pre-fix estimator charged image blocks by encoded byte length
	ci := &capture.ContextInfo{
		Provider: "anthropic",
		Messages: []capture.ParsedMessage{
			{
				Role:   capture.RoleUser,
				Tokens: 450000,
				ContentBlocks: []capture.ContentBlock{
					{Type: capture.BlockImage},
				},
			},
		},
	}
	ci.MessagesTokens = 450000
	ci.TotalTokens = 450000

	writeLog(t, dir, &capture.CapturedEntry{
		ID: 1, Timestamp: "2026-01-01T00:00:00Z", ContextInfo: ci, Compacted: true,
	})

	s := loadStore(t, dir)
	e := s.Entries()[0]
	assert.Equal(t, capture.ImageTokens, e.ContextInfo.Messages[0].Tokens)
	assert.Equal(t, capture.ImageTokens, e.ContextInfo.TotalTokens)
}

func TestMigrateUsageBackfill(t *testing.T) {
	dir := t.TempDir()

	ci := &capture.ContextInfo{
		Provider: "anthropic",
		Messages: []capture.ParsedMessage{
			{Role: capture.RoleUser, Content: "hello", Tokens: 100},
		},
	}
	ci.MessagesTokens = 100
	ci.TotalTokens = 100

	writeLog(t, dir, &capture.CapturedEntry{
		ID: 1, Timestamp: "2026-01-01T00:00:00Z", ContextInfo: ci, Compacted: true,
		Usage: &capture.TokenUsage{InputTokens: 300, CacheReadTokens: 700},
	})

	s := loadStore(t, dir)
	e := s.Entries()[0]
	assert.Equal(t, 1000, e.ContextInfo.TotalTokens)
	assert.Equal(t, 1000, e.ContextInfo.MessagesTokens)
	assert.Equal(t, 1000, e.ContextInfo.Messages[0].Tokens)
}

func TestMigrateDetailRestore(t *testing.T) {
	dir := t.TempDir()

	// compacted entry that lost tokens with its truncated messages: sum
	// of surviving messages still matches messagesTokens, so truncation
	// is undetectable without the detail file
	ci := &capture.ContextInfo{
		Provider: "anthropic",
		Messages: []capture.ParsedMessage{
			{Role: capture.RoleUser, Content: "tail", Tokens: 10},
		},
	}
	ci.MessagesTokens = 10
	ci.TotalTokens = 10

	writeLog(t, dir, &capture.CapturedEntry{
		ID: 5, Timestamp: "2026-01-01T00:00:00Z", ContextInfo: ci, Compacted: true,
	})

	detailsDir := filepath.Join(dir, detailsDirNam)
	require.NoError(t, os.MkdirAll(detailsDir, 0700))
	detail := detailFile{ContextInfo: &capture.ContextInfo{
		SystemTokens:   200,
		MessagesTokens: 800,
		TotalTokens:    1000,
	}}
	data, err := json.Marshal(detail)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(detailsDir, "5.json"), data, 0600))

	s := loadStore(t, dir)
	e := s.Entries()[0]
	assert.Equal(t, 1000, e.ContextInfo.TotalTokens)
	assert.Equal(t, 200, e.ContextInfo.SystemTokens)
	assert.Equal(t, 800, e.ContextInfo.MessagesTokens)

	// the one-time marker exists afterwards
	_, err = os.Stat(filepath.Join(dir, detailMigrationMarker))
	assert.NoError(t, err)
}

func TestMigrateDetailRestoreSkippedAfterMarker(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, detailMigrationMarker), nil, 0600))

	ci := &capture.ContextInfo{
		Provider: "anthropic",
		Messages: []capture.ParsedMessage{
			{Role: capture.RoleUser, Content: "tail", Tokens: 10},
		},
	}
	ci.MessagesTokens = 10
	ci.TotalTokens = 10

	writeLog(t, dir, &capture.CapturedEntry{
		ID: 5, Timestamp: "2026-01-01T00:00:00Z", ContextInfo: ci, Compacted: true,
	})

	detailsDir := filepath.Join(dir, detailsDirNam)
	require.NoError(t, os.MkdirAll(detailsDir, 0700))
	data, err := json.Marshal(detailFile{ContextInfo: &capture.ContextInfo{TotalTokens: 1000}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(detailsDir, "5.json"), data, 0600))

	s := loadStore(t, dir)
	assert.Equal(t, 10, s.Entries()[0].ContextInfo.TotalTokens)
}

func TestMigrateHealthBackfill(t *testing.T) {
	dir := t.TempDir()

	makeEntry := func(id int64, total int) *capture.CapturedEntry {
		ci := &capture.ContextInfo{
			Provider: "anthropic",
			Messages: []capture.ParsedMessage{
				{Role: capture.RoleUser, Content: "x", Tokens: total},
			},
		}
		ci.MessagesTokens = total
		ci.TotalTokens = total
		return &capture.CapturedEntry{
			ID:             id,
			Timestamp:      fmt.Sprintf("2026-01-01T00:00:0%dZ", id),
			ContextInfo:    ci,
			ContextLimit:   200000,
			ConversationID: "conv-1",
			Compacted:      true,
		}
	}

	writeLog(t, dir,
		&capture.Conversation{ID: "conv-1", FirstSeen: "2026-01-01T00:00:01Z"},
		makeEntry(1, 10000),
		makeEntry(2, 30000),
	)

	s := loadStore(t, dir)
	entries := s.Entries()
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.NotNil(t, e.Health, "entry %d", e.ID)
	}

	// the newer entry tripled the context; the older one had no prior turn
	older, newer := entries[1], entries[0]
	assert.Equal(t, 100, older.Health.Overall)
	assert.Less(t, newer.Health.Overall, 100)
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	ci := &capture.ContextInfo{
		Provider: "anthropic",
		Messages: []capture.ParsedMessage{
			{Role: capture.RoleUser, Content: "hello", Tokens: 100},
		},
	}
	ci.MessagesTokens = 100
	ci.TotalTokens = 100

	writeLog(t, dir, &capture.CapturedEntry{
		ID: 1, Timestamp: "2026-01-01T00:00:00Z", ContextInfo: ci, Compacted: true,
		Usage: &capture.TokenUsage{InputTokens: 1000},
	})

	s1 := loadStore(t, dir)
	s1.Flush()
	first := s1.Entries()[0].ContextInfo.TotalTokens

	s2 := loadStore(t, dir)
	assert.Equal(t, first, s2.Entries()[0].ContextInfo.TotalTokens)
}
