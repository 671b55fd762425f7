package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/contextlens/contextlens/internal/capture"
	"github.com/contextlens/contextlens/internal/config"
	"github.com/contextlens/contextlens/internal/db"
	"github.com/contextlens/contextlens/internal/normalize"
	"github.com/contextlens/contextlens/internal/store"
)

// setupTestStore creates a temporary store for testing.
func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	tmpDir := t.TempDir()
	database, err := db.Init(tmpDir)
	if err != nil {
		t.Fatalf("failed to init test db: %v", err)
	}
	st, err := store.New(tmpDir, config.DefaultConfig(), database)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// seedEntry stores one captured exchange.
func seedEntry(t *testing.T, st *store.Store, sessionID, userText string) *capture.CapturedEntry {
	t.Helper()
	body := fmt.Sprintf(`{
		"model": "claude-sonnet-4-20250514",
		"metadata": {"user_id": "user_abc_%s"},
		"system": "You are a helpful assistant.",
		"messages": [{"role": "user", "content": %q}]
	}`, sessionID, userText)
	ci := normalize.Normalize("anthropic", normalize.FormatAnthropicMessages, []byte(body))
	entry := st.StoreRequest(store.StoreInput{
		ContextInfo: ci,
		Response: capture.NewObjectResponse(map[string]any{
			"model":       "claude-sonnet-4-20250514",
			"stop_reason": "end_turn",
			"usage": map[string]any{
				"input_tokens":  float64(60),
				"output_tokens": float64(10),
			},
		}),
		RawBody:    body,
		StatusCode: 200,
	})
	if entry == nil {
		t.Fatal("seed entry not stored")
	}
	return entry
}

// runApp runs the CLI app and captures stdout.
func runApp(t *testing.T, st *store.Store, args ...string) (string, error) {
	t.Helper()

	app := newCLIApp(st, config.DefaultConfig())

	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	err := app.Run(append([]string{"context-lens"}, args...))

	w.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	os.Stdout = oldStdout

	return buf.String(), err
}

const testSession = "session_77aa31bc-0000-4000-8000-0000000000ef"

// TestParseTags tests the parseTags helper function.
func TestParseTags(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "empty string",
			input:    "",
			expected: nil,
		},
		{
			name:     "single tag",
			input:    "foo",
			expected: []string{"foo"},
		},
		{
			name:     "multiple tags",
			input:    "foo,bar,baz",
			expected: []string{"foo", "bar", "baz"},
		},
		{
			name:     "tags with spaces",
			input:    " foo , bar , baz ",
			expected: []string{"foo", "bar", "baz"},
		},
		{
			name:     "empty tags filtered",
			input:    "foo,,bar,",
			expected: []string{"foo", "bar"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := parseTags(tt.input)
			if len(result) != len(tt.expected) {
				t.Errorf("expected %d tags, got %d", len(tt.expected), len(result))
				return
			}
			for i, tag := range result {
				if tag != tt.expected[i] {
					t.Errorf("expected tag[%d]=%q, got %q", i, tt.expected[i], tag)
				}
			}
		})
	}
}

func TestSessionsCommand(t *testing.T) {
	st := setupTestStore(t)
	seedEntry(t, st, testSession, "first question")
	seedEntry(t, st, testSession, "second question")

	out, err := runApp(t, st, "sessions")
	if err != nil {
		t.Fatalf("sessions command failed: %v", err)
	}

	var output struct {
		Sessions []struct {
			ID      string `json:"id"`
			Entries int    `json:"entries"`
			Model   string `json:"model"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal([]byte(out), &output); err != nil {
		t.Fatalf("failed to parse output: %v\nOutput: %s", err, out)
	}
	if len(output.Sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(output.Sessions))
	}
	if output.Sessions[0].Entries != 2 {
		t.Errorf("expected 2 entries, got %d", output.Sessions[0].Entries)
	}
	if output.Sessions[0].Model != "claude-sonnet-4-20250514" {
		t.Errorf("unexpected model %q", output.Sessions[0].Model)
	}
}

func TestSessionsCommandSourceFilter(t *testing.T) {
	st := setupTestStore(t)
	seedEntry(t, st, testSession, "hello")

	out, err := runApp(t, st, "sessions", "--source=codex")
	if err != nil {
		t.Fatalf("sessions command failed: %v", err)
	}
	var output struct {
		Sessions []any `json:"sessions"`
	}
	if err := json.Unmarshal([]byte(out), &output); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}
	if len(output.Sessions) != 0 {
		t.Errorf("expected 0 sessions for source codex, got %d", len(output.Sessions))
	}
}

func TestStatsCommand(t *testing.T) {
	st := setupTestStore(t)
	seedEntry(t, st, testSession, "hello")

	out, err := runApp(t, st, "stats")
	if err != nil {
		t.Fatalf("stats command failed: %v", err)
	}
	if !strings.HasPrefix(out, "# Context Composition Report") {
		t.Errorf("stats output missing report header: %q", out)
	}
}

func TestExportCommand(t *testing.T) {
	st := setupTestStore(t)
	seedEntry(t, st, testSession, "hello")
	st.Flush()

	path := filepath.Join(t.TempDir(), "archive.lhar.json")
	out, err := runApp(t, st, "export", "--path="+path, "--privacy=minimal")
	if err != nil {
		t.Fatalf("export command failed: %v", err)
	}

	var output struct {
		Sessions int    `json:"sessions"`
		Privacy  string `json:"privacy"`
	}
	if err := json.Unmarshal([]byte(out), &output); err != nil {
		t.Fatalf("failed to parse output: %v\nOutput: %s", err, out)
	}
	if output.Sessions != 1 {
		t.Errorf("expected 1 session exported, got %d", output.Sessions)
	}
	if output.Privacy != "minimal" {
		t.Errorf("expected privacy minimal, got %q", output.Privacy)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("export file not written: %v", err)
	}
}

func TestExportCommandBadPrivacy(t *testing.T) {
	st := setupTestStore(t)
	_, err := runApp(t, st, "export", "--path=/tmp/x.json", "--privacy=paranoid")
	if err == nil {
		t.Fatal("expected error for unknown privacy level")
	}
	if !strings.Contains(err.Error(), "INVALID_REQUEST") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestTagsCommand(t *testing.T) {
	st := setupTestStore(t)
	e := seedEntry(t, st, testSession, "hello")

	out, err := runApp(t, st, "tags", "--set=alpha, beta", e.ConversationID)
	if err != nil {
		t.Fatalf("tags set failed: %v", err)
	}
	var output struct {
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal([]byte(out), &output); err != nil {
		t.Fatalf("failed to parse output: %v\nOutput: %s", err, out)
	}
	if len(output.Tags) != 2 {
		t.Fatalf("expected 2 tags, got %v", output.Tags)
	}

	// All-tags listing with no session id.
	out, err = runApp(t, st, "tags")
	if err != nil {
		t.Fatalf("tags list failed: %v", err)
	}
	if !strings.Contains(out, "alpha") {
		t.Errorf("all-tags output missing tag: %s", out)
	}

	// Unknown conversation hard-fails.
	_, err = runApp(t, st, "tags", "unknown-conv")
	if err == nil {
		t.Fatal("expected error for unknown conversation")
	}
	if !strings.Contains(err.Error(), "CONVERSATION_NOT_FOUND") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDeleteCommand(t *testing.T) {
	st := setupTestStore(t)
	e := seedEntry(t, st, testSession, "hello")

	out, err := runApp(t, st, "delete", e.ConversationID)
	if err != nil {
		t.Fatalf("delete command failed: %v", err)
	}
	if !strings.Contains(out, e.ConversationID) {
		t.Errorf("delete output missing conversation id: %s", out)
	}
	if len(st.Conversations()) != 0 {
		t.Error("conversation still present after delete")
	}

	_, err = runApp(t, st, "delete", e.ConversationID)
	if err == nil {
		t.Fatal("expected error deleting twice")
	}

	_, err = runApp(t, st, "delete")
	if err == nil {
		t.Fatal("expected error without session id")
	}
}

func TestResetCommand(t *testing.T) {
	st := setupTestStore(t)
	seedEntry(t, st, testSession, "hello")

	// Without --force the command refuses.
	_, err := runApp(t, st, "reset")
	if err == nil {
		t.Fatal("expected error without --force")
	}
	if len(st.Entries()) != 1 {
		t.Error("reset without --force removed data")
	}

	_, err = runApp(t, st, "reset", "--force")
	if err != nil {
		t.Fatalf("reset command failed: %v", err)
	}
	if len(st.Entries()) != 0 {
		t.Error("entries remain after reset")
	}
}
