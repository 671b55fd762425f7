package store

import (
	"bufio"
	"encoding/json"
	"log"
	"os"
	"path/filepath"

	"github.com/contextlens/contextlens/internal/analyze"
	"github.com/contextlens/contextlens/internal/capture"
	"github.com/contextlens/contextlens/internal/usage"
)

// detailMigrationMarker gates the detail-file restore migration so it
// runs its full scan only once per store directory.
const detailMigrationMarker = ".detail-migration-done"

// maxLogLine bounds one capture log line. Compacted entries are small;
// uncompacted ones carry full contexts.
const maxLogLine = 64 * 1024 * 1024

// LoadState reads the durable log, reconstructs in-memory state, and
// runs migrations. Malformed lines are skipped with a warning; a missing
// log file is an empty store.
func (s *Store) LoadState() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return s.runMigrationsLocked()
		}
		return err
	}
	defer f.Close()

	// On-disk order is oldest-first; later lines win on duplicate ids.
	var ordered []*capture.CapturedEntry
	index := map[int64]int{}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), maxLogLine)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec logRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			log.Printf("warning: skipping malformed log line %d: %v", lineNo, err)
			continue
		}

		switch rec.Type {
		case recordConversation:
			var conv capture.Conversation
			if err := json.Unmarshal(rec.Data, &conv); err != nil || conv.ID == "" {
				log.Printf("warning: skipping invalid conversation at line %d", lineNo)
				continue
			}
			// later lines win; used for backfill
			s.conversations[conv.ID] = &conv

		case recordEntry:
			var entry capture.CapturedEntry
			if err := json.Unmarshal(rec.Data, &entry); err != nil || entry.ID <= 0 || entry.ContextInfo == nil {
				log.Printf("warning: skipping invalid entry at line %d", lineNo)
				continue
			}
			if pos, ok := index[entry.ID]; ok {
				ordered[pos] = &entry
			} else {
				index[entry.ID] = len(ordered)
				ordered = append(ordered, &entry)
			}

		default:
			log.Printf("warning: skipping unknown record type %q at line %d", rec.Type, lineNo)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	// reverse to newest-first
	s.entries = make([]*capture.CapturedEntry, len(ordered))
	for i, e := range ordered {
		s.entries[len(ordered)-1-i] = e
	}

	s.nextID = 1
	for _, e := range s.entries {
		if e.ID >= s.nextID {
			s.nextID = e.ID + 1
		}
		if e.ResponseID != "" && e.ConversationID != "" {
			s.threader.RecordResponse(e.ResponseID, e.ConversationID)
		}
	}

	return s.runMigrationsLocked()
}

// runMigrationsLocked applies the load-time migrations in their fixed
// order. Each one is idempotent and detects on its own whether it has
// work to do; the state file is only rewritten if something changed.
func (s *Store) runMigrationsLocked() error {
	changed := false
	if s.migrateImageTokens() {
		changed = true
	}
	if s.migrateUsageBackfill() {
		changed = true
	}
	if s.migrateDetailRestore() {
		changed = true
	}
	if s.migrateHealthBackfill() {
		changed = true
	}
	if changed {
		s.rewriteStateLocked()
	}
	return nil
}

// migrateImageTokens repairs per-message counts that were inflated by
// estimating image tokens proportionally to encoded byte length. Runs
// before the usage backfill, which depends on the corrected estimates.
func (s *Store) migrateImageTokens() bool {
	changed := false
	for _, e := range s.entries {
		ci := e.ContextInfo
		entryChanged := false
		for i := range ci.Messages {
			m := &ci.Messages[i]
			if !hasImageBlock(m) {
				continue
			}
			expected := capture.MessageTokens(m)
			if m.Tokens > expected {
				m.Tokens = expected
				entryChanged = true
			}
		}
		if entryChanged {
			ci.RecomputeTotals()
			changed = true
		}
	}
	return changed
}

func hasImageBlock(m *capture.ParsedMessage) bool {
	for i := range m.ContentBlocks {
		if m.ContentBlocks[i].Type == capture.BlockImage {
			return true
		}
	}
	return false
}

// migrateUsageBackfill re-reconciles entries whose totals disagree with
// their persisted authoritative usage.
func (s *Store) migrateUsageBackfill() bool {
	changed := false
	for _, e := range s.entries {
		if e.Usage == nil {
			continue
		}
		authoritative := e.Usage.PromptTotal()
		if authoritative <= 0 || e.ContextInfo.TotalTokens == authoritative {
			continue
		}
		usage.Reconcile(e.ContextInfo, authoritative)
		changed = true
	}
	return changed
}

// migrateDetailRestore repairs compacted entries whose totals were
// silently truncated along with their messages. A candidate has fewer
// messages than the compaction cap and a messages total that still
// matches the per-message sum; if its detail file records a larger
// total, the detail file's totals win. Gated by a one-time marker so the
// full scan does not repeat on every load.
func (s *Store) migrateDetailRestore() bool {
	markerPath := filepath.Join(s.baseDir, detailMigrationMarker)
	if _, err := os.Stat(markerPath); err == nil {
		return false
	}

	changed := false
	for _, e := range s.entries {
		if !e.Compacted {
			continue
		}
		ci := e.ContextInfo
		if s.cfg.CompactMessageCap > 0 && len(ci.Messages) >= s.cfg.CompactMessageCap {
			continue
		}
		sum := 0
		for i := range ci.Messages {
			sum += ci.Messages[i].Tokens
		}
		if sum != ci.MessagesTokens {
			continue
		}

		data, err := os.ReadFile(s.detailPath(e.ID))
		if err != nil {
			continue
		}
		var d detailFile
		if err := json.Unmarshal(data, &d); err != nil || d.ContextInfo == nil {
			continue
		}
		if d.ContextInfo.TotalTokens > ci.TotalTokens {
			ci.SystemTokens = d.ContextInfo.SystemTokens
			ci.ToolsTokens = d.ContextInfo.ToolsTokens
			ci.MessagesTokens = d.ContextInfo.MessagesTokens
			ci.TotalTokens = d.ContextInfo.TotalTokens
			changed = true
		}
	}

	if err := os.WriteFile(markerPath, []byte{}, 0600); err != nil {
		log.Printf("warning: failed to write migration marker: %v", err)
	}
	return changed
}

// migrateHealthBackfill computes health scores for entries that predate
// scoring. Oldest-first so each entry sees the correct previous turn.
func (s *Store) migrateHealthBackfill() bool {
	changed := false
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.Health != nil {
			continue
		}

		in := s.historicalHealthInput(i)
		e.Health = s.scorer.Score(in)
		changed = true
	}
	return changed
}

// historicalHealthInput rebuilds the scorer input for entry position i
// (newest-first indexing) using only entries older than it.
func (s *Store) historicalHealthInput(i int) analyze.ScoreInput {
	e := s.entries[i]
	in := analyze.ScoreInput{
		TotalTokens:  e.ContextInfo.TotalTokens,
		ContextLimit: e.ContextLimit,
	}

	tools := map[string]bool{}
	collectTools(e.ContextInfo, tools)

	if e.ConversationID != "" {
		for j := len(s.entries) - 1; j > i; j-- {
			prev := s.entries[j]
			if prev.ConversationID != e.ConversationID {
				continue
			}
			in.TurnCount++
			collectTools(prev.ContextInfo, tools)
			if prev.AgentKey == e.AgentKey {
				in.PreviousMainTurnTokens = prev.ContextInfo.TotalTokens
			}
		}
	}
	for name := range tools {
		in.ToolsUsed = append(in.ToolsUsed, name)
	}
	in.TurnCount++
	return in
}
