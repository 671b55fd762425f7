// Package store owns the conversation state engine: it threads captured
// exchanges into conversations, reconciles token counts, derives
// analytics, and maintains the durable bounded capture log.
//
// The store is a single-writer object. All in-memory mutation happens
// under one mutex and runs to completion, so two exchanges never race;
// ordering between concurrent calls is simply their lock order. Disk
// writes are handed to a background worker and are at-most-once: a crash
// between an in-memory insert and its disk write loses the most recent
// entries, never previously committed ones.
package store

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/contextlens/contextlens/internal/analyze"
	"github.com/contextlens/contextlens/internal/capture"
	"github.com/contextlens/contextlens/internal/config"
	"github.com/contextlens/contextlens/internal/db"
	"github.com/contextlens/contextlens/internal/errors"
	"github.com/contextlens/contextlens/internal/security"
	"github.com/contextlens/contextlens/internal/thread"
	"github.com/contextlens/contextlens/internal/usage"
)

const (
	logFileName   = "captures.jsonl"
	detailsDirNam = "details"
)

// Store is the conversation state engine.
type Store struct {
	mu sync.Mutex

	cfg        *config.Config
	baseDir    string
	logPath    string
	detailsDir string

	// entries is newest-first; conversations is keyed by conversation id.
	entries       []*capture.CapturedEntry
	conversations map[string]*capture.Conversation

	threader *thread.Threader
	scorer   analyze.Scorer
	nextID   int64
	now      func() time.Time

	tagsDB *sql.DB

	persist chan func()
	wg      sync.WaitGroup
}

// New creates a store rooted at baseDir. The tags database may be nil,
// in which case tag operations fail with an internal error.
func New(baseDir string, cfg *config.Config, tagsDB *sql.DB) (*Store, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, errors.NewInternal(err)
	}
	detailsDir := filepath.Join(baseDir, detailsDirNam)
	if err := os.MkdirAll(detailsDir, 0700); err != nil {
		return nil, errors.NewInternal(err)
	}

	s := &Store{
		cfg:           cfg,
		baseDir:       baseDir,
		logPath:       filepath.Join(baseDir, logFileName),
		detailsDir:    detailsDir,
		conversations: make(map[string]*capture.Conversation),
		threader:      thread.New(cfg.IdleWindow()),
		scorer:        analyze.HeuristicScorer{},
		nextID:        1,
		now:           time.Now,
		tagsDB:        tagsDB,
		persist:       make(chan func(), 256),
	}

	s.wg.Add(1)
	go s.persistLoop()

	return s, nil
}

// SetClock overrides the time source (tests only).
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetScorer replaces the health scorer.
func (s *Store) SetScorer(sc analyze.Scorer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scorer = sc
}

func (s *Store) persistLoop() {
	defer s.wg.Done()
	for f := range s.persist {
		f()
	}
}

// enqueue hands a disk write to the background worker. Write errors are
// logged inside the closure, never surfaced.
func (s *Store) enqueue(f func()) {
	s.persist <- f
}

// Flush blocks until all previously enqueued disk writes completed.
// Tests use it to observe on-disk state deterministically.
func (s *Store) Flush() {
	done := make(chan struct{})
	s.persist <- func() { close(done) }
	<-done
}

// Close flushes pending writes and stops the background worker. The
// tags database, if any, is closed too.
func (s *Store) Close() error {
	s.Flush()
	close(s.persist)
	s.wg.Wait()
	if s.tagsDB != nil {
		return s.tagsDB.Close()
	}
	return nil
}

// StoreInput carries one decoded exchange into the store.
type StoreInput struct {
	ContextInfo    *capture.ContextInfo
	Response       *capture.ResponseData
	Source         string
	RawBody        string
	RequestHeaders map[string]string
	SessionID      string

	Timestamp     string
	StatusCode    int
	Timings       *capture.Timings
	RequestBytes  int64
	ResponseBytes int64
	TargetURL     string
}

// StoreRequest runs the full pipeline for one exchange: source
// detection, threading, usage reconciliation, composition, cost, health,
// security scanning, persistence, and compaction. It never fails; disk
// errors are logged and swallowed so the analysis of the current
// exchange is always served.
func (s *Store) StoreRequest(in StoreInput) *capture.CapturedEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	ci := in.ContextInfo
	if ci == nil {
		ci = &capture.ContextInfo{}
	}

	now := s.now()
	timestamp := in.Timestamp
	if timestamp == "" {
		timestamp = now.UTC().Format(time.RFC3339Nano)
	}

	source := analyze.DetectSource(in.Source, in.RequestHeaders, ci)

	fp := s.threader.Fingerprint(in.RawBody, ci)
	convID := s.threader.Assign(source, fp, in.SessionID, now)

	parsed := usage.ParseResponse(in.Response)
	authoritative := parsed.Usage.PromptTotal()
	if authoritative > 0 {
		if usage.DriftExceeded(ci.TotalTokens, authoritative) {
			log.Printf("warning: token estimate drift: estimated=%d authoritative=%d model=%s",
				ci.TotalTokens, authoritative, parsed.Model)
		}
		usage.Reconcile(ci, authoritative)
	}

	model := parsed.Model
	if model == "" {
		model = ci.Model
	}

	composition := analyze.Composition(ci)
	composition = analyze.NormalizeComposition(composition, ci.TotalTokens)

	agentKey := analyze.AgentKey(ci)

	entry := &capture.CapturedEntry{
		ID:              s.nextID,
		Timestamp:       timestamp,
		ContextInfo:     ci,
		Response:        in.Response,
		ContextLimit:    analyze.ContextLimit(model, s.cfg.ContextLimits),
		Source:          source,
		ConversationID:  convID,
		AgentKey:        agentKey,
		ResponseID:      parsed.ResponseID,
		StatusCode:      in.StatusCode,
		Timings:         in.Timings,
		RequestBytes:    in.RequestBytes,
		ResponseBytes:   in.ResponseBytes,
		TargetURL:       in.TargetURL,
		RequestHeaders:  RedactHeaders(in.RequestHeaders),
		Composition:     composition,
		Model:           model,
		FinishReason:    parsed.FinishReason(),
		RawBody:         in.RawBody,
	}
	s.nextID++

	if parsed.Usage != (capture.TokenUsage{}) {
		u := parsed.Usage
		entry.Usage = &u
	}

	entry.CostUSD = analyze.CostUSD(model, entry.Usage)
	entry.Health = s.scorer.Score(s.healthInput(entry))
	entry.AgentLabel = s.agentLabel(convID, agentKey)

	scan := security.Scan(ci)
	entry.SecurityAlerts = scan.Alerts
	if len(scan.Alerts) > 0 {
		summary := scan.Summary
		entry.SecuritySummary = &summary
	}

	convChanged := s.upsertConversation(entry, in.SessionID)

	s.entries = append([]*capture.CapturedEntry{entry}, s.entries...)

	if parsed.ResponseID != "" && convID != "" {
		s.threader.RecordResponse(parsed.ResponseID, convID)
	}

	s.evictIfNeeded()

	// Persist: conversation record (if changed), the full entry, its
	// detail file, then the compacted projection. The full record is
	// marshaled before compaction mutates the entry.
	if convChanged && convID != "" {
		s.appendConversationLocked(s.conversations[convID])
	}
	s.appendEntryLocked(entry)
	s.writeDetailLocked(entry)

	s.compact(entry)
	s.appendEntryLocked(entry)

	return entry
}

// healthInput assembles the scorer's view of one exchange: the previous
// turn by the same agent in the same conversation, and the distinct
// tools used across the conversation so far.
func (s *Store) healthInput(entry *capture.CapturedEntry) analyze.ScoreInput {
	in := analyze.ScoreInput{TotalTokens: entry.ContextInfo.TotalTokens, ContextLimit: entry.ContextLimit}

	tools := map[string]bool{}
	collectTools(entry.ContextInfo, tools)

	if entry.ConversationID != "" {
		for _, e := range s.entries {
			if e.ConversationID != entry.ConversationID {
				continue
			}
			in.TurnCount++
			if e.ContextInfo != nil {
				collectTools(e.ContextInfo, tools)
			}
			if in.PreviousMainTurnTokens == 0 && e.AgentKey == entry.AgentKey && e.ContextInfo != nil {
				in.PreviousMainTurnTokens = e.ContextInfo.TotalTokens
			}
		}
	}

	for name := range tools {
		in.ToolsUsed = append(in.ToolsUsed, name)
	}
	in.TurnCount++
	return in
}

func collectTools(ci *capture.ContextInfo, into map[string]bool) {
	for i := range ci.Messages {
		for j := range ci.Messages[i].ContentBlocks {
			b := &ci.Messages[i].ContentBlocks[j]
			if b.Type == capture.BlockToolUse && b.Name != "" {
				into[b.Name] = true
			}
		}
	}
}

// agentLabel marks the modal agent key in a conversation as the main
// thread; everything else is a sub-agent branch.
func (s *Store) agentLabel(convID, agentKey string) string {
	if convID == "" || agentKey == "" {
		return ""
	}
	counts := map[string]int{agentKey: 1}
	for _, e := range s.entries {
		if e.ConversationID == convID && e.AgentKey != "" {
			counts[e.AgentKey]++
		}
	}
	modal, best := "", 0
	for k, n := range counts {
		if n > best || (n == best && k < modal) {
			modal, best = k, n
		}
	}
	if agentKey == modal {
		return "main"
	}
	return "sub-agent"
}

// upsertConversation creates the conversation on first sight and
// backfills source, working directory, and session id when a later
// exchange supplies what an earlier one could not. Reports whether the
// record changed and needs a log append.
func (s *Store) upsertConversation(entry *capture.CapturedEntry, sessionID string) bool {
	if entry.ConversationID == "" {
		return false
	}

	conv, ok := s.conversations[entry.ConversationID]
	if !ok {
		conv = &capture.Conversation{
			ID:               entry.ConversationID,
			Label:            analyze.ConversationLabel(entry.ContextInfo),
			Source:           entry.Source,
			WorkingDirectory: analyze.ExtractWorkingDir(entry.ContextInfo),
			FirstSeen:        entry.Timestamp,
			SessionID:        sessionID,
		}
		s.conversations[conv.ID] = conv
		return true
	}

	changed := false
	if conv.Source == "" && entry.Source != "" {
		conv.Source = entry.Source
		changed = true
	}
	if conv.WorkingDirectory == "" {
		if wd := analyze.ExtractWorkingDir(entry.ContextInfo); wd != "" {
			conv.WorkingDirectory = wd
			changed = true
		}
	}
	if conv.SessionID == "" && sessionID != "" {
		conv.SessionID = sessionID
		changed = true
	}
	if conv.Label == "" {
		if label := analyze.ConversationLabel(entry.ContextInfo); label != "" {
			conv.Label = label
			changed = true
		}
	}
	return changed
}

// evictIfNeeded enforces the conversation bound. The victim is the
// conversation whose most recent entry is oldest; all its entries,
// detail files, chain index entries, and tags go with it.
func (s *Store) evictIfNeeded() {
	for len(s.conversations) > s.cfg.MaxSessions {
		victim := s.oldestConversation()
		if victim == "" {
			return
		}
		s.removeConversationLocked(victim)
		s.rewriteStateLocked()
	}
}

// oldestConversation returns the conversation id with the oldest
// most-recent-entry timestamp. Entries are newest-first, so the first
// entry seen per conversation is its most recent one.
func (s *Store) oldestConversation() string {
	latest := map[string]string{}
	for _, e := range s.entries {
		if e.ConversationID == "" {
			continue
		}
		if _, ok := latest[e.ConversationID]; !ok {
			latest[e.ConversationID] = e.Timestamp
		}
	}

	victim, victimTS := "", ""
	for id := range s.conversations {
		ts, ok := latest[id]
		if !ok {
			// conversation with no entries left sorts first
			return id
		}
		if victim == "" || ts < victimTS || (ts == victimTS && id < victim) {
			victim, victimTS = id, ts
		}
	}
	return victim
}

// removeConversationLocked drops a conversation and everything keyed to
// it from memory and schedules detail-file deletion.
func (s *Store) removeConversationLocked(convID string) {
	kept := s.entries[:0]
	var removed []int64
	for _, e := range s.entries {
		if e.ConversationID == convID {
			removed = append(removed, e.ID)
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept

	delete(s.conversations, convID)
	s.threader.ForgetConversation(convID)

	if s.tagsDB != nil {
		if err := db.DeleteConversationTags(s.tagsDB, convID); err != nil {
			log.Printf("warning: failed to delete tags for %s: %v", convID, err)
		}
	}

	for _, id := range removed {
		s.deleteDetailLocked(id)
	}
}

// DeleteConversation removes one conversation, its entries, detail
// files, and tags, and rewrites the log.
func (s *Store) DeleteConversation(convID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[convID]; !ok {
		return errors.NewConversationNotFound(convID)
	}
	s.removeConversationLocked(convID)
	s.rewriteStateLocked()
	return nil
}

// ResetAll drops every entry, conversation, tag, and detail file.
func (s *Store) ResetAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = nil
	s.conversations = make(map[string]*capture.Conversation)
	s.threader.Reset()
	s.nextID = 1

	if s.tagsDB != nil {
		if err := db.ResetTags(s.tagsDB); err != nil {
			return err
		}
	}

	logPath, detailsDir := s.logPath, s.detailsDir
	s.enqueue(func() {
		if err := os.Remove(logPath); err != nil && !os.IsNotExist(err) {
			log.Printf("warning: failed to remove capture log: %v", err)
		}
		names, err := os.ReadDir(detailsDir)
		if err != nil {
			return
		}
		for _, n := range names {
			_ = os.Remove(filepath.Join(detailsDir, n.Name()))
		}
	})
	return nil
}

// Entries returns the entry list, newest first.
func (s *Store) Entries() []*capture.CapturedEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*capture.CapturedEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Entry returns one entry by id.
func (s *Store) Entry(id int64) (*capture.CapturedEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, errors.NewEntryNotFound(id)
}

// Conversation returns one conversation by id.
func (s *Store) Conversation(id string) (*capture.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, errors.NewConversationNotFound(id)
	}
	return conv, nil
}

// Conversations returns all conversations, most recently active first.
func (s *Store) Conversations() []*capture.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	order := map[string]int{}
	for i, e := range s.entries {
		if e.ConversationID == "" {
			continue
		}
		if _, ok := order[e.ConversationID]; !ok {
			order[e.ConversationID] = i
		}
	}

	out := make([]*capture.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	sortConversations(out, order)
	return out
}

// ConversationEntries returns a conversation's entries, newest first.
func (s *Store) ConversationEntries(convID string) ([]*capture.CapturedEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[convID]; !ok {
		return nil, errors.NewConversationNotFound(convID)
	}
	var out []*capture.CapturedEntry
	for _, e := range s.entries {
		if e.ConversationID == convID {
			out = append(out, e)
		}
	}
	return out, nil
}

func sortConversations(convs []*capture.Conversation, order map[string]int) {
	// most recently active first; conversations with no entries last
	sort.Slice(convs, func(i, j int) bool {
		ri, iok := order[convs[i].ID]
		rj, jok := order[convs[j].ID]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return convs[i].ID < convs[j].ID
		}
	})
}

// GetTags returns a conversation's tags.
func (s *Store) GetTags(convID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConversationLocked(convID); err != nil {
		return nil, err
	}
	return db.GetTags(s.tagsDB, convID)
}

// SetTags replaces a conversation's tag set.
func (s *Store) SetTags(convID string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConversationLocked(convID); err != nil {
		return err
	}
	return db.SetTags(s.tagsDB, convID, tags)
}

// AddTag adds one tag to a conversation.
func (s *Store) AddTag(convID, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConversationLocked(convID); err != nil {
		return err
	}
	tags, err := db.GetTags(s.tagsDB, convID)
	if err != nil {
		return err
	}
	return db.SetTags(s.tagsDB, convID, append(tags, tag))
}

// RemoveTag removes one tag from a conversation.
func (s *Store) RemoveTag(convID, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConversationLocked(convID); err != nil {
		return err
	}
	tags, err := db.GetTags(s.tagsDB, convID)
	if err != nil {
		return err
	}
	kept := tags[:0]
	for _, t := range tags {
		if t != tag {
			kept = append(kept, t)
		}
	}
	return db.SetTags(s.tagsDB, convID, kept)
}

// GetAllTags returns every tag with its conversation count.
func (s *Store) GetAllTags() ([]db.TagCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tagsDB == nil {
		return nil, errors.NewInternal(errTagsUnavailable)
	}
	return db.GetAllTags(s.tagsDB)
}

func (s *Store) requireConversationLocked(convID string) error {
	if _, ok := s.conversations[convID]; !ok {
		return errors.NewConversationNotFound(convID)
	}
	if s.tagsDB == nil {
		return errors.NewInternal(errTagsUnavailable)
	}
	return nil
}

var errTagsUnavailable = fmt.Errorf("tag storage not configured")

// sensitiveHeaderParts is the redaction floor. Export privacy levels
// only remove more, never less.
var sensitiveHeaderParts = []string{
	"authorization", "api-key", "apikey", "cookie", "token", "secret",
}

// RedactHeaders returns a copy of headers with sensitive values masked.
func RedactHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		lower := strings.ToLower(k)
		redacted := false
		for _, part := range sensitiveHeaderParts {
			if strings.Contains(lower, part) {
				redacted = true
				break
			}
		}
		if redacted {
			out[k] = "[redacted]"
		} else {
			out[k] = v
		}
	}
	return out
}
