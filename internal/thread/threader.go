package thread

import (
	"fmt"
	"strings"
	"time"
)

// Threader maps exchanges to conversation ids.
//
// It owns the response-chain index and the TTL side tables for tool
// families without native session semantics. Single-writer: the owning
// store serializes all calls (see the store's concurrency contract), so
// no locking happens here and multiple independent Threaders can coexist
// in one test process.
//
// The idle-timeout behavior is an explicit approximation: two sessions
// separated by slightly more than the window that start from the same
// prompt will incorrectly split, and two interleaved sessions within the
// window may incorrectly merge. This is a deliberate trade-off, not a
// bug to fix.
type Threader struct {
	window time.Duration

	chain  map[string]string   // response id -> conversation id
	recent map[string]ttlEntry // TTL sub-key -> last conversation
}

type ttlEntry struct {
	convID   string
	lastSeen time.Time
}

// New creates a Threader with the given idle window. The Threader keeps
// no clock of its own: every time-sensitive call takes the exchange
// timestamp from the caller.
func New(window time.Duration) *Threader {
	return &Threader{
		window: window,
		chain:  make(map[string]string),
		recent: make(map[string]ttlEntry),
	}
}

// Assign resolves the conversation id for an exchange. An explicit
// caller-supplied session id takes absolute precedence. Returns "" when
// the exchange stands alone.
func (t *Threader) Assign(source string, fp Fingerprint, explicitSessionID string, at time.Time) string {
	if explicitSessionID != "" {
		return HashID(explicitSessionID)
	}

	switch fp.Kind {
	case KindChain, KindSession:
		return fp.Value
	case KindContent:
		if subKey, ok := t.ttlSubKey(source, fp); ok {
			return t.assignWithTTL(subKey, at)
		}
		return fp.Value
	default:
		return ""
	}
}

// ttlSubKey returns the TTL table key for tools that resend full history
// every turn with no native session id. The Gemini CLI family keys by the
// chain-independent prompt hash (earlier turns get rewritten between
// submissions); the chat-completions family (aider and friends) keys by
// the raw fingerprint.
func (t *Threader) ttlSubKey(source string, fp Fingerprint) (string, bool) {
	switch familyOf(source) {
	case familyGemini:
		if fp.PromptKey != "" {
			return "g:" + fp.PromptKey, true
		}
		return "g:" + fp.Value, true
	case familyChat:
		return "c:" + fp.Value, true
	default:
		return "", false
	}
}

// assignWithTTL reuses the last conversation for a sub-key when the
// exchange falls within the idle window, refreshing the timestamp;
// otherwise it mints a fresh conversation id so unrelated sessions that
// happen to start identically do not merge permanently.
func (t *Threader) assignWithTTL(subKey string, at time.Time) string {
	if e, ok := t.recent[subKey]; ok {
		delta := at.Sub(e.lastSeen)
		if delta < 0 {
			delta = -delta
		}
		if delta <= t.window {
			t.recent[subKey] = ttlEntry{convID: e.convID, lastSeen: at}
			return e.convID
		}
	}

	convID := HashID(fmt.Sprintf("%s|%d", subKey, at.UnixNano()))
	t.recent[subKey] = ttlEntry{convID: convID, lastSeen: at}
	return convID
}

// RecordResponse maps a discovered response id to its conversation for
// future previous_response_id chaining lookups.
func (t *Threader) RecordResponse(responseID, convID string) {
	if responseID == "" || convID == "" {
		return
	}
	t.chain[responseID] = convID
}

// ForgetConversation drops all index entries pointing at a conversation
// (eviction and deletion).
func (t *Threader) ForgetConversation(convID string) {
	for id, c := range t.chain {
		if c == convID {
			delete(t.chain, id)
		}
	}
	for key, e := range t.recent {
		if e.convID == convID {
			delete(t.recent, key)
		}
	}
}

// Reset clears all index state.
func (t *Threader) Reset() {
	t.chain = make(map[string]string)
	t.recent = make(map[string]ttlEntry)
}

// Tool families with no per-turn session semantics.
const (
	familyNone = iota
	familyGemini
	familyChat
)

func familyOf(source string) int {
	s := strings.ToLower(source)
	switch {
	case strings.Contains(s, "gemini"):
		return familyGemini
	case strings.Contains(s, "aider"), strings.Contains(s, "openrouter"),
		strings.Contains(s, "opencode"), strings.Contains(s, "continue"):
		return familyChat
	default:
		return familyNone
	}
}
