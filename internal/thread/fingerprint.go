// Package thread assigns conversation identities to captured exchanges.
//
// Identity is best-effort: explicit session ids and response chaining are
// reliable, the content-hash and idle-timeout paths are documented
// heuristics (see Threader).
package thread

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/contextlens/contextlens/internal/capture"
)

// FingerprintKind says which signal produced a fingerprint.
type FingerprintKind int

const (
	KindNone FingerprintKind = iota
	KindSession
	KindChain
	KindContent
)

// Fingerprint is the conversation-identity signal for one exchange.
type Fingerprint struct {
	Kind FingerprintKind

	// Value is the hashed identity (session/content kinds) or the resolved
	// conversation id (chain kind, which bypasses hashing entirely).
	Value string

	// PromptKey is a response-chain-independent hash of the first
	// substantive user prompt, used as the TTL sub-key for tool families
	// that rewrite earlier turns between submissions.
	PromptKey string
}

var (
	// session_<uuid> substrings, e.g. Claude Code's metadata.user_id
	sessionIDPattern = regexp.MustCompile(`session_[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

	// Code-Assist-style nested session field
	nestedSessionPattern = regexp.MustCompile(`"session_?[iI]d"\s*:\s*"([0-9a-fA-F][0-9a-fA-F-]{7,})"`)

	// Responses API chaining reference
	prevResponsePattern = regexp.MustCompile(`"previous_response_id"\s*:\s*"([^"]+)"`)
)

// preambleMarkers identify boilerplate user turns injected by tools ahead
// of the first real prompt in multi-turn Responses-style submissions.
var preambleMarkers = []string{
	"<user_instructions>",
	"<environment_context>",
	"<INSTRUCTIONS>",
	"# Instructions",
	"Caveat: the messages below",
	"<command-name>",
}

// HashID derives a fixed-length conversation id from an identity string.
func HashID(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// ExtractSessionID finds a provider session identifier in a raw request
// body, or returns "".
func ExtractSessionID(rawBody string) string {
	if m := sessionIDPattern.FindString(rawBody); m != "" {
		return m
	}
	if m := nestedSessionPattern.FindStringSubmatch(rawBody); m != nil {
		return m[1]
	}
	return ""
}

// ExtractPreviousResponseID finds a previous_response_id reference in a
// raw request body, or returns "".
func ExtractPreviousResponseID(rawBody string) string {
	if m := prevResponsePattern.FindStringSubmatch(rawBody); m != nil {
		return m[1]
	}
	return ""
}

// Fingerprint computes the identity signal for an exchange, trying in
// order: explicit session id in the raw body, response chaining against
// the known response index, then a content hash over the system prompts
// and first substantive user prompt.
func (t *Threader) Fingerprint(rawBody string, ci *capture.ContextInfo) Fingerprint {
	if sid := ExtractSessionID(rawBody); sid != "" {
		return Fingerprint{Kind: KindSession, Value: HashID(sid)}
	}

	if prev := ExtractPreviousResponseID(rawBody); prev != "" {
		if convID, ok := t.chain[prev]; ok {
			return Fingerprint{Kind: KindChain, Value: convID}
		}
	}

	system := ""
	if ci != nil {
		system = ci.SystemText()
	}
	prompt := firstSubstantiveUserPrompt(ci)
	if system == "" && prompt == "" {
		return Fingerprint{Kind: KindNone}
	}

	fp := Fingerprint{
		Kind:  KindContent,
		Value: HashID(system + "\x00" + prompt),
	}
	if prompt != "" {
		fp.PromptKey = HashID(prompt)
	}
	return fp
}

// firstSubstantiveUserPrompt returns the first user turn that is not
// tool-injected boilerplate.
func firstSubstantiveUserPrompt(ci *capture.ContextInfo) string {
	if ci == nil {
		return ""
	}
	for i := range ci.Messages {
		m := &ci.Messages[i]
		if m.Role != capture.RoleUser {
			continue
		}
		text := m.Content
		if strings.TrimSpace(text) == "" {
			continue
		}
		if isPreamble(text) {
			continue
		}
		return text
	}
	return ""
}

func isPreamble(text string) bool {
	trimmed := strings.TrimSpace(text)
	for _, marker := range preambleMarkers {
		if strings.HasPrefix(trimmed, marker) {
			return true
		}
	}
	return false
}
