package analyze

import (
	"regexp"
	"strings"

	"github.com/contextlens/contextlens/internal/capture"
)

// headerSignatures map lowercase user-agent substrings to tool names.
var headerSignatures = []struct {
	substr string
	source string
}{
	{"claude-cli", "claude-code"},
	{"claude-code", "claude-code"},
	{"codex_cli", "codex"},
	{"codex-cli", "codex"},
	{"geminicli", "gemini-cli"},
	{"gemini-cli", "gemini-cli"},
	{"aider", "aider"},
	{"opencode", "opencode"},
	{"continue", "continue"},
}

// promptSignatures map system-prompt substrings to tool names.
var promptSignatures = []struct {
	substr string
	source string
}{
	{"You are Claude Code", "claude-code"},
	{"You are Codex", "codex"},
	{"You are a coding agent running in the Codex CLI", "codex"},
	{"You are an interactive CLI agent specializing in software engineering", "gemini-cli"},
	{"You are aider", "aider"},
	{"Act as an expert software developer", "aider"},
	{"You are opencode", "opencode"},
}

// DetectSource resolves the tool behind an exchange: explicit tag first,
// then request-header signatures, then system-prompt signatures.
func DetectSource(explicit string, headers map[string]string, ci *capture.ContextInfo) string {
	if explicit != "" {
		return explicit
	}

	for k, v := range headers {
		lower := strings.ToLower(k)
		if lower != "user-agent" && lower != "x-app" && lower != "originator" {
			continue
		}
		value := strings.ToLower(v)
		for _, sig := range headerSignatures {
			if strings.Contains(value, sig.substr) {
				return sig.source
			}
		}
	}

	if ci != nil {
		system := ci.SystemText()
		for _, sig := range promptSignatures {
			if strings.Contains(system, sig.substr) {
				return sig.source
			}
		}
	}

	return ""
}

var workingDirPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)(?:Working directory|Current working directory|cwd)[:=]\s*([^\s"<]+)`),
	regexp.MustCompile(`"cwd"\s*:\s*"([^"]+)"`),
}

// ExtractWorkingDir pulls the tool's working directory out of system
// prompts or environment-context turns, or returns "".
func ExtractWorkingDir(ci *capture.ContextInfo) string {
	if ci == nil {
		return ""
	}

	candidates := []string{ci.SystemText()}
	for i := range ci.Messages {
		if ci.Messages[i].Role == capture.RoleUser {
			candidates = append(candidates, ci.Messages[i].Content)
		}
	}

	for _, text := range candidates {
		for _, re := range workingDirPatterns {
			if m := re.FindStringSubmatch(text); m != nil {
				return m[1]
			}
		}
	}
	return ""
}

// ConversationLabel derives a human-readable label from the first
// substantive user turn, truncated to 80 runes.
func ConversationLabel(ci *capture.ContextInfo) string {
	if ci == nil {
		return ""
	}
	for i := range ci.Messages {
		m := &ci.Messages[i]
		if m.Role != capture.RoleUser {
			continue
		}
		text := strings.TrimSpace(m.Content)
		if text == "" || strings.HasPrefix(text, "<") {
			continue
		}
		text = strings.Join(strings.Fields(text), " ")
		runes := []rune(text)
		if len(runes) > 80 {
			return string(runes[:80]) + "…"
		}
		return text
	}
	return ""
}

// AgentKey derives the sub-agent discriminator for an exchange: agents
// within one conversation differ by their system prompt and tool set.
func AgentKey(ci *capture.ContextInfo) string {
	if ci == nil {
		return ""
	}
	return shortHash(ci.SystemText())[:8]
}

func shortHash(s string) string {
	// FNV-1a, hex encoded; stable across processes
	const prime = 1099511628211
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		out[i] = hexdigits[h&0xf]
		h >>= 4
	}
	return string(out)
}
