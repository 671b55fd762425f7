// Package security detects prompt-injection and jailbreak signatures in
// captured message content.
package security

import (
	"regexp"

	"github.com/contextlens/contextlens/internal/capture"
)

// Severity levels.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityInfo   = "info"
)

// excerptLimit caps the matched-text excerpt recorded on an alert.
const excerptLimit = 120

// pattern is one tier-1 injection signature.
type pattern struct {
	id       string
	severity string
	re       *regexp.Regexp
}

// Tier 1: injection signatures scanned over all non-system content.
// The regexes are mutually exclusive on their canonical trigger phrases
// so one phrase produces one alert.
var patterns = []pattern{
	{"role_hijack_ignore", SeverityHigh, regexp.MustCompile(`(?i)ignore\s+(?:all\s+|any\s+)?(?:previous|prior|above)\s+instructions`)},
	{"role_hijack_new", SeverityHigh, regexp.MustCompile(`(?i)\byour\s+new\s+instructions\s+(?:are|is)\b|\bnew\s+instructions\s+are\s*:`)},
	{"act_unrestricted", SeverityHigh, regexp.MustCompile(`(?i)\bact\s+as\s+(?:an?\s+)?unrestricted\b`)},
	{"dan_jailbreak", SeverityHigh, regexp.MustCompile(`(?i)\bDAN\s+mode\b|\bdo\s+anything\s+now\b`)},
	{"developer_mode", SeverityHigh, regexp.MustCompile(`(?i)\bdeveloper\s+mode\s+enabled\b|\benable\s+developer\s+mode\b`)},
	{"chat_template_token", SeverityHigh, regexp.MustCompile(`<\|im_start\|>|<\|im_end\|>|\[INST\]|<<SYS>>`)},
	{"hidden_html_comment", SeverityMedium, regexp.MustCompile(`<!--[\s\S]{10,}?-->`)},
	{"invisible_css", SeverityMedium, regexp.MustCompile(`(?i)display\s*:\s*none|visibility\s*:\s*hidden|font-size\s*:\s*0[^.\d]`)},
	{"prompt_leak", SeverityMedium, regexp.MustCompile(`(?i)\b(?:reveal|repeat|print|output)\s+(?:your\s+|the\s+)?(?:system\s+prompt|initial\s+instructions)\b`)},
	{"base64_block", SeverityInfo, regexp.MustCompile(`[A-Za-z0-9+/]{256,}={0,2}`)},
}

// Tier 2: role-confusion phrasing, scanned only inside tool_result
// content where injected instructions masquerade as tool output.
var roleConfusionPhrases = []string{
	"as an ai language model",
	"you must always respond",
	"always respond",
	"never mention",
	"do not reveal",
}

// Compiled case-insensitively so match offsets index the original text.
// Lowercasing a copy and reusing its offsets is wrong: ToLower changes
// byte length for some runes.
var roleConfusionRes = func() []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(roleConfusionPhrases))
	for i, phrase := range roleConfusionPhrases {
		res[i] = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(phrase))
	}
	return res
}()

var (
	zeroWidthRe   = regexp.MustCompile("[​‌‍⁠\uFEFF]")
	rtlOverrideRe = regexp.MustCompile("[‪-‮⁦-⁩]")
)

// Result is the outcome of scanning one entry's context.
type Result struct {
	Alerts  []capture.SecurityAlert
	Summary capture.SecuritySummary
}

// contentUnit is one scannable piece of a message.
type contentUnit struct {
	text         string
	isToolResult bool
	toolUseID    string
}

// Scan runs all detection tiers over a normalized context. System and
// developer messages are never scanned.
func Scan(ci *capture.ContextInfo) Result {
	var res Result
	if ci == nil {
		return res
	}

	toolNames := buildToolNameIndex(ci)

	for idx := range ci.Messages {
		msg := &ci.Messages[idx]
		if msg.Role == capture.RoleSystem || msg.Role == capture.RoleDeveloper {
			continue
		}

		units := messageUnits(msg)
		scanTier1(&res, units, idx, toolNames)
		scanToolResults(&res, units, idx, toolNames)
		scanUnicode(&res, units, idx)
	}

	for _, a := range res.Alerts {
		switch a.Severity {
		case SeverityHigh:
			res.Summary.High++
		case SeverityMedium:
			res.Summary.Medium++
		default:
			res.Summary.Info++
		}
	}
	return res
}

// buildToolNameIndex maps tool_use ids to tool names so alerts inside a
// tool_result can name the tool that produced the content.
func buildToolNameIndex(ci *capture.ContextInfo) map[string]string {
	names := make(map[string]string)
	for i := range ci.Messages {
		for j := range ci.Messages[i].ContentBlocks {
			b := &ci.Messages[i].ContentBlocks[j]
			if b.Type == capture.BlockToolUse && b.ID != "" && b.Name != "" {
				names[b.ID] = b.Name
			}
		}
	}
	return names
}

func messageUnits(msg *capture.ParsedMessage) []contentUnit {
	if len(msg.ContentBlocks) == 0 {
		if msg.Content == "" {
			return nil
		}
		return []contentUnit{{text: msg.Content}}
	}

	var units []contentUnit
	for i := range msg.ContentBlocks {
		b := &msg.ContentBlocks[i]
		switch b.Type {
		case capture.BlockToolResult:
			units = append(units, contentUnit{
				text:         b.ContentText(),
				isToolResult: true,
				toolUseID:    b.ToolUseID,
			})
		case capture.BlockText, capture.BlockInputText, capture.BlockThinking:
			if b.Text != "" {
				units = append(units, contentUnit{text: b.Text})
			}
		}
	}
	return units
}

// scanTier1 applies the signature patterns to every unit, emitting at
// most one alert per pattern per message.
func scanTier1(res *Result, units []contentUnit, msgIndex int, toolNames map[string]string) {
	for _, p := range patterns {
		for _, u := range units {
			match := p.re.FindString(u.text)
			if match == "" {
				continue
			}
			res.Alerts = append(res.Alerts, capture.SecurityAlert{
				PatternID:    p.id,
				Severity:     p.severity,
				MessageIndex: msgIndex,
				ToolName:     toolNames[u.toolUseID],
				Excerpt:      truncate(match),
			})
			break
		}
	}
}

// scanToolResults applies the role-confusion heuristics to tool_result
// content only. One alert per unit, on the first phrase found.
func scanToolResults(res *Result, units []contentUnit, msgIndex int, toolNames map[string]string) {
	for _, u := range units {
		if !u.isToolResult {
			continue
		}
		for _, re := range roleConfusionRes {
			loc := re.FindStringIndex(u.text)
			if loc == nil {
				continue
			}
			res.Alerts = append(res.Alerts, capture.SecurityAlert{
				PatternID:    "role_confusion",
				Severity:     SeverityMedium,
				MessageIndex: msgIndex,
				ToolName:     toolNames[u.toolUseID],
				Excerpt:      truncate(u.text[loc[0]:]),
			})
			break
		}
	}
}

// scanUnicode flags zero-width characters and bidirectional overrides
// anywhere in content. One alert per anomaly class per message.
func scanUnicode(res *Result, units []contentUnit, msgIndex int) {
	zeroWidth := false
	rtl := false
	for _, u := range units {
		if !zeroWidth && zeroWidthRe.MatchString(u.text) {
			zeroWidth = true
		}
		if !rtl && rtlOverrideRe.MatchString(u.text) {
			rtl = true
		}
	}
	if zeroWidth {
		res.Alerts = append(res.Alerts, capture.SecurityAlert{
			PatternID:    "unicode_zero_width",
			Severity:     SeverityMedium,
			MessageIndex: msgIndex,
		})
	}
	if rtl {
		res.Alerts = append(res.Alerts, capture.SecurityAlert{
			PatternID:    "unicode_rtl_override",
			Severity:     SeverityHigh,
			MessageIndex: msgIndex,
		})
	}
}

func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= excerptLimit {
		return s
	}
	return string(runes[:excerptLimit])
}
