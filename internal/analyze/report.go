package analyze

import (
	"fmt"
	"sort"
	"strings"

	"github.com/contextlens/contextlens/internal/capture"
)

// aggregateFloor excludes tiny sessions from cross-session averages so
// one-shot probes don't skew the percentages.
const aggregateFloor = 5000

// SessionStat is one conversation's latest composition snapshot.
type SessionStat struct {
	ConversationID string
	Label          string
	Source         string
	Model          string
	TotalTokens    int
	Entries        int
	Composition    []capture.CompositionEntry
	CostUSD        float64
}

// StatsReport renders session composition as markdown, one section per
// conversation plus an aggregate over sessions above the token floor.
func StatsReport(stats []SessionStat) string {
	var b strings.Builder
	b.WriteString("# Context Composition Report\n\n")

	if len(stats) == 0 {
		b.WriteString("No sessions captured.\n")
		return b.String()
	}

	for _, s := range stats {
		title := s.Label
		if title == "" {
			title = s.ConversationID
		}
		fmt.Fprintf(&b, "## %s\n\n", title)
		fmt.Fprintf(&b, "- Source: %s\n", orDash(s.Source))
		fmt.Fprintf(&b, "- Model: %s\n", orDash(s.Model))
		fmt.Fprintf(&b, "- Requests: %d\n", s.Entries)
		fmt.Fprintf(&b, "- Context: %s tokens\n", formatTokens(s.TotalTokens))
		if s.CostUSD > 0 {
			fmt.Fprintf(&b, "- Estimated cost: $%.4f\n", s.CostUSD)
		}
		b.WriteString("\n")
		writeCompositionTable(&b, s.Composition)
		b.WriteString("\n")
	}

	agg := aggregate(stats)
	if agg != nil {
		b.WriteString("## Aggregate\n\n")
		fmt.Fprintf(&b, "Averaged over %d sessions with at least %s tokens.\n\n",
			agg.sessions, formatTokens(aggregateFloor))
		writeCompositionTable(&b, agg.entries)
	}

	return b.String()
}

func writeCompositionTable(b *strings.Builder, entries []capture.CompositionEntry) {
	b.WriteString("| Category | Tokens | Share |\n")
	b.WriteString("|---|---:|---:|\n")
	for _, e := range entries {
		fmt.Fprintf(b, "| %s | %s | %s |\n",
			e.Category, formatTokens(e.Tokens), formatPct(e.Pct))
	}
}

type aggregated struct {
	sessions int
	entries  []capture.CompositionEntry
}

func aggregate(stats []SessionStat) *aggregated {
	byCategory := map[string]*capture.CompositionEntry{}
	sessions := 0
	total := 0
	for _, s := range stats {
		if s.TotalTokens < aggregateFloor {
			continue
		}
		sessions++
		total += s.TotalTokens
		for _, e := range s.Composition {
			acc, ok := byCategory[e.Category]
			if !ok {
				acc = &capture.CompositionEntry{Category: e.Category}
				byCategory[acc.Category] = acc
			}
			acc.Tokens += e.Tokens
			acc.Count += e.Count
		}
	}
	if sessions == 0 {
		return nil
	}

	entries := make([]capture.CompositionEntry, 0, len(byCategory))
	for _, e := range byCategory {
		if total > 0 {
			e.Pct = float64(int(float64(e.Tokens)/float64(total)*1000+0.5)) / 10
		}
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Tokens != entries[j].Tokens {
			return entries[i].Tokens > entries[j].Tokens
		}
		return entries[i].Category < entries[j].Category
	})
	return &aggregated{sessions: sessions, entries: entries}
}

// formatPct renders shares below one percent as "<1%" instead of a
// misleading "0.x%" row.
func formatPct(pct float64) string {
	if pct > 0 && pct < 1 {
		return "<1%"
	}
	return fmt.Sprintf("%.1f%%", pct)
}

func formatTokens(n int) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var parts []string
	for len(s) > 3 {
		parts = append([]string{s[len(s)-3:]}, parts...)
		s = s[:len(s)-3]
	}
	return s + "," + strings.Join(parts, ",")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
