package analyze

import (
	"fmt"

	"github.com/contextlens/contextlens/internal/capture"
)

// ScoreInput carries everything a scorer may consider for one exchange.
type ScoreInput struct {
	TotalTokens            int
	ContextLimit           int
	PreviousMainTurnTokens int
	ToolsUsed              []string
	TurnCount              int
}

// Scorer computes a health score for one exchange. The scoring formula
// is pluggable; the store only depends on this interface.
type Scorer interface {
	Score(in ScoreInput) *capture.HealthScore
}

// HeuristicScorer is the built-in scorer: three audits (context window
// utilization, growth since the previous main-agent turn, tool surface
// size) combined as a weighted mean.
type HeuristicScorer struct{}

func (HeuristicScorer) Score(in ScoreInput) *capture.HealthScore {
	utilization := auditUtilization(in)
	growth := auditGrowth(in)
	tools := auditToolSurface(in)

	overall := (utilization.Score*50 + growth.Score*30 + tools.Score*20) / 100

	return &capture.HealthScore{
		Overall: overall,
		Rating:  rating(overall),
		Audits:  []capture.HealthAudit{utilization, growth, tools},
	}
}

func auditUtilization(in ScoreInput) capture.HealthAudit {
	a := capture.HealthAudit{ID: "context_utilization", Score: 100}
	if in.ContextLimit <= 0 || in.TotalTokens <= 0 {
		return a
	}

	pct := in.TotalTokens * 100 / in.ContextLimit
	switch {
	case pct < 50:
		a.Score = 100
	case pct >= 95:
		a.Score = 0
	default:
		// linear falloff between 50% and 95% utilization
		a.Score = 100 - (pct-50)*100/45
	}
	a.Detail = fmt.Sprintf("%d%% of %d-token window", pct, in.ContextLimit)
	return a
}

func auditGrowth(in ScoreInput) capture.HealthAudit {
	a := capture.HealthAudit{ID: "context_growth", Score: 100}
	if in.PreviousMainTurnTokens <= 0 {
		return a
	}

	delta := in.TotalTokens - in.PreviousMainTurnTokens
	if delta <= 0 {
		a.Detail = "context shrank or held steady"
		return a
	}

	pct := delta * 100 / in.PreviousMainTurnTokens
	switch {
	case pct <= 10:
		a.Score = 100
	case pct >= 100:
		a.Score = 0
	default:
		a.Score = 100 - (pct-10)*100/90
	}
	a.Detail = fmt.Sprintf("+%d tokens (+%d%%) since previous turn", delta, pct)
	return a
}

func auditToolSurface(in ScoreInput) capture.HealthAudit {
	a := capture.HealthAudit{ID: "tool_surface", Score: 100}
	n := len(in.ToolsUsed)
	switch {
	case n <= 10:
		a.Score = 100
	case n >= 40:
		a.Score = 40
	default:
		a.Score = 100 - (n-10)*2
	}
	if n > 0 {
		a.Detail = fmt.Sprintf("%d distinct tools used", n)
	}
	return a
}

func rating(overall int) string {
	switch {
	case overall >= 90:
		return "excellent"
	case overall >= 70:
		return "good"
	case overall >= 50:
		return "fair"
	default:
		return "poor"
	}
}
