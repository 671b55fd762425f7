package usage

import (
	"math"

	"github.com/contextlens/contextlens/internal/capture"
)

// Reconcile rescales a context's estimated token counts so that
// TotalTokens equals the authoritative count reported by the API, while
// keeping both sum invariants exact:
//
//	TotalTokens == SystemTokens + ToolsTokens + MessagesTokens
//	MessagesTokens == sum(message.Tokens)
//
// Every sub-total and per-message count is scaled proportionally and
// rounded to the nearest integer; the rounding residual is corrected on
// the largest remaining bucket (largest-remainder discretization), so the
// invariants hold for every non-negative authoritative value, including
// authoritative == 0 and estimated == 0.
func Reconcile(ci *capture.ContextInfo, authoritative int) {
	if ci == nil || authoritative < 0 {
		return
	}

	if authoritative == 0 {
		ci.SystemTokens = 0
		ci.ToolsTokens = 0
		for i := range ci.Messages {
			ci.Messages[i].Tokens = 0
		}
		ci.RecomputeTotals()
		return
	}

	estimated := ci.SystemTokens + ci.ToolsTokens
	for i := range ci.Messages {
		estimated += ci.Messages[i].Tokens
	}

	ratio := 0.0
	if estimated > 0 {
		ratio = float64(authoritative) / float64(estimated)
	}

	ci.SystemTokens = int(math.Round(float64(ci.SystemTokens) * ratio))
	ci.ToolsTokens = int(math.Round(float64(ci.ToolsTokens) * ratio))
	scaled := ci.SystemTokens + ci.ToolsTokens
	for i := range ci.Messages {
		ci.Messages[i].Tokens = int(math.Round(float64(ci.Messages[i].Tokens) * ratio))
		scaled += ci.Messages[i].Tokens
	}

	distributeResidual(ci, authoritative-scaled)
	ci.RecomputeTotals()
}

// distributeResidual corrects the rounding residual by adjusting the
// largest bucket. A correction that would drive a bucket negative zeroes
// it and carries the remainder to the next largest, so the final sum is
// exact for any residual.
func distributeResidual(ci *capture.ContextInfo, residual int) {
	for residual != 0 {
		target, largest := largestBucket(ci)
		if largest <= 0 && residual > 0 {
			// Everything collapsed to zero (estimated was 0): park the
			// whole count on the first message, or on the system bucket
			// when there are no messages.
			if len(ci.Messages) > 0 {
				ci.Messages[0].Tokens += residual
			} else {
				ci.SystemTokens += residual
			}
			return
		}

		next := *target + residual
		if next < 0 {
			residual = next
			*target = 0
			continue
		}
		*target = next
		return
	}
}

// largestBucket returns a pointer to the largest token bucket: the
// system sub-total, tools sub-total, or an individual message count.
func largestBucket(ci *capture.ContextInfo) (*int, int) {
	target := &ci.SystemTokens
	largest := ci.SystemTokens

	if ci.ToolsTokens > largest {
		target = &ci.ToolsTokens
		largest = ci.ToolsTokens
	}
	for i := range ci.Messages {
		if ci.Messages[i].Tokens > largest {
			target = &ci.Messages[i].Tokens
			largest = ci.Messages[i].Tokens
		}
	}
	return target, largest
}

// Drift thresholds beyond which an estimation discrepancy is logged.
const (
	DriftRelativeThreshold = 0.20
	DriftAbsoluteThreshold = 10000
)

// DriftExceeded reports whether the gap between the estimated and
// authoritative counts indicates estimator drift worth logging.
func DriftExceeded(estimated, authoritative int) bool {
	diff := estimated - authoritative
	if diff < 0 {
		diff = -diff
	}
	if diff > DriftAbsoluteThreshold {
		return true
	}
	if estimated == 0 {
		return diff > 0
	}
	return float64(diff)/float64(estimated) > DriftRelativeThreshold
}
