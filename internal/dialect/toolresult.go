package dialect

import (
	"strconv"

	"github.com/devanenWl/antigravity-gateway/internal/config"
)

// ToolResultLimiter enforces §4.7's tool-output cap: a per-tool-call budget
// and a per-request total budget, sharing the head+tail+marker truncation
// shape when either is exceeded.
type ToolResultLimiter struct {
	perCall  int
	total    int
	tailLen  int
	consumed int
}

func NewToolResultLimiter(cfg *config.Config) *ToolResultLimiter {
	return &ToolResultLimiter{
		perCall: cfg.ToolResultMaxChars,
		total:   cfg.ToolResultTotalMaxChars,
		tailLen: cfg.ToolResultTailChars,
	}
}

// Limit truncates text against both the per-call and the running total
// budget, keeping a head slice plus a configurable tail with a marker
// noting how much was dropped.
func (l *ToolResultLimiter) Limit(text string) string {
	budget := l.perCall
	if remaining := l.total - l.consumed; l.total > 0 && remaining < budget {
		budget = remaining
	}
	out := truncateMiddle(text, budget, l.tailLen)
	l.consumed += len(out)
	return out
}

func truncateMiddle(text string, budget, tailLen int) string {
	if budget <= 0 || len(text) <= budget {
		return text
	}
	if tailLen >= budget {
		tailLen = budget / 4
	}
	headLen := budget - tailLen
	if headLen < 0 {
		headLen = 0
	}
	dropped := len(text) - headLen - tailLen
	marker := marker(dropped)
	return text[:headLen] + marker + text[len(text)-tailLen:]
}

func marker(droppedChars int) string {
	return "\n\n... [" + strconv.Itoa(droppedChars) + " characters truncated] ...\n\n"
}
