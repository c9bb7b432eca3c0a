package orchestrator

import (
	"strings"
	"time"

	"github.com/chatrelay/chatrelay/pkg/types"
)

// defaultThinkingTiers map trigger keywords to reasoning budgets, highest
// tier first. The first tier with a matching keyword wins.
var defaultThinkingTiers = []types.ThinkingTier{
	{Keywords: []string{"ultrathink", "think harder"}, Budget: 32000},
	{Keywords: []string{"think hard"}, Budget: 10000},
	{Keywords: []string{"think"}, Budget: 4000},
}

// thinkingBudget scans the message for tier keywords and returns the budget
// of the highest matching tier, or zero when none match.
func (o *Orchestrator) thinkingBudget(message string) int {
	tiers := o.thinking
	if len(tiers) == 0 {
		tiers = defaultThinkingTiers
	}

	lower := strings.ToLower(message)
	for _, tier := range tiers {
		for _, kw := range tier.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return tier.Budget
			}
		}
	}
	return 0
}

// timestampPreamble is prepended to the first turn of a session so the
// engine knows the current time without a tool call.
func timestampPreamble(now time.Time) string {
	return "[current time: " + now.Format(time.RFC3339) + "]"
}
