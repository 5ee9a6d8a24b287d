package agent

type (
	// BudgetTracker is one agent's spend position for the current UTC day.
	BudgetTracker struct {
		AgentID        string
		DailyBudget    float64
		AlertThreshold float64
		CurrentSpend   float64
	}

	// BudgetDecision is the outcome of a budget check.
	BudgetDecision struct {
		// Allowed reports whether the estimated cost fits the budget.
		Allowed bool
		// RemainingBudget is the headroom after the estimated cost, when
		// allowed.
		RemainingBudget float64
		// AtAlertThreshold flags spend at or past the alert fraction.
		AtAlertThreshold bool
		// Reason is "budget_exceeded" when denied.
		Reason string
		// CurrentSpend echoes the tracker's spend, for denial reports.
		CurrentSpend float64
		// DailyBudget echoes the tracker's budget, for denial reports.
		DailyBudget float64
	}
)

// DefaultAlertThreshold flags spend at 80% of the daily budget.
const DefaultAlertThreshold = 0.8

// CheckBudget decides whether an estimated cost fits the tracker's remaining
// daily budget. Allowed iff CurrentSpend + estimatedCost <= DailyBudget.
func CheckBudget(t *BudgetTracker, estimatedCost float64) BudgetDecision {
	threshold := t.AlertThreshold
	if threshold <= 0 {
		threshold = DefaultAlertThreshold
	}
	atAlert := t.CurrentSpend >= threshold*t.DailyBudget
	if t.CurrentSpend+estimatedCost > t.DailyBudget {
		return BudgetDecision{
			Allowed:          false,
			AtAlertThreshold: atAlert,
			Reason:           "budget_exceeded",
			CurrentSpend:     t.CurrentSpend,
			DailyBudget:      t.DailyBudget,
		}
	}
	return BudgetDecision{
		Allowed:          true,
		RemainingBudget:  t.DailyBudget - t.CurrentSpend - estimatedCost,
		AtAlertThreshold: atAlert,
		CurrentSpend:     t.CurrentSpend,
		DailyBudget:      t.DailyBudget,
	}
}
