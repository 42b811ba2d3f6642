package entitlements

import "strings"

type Plan string

const (
	PlanFree       Plan = "free"
	PlanPremium    Plan = "premium"
	PlanPremiumMax Plan = "premium_max"
)

// DefaultPaidPlan is granted for paid subjects whose provider plan reference
// has no active mapping.
const DefaultPaidPlan = PlanPremium

// ParsePlan maps free-form plan names onto the known plans. Unknown names
// fall back to free.
func ParsePlan(plan string) Plan {
	switch Plan(strings.ToLower(strings.TrimSpace(plan))) {
	case PlanPremium:
		return PlanPremium
	case PlanPremiumMax:
		return PlanPremiumMax
	default:
		return PlanFree
	}
}

// Rank orders plans so that a user holding several grants gets the best one.
func Rank(plan Plan) int {
	switch ParsePlan(string(plan)) {
	case PlanPremiumMax:
		return 2
	case PlanPremium:
		return 1
	default:
		return 0
	}
}

// Best returns the highest ranked plan, or free when none is given.
func Best(plans ...Plan) Plan {
	best := PlanFree
	for _, p := range plans {
		p = ParsePlan(string(p))
		if Rank(p) > Rank(best) {
			best = p
		}
	}
	return best
}
