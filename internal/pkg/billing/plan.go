package billing

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/entitlements"
)

// ResolveMappedPlan resolves a provider plan reference to an internal plan.
// References without an active mapping grant the default paid plan; callers
// see gorm.ErrRecordNotFound alongside it so they can log the gap.
func ResolveMappedPlan(ctx context.Context, repo Repository, provider Provider, providerPlanRef string) (entitlements.Plan, error) {
	ref := strings.TrimSpace(providerPlanRef)
	if ref == "" {
		return entitlements.DefaultPaidPlan, gorm.ErrRecordNotFound
	}
	m, err := repo.FindActivePlanMapping(ctx, provider, ref)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entitlements.DefaultPaidPlan, err
		}
		return entitlements.PlanFree, err
	}
	return entitlements.ParsePlan(m.InternalPlan), nil
}

// effectivePlan picks the best plan among active entitlements.
func effectivePlan(ents []models.BillingEntitlement) entitlements.Plan {
	plans := make([]entitlements.Plan, 0, len(ents))
	for _, ent := range ents {
		if !ent.Active {
			continue
		}
		plans = append(plans, entitlements.Plan(ent.InternalPlan))
	}
	return entitlements.Best(plans...)
}
