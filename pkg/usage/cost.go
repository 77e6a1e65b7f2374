package usage

import (
	"context"
	"math"

	"github.com/backlinkoo/linkwatch/pkg/storage"
)

// DefaultCost is charged when the cost matrix has no matching row.
const DefaultCost = 0.01

// CostTable looks up compute cost matrix rows.
type CostTable interface {
	GetCostEntry(ctx context.Context, operation, engine, difficulty string) (storage.CostEntry, bool, error)
}

// CostRequest identifies one priced operation.
type CostRequest struct {
	Operation  string
	Engine     string
	Difficulty string
	Success    bool
}

// Price applies the matrix formula: base cost times hosting factor, less the
// premium discount for paid tiers, times the tier multiplier, plus the
// success bonus. The result is rounded to 4 decimals.
func Price(e storage.CostEntry, tier string, l Limits, success bool) float64 {
	hosting := e.HostingFactor
	if hosting == 0 {
		hosting = 1
	}
	cost := e.BaseCost * hosting
	if tier != TierFree {
		cost *= 1 - e.PremiumDiscount
	}
	if l.CostMultiplier > 0 {
		cost *= l.CostMultiplier
	}
	if success {
		cost += e.SuccessBonus
	}
	return math.Round(cost*10000) / 10000
}

// ComputeCost prices req for userID.
func (t *Tracker) ComputeCost(ctx context.Context, userID string, req CostRequest) (float64, error) {
	if t.costs == nil {
		return DefaultCost, nil
	}
	tier, limits, err := t.Tier(ctx, userID)
	if err != nil {
		return 0, err
	}
	entry, ok, err := t.costs.GetCostEntry(ctx, req.Operation, req.Engine, req.Difficulty)
	if err != nil {
		return 0, err
	}
	if !ok {
		return DefaultCost, nil
	}
	return Price(entry, tier, limits, req.Success), nil
}

// RecordCompute prices req and adds it to the user's compute counter. It
// returns the cost and the new compute total.
func (t *Tracker) RecordCompute(ctx context.Context, userID string, req CostRequest) (float64, float64, error) {
	cost, err := t.ComputeCost(ctx, userID, req)
	if err != nil {
		return 0, 0, err
	}
	total, err := t.RecordOperation(ctx, userID, storage.UsageComputeUnits, cost)
	return cost, total, err
}
